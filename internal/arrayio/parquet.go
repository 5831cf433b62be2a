package arrayio

import (
	"errors"
	"fmt"
	"io"

	"github.com/parquet-go/parquet-go"
)

const parquetChunkRows = 1024

// EmbeddingRecord is one row of a parquet embeddings file. Rows are taken
// in file order; ID is informational. Vector uses the standard LIST
// layout, the one pyarrow and pandas write for list<float> columns.
type EmbeddingRecord struct {
	ID     int64     `parquet:"id"`
	Vector []float32 `parquet:"vector,list"`
}

// repeatedEmbeddingRecord reads files whose vector column is a bare
// repeated float field rather than a LIST group.
type repeatedEmbeddingRecord struct {
	ID     int64     `parquet:"id"`
	Vector []float32 `parquet:"vector"`
}

// CodeRecord is one row of a parquet code file. Row is the index of the
// source embedding.
type CodeRecord struct {
	Row  int64  `parquet:"row"`
	Code []byte `parquet:"code"`
}

// ReadParquetFloat32 reads every vector of a parquet embeddings file of the
// given size. The vector column may be a LIST group or a bare repeated
// field.
func ReadParquetFloat32(r io.ReaderAt, size int64) ([][]float32, error) {
	f, err := openParquet(r, size)
	if err != nil {
		return nil, err
	}
	var vector parquet.Field
	for _, field := range f.Schema().Fields() {
		if field.Name() == "vector" {
			vector = field
			break
		}
	}
	if vector == nil {
		return nil, fmt.Errorf("%w: no vector column", ErrFormat)
	}
	if vector.Leaf() {
		return readEmbeddings(r, func(rec *repeatedEmbeddingRecord) []float32 { return rec.Vector })
	}
	return readEmbeddings(r, func(rec *EmbeddingRecord) []float32 { return rec.Vector })
}

func readEmbeddings[T any](r io.ReaderAt, vectorOf func(*T) []float32) ([][]float32, error) {
	reader := parquet.NewGenericReader[T](r)
	defer reader.Close()

	rows := make([][]float32, 0, reader.NumRows())
	buf := make([]T, parquetChunkRows)
	width := -1
	for {
		n, err := reader.Read(buf)
		for i := range buf[:n] {
			vec := vectorOf(&buf[i])
			if width < 0 {
				width = len(vec)
				if width == 0 {
					return nil, fmt.Errorf("%w: row 0 has an empty vector", ErrFormat)
				}
			}
			if len(vec) != width {
				return nil, fmt.Errorf("%w: row %d has width %d, expected %d", ErrRagged, len(rows), len(vec), width)
			}
			rows = append(rows, append([]float32(nil), vec...))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading parquet rows: %w", err)
		}
	}
	return rows, nil
}

// WriteParquetFloat32 writes rows as embedding records with sequential IDs.
func WriteParquetFloat32(w io.Writer, rows [][]float32) error {
	pw := parquet.NewGenericWriter[EmbeddingRecord](w, parquet.Compression(&parquet.Zstd))
	records := make([]EmbeddingRecord, 0, parquetChunkRows)
	for i, row := range rows {
		records = append(records, EmbeddingRecord{ID: int64(i), Vector: row})
		if len(records) == parquetChunkRows {
			if _, err := pw.Write(records); err != nil {
				_ = pw.Close()
				return err
			}
			records = records[:0]
		}
	}
	if _, err := pw.Write(records); err != nil {
		_ = pw.Close()
		return err
	}
	return pw.Close()
}

// WriteParquetCodes writes one CodeRecord per row, in row order.
func WriteParquetCodes(w io.Writer, rows [][]byte, cols int) error {
	pw := parquet.NewGenericWriter[CodeRecord](w, parquet.Compression(&parquet.Zstd))
	records := make([]CodeRecord, 0, parquetChunkRows)
	flush := func() error {
		if _, err := pw.Write(records); err != nil {
			return fmt.Errorf("writing parquet rows: %w", err)
		}
		records = records[:0]
		return nil
	}
	for i, row := range rows {
		if len(row) != cols {
			_ = pw.Close()
			return fmt.Errorf("%w: row %d has width %d, expected %d", ErrRagged, i, len(row), cols)
		}
		records = append(records, CodeRecord{Row: int64(i), Code: row})
		if len(records) == parquetChunkRows {
			if err := flush(); err != nil {
				_ = pw.Close()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		_ = pw.Close()
		return err
	}
	return pw.Close()
}

// ReadParquetCodes reads a code file back into row order.
func ReadParquetCodes(r io.ReaderAt, size int64) ([][]byte, error) {
	if _, err := openParquet(r, size); err != nil {
		return nil, err
	}
	reader := parquet.NewGenericReader[CodeRecord](r)
	defer reader.Close()

	total := reader.NumRows()
	rows := make([][]byte, total)
	buf := make([]CodeRecord, parquetChunkRows)
	for {
		n, err := reader.Read(buf)
		for _, rec := range buf[:n] {
			if rec.Row < 0 || rec.Row >= total {
				return nil, fmt.Errorf("%w: code row %d out of range", ErrFormat, rec.Row)
			}
			rows[rec.Row] = append([]byte(nil), rec.Code...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading parquet rows: %w", err)
		}
	}
	return rows, nil
}

// openParquet opens the footer up front; the generic reader panics on
// files it cannot open.
func openParquet(r io.ReaderAt, size int64) (*parquet.File, error) {
	f, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	return f, nil
}
