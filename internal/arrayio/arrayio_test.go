package arrayio

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMatrix() [][]float32 {
	return [][]float32{
		{0.5, -1.25, 3},
		{float32(math.Pi), 0, -0.001},
		{1e6, -1e-6, 42},
	}
}

func TestNPY_Float32RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNPYFloat32(&buf, sampleMatrix(), 3))
	assert.Zero(t, (buf.Len()-3*3*4)%64, "header must be 64-byte aligned")

	rows, err := ReadNPYFloat32(&buf)
	require.NoError(t, err)
	assert.Equal(t, sampleMatrix(), rows)
}

func TestNPY_Float64IsNarrowed(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeNPYHeader(&buf, "<f8", 2, 2))
	for _, v := range []float64{1.5, -2, 0.25, 8} {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, v))
	}

	rows, err := ReadNPYFloat32(&buf)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1.5, -2}, {0.25, 8}}, rows)
}

func TestNPY_Uint8RoundTrip(t *testing.T) {
	codes := [][]byte{{0, 255}, {7, 9}, {128, 1}}
	var buf bytes.Buffer
	require.NoError(t, WriteNPYUint8(&buf, codes, 2))

	rows, err := ReadNPYUint8(&buf)
	require.NoError(t, err)
	assert.Equal(t, codes, rows)
}

func TestNPY_Rejects(t *testing.T) {
	t.Run("magic", func(t *testing.T) {
		_, err := ReadNPYFloat32(bytes.NewReader([]byte("PK\x03\x04 not numpy")))
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("fortran order", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(npyMagic)
		buf.Write([]byte{1, 0})
		dict := "{'descr': '<f4', 'fortran_order': True, 'shape': (1, 1), }\n"
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(dict))))
		buf.WriteString(dict)
		buf.Write(make([]byte, 4))
		_, err := ReadNPYFloat32(&buf)
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("integer dtype", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteNPYUint8(&buf, [][]byte{{1}}, 1))
		_, err := ReadNPYFloat32(&buf)
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("truncated", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteNPYFloat32(&buf, sampleMatrix(), 3))
		_, err := ReadNPYFloat32(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("shape larger than payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeNPYHeader(&buf, "<f4", 4000000000000, 1000))
		buf.Write(make([]byte, 64))
		_, err := ReadNPYFloat32(&buf)
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("shape overflows", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeNPYHeader(&buf, "|u1", math.MaxInt/2, 4))
		_, err := ReadNPYUint8(&buf)
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("zero width", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeNPYHeader(&buf, "<f4", 1<<40, 0))
		_, err := ReadNPYFloat32(&buf)
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("ragged write", func(t *testing.T) {
		err := WriteNPYFloat32(&bytes.Buffer{}, [][]float32{{1, 2}, {3}}, 2)
		assert.ErrorIs(t, err, ErrRagged)
	})
}

func TestParquet_EmbeddingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "embeddings.parquet")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, WriteParquetFloat32(f, sampleMatrix()))
	require.NoError(t, f.Close())

	rows, err := ReadMatrix(path)
	require.NoError(t, err)
	assert.Equal(t, sampleMatrix(), rows)
}

func writeParquetRecords[T any](t *testing.T, records []T) *bytes.Reader {
	t.Helper()
	var buf bytes.Buffer
	pw := parquet.NewGenericWriter[T](&buf)
	_, err := pw.Write(records)
	require.NoError(t, err)
	require.NoError(t, pw.Close())
	return bytes.NewReader(buf.Bytes())
}

func TestParquet_ReadsBothVectorLayouts(t *testing.T) {
	want := sampleMatrix()

	t.Run("list", func(t *testing.T) {
		records := make([]EmbeddingRecord, len(want))
		for i, row := range want {
			records[i] = EmbeddingRecord{ID: int64(i), Vector: row}
		}
		r := writeParquetRecords(t, records)
		rows, err := ReadParquetFloat32(r, r.Size())
		require.NoError(t, err)
		assert.Equal(t, want, rows)
	})

	t.Run("repeated", func(t *testing.T) {
		records := make([]repeatedEmbeddingRecord, len(want))
		for i, row := range want {
			records[i] = repeatedEmbeddingRecord{ID: int64(i), Vector: row}
		}
		r := writeParquetRecords(t, records)
		rows, err := ReadParquetFloat32(r, r.Size())
		require.NoError(t, err)
		assert.Equal(t, want, rows)
	})
}

func TestParquet_Rejects(t *testing.T) {
	t.Run("empty vectors", func(t *testing.T) {
		r := writeParquetRecords(t, []EmbeddingRecord{{ID: 0}, {ID: 1}})
		_, err := ReadParquetFloat32(r, r.Size())
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("no vector column", func(t *testing.T) {
		type other struct {
			ID       int64     `parquet:"id"`
			Features []float32 `parquet:"features,list"`
		}
		r := writeParquetRecords(t, []other{{ID: 0, Features: []float32{1, 2}}})
		_, err := ReadParquetFloat32(r, r.Size())
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("not parquet", func(t *testing.T) {
		data := []byte("definitely not a parquet file")
		_, err := ReadParquetFloat32(bytes.NewReader(data), int64(len(data)))
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("ragged", func(t *testing.T) {
		r := writeParquetRecords(t, []EmbeddingRecord{
			{ID: 0, Vector: []float32{1, 2}},
			{ID: 1, Vector: []float32{3}},
		})
		_, err := ReadParquetFloat32(r, r.Size())
		assert.ErrorIs(t, err, ErrRagged)
	})
}

func TestCommitCodes(t *testing.T) {
	dir := t.TempDir()
	pq := [][]byte{{1, 2}, {3, 4}, {5, 6}}
	sq := [][]byte{{10, 20, 30}, {40, 50, 60}, {70, 80, 90}}

	for _, format := range []Format{FormatNPY, FormatParquet} {
		t.Run(string(format), func(t *testing.T) {
			pqPath := filepath.Join(dir, "pq_codes"+format.Ext())
			sqPath := filepath.Join(dir, "int8_vectors"+format.Ext())
			require.NoError(t, CommitCodes([]CodeFile{
				{Path: pqPath, Rows: pq, Cols: 2},
				{Path: sqPath, Rows: sq, Cols: 3},
			}))

			got, err := ReadCodes(pqPath)
			require.NoError(t, err)
			assert.Equal(t, pq, got)
			got, err = ReadCodes(sqPath)
			require.NoError(t, err)
			assert.Equal(t, sq, got)
		})
	}
}

func TestCommitCodes_FailureLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	err := CommitCodes([]CodeFile{
		{Path: filepath.Join(dir, "pq_codes.npy"), Rows: [][]byte{{1, 2}}, Cols: 2},
		{Path: filepath.Join(dir, "int8_vectors.npy"), Rows: [][]byte{{1}}, Cols: 3},
	})
	assert.ErrorIs(t, err, ErrRagged)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFormatOf(t *testing.T) {
	f, err := FormatOf("data/x.NPY")
	require.NoError(t, err)
	assert.Equal(t, FormatNPY, f)

	_, err = FormatOf("data/x.csv")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = ReadMatrix("data/x.pkl")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
