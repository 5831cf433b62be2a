// Package arrayio reads embedding matrices and writes code matrices as
// .npy or .parquet files.
package arrayio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
)

var (
	ErrFormat            = errors.New("malformed array file")
	ErrRagged            = errors.New("rows have different widths")
	ErrUnsupportedFormat = errors.New("unsupported array format")
)

// Format names an on-disk array encoding.
type Format string

const (
	FormatNPY     Format = "npy"
	FormatParquet Format = "parquet"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatNPY, FormatParquet:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// Ext returns the file extension including the dot.
func (f Format) Ext() string { return "." + string(f) }

// FormatOf infers the format from a file name.
func FormatOf(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// ReadMatrix loads an embeddings file. Every row has the same width.
func ReadMatrix(path string) ([][]float32, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening embeddings: %w", err)
	}
	defer f.Close()

	var rows [][]float32
	switch format {
	case FormatNPY:
		rows, err = ReadNPYFloat32(f)
	case FormatParquet:
		var info os.FileInfo
		if info, err = f.Stat(); err == nil {
			rows, err = ReadParquetFloat32(f, info.Size())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("reading embeddings %s: %w", path, err)
	}
	return rows, nil
}

// ReadCodes loads a code matrix written by CommitCodes.
func ReadCodes(path string) ([][]byte, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening codes: %w", err)
	}
	defer f.Close()

	switch format {
	case FormatParquet:
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		return ReadParquetCodes(f, info.Size())
	default:
		return ReadNPYUint8(f)
	}
}

// CodeFile is one code matrix to be written.
type CodeFile struct {
	Path string
	Rows [][]byte
	Cols int
}

// CommitCodes writes every file to a temporary sibling and only renames
// them into place once all of them were written, so a failure leaves no
// partial outputs behind.
func CommitCodes(files []CodeFile) error {
	pending := make([]*renameio.PendingFile, 0, len(files))
	defer func() {
		for _, p := range pending {
			_ = p.Cleanup()
		}
	}()

	for _, cf := range files {
		format, err := FormatOf(cf.Path)
		if err != nil {
			return err
		}
		p, err := renameio.TempFile(filepath.Dir(cf.Path), cf.Path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", cf.Path, err)
		}
		pending = append(pending, p)

		if err := writeCodes(p, format, cf); err != nil {
			return fmt.Errorf("writing %s: %w", cf.Path, err)
		}
	}

	for i, p := range pending {
		if err := p.CloseAtomicallyReplace(); err != nil {
			// Roll back outputs already renamed into place.
			for _, done := range files[:i] {
				_ = os.Remove(done.Path)
			}
			return fmt.Errorf("committing %s: %w", files[i].Path, err)
		}
	}
	return nil
}

func writeCodes(w io.Writer, format Format, cf CodeFile) error {
	switch format {
	case FormatParquet:
		return WriteParquetCodes(w, cf.Rows, cf.Cols)
	default:
		return WriteNPYUint8(w, cf.Rows, cf.Cols)
	}
}
