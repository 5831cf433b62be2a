package quantizer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/klauspost/compress/zstd"
)

// Artifact layout, all integers little endian:
//
//	[4]  magic ("EQPQ" or "EQSQ")
//	[2]  format version
//	[2]  flags (bit 0: trained/fitted)
//	[4]  D
//	[4]  M (0 for scalar)
//	[4]  K (0 for scalar)
//	[8]  raw payload length
//	[4]  CRC-32 (IEEE) of the raw payload
//	[8]  compressed payload length
//	[..] zstd payload: float32 values
//
// The PQ payload is the M codebooks back to back; the scalar payload is the
// minimum vector followed by the maximum vector.
const (
	artifactVersion = 1
	flagTrained     = 1 << 0

	// MaxArtifactDims bounds the recorded dimension so a corrupt header
	// cannot request an absurd allocation.
	MaxArtifactDims = 1 << 20
)

var (
	magicPQ     = [4]byte{'E', 'Q', 'P', 'Q'}
	magicScalar = [4]byte{'E', 'Q', 'S', 'Q'}
)

type artifactHeader struct {
	Magic         [4]byte
	Version       uint16
	Flags         uint16
	Dims          uint32
	Subspaces     uint32
	Centroids     uint32
	RawLen        uint64
	Checksum      uint32
	CompressedLen uint64
}

// WriteTo serializes the trained model.
func (pq *ProductQuantizer) WriteTo(w io.Writer) (int64, error) {
	if err := pq.ready(); err != nil {
		return 0, err
	}
	values := make([]float32, 0, pq.m*pq.k*pq.subDim)
	for _, cb := range pq.codebooks {
		values = append(values, cb...)
	}
	hdr := artifactHeader{
		Magic:     magicPQ,
		Flags:     flagTrained,
		Dims:      uint32(pq.dims),
		Subspaces: uint32(pq.m),
		Centroids: uint32(pq.k),
	}
	return writeArtifact(w, hdr, values)
}

// ReadProductQuantizer decodes a PQ artifact. If expectedDim is positive the
// recorded dimension must match it.
func ReadProductQuantizer(r io.Reader, expectedDim int) (*ProductQuantizer, error) {
	hdr, values, err := readArtifact(r, magicPQ, expectedDim, func(h artifactHeader) (int, error) {
		if h.Subspaces == 0 || h.Dims%h.Subspaces != 0 {
			return 0, fmt.Errorf("%w: recorded D=%d, M=%d", ErrArtifact, h.Dims, h.Subspaces)
		}
		if h.Centroids == 0 || h.Centroids > MaxCentroids {
			return 0, fmt.Errorf("%w: recorded K=%d", ErrArtifact, h.Centroids)
		}
		return int(h.Centroids) * int(h.Dims), nil
	})
	if err != nil {
		return nil, err
	}

	dims, m, k := int(hdr.Dims), int(hdr.Subspaces), int(hdr.Centroids)
	size := k * (dims / m)
	codebooks := make([][]float32, m)
	for i := range codebooks {
		codebooks[i] = values[i*size : (i+1)*size]
	}
	pq, err := NewProductQuantizer(dims, m, k, codebooks)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifact, err)
	}
	return pq, nil
}

// WriteTo serializes the fitted model.
func (sq *ScalarQuantizer) WriteTo(w io.Writer) (int64, error) {
	if err := sq.ready(); err != nil {
		return 0, err
	}
	values := make([]float32, 0, 2*sq.dims)
	values = append(values, sq.mins...)
	values = append(values, sq.maxs...)
	hdr := artifactHeader{
		Magic: magicScalar,
		Flags: flagTrained,
		Dims:  uint32(sq.dims),
	}
	return writeArtifact(w, hdr, values)
}

// ReadScalarQuantizer decodes a scalar artifact. If expectedDim is positive
// the recorded dimension must match it.
func ReadScalarQuantizer(r io.Reader, expectedDim int) (*ScalarQuantizer, error) {
	hdr, values, err := readArtifact(r, magicScalar, expectedDim, func(h artifactHeader) (int, error) {
		return 2 * int(h.Dims), nil
	})
	if err != nil {
		return nil, err
	}
	dims := int(hdr.Dims)
	sq, err := NewScalarQuantizer(values[:dims], values[dims:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifact, err)
	}
	return sq, nil
}

// SaveProductQuantizer writes pq to path atomically.
func SaveProductQuantizer(path string, pq *ProductQuantizer) error {
	return saveArtifact(path, pq)
}

// LoadProductQuantizer reads a PQ artifact from path.
func LoadProductQuantizer(path string, expectedDim int) (*ProductQuantizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening pq model: %w", err)
	}
	defer f.Close()

	pq, err := ReadProductQuantizer(bufio.NewReader(f), expectedDim)
	if err != nil {
		return nil, fmt.Errorf("loading pq model %s: %w", path, err)
	}
	return pq, nil
}

// SaveScalarQuantizer writes sq to path atomically.
func SaveScalarQuantizer(path string, sq *ScalarQuantizer) error {
	return saveArtifact(path, sq)
}

// LoadScalarQuantizer reads a scalar artifact from path.
func LoadScalarQuantizer(path string, expectedDim int) (*ScalarQuantizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening scalar model: %w", err)
	}
	defer f.Close()

	sq, err := ReadScalarQuantizer(bufio.NewReader(f), expectedDim)
	if err != nil {
		return nil, fmt.Errorf("loading scalar model %s: %w", path, err)
	}
	return sq, nil
}

func saveArtifact(path string, model io.WriterTo) error {
	return SaveArtifacts(Artifact{Path: path, Model: model})
}

// Artifact pairs a model with the file it is saved to.
type Artifact struct {
	Path  string
	Model io.WriterTo
}

// SaveArtifacts serializes every model into a temporary sibling of its
// path and renames them into place only after all were written. A model
// that fails to serialize leaves every existing file untouched.
func SaveArtifacts(artifacts ...Artifact) error {
	pending := make([]*renameio.PendingFile, 0, len(artifacts))
	defer func() {
		for _, p := range pending {
			_ = p.Cleanup()
		}
	}()

	for _, a := range artifacts {
		var buf bytes.Buffer
		if _, err := a.Model.WriteTo(&buf); err != nil {
			return fmt.Errorf("serializing %s: %w", a.Path, err)
		}
		p, err := renameio.TempFile(filepath.Dir(a.Path), a.Path)
		if err != nil {
			return fmt.Errorf("creating %s: %w", a.Path, err)
		}
		pending = append(pending, p)
		if _, err := p.Write(buf.Bytes()); err != nil {
			return fmt.Errorf("writing model %s: %w", a.Path, err)
		}
		if err := p.Chmod(0o644); err != nil {
			return fmt.Errorf("writing model %s: %w", a.Path, err)
		}
	}

	for i, p := range pending {
		if err := p.CloseAtomicallyReplace(); err != nil {
			// Never leave a half-replaced model set behind.
			for _, done := range artifacts[:i] {
				_ = os.Remove(done.Path)
			}
			return fmt.Errorf("committing model %s: %w", artifacts[i].Path, err)
		}
	}
	return nil
}

func writeArtifact(w io.Writer, hdr artifactHeader, values []float32) (int64, error) {
	raw := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return 0, fmt.Errorf("creating zstd encoder: %w", err)
	}
	compressed := enc.EncodeAll(raw, nil)
	_ = enc.Close()

	hdr.Version = artifactVersion
	hdr.RawLen = uint64(len(raw))
	hdr.Checksum = crc32.ChecksumIEEE(raw)
	hdr.CompressedLen = uint64(len(compressed))

	if err := binary.Write(w, binary.LittleEndian, &hdr); err != nil {
		return 0, fmt.Errorf("writing artifact header: %w", err)
	}
	n, err := w.Write(compressed)
	if err != nil {
		return 0, fmt.Errorf("writing artifact payload: %w", err)
	}
	return int64(binary.Size(hdr) + n), nil
}

// readArtifact validates the header and returns the decoded float payload.
// valueCount derives the expected number of floats from the header.
func readArtifact(r io.Reader, magic [4]byte, expectedDim int, valueCount func(artifactHeader) (int, error)) (artifactHeader, []float32, error) {
	var hdr artifactHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return hdr, nil, fmt.Errorf("%w: truncated header", ErrArtifact)
		}
		return hdr, nil, fmt.Errorf("reading artifact header: %w", err)
	}
	if hdr.Magic != magic {
		return hdr, nil, fmt.Errorf("%w: unexpected magic %q", ErrArtifact, hdr.Magic[:])
	}
	if hdr.Version != artifactVersion {
		return hdr, nil, fmt.Errorf("%w: unsupported version %d", ErrArtifact, hdr.Version)
	}
	if hdr.Flags&flagTrained == 0 {
		return hdr, nil, fmt.Errorf("artifact records an untrained model: %w", ErrNotTrained)
	}
	if hdr.Dims == 0 || hdr.Dims > MaxArtifactDims {
		return hdr, nil, fmt.Errorf("%w: recorded dimension %d outside [1, %d]", ErrArtifact, hdr.Dims, MaxArtifactDims)
	}
	if expectedDim > 0 && int(hdr.Dims) != expectedDim {
		return hdr, nil, fmt.Errorf("%w: recorded dimension %d, expected %d", ErrArtifact, hdr.Dims, expectedDim)
	}

	count, err := valueCount(hdr)
	if err != nil {
		return hdr, nil, err
	}
	if hdr.RawLen != uint64(4*count) {
		return hdr, nil, fmt.Errorf("%w: payload length %d, want %d", ErrArtifact, hdr.RawLen, 4*count)
	}
	// A zstd frame never grows by more than a small bound over its input.
	if hdr.CompressedLen > hdr.RawLen+hdr.RawLen/64+1024 {
		return hdr, nil, fmt.Errorf("%w: compressed length %d too large", ErrArtifact, hdr.CompressedLen)
	}

	// The payload buffer grows with the bytes actually present, never with
	// the length the header claims.
	compressed, err := io.ReadAll(io.LimitReader(r, int64(hdr.CompressedLen)))
	if err != nil {
		return hdr, nil, fmt.Errorf("reading artifact payload: %w", err)
	}
	if uint64(len(compressed)) != hdr.CompressedLen {
		return hdr, nil, fmt.Errorf("%w: truncated payload: %d of %d bytes", ErrArtifact, len(compressed), hdr.CompressedLen)
	}

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(hdr.RawLen))
	if err != nil {
		return hdr, nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return hdr, nil, fmt.Errorf("%w: decompressing payload: %w", ErrArtifact, err)
	}
	if uint64(len(raw)) != hdr.RawLen {
		return hdr, nil, fmt.Errorf("%w: decompressed %d bytes, want %d", ErrArtifact, len(raw), hdr.RawLen)
	}
	if crc32.ChecksumIEEE(raw) != hdr.Checksum {
		return hdr, nil, fmt.Errorf("%w: checksum mismatch", ErrArtifact)
	}

	values := make([]float32, count)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return hdr, values, nil
}
