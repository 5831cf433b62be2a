package arrayio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

// npyReadChunk caps how far the payload buffer grows ahead of the data.
const npyReadChunk = 1 << 20

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

type npyHeader struct {
	descr string
	shape []int
}

// ReadNPYFloat32 reads a 2-D C-order .npy array of float32 or float64
// values. float64 input is narrowed to float32.
func ReadNPYFloat32(r io.Reader) ([][]float32, error) {
	br := bufio.NewReader(r)
	hdr, err := readNPYHeader(br)
	if err != nil {
		return nil, err
	}
	if len(hdr.shape) != 2 {
		return nil, fmt.Errorf("%w: expected a 2-D array, got shape %v", ErrFormat, hdr.shape)
	}

	var order binary.ByteOrder
	switch hdr.descr[0] {
	case '<', '=':
		order = binary.LittleEndian
	case '>':
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: unsupported dtype %q", ErrFormat, hdr.descr)
	}

	var size int
	switch hdr.descr[1:] {
	case "f4":
		size = 4
	case "f8":
		size = 8
	default:
		return nil, fmt.Errorf("%w: unsupported dtype %q, want float32 or float64", ErrFormat, hdr.descr)
	}

	n, d := hdr.shape[0], hdr.shape[1]
	raw, err := readNPYPayload(br, n, d, size)
	if err != nil {
		return nil, err
	}

	flat := make([]float32, n*d)
	for i := range flat {
		if size == 4 {
			flat[i] = math.Float32frombits(order.Uint32(raw[4*i:]))
		} else {
			flat[i] = float32(math.Float64frombits(order.Uint64(raw[8*i:])))
		}
	}
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = flat[i*d : (i+1)*d : (i+1)*d]
	}
	return rows, nil
}

// readNPYPayload reads the n x d x size byte payload. The buffer grows
// with the bytes actually read, so a header claiming more data than the
// file holds fails with ErrFormat instead of a huge allocation.
func readNPYPayload(r io.Reader, n, d, size int) ([]byte, error) {
	if n > 0 && d == 0 {
		return nil, fmt.Errorf("%w: %d rows of width zero", ErrFormat, n)
	}
	if d > 0 && n > math.MaxInt/d/size {
		return nil, fmt.Errorf("%w: shape (%d, %d) overflows", ErrFormat, n, d)
	}
	total := n * d * size
	buf := make([]byte, 0, min(total, npyReadChunk))
	for len(buf) < total {
		start := len(buf)
		step := min(total-start, npyReadChunk)
		buf = slices.Grow(buf, step)[:start+step]
		if _, err := io.ReadFull(r, buf[start:]); err != nil {
			return nil, fmt.Errorf("%w: reading %dx%d payload: %w", ErrFormat, n, d, err)
		}
	}
	return buf, nil
}

func readNPYHeader(r io.Reader) (npyHeader, error) {
	var hdr npyHeader

	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return hdr, fmt.Errorf("%w: reading magic: %w", ErrFormat, err)
	}
	if !bytes.Equal(prefix[:len(npyMagic)], npyMagic) {
		return hdr, fmt.Errorf("%w: not an npy file", ErrFormat)
	}

	var headerLen int
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var l uint16
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return hdr, fmt.Errorf("%w: reading header length: %w", ErrFormat, err)
		}
		headerLen = int(l)
	case 2, 3:
		var l uint32
		if err := binary.Read(r, binary.LittleEndian, &l); err != nil {
			return hdr, fmt.Errorf("%w: reading header length: %w", ErrFormat, err)
		}
		headerLen = int(l)
	default:
		return hdr, fmt.Errorf("%w: unsupported npy version %d", ErrFormat, major)
	}

	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hdr, fmt.Errorf("%w: reading header: %w", ErrFormat, err)
	}
	dict := string(buf)

	m := descrRe.FindStringSubmatch(dict)
	if m == nil || len(m[1]) < 3 {
		return hdr, fmt.Errorf("%w: header has no dtype", ErrFormat)
	}
	hdr.descr = m[1]

	if m := fortranRe.FindStringSubmatch(dict); m == nil || m[1] != "False" {
		return hdr, fmt.Errorf("%w: only C-order arrays are supported", ErrFormat)
	}

	m = shapeRe.FindStringSubmatch(dict)
	if m == nil {
		return hdr, fmt.Errorf("%w: header has no shape", ErrFormat)
	}
	for _, part := range strings.Split(m[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(part, "L"))
		if err != nil || v < 0 {
			return hdr, fmt.Errorf("%w: bad shape entry %q", ErrFormat, part)
		}
		hdr.shape = append(hdr.shape, v)
	}
	return hdr, nil
}

// WriteNPYUint8 writes rows as an N x cols uint8 array.
func WriteNPYUint8(w io.Writer, rows [][]byte, cols int) error {
	bw := bufio.NewWriter(w)
	if err := writeNPYHeader(bw, "|u1", len(rows), cols); err != nil {
		return err
	}
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("%w: row %d has width %d, expected %d", ErrRagged, i, len(row), cols)
		}
		if _, err := bw.Write(row); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteNPYFloat32 writes rows as an N x cols little-endian float32 array.
func WriteNPYFloat32(w io.Writer, rows [][]float32, cols int) error {
	bw := bufio.NewWriter(w)
	if err := writeNPYHeader(bw, "<f4", len(rows), cols); err != nil {
		return err
	}
	buf := make([]byte, 4)
	for i, row := range rows {
		if len(row) != cols {
			return fmt.Errorf("%w: row %d has width %d, expected %d", ErrRagged, i, len(row), cols)
		}
		for _, v := range row {
			binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
			if _, err := bw.Write(buf); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

func writeNPYHeader(w io.Writer, descr string, n, cols int) error {
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%d, %d), }", descr, n, cols)
	// magic + version + uint16 length + dict + newline, padded to 64 bytes.
	total := len(npyMagic) + 2 + 2 + len(dict) + 1
	if pad := total % 64; pad != 0 {
		dict += strings.Repeat(" ", 64-pad)
	}
	dict += "\n"

	if _, err := w.Write(npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(dict))); err != nil {
		return err
	}
	_, err := io.WriteString(w, dict)
	return err
}

// ReadNPYUint8 reads a 2-D uint8 array such as a code file.
func ReadNPYUint8(r io.Reader) ([][]byte, error) {
	br := bufio.NewReader(r)
	hdr, err := readNPYHeader(br)
	if err != nil {
		return nil, err
	}
	if hdr.descr != "|u1" && hdr.descr != "<u1" {
		return nil, fmt.Errorf("%w: unsupported dtype %q, want uint8", ErrFormat, hdr.descr)
	}
	if len(hdr.shape) != 2 {
		return nil, fmt.Errorf("%w: expected a 2-D array, got shape %v", ErrFormat, hdr.shape)
	}

	n, d := hdr.shape[0], hdr.shape[1]
	flat, err := readNPYPayload(br, n, d, 1)
	if err != nil {
		return nil, err
	}
	rows := make([][]byte, n)
	for i := range rows {
		rows[i] = flat[i*d : (i+1)*d : (i+1)*d]
	}
	return rows, nil
}
