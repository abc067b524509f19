package features

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/tsawler/go-speechtrain/tensor"
)

var npyMagic = []byte("\x93NUMPY")

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// ReadNpyFile loads a little-endian float32 or float64 array from disk.
func ReadNpyFile(path string) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := ReadNpy(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

// ReadNpy decodes the .npy format (versions 1 to 3, C order) into a Float32
// tensor. Float64 arrays are narrowed.
func ReadNpy(r io.Reader) (*tensor.Tensor, error) {
	magic := make([]byte, 8)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("npy header: %w", err)
	}
	if !bytes.Equal(magic[:6], npyMagic) {
		return nil, fmt.Errorf("npy header: bad magic")
	}

	var headerLen int
	switch magic[6] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("npy: unsupported version %d", magic[6])
	}

	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("npy header: %w", err)
	}
	descr, shape, err := parseNpyHeader(string(header))
	if err != nil {
		return nil, err
	}

	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float32, n)
	switch descr {
	case "<f4":
		if err := binary.Read(r, binary.LittleEndian, data); err != nil {
			return nil, fmt.Errorf("npy data: %w", err)
		}
	case "<f8":
		wide := make([]float64, n)
		if err := binary.Read(r, binary.LittleEndian, wide); err != nil {
			return nil, fmt.Errorf("npy data: %w", err)
		}
		for i, v := range wide {
			data[i] = float32(v)
		}
	default:
		return nil, fmt.Errorf("npy: unsupported dtype %q", descr)
	}
	return tensor.NewTensor(shape, tensor.Float32, data)
}

func parseNpyHeader(h string) (string, []int, error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return "", nil, fmt.Errorf("npy header: missing descr")
	}
	descr := m[1]

	if fm := fortranRe.FindStringSubmatch(h); fm == nil || fm[1] != "False" {
		return "", nil, fmt.Errorf("npy header: only C-ordered arrays are supported")
	}

	sm := shapeRe.FindStringSubmatch(h)
	if sm == nil {
		return "", nil, fmt.Errorf("npy header: missing shape")
	}
	var shape []int
	for _, part := range strings.Split(sm[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return "", nil, fmt.Errorf("npy header: bad shape %q", sm[1])
		}
		shape = append(shape, d)
	}
	if len(shape) == 0 {
		shape = []int{1}
	}
	return descr, shape, nil
}

// WriteNpy encodes a Float32 tensor as a version 1 .npy stream.
func WriteNpy(w io.Writer, t *tensor.Tensor) error {
	data, err := t.Float32Data()
	if err != nil {
		return err
	}
	dims := make([]string, len(t.Shape))
	for i, d := range t.Shape {
		dims[i] = strconv.Itoa(d)
	}
	shape := strings.Join(dims, ", ")
	if len(dims) == 1 {
		shape += ","
	}
	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%s), }", shape)
	// Pad so that the data starts on a 64-byte boundary, ending with '\n'.
	total := len(npyMagic) + 2 + 2 + len(header) + 1
	if pad := (64 - total%64) % 64; pad > 0 {
		header += strings.Repeat(" ", pad)
	}
	header += "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy header too long")
	}

	if _, err := w.Write(npyMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{1, 0}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(header))); err != nil {
		return err
	}
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, data)
}

// WriteNpyFile writes t to path.
func WriteNpyFile(path string, t *tensor.Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteNpy(f, t); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
