package features

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/tsawler/go-speechtrain/tensor"
)

// DefaultSymbols is the symbol table used by CharEncoder when none is given.
// Index 0 is the padding symbol.
const DefaultSymbols = "_-!'(),.:;? abcdefghijklmnopqrstuvwxyz"

// CharEncoder maps lower-cased characters to their index in a symbol table.
// Characters outside the table are dropped.
type CharEncoder struct {
	index map[rune]int32
	size  int
}

// NewCharEncoder builds an encoder over symbols.
func NewCharEncoder(symbols string) *CharEncoder {
	if symbols == "" {
		symbols = DefaultSymbols
	}
	idx := make(map[rune]int32)
	var i int32
	for _, r := range symbols {
		if _, ok := idx[r]; !ok {
			idx[r] = i
		}
		i++
	}
	return &CharEncoder{index: idx, size: int(i)}
}

// NumSymbols is the size of the symbol table.
func (e *CharEncoder) NumSymbols() int {
	return e.size
}

func (e *CharEncoder) Encode(text string) ([]int32, error) {
	ids := make([]int32, 0, len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) {
			r = ' '
		}
		if id, ok := e.index[r]; ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// NpyFeatures reads precomputed feature matrices stored next to the audio,
// replacing the audio extension with .npy. Paths are resolved under Root
// when it is set.
type NpyFeatures struct {
	Root string
}

func (n NpyFeatures) Extract(_ context.Context, audioPath string) (*tensor.Tensor, error) {
	p := audioPath
	if ext := filepath.Ext(p); ext != ".npy" {
		p = strings.TrimSuffix(p, ext) + ".npy"
	}
	if n.Root != "" && !filepath.IsAbs(p) {
		p = filepath.Join(n.Root, p)
	}
	return ReadNpyFile(p)
}

// NpyEmbeddings loads frames x dim embeddings and transposes them to
// dim x frames.
type NpyEmbeddings struct {
	Root string
}

func (n NpyEmbeddings) Load(_ context.Context, path string) (*tensor.Tensor, error) {
	p := path
	if n.Root != "" && !filepath.IsAbs(p) {
		p = filepath.Join(n.Root, p)
	}
	t, err := ReadNpyFile(p)
	if err != nil {
		return nil, err
	}
	return Transpose(t)
}

// Transpose swaps the two axes of a 2-D Float32 tensor.
func Transpose(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t.Dim() != 2 {
		return nil, fmt.Errorf("transpose expects 2 dimensions, got %d", t.Dim())
	}
	src, err := t.Float32Data()
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	dst := make([]float32, len(src))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
	return tensor.NewTensor([]int{cols, rows}, tensor.Float32, dst)
}
