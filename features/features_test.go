package features

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/tsawler/go-speechtrain/dataset"
	"github.com/tsawler/go-speechtrain/tensor"
)

type fakeExtractor struct {
	channels int
	frames   map[string]int
	err      error
}

func (f fakeExtractor) Extract(_ context.Context, path string) (*tensor.Tensor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return tensor.Zeros([]int{f.channels, f.frames[path]}, tensor.Float32)
}

type fakeEmbeddings struct{ dim int }

func (f fakeEmbeddings) Load(context.Context, string) (*tensor.Tensor, error) {
	return tensor.Zeros([]int{f.dim, 3}, tensor.Float32)
}

func TestOneHot(t *testing.T) {
	v, err := OneHot(2, 4)
	if err != nil {
		t.Fatalf("OneHot failed: %v", err)
	}
	if !reflect.DeepEqual(v, []float32{0, 0, 1, 0}) {
		t.Errorf("Expected [0 0 1 0], got %v", v)
	}
	if _, err := OneHot(4, 4); err == nil {
		t.Error("Expected error for index out of range")
	}
	if _, err := OneHot(0, 0); err == nil {
		t.Error("Expected error for zero size")
	}
}

func TestCharEncoder(t *testing.T) {
	enc := NewCharEncoder("")
	ids, err := enc.Encode("Ab\tc#")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	a := int32(strings.IndexRune(DefaultSymbols, 'a'))
	space := int32(strings.IndexRune(DefaultSymbols, ' '))
	want := []int32{a, a + 1, space, a + 2}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("Expected %v, got %v", want, ids)
	}
	if enc.NumSymbols() != len(DefaultSymbols) {
		t.Errorf("Expected %d symbols, got %d", len(DefaultSymbols), enc.NumSymbols())
	}
}

func TestNpyRoundTrip(t *testing.T) {
	shapes := [][]int{{5}, {2, 3}, {2, 1, 4}}
	for _, shape := range shapes {
		src, _ := tensor.Zeros(shape, tensor.Float32)
		data, _ := src.Float32Data()
		for i := range data {
			data[i] = float32(i) * 0.5
		}

		var buf bytes.Buffer
		if err := WriteNpy(&buf, src); err != nil {
			t.Fatalf("WriteNpy failed: %v", err)
		}
		// Version 1 headers align the data on 64 bytes.
		headerLen := binary.LittleEndian.Uint16(buf.Bytes()[8:10])
		if (10+int(headerLen))%64 != 0 {
			t.Errorf("shape %v: data offset %d not 64-byte aligned", shape, 10+int(headerLen))
		}

		got, err := ReadNpy(&buf)
		if err != nil {
			t.Fatalf("ReadNpy failed: %v", err)
		}
		if !got.Equal(src) {
			t.Errorf("shape %v: round trip mismatch", shape)
		}
	}
}

func TestReadNpyRejectsBadInput(t *testing.T) {
	if _, err := ReadNpy(strings.NewReader("not a numpy file")); err == nil {
		t.Error("Expected error for bad magic")
	}

	header := "{'descr': '<i4', 'fortran_order': False, 'shape': (2,), }\n"
	var buf bytes.Buffer
	buf.Write(npyMagic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	buf.Write(make([]byte, 8))
	if _, err := ReadNpy(&buf); err == nil {
		t.Error("Expected error for unsupported dtype")
	}
}

func TestNpySourcesFromDisk(t *testing.T) {
	dir := t.TempDir()
	mel, _ := tensor.FromRows([][]float32{{1, 2, 3}, {4, 5, 6}})
	if err := WriteNpyFile(filepath.Join(dir, "utt1.npy"), mel); err != nil {
		t.Fatal(err)
	}

	got, err := NpyFeatures{Root: dir}.Extract(context.Background(), "utt1.wav")
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !got.Equal(mel) {
		t.Error("Expected features to match the stored matrix")
	}

	emb, err := NpyEmbeddings{Root: dir}.Load(context.Background(), "utt1.npy")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(emb.Shape, []int{3, 2}) {
		t.Errorf("Expected transposed shape [3 2], got %v", emb.Shape)
	}
	v, _ := emb.At(2, 1)
	if v != 6 {
		t.Errorf("Expected 6 at (2,1), got %v", v)
	}
}

func TestResolver(t *testing.T) {
	rec := dataset.Record{AudioPath: "wavs/LJ001-0001.wav", Text: "abc", SpeakerID: 1, EmotionID: 0}
	r := &Resolver{
		Text:        NewCharEncoder(""),
		Features:    fakeExtractor{channels: 4, frames: map[string]int{rec.AudioPath: 7}},
		Channels:    4,
		NumSpeakers: 2,
		NumEmotions: 3,
	}

	s, err := r.Resolve(context.Background(), rec)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if s.ID != "LJ001-0001" {
		t.Errorf("Expected id LJ001-0001, got %s", s.ID)
	}
	if s.Frames() != 7 || len(s.TextIDs) != 3 {
		t.Errorf("Unexpected sample sizes: frames %d text %d", s.Frames(), len(s.TextIDs))
	}
	if !reflect.DeepEqual(s.Speaker, []float32{0, 1}) || len(s.Emotion) != 3 {
		t.Errorf("Unexpected one-hots: %v %v", s.Speaker, s.Emotion)
	}
	if s.Embedding != nil {
		t.Error("Expected no embedding")
	}

	t.Run("channel mismatch", func(t *testing.T) {
		bad := *r
		bad.Channels = 80
		if _, err := bad.Resolve(context.Background(), rec); err == nil {
			t.Error("Expected channel mismatch error")
		}
	})

	t.Run("embedding", func(t *testing.T) {
		withEmb := *r
		withEmb.Embeddings = fakeEmbeddings{dim: 5}
		withEmb.EmbeddingDim = 5
		if _, err := withEmb.Resolve(context.Background(), rec); err == nil {
			t.Error("Expected error for missing embedding path")
		}
		rec2 := rec
		rec2.EmbeddingPath = "e.npy"
		s, err := withEmb.Resolve(context.Background(), rec2)
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if s.Embedding.Size(0) != 5 {
			t.Errorf("Expected embedding dim 5, got %d", s.Embedding.Size(0))
		}
	})

	t.Run("extractor error", func(t *testing.T) {
		boom := errors.New("boom")
		bad := *r
		bad.Features = fakeExtractor{err: boom}
		if _, err := bad.ResolveAll(context.Background(), []dataset.Record{rec}); !errors.Is(err, boom) {
			t.Errorf("Expected wrapped extractor error, got %v", err)
		}
	})
}
