package checkpoints

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"
	"time"

	"github.com/tsawler/go-speechtrain/model"
	"github.com/tsawler/go-speechtrain/storage"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		FormatVersion: FormatVersion,
		Iteration:     1500,
		LearningRate:  1e-3,
		StateDict: []WeightTensor{
			{Name: "embedding.weight", Shape: []int{2, 3}, Data: []float32{0.1, -0.2, 1e-30, float32(math.Inf(1)), 0, -0}},
			{Name: "mel_proj.bias", Shape: []int{2}, Data: []float32{3.25, math.SmallestNonzeroFloat32}},
		},
		Optimizer: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]float64{"beta1": 0.9, "beta2": 0.999, "step_count": 1500},
			StateData: []OptimizerTensor{
				{Name: "embedding.weight", Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}, StateType: "m"},
				{Name: "embedding.weight", Shape: []int{2, 3}, Data: []float32{6, 5, 4, 3, 2, float32(math.Inf(-1))}, StateType: "v"},
			},
		},
		Metadata: CheckpointMetadata{
			Framework:      "speechtrain",
			RunID:          "run-1",
			CreatedAt:      time.Date(2026, 3, 1, 12, 0, 0, 123, time.UTC),
			Epoch:          3,
			ValidationLoss: 0.4321,
			WorldSize:      2,
			Tags:           []string{"a", "b"},
		},
	}
}

func checkEqual(t *testing.T, want, got *Checkpoint) {
	t.Helper()
	if got.FormatVersion != want.FormatVersion || got.Iteration != want.Iteration || got.LearningRate != want.LearningRate {
		t.Fatalf("Expected header %d/%d/%v, got %d/%d/%v", want.FormatVersion, want.Iteration, want.LearningRate,
			got.FormatVersion, got.Iteration, got.LearningRate)
	}
	if len(got.StateDict) != len(want.StateDict) {
		t.Fatalf("Expected %d tensors, got %d", len(want.StateDict), len(got.StateDict))
	}
	for i, w := range want.StateDict {
		g := got.StateDict[i]
		if g.Name != w.Name || !sameShape(g.Shape, w.Shape) {
			t.Fatalf("tensor %d: expected %s%v, got %s%v", i, w.Name, w.Shape, g.Name, g.Shape)
		}
		for j := range w.Data {
			if math.Float32bits(g.Data[j]) != math.Float32bits(w.Data[j]) {
				t.Errorf("%s[%d]: expected bits %x, got %x", w.Name, j, math.Float32bits(w.Data[j]), math.Float32bits(g.Data[j]))
			}
		}
	}
	if got.Optimizer == nil {
		t.Fatal("Expected optimizer state")
	}
	if got.Optimizer.Type != want.Optimizer.Type {
		t.Errorf("Expected optimizer %s, got %s", want.Optimizer.Type, got.Optimizer.Type)
	}
	for k, v := range want.Optimizer.Parameters {
		if got.Optimizer.Parameters[k] != v {
			t.Errorf("optimizer %s: expected %v, got %v", k, v, got.Optimizer.Parameters[k])
		}
	}
	for i, o := range want.Optimizer.StateData {
		g := got.Optimizer.StateData[i]
		if g.StateType != o.StateType || g.Name != o.Name {
			t.Errorf("optimizer tensor %d: expected %s/%s, got %s/%s", i, o.Name, o.StateType, g.Name, g.StateType)
		}
		for j := range o.Data {
			if g.Data[j] != o.Data[j] {
				t.Errorf("optimizer tensor %d[%d]: expected %v, got %v", i, j, o.Data[j], g.Data[j])
			}
		}
	}
	md, gmd := want.Metadata, got.Metadata
	if !gmd.CreatedAt.Equal(md.CreatedAt) || gmd.RunID != md.RunID || gmd.Epoch != md.Epoch ||
		gmd.ValidationLoss != md.ValidationLoss || gmd.WorldSize != md.WorldSize || len(gmd.Tags) != len(md.Tags) {
		t.Errorf("Expected metadata %+v, got %+v", md, gmd)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON, FormatMsgpack} {
		t.Run(format.String(), func(t *testing.T) {
			want := sampleCheckpoint()
			data, err := Encode(want, format)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, detected, err := Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if detected != format {
				t.Errorf("Expected format %s, got %s", format, detected)
			}
			checkEqual(t, want, got)
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, _, err := Decode([]byte("short")); err == nil {
		t.Error("Expected error for truncated data")
	}
	if _, _, err := Decode([]byte("NOTMAGIC\x00body")); err == nil {
		t.Error("Expected error for bad magic")
	}
	data, _ := Encode(sampleCheckpoint(), FormatProto)
	if _, _, err := Decode(data[:len(data)-3]); err == nil {
		t.Error("Expected error for truncated body")
	}
}

func TestDecodeRejectsVersion(t *testing.T) {
	cp := sampleCheckpoint()
	cp.FormatVersion = FormatVersion + 1
	for _, format := range []CheckpointFormat{FormatProto, FormatMsgpack} {
		data, err := Encode(cp, format)
		if err != nil {
			t.Fatal(err)
		}
		_, _, err = Decode(data)
		var verr *VersionError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: expected VersionError, got %v", format, err)
		}
		if verr.Got != FormatVersion+1 || verr.Supported != FormatVersion {
			t.Errorf("Expected %d/%d, got %d/%d", FormatVersion+1, FormatVersion, verr.Got, verr.Supported)
		}
	}
}

func newStore(t *testing.T, format CheckpointFormat, rank int) *Store {
	t.Helper()
	files, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewStore(files, format, rank)
}

func TestStoreSaveLoad(t *testing.T) {
	s := newStore(t, FormatProto, 0)
	ctx := context.Background()

	p, err := s.Save(ctx, sampleCheckpoint(), "checkpoint_1500_0.4321")
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if p != "checkpoint_1500_0.4321.ckpt" {
		t.Errorf("Expected .ckpt extension, got %s", p)
	}

	// Both the exact path and the bare name resolve.
	for _, name := range []string{p, "checkpoint_1500_0.4321"} {
		got, err := s.Load(ctx, name)
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", name, err)
		}
		checkEqual(t, sampleCheckpoint(), got)
	}
}

func TestStoreSaveNonFinite(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON, FormatMsgpack} {
		t.Run(format.String(), func(t *testing.T) {
			s := newStore(t, format, 0)
			ctx := context.Background()

			cp := sampleCheckpoint()
			cp.LearningRate = math.Inf(1)
			cp.Metadata.ValidationLoss = math.NaN()
			cp.StateDict[1].Data[0] = float32(math.Inf(-1))
			cp.Optimizer.Parameters["loss_scale"] = math.Inf(-1)

			p, err := s.Save(ctx, cp, "checkpoint_4_nan")
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			got, err := s.Load(ctx, p)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !math.IsNaN(got.Metadata.ValidationLoss) {
				t.Errorf("Expected NaN validation loss, got %v", got.Metadata.ValidationLoss)
			}
			if !math.IsInf(got.LearningRate, 1) {
				t.Errorf("Expected +Inf learning rate, got %v", got.LearningRate)
			}
			if v := got.StateDict[1].Data[0]; !math.IsInf(float64(v), -1) {
				t.Errorf("Expected -Inf weight, got %v", v)
			}
			if v := got.Optimizer.Parameters["loss_scale"]; !math.IsInf(v, -1) {
				t.Errorf("Expected -Inf optimizer parameter, got %v", v)
			}
		})
	}
}

func TestJSONFloatForms(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want float64
	}{
		{`1.5`, 1.5},
		{`-0`, math.Copysign(0, -1)},
		{`"+Inf"`, math.Inf(1)},
		{`"Inf"`, math.Inf(1)},
		{`"-Inf"`, math.Inf(-1)},
	} {
		got, err := parseFloat([]byte(tc.in), 64)
		if err != nil {
			t.Fatalf("parseFloat(%s) failed: %v", tc.in, err)
		}
		if math.Float64bits(got) != math.Float64bits(tc.want) {
			t.Errorf("parseFloat(%s): expected %v, got %v", tc.in, tc.want, got)
		}
	}
	if v, _ := parseFloat([]byte(`"NaN"`), 64); !math.IsNaN(v) {
		t.Errorf("Expected NaN, got %v", v)
	}
	if _, err := parseFloat([]byte(`"big"`), 64); err == nil {
		t.Error("Expected error for unknown string")
	}
}

func TestStoreLoadNotFound(t *testing.T) {
	s := newStore(t, FormatProto, 0)
	_, err := s.Load(context.Background(), "nope")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("Expected NotFoundError, got %v", err)
	}
	if !errors.Is(err, ErrNotFound) || !errors.Is(err, os.ErrNotExist) {
		t.Error("NotFoundError should match ErrNotFound and os.ErrNotExist")
	}
}

func TestStoreRefusesNonPrimary(t *testing.T) {
	s := newStore(t, FormatProto, 1)
	if _, err := s.Save(context.Background(), sampleCheckpoint(), "x"); !errors.Is(err, ErrNotPrimary) {
		t.Fatalf("Expected ErrNotPrimary, got %v", err)
	}
}

func TestStoreRejectsInconsistentTensor(t *testing.T) {
	s := newStore(t, FormatProto, 0)
	cp := sampleCheckpoint()
	cp.StateDict[1].Shape = []int{3}
	if _, err := s.Save(context.Background(), cp, "bad"); err == nil {
		t.Fatal("Expected shape/data mismatch error")
	}
}

func testModel(t *testing.T, seed uint64) *model.Baseline {
	t.Helper()
	m, err := model.NewBaseline(model.BaselineConfig{
		VocabSize: 5, EmbeddingDim: 3, Channels: 2, NumSpeakers: 2, NumEmotions: 1, Seed: seed,
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestRestoreAndFromParameters(t *testing.T) {
	src := testModel(t, 1)
	dst := testModel(t, 2)
	cp := &Checkpoint{FormatVersion: FormatVersion, StateDict: FromParameters(src.Parameters())}
	if err := Restore(cp, dst.Parameters()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	srcMap := model.ParameterMap(src)
	for _, p := range dst.Parameters() {
		for i, v := range p.Values() {
			if v != srcMap[p.Name].Values()[i] {
				t.Fatalf("%s[%d]: expected %v, got %v", p.Name, i, srcMap[p.Name].Values()[i], v)
			}
		}
	}

	cp.StateDict = cp.StateDict[1:]
	if err := Restore(cp, dst.Parameters()); err == nil {
		t.Error("Expected error when a parameter is missing")
	}
}

func TestWarmStartIgnoresLayers(t *testing.T) {
	s := newStore(t, FormatMsgpack, 0)
	ctx := context.Background()
	src := testModel(t, 1)
	cp := &Checkpoint{FormatVersion: FormatVersion, Iteration: 10, StateDict: FromParameters(src.Parameters())}
	if _, err := s.Save(ctx, cp, "warm"); err != nil {
		t.Fatal(err)
	}

	dst := testModel(t, 2)
	before := append([]float32(nil), model.ParameterMap(dst)["embedding.weight"].Values()...)
	report, err := s.WarmStart(ctx, "warm", dst, []string{"embedding.weight", "stop_*"})
	if err != nil {
		t.Fatalf("WarmStart failed: %v", err)
	}
	if len(report.Ignored) != 4 {
		t.Errorf("Expected 4 ignored parameters, got %v", report.Ignored)
	}
	for i, v := range model.ParameterMap(dst)["embedding.weight"].Values() {
		if v != before[i] {
			t.Fatal("ignored parameter must keep its initialized value")
		}
	}
	want := model.ParameterMap(src)["mel_proj.weight"].Values()
	for i, v := range model.ParameterMap(dst)["mel_proj.weight"].Values() {
		if v != want[i] {
			t.Fatal("non-ignored parameter must be loaded")
		}
	}
}

func TestIgnoredPatterns(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		want     bool
	}{
		{"embedding.weight", []string{"embedding.weight"}, true},
		{"embedding.weight", []string{"embedding"}, true},
		{"embedding_extra.weight", []string{"embedding"}, false},
		{"stop_proj.bias", []string{"stop_*"}, true},
		{"mel_proj.bias", []string{"stop_*", ""}, false},
	}
	for _, tt := range tests {
		if got := Ignored(tt.name, tt.patterns); got != tt.want {
			t.Errorf("Ignored(%s, %v): expected %v, got %v", tt.name, tt.patterns, tt.want, got)
		}
	}
}

func TestEpochOffset(t *testing.T) {
	if got := EpochOffset(1501, 500); got != 3 {
		t.Errorf("Expected 3, got %d", got)
	}
	if got := EpochOffset(0, 500); got != 0 {
		t.Errorf("Expected 0, got %d", got)
	}
	if got := EpochOffset(10, 0); got != 0 {
		t.Errorf("Expected 0 for empty loader, got %d", got)
	}
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]CheckpointFormat{"": FormatProto, "JSON": FormatJSON, "msgpack": FormatMsgpack} {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q): expected %s, got %s (%v)", in, want, got, err)
		}
	}
	if _, err := ParseFormat("onnx"); err == nil {
		t.Error("Expected error for unknown format")
	}
}
