package training

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-speechtrain/checkpoints"
	"github.com/tsawler/go-speechtrain/collate"
	"github.com/tsawler/go-speechtrain/dataset"
	"github.com/tsawler/go-speechtrain/features"
	"github.com/tsawler/go-speechtrain/ledger"
	"github.com/tsawler/go-speechtrain/model"
	"github.com/tsawler/go-speechtrain/optimizer"
	"github.com/tsawler/go-speechtrain/precision"
	"github.com/tsawler/go-speechtrain/storage"
	"github.com/tsawler/go-speechtrain/tensor"
)

// syntheticBatcher derives text ids and a 3-channel feature matrix from the
// record text, so batches are deterministic without files on disk.
type syntheticBatcher struct {
	err error
}

func (b syntheticBatcher) Build(_ context.Context, recs []dataset.Record) (*collate.Batch, error) {
	if b.err != nil {
		return nil, b.err
	}
	samples := make([]*features.Sample, len(recs))
	for i, r := range recs {
		ids := make([]int32, len(r.Text))
		for j := range ids {
			ids[j] = int32(j%5 + 1)
		}
		frames := len(r.Text) + 2
		data := make([]float32, 3*frames)
		for j := range data {
			data[j] = float32((j+r.Line)%7-3) / 4
		}
		f, err := tensor.NewTensor([]int{3, frames}, tensor.Float32, data)
		if err != nil {
			return nil, err
		}
		spk, _ := features.OneHot(r.SpeakerID, 2)
		emo, _ := features.OneHot(r.EmotionID, 2)
		samples[i] = &features.Sample{TextIDs: ids, Features: f, Speaker: spk, Emotion: emo, ID: r.ID()}
	}
	return collate.NewCollator(1).Collate(samples)
}

type recordingSink struct {
	train []Event
	val   []ValidationEvent
}

func (s *recordingSink) LogTraining(_ context.Context, ev Event)             { s.train = append(s.train, ev) }
func (s *recordingSink) LogValidation(_ context.Context, ev ValidationEvent) { s.val = append(s.val, ev) }

func (s *recordingSink) iterations() []int {
	out := make([]int, len(s.train))
	for i, ev := range s.train {
		out[i] = ev.Iteration
	}
	return out
}

func makeRecords(n int) []dataset.Record {
	recs := make([]dataset.Record, n)
	for i := range recs {
		recs[i] = dataset.Record{
			AudioPath: fmt.Sprintf("wavs/utt%02d.wav", i),
			Text:      strings.Repeat("a", i%3+1),
			SpeakerID: i % 2,
			EmotionID: (i + 1) % 2,
			Line:      i + 1,
		}
	}
	return recs
}

func newLocal(t *testing.T) *storage.Local {
	t.Helper()
	l, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal failed: %v", err)
	}
	return l
}

type harness struct {
	orch   *Orchestrator
	model  *model.Baseline
	opt    *optimizer.Adam
	sink   *recordingSink
	ledger *ledger.Ledger
	files  *storage.Local
}

type harnessOptions struct {
	records      int
	epochs       int
	every        int
	precision    precision.Controller
	learningRate float64
	useSavedLR   bool
	files        *storage.Local
	ledger       *ledger.Ledger
	hooks        Hooks
}

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	if o.records == 0 {
		o.records = 6
	}
	if o.learningRate == 0 {
		o.learningRate = 0.01
	}
	m, err := model.NewBaseline(model.BaselineConfig{
		VocabSize: 6, EmbeddingDim: 4, Channels: 3, NumSpeakers: 2, NumEmotions: 2, Seed: 7,
	})
	if err != nil {
		t.Fatalf("NewBaseline failed: %v", err)
	}
	opt, err := optimizer.NewAdam(optimizer.AdamConfig{LearningRate: o.learningRate})
	if err != nil {
		t.Fatalf("NewAdam failed: %v", err)
	}

	recs := makeRecords(o.records)
	src, err := dataset.NewSource(recs, dataset.Shuffler{Policy: dataset.PolicyNone},
		dataset.BatchPlan{BatchSize: 2, DropLast: true}, true)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	val, err := dataset.ValidationBatches(makeRecords(4), 2, 1, 0, 1)
	if err != nil {
		t.Fatalf("ValidationBatches failed: %v", err)
	}

	files := o.files
	if files == nil {
		files = newLocal(t)
	}
	l := o.ledger
	if l == nil {
		l, err = ledger.Open(ledger.Options{InMemory: true, RunID: "test-run"})
		if err != nil {
			t.Fatalf("ledger.Open failed: %v", err)
		}
		t.Cleanup(func() { l.Close() })
	}
	store := checkpoints.NewStore(files, checkpoints.FormatProto, 0)
	manager := NewCheckpointManager(store, CheckpointConfig{SaveDirectory: "out", RunID: l.RunID(), WorldSize: 1}, l)

	sink := &recordingSink{}
	orch, err := NewOrchestrator(TrainingConfig{
		Epochs:                  o.epochs,
		IterationsPerCheckpoint: o.every,
		GradClipThresh:          1,
		LearningRate:            o.learningRate,
		UseSavedLearningRate:    o.useSavedLR,
	}, Components{
		Model:       m,
		Criterion:   &model.SpectrogramLoss{},
		Optimizer:   opt,
		Precision:   o.precision,
		Train:       src,
		Validation:  val,
		Batcher:     syntheticBatcher{},
		Checkpoints: manager,
		Track:       l,
		Sink:        sink,
		Hooks:       o.hooks,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator failed: %v", err)
	}
	return &harness{orch: orch, model: m, opt: opt, sink: sink, ledger: l, files: files}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRunCadence(t *testing.T) {
	h := newHarness(t, harnessOptions{epochs: 2, every: 2})
	ctx := context.Background()
	if err := h.orch.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// 6 records in batches of 2: 3 iterations per epoch.
	if got := h.sink.iterations(); !equalInts(got, []int{0, 1, 2, 3, 4, 5}) {
		t.Errorf("Expected iterations 0..5, got %v", got)
	}
	if h.orch.State().Iteration != 6 {
		t.Errorf("Expected next iteration 6, got %d", h.orch.State().Iteration)
	}
	if len(h.sink.val) != 3 {
		t.Fatalf("Expected validation at iterations 0, 2 and 4, got %d passes", len(h.sink.val))
	}
	for i, ev := range h.sink.val {
		if ev.Iteration != 2*i {
			t.Errorf("Expected validation at %d, got %d", 2*i, ev.Iteration)
		}
	}
	if h.opt.GetStepCount() != 6 {
		t.Errorf("Expected 6 optimizer steps, got %d", h.opt.GetStepCount())
	}

	entries, err := h.ledger.Checkpoints(ctx)
	if err != nil {
		t.Fatalf("Checkpoints failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 checkpoints, got %d", len(entries))
	}
	last := entries[2]
	want := fmt.Sprintf("out/checkpoint_4_%.4f.ckpt", last.ValidationLoss)
	if last.Path != want {
		t.Errorf("Expected checkpoint path %s, got %s", want, last.Path)
	}
	if _, err := os.Stat(filepath.Join(h.files.Root(), last.Path)); err != nil {
		t.Errorf("Expected checkpoint file on disk: %v", err)
	}
	if last.Epoch != 1 {
		t.Errorf("Expected checkpoint 4 in epoch 1, got %d", last.Epoch)
	}

	track, _ := h.ledger.Track(ctx)
	if len(track) != 6 {
		t.Errorf("Expected 6 padding entries, got %d", len(track))
	}
}

func TestResumeContinuesAfterSavedIteration(t *testing.T) {
	ctx := context.Background()
	first := newHarness(t, harnessOptions{epochs: 2, every: 2})
	if err := first.orch.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	latest, err := first.ledger.LatestCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LatestCheckpoint failed: %v", err)
	}
	saved, err := checkpoints.NewStore(first.files, checkpoints.FormatProto, 0).Load(ctx, latest.Path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	second := newHarness(t, harnessOptions{epochs: 3, every: 100, files: first.files, learningRate: 0.5, useSavedLR: true})
	if err := second.orch.Resume(ctx, latest.Path); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	st := second.orch.State()
	if st.Iteration != 5 {
		t.Errorf("Expected iteration 5 after resuming from 4, got %d", st.Iteration)
	}
	if st.EpochOffset != 1 {
		t.Errorf("Expected epoch offset 5/3 = 1, got %d", st.EpochOffset)
	}
	if st.LearningRate != 0.01 {
		t.Errorf("Expected saved learning rate 0.01, got %v", st.LearningRate)
	}
	for _, w := range saved.StateDict {
		p := model.ParameterMap(second.model)[w.Name]
		for i, v := range w.Data {
			if p.Values()[i] != v {
				t.Fatalf("%s[%d]: expected restored %v, got %v", w.Name, i, v, p.Values()[i])
			}
		}
	}
	if second.opt.GetStepCount() != 5 {
		t.Errorf("Expected restored optimizer step count 5, got %d", second.opt.GetStepCount())
	}

	if err := second.orch.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	// Epochs 1 and 2 are replayed in full from iteration 5.
	if got := second.sink.iterations(); !equalInts(got, []int{5, 6, 7, 8, 9, 10}) {
		t.Errorf("Expected iterations 5..10, got %v", got)
	}
	if second.sink.train[0].Epoch != 1 {
		t.Errorf("Expected first resumed event in epoch 1, got %d", second.sink.train[0].Epoch)
	}
}

func TestResumeAtEpochBoundary(t *testing.T) {
	ctx := context.Background()
	first := newHarness(t, harnessOptions{epochs: 2, every: 2})
	if err := first.orch.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	entries, err := first.ledger.Checkpoints(ctx)
	if err != nil {
		t.Fatalf("Checkpoints failed: %v", err)
	}
	var p string
	for _, e := range entries {
		if e.Iteration == 2 {
			p = e.Path
		}
	}
	if p == "" {
		t.Fatalf("Expected a checkpoint at iteration 2, got %+v", entries)
	}

	// Iteration 2 is the last batch of epoch 0 (3 batches per epoch), so
	// the resumed run starts with epoch 1 instead of replaying epoch 0.
	second := newHarness(t, harnessOptions{epochs: 2, every: 100, files: first.files})
	if err := second.orch.Resume(ctx, p); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	st := second.orch.State()
	if st.Iteration != 3 {
		t.Errorf("Expected iteration 3, got %d", st.Iteration)
	}
	if st.EpochOffset != 1 {
		t.Errorf("Expected epoch offset 3/3 = 1, got %d", st.EpochOffset)
	}
	if err := second.orch.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := second.sink.iterations(); !equalInts(got, []int{3, 4, 5}) {
		t.Errorf("Expected iterations 3..5, got %v", got)
	}
}

func TestSaveNonFiniteValidationLoss(t *testing.T) {
	ctx := context.Background()
	m, err := model.NewBaseline(model.BaselineConfig{
		VocabSize: 6, EmbeddingDim: 4, Channels: 3, NumSpeakers: 2, NumEmotions: 2, Seed: 7,
	})
	if err != nil {
		t.Fatalf("NewBaseline failed: %v", err)
	}
	for _, format := range []checkpoints.CheckpointFormat{checkpoints.FormatProto, checkpoints.FormatJSON, checkpoints.FormatMsgpack} {
		t.Run(format.String(), func(t *testing.T) {
			store := checkpoints.NewStore(newLocal(t), format, 0)
			cm := NewCheckpointManager(store, DefaultCheckpointConfig(), nil)
			p, err := cm.Save(ctx, State{Iteration: 4}, m, nil, math.NaN())
			if err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			cp, err := store.Load(ctx, p)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if !math.IsNaN(cp.Metadata.ValidationLoss) {
				t.Errorf("Expected NaN validation loss, got %v", cp.Metadata.ValidationLoss)
			}
			if cp.Iteration != 4 {
				t.Errorf("Expected iteration 4, got %d", cp.Iteration)
			}
		})
	}
}

func TestResumeMissingCheckpoint(t *testing.T) {
	h := newHarness(t, harnessOptions{epochs: 1, every: 1})
	err := h.orch.Resume(context.Background(), "out/nope")
	if !errors.Is(err, checkpoints.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestOverflowSkipsStep(t *testing.T) {
	dyn := precision.NewDynamic(precision.DynamicConfig{InitialScale: 1e9, GrowthInterval: 1000})
	h := newHarness(t, harnessOptions{records: 2, epochs: 1, every: 100, precision: dyn})
	before := make(map[string][]float32)
	for _, p := range h.model.Parameters() {
		before[p.Name] = append([]float32(nil), p.Values()...)
	}

	if err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if h.orch.State().Iteration != 1 {
		t.Errorf("Expected iteration to advance to 1, got %d", h.orch.State().Iteration)
	}
	if dyn.LossScale() != 5e8 {
		t.Errorf("Expected loss scale halved to 5e8, got %v", dyn.LossScale())
	}
	if h.opt.GetStepCount() != 0 {
		t.Errorf("Expected no optimizer step, got %d", h.opt.GetStepCount())
	}
	if len(h.sink.train) != 0 {
		t.Errorf("Expected overflowed iteration not to be reported, got %d events", len(h.sink.train))
	}
	for _, p := range h.model.Parameters() {
		for i, v := range p.Values() {
			if v != before[p.Name][i] {
				t.Fatalf("%s changed despite the skipped step", p.Name)
			}
		}
	}
	// Validation still runs on cadence.
	if len(h.sink.val) != 1 {
		t.Errorf("Expected one validation pass, got %d", len(h.sink.val))
	}
}

func TestPhases(t *testing.T) {
	var phases []Phase
	h := newHarness(t, harnessOptions{records: 4, epochs: 1, every: 2, hooks: Hooks{
		OnPhase: func(p Phase, _ State) { phases = append(phases, p) },
	}})
	if err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := []Phase{PhaseInit, PhaseEpochStart, PhaseIteration, PhaseValidate, PhaseCheckpoint,
		PhaseIteration, PhaseEpochEnd, PhaseTerminate}
	if len(phases) != len(want) {
		t.Fatalf("Expected phases %v, got %v", want, phases)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Errorf("Phase %d: expected %s, got %s", i, want[i], phases[i])
		}
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	h := newHarness(t, harnessOptions{epochs: 5, every: 100})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.orch.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestNewOrchestratorRequiresComponents(t *testing.T) {
	_, err := NewOrchestrator(TrainingConfig{}, Components{})
	if err == nil {
		t.Fatal("Expected error for empty components")
	}
	for _, want := range []string{"model is required", "optimizer is required", "epochs must be positive"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got %v", want, err)
		}
	}
}

func TestValidatorRestoresMode(t *testing.T) {
	m, _ := model.NewBaseline(model.BaselineConfig{VocabSize: 6, EmbeddingDim: 4, Channels: 3, NumSpeakers: 2, NumEmotions: 2})
	batches, _ := dataset.ValidationBatches(makeRecords(4), 2, 1, 0, 1)
	ctx := context.Background()

	failing := &Validator{Criterion: &model.SpectrogramLoss{}, Batcher: syntheticBatcher{err: errors.New("disk gone")}}
	m.Train()
	if _, err := failing.Evaluate(ctx, m, batches, 0); err == nil {
		t.Fatal("Expected error from failing batcher")
	}
	if !m.IsTraining() {
		t.Error("Expected training mode restored after a failed pass")
	}

	v := &Validator{Criterion: &model.SpectrogramLoss{}, Batcher: syntheticBatcher{}}
	m.Eval()
	if _, err := v.Evaluate(ctx, m, batches, 0); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if m.IsTraining() {
		t.Error("Expected eval mode to be kept when the pass started in eval mode")
	}
}

func TestValidatorMean(t *testing.T) {
	m, _ := model.NewBaseline(model.BaselineConfig{VocabSize: 6, EmbeddingDim: 4, Channels: 3, NumSpeakers: 2, NumEmotions: 2})
	batches, _ := dataset.ValidationBatches(makeRecords(4), 2, 1, 0, 1)
	ctx := context.Background()
	crit := &model.SpectrogramLoss{}

	var want float64
	for _, recs := range batches {
		b, _ := syntheticBatcher{}.Build(ctx, recs)
		out, _ := m.Forward(b)
		l, _ := crit.Compute(out, b, 0)
		want += l.Total
	}
	want /= float64(len(batches))

	got, err := (&Validator{Criterion: crit, Batcher: syntheticBatcher{}}).Evaluate(ctx, m, batches, 0)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected mean loss %v, got %v", want, got)
	}

	if _, err := (&Validator{Criterion: crit, Batcher: syntheticBatcher{}}).Evaluate(ctx, m, nil, 0); err == nil {
		t.Error("Expected error for an empty validation set")
	}
}

func TestProgressionFile(t *testing.T) {
	files := newLocal(t)
	p := NewProgression(files, ProgressionFile, 2, 5, 0)
	ctx := context.Background()

	if err := p.Update(ctx, Event{Iteration: 4, Epoch: 0, Loss: 0.5, LearningRate: 1e-3}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := p.UpdateValidation(ctx, ValidationEvent{Iteration: 4, Loss: 0.75}); err != nil {
		t.Fatalf("UpdateValidation failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(files.Root(), ProgressionFile))
	if err != nil {
		t.Fatal(err)
	}
	var st ProgressionStatus
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if st.CurrentStep != 4 || st.TotalSteps != 10 || st.TotalEpochs != 2 {
		t.Errorf("Unexpected status %+v", st)
	}
	if st.PercentComplete != 50 {
		t.Errorf("Expected 50%% complete, got %v", st.PercentComplete)
	}
	if st.TrainMetrics["loss"] != 0.5 || st.ValidationMetrics["loss"] != 0.75 {
		t.Errorf("Unexpected metrics %v / %v", st.TrainMetrics, st.ValidationMetrics)
	}
}

func TestWriteRunFiles(t *testing.T) {
	files := newLocal(t)
	hp := map[string]any{"batch_size": 16}
	if err := WriteRunFiles(context.Background(), files, "out", hp, map[string]string{"rank": "0"}); err != nil {
		t.Fatalf("WriteRunFiles failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(files.Root(), "out", ArgsFile))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != `rank: "0"` {
		t.Errorf("Unexpected args file %q", data)
	}
	if _, err := os.Stat(filepath.Join(files.Root(), "out", HparamsFile)); err != nil {
		t.Errorf("Expected hparams file: %v", err)
	}
}

func TestFormatDuration(t *testing.T) {
	if got := formatDuration(3723e9); got != "01:02:03" {
		t.Errorf("Expected 01:02:03, got %s", got)
	}
}
