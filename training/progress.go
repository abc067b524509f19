package training

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tsawler/go-speechtrain/storage"
)

// ProgressionStatus is the JSON document written to the progression file
// so that job controllers can follow a run without parsing logs.
type ProgressionStatus struct {
	CurrentStep        int                `json:"currentStep"`
	TotalSteps         int                `json:"totalSteps"`
	CurrentEpoch       int                `json:"currentEpoch"`
	TotalEpochs        int                `json:"totalEpochs"`
	PercentComplete    float64            `json:"percentComplete"`
	EstimatedRemaining string             `json:"estimatedTimeRemaining,omitempty"`
	TrainMetrics       map[string]float64 `json:"trainMetrics"`
	ValidationMetrics  map[string]float64 `json:"validationMetrics,omitempty"`
	LastUpdated        time.Time          `json:"lastUpdatedTime"`
}

// Progression keeps the progression file current.
type Progression struct {
	files       storage.FileStore
	path        string
	totalSteps  int
	totalEpochs int
	firstStep   int
	startTime   time.Time

	mu     sync.Mutex
	status ProgressionStatus
}

// NewProgression writes to p in files. firstStep is the iteration the run
// starts at, so a resumed run estimates its remaining time from its own pace.
func NewProgression(files storage.FileStore, p string, totalEpochs, batchesPerEpoch, firstStep int) *Progression {
	return &Progression{
		files:       files,
		path:        p,
		totalSteps:  totalEpochs * batchesPerEpoch,
		totalEpochs: totalEpochs,
		firstStep:   firstStep,
		startTime:   time.Now(),
		status:      ProgressionStatus{TrainMetrics: map[string]float64{}},
	}
}

// Update records a training event and rewrites the file.
func (p *Progression) Update(ctx context.Context, ev Event) error {
	p.mu.Lock()
	st := &p.status
	st.CurrentStep = ev.Iteration
	st.TotalSteps = p.totalSteps
	st.CurrentEpoch = ev.Epoch
	st.TotalEpochs = p.totalEpochs
	if p.totalSteps > 0 {
		st.PercentComplete = min(100, 100*float64(ev.Iteration+1)/float64(p.totalSteps))
	}
	st.EstimatedRemaining = p.remaining(ev.Iteration + 1)
	st.TrainMetrics = map[string]float64{
		"loss":          ev.Loss,
		"grad_norm":     ev.GradNorm,
		"learning_rate": ev.LearningRate,
	}
	st.LastUpdated = time.Now().UTC()
	p.mu.Unlock()
	return p.flush(ctx)
}

// UpdateValidation records the latest validation loss.
func (p *Progression) UpdateValidation(ctx context.Context, ev ValidationEvent) error {
	p.mu.Lock()
	p.status.ValidationMetrics = map[string]float64{"loss": ev.Loss}
	p.status.LastUpdated = time.Now().UTC()
	p.mu.Unlock()
	return p.flush(ctx)
}

// Status returns a copy of the last written status.
func (p *Progression) Status() ProgressionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Progression) resumeAt(step int) {
	p.mu.Lock()
	p.firstStep = step
	p.startTime = time.Now()
	p.mu.Unlock()
}

func (p *Progression) remaining(done int) string {
	progressed := done - p.firstStep
	left := p.totalSteps - done
	if progressed <= 0 || left <= 0 {
		return ""
	}
	elapsed := time.Since(p.startTime)
	return formatDuration(time.Duration(float64(elapsed) / float64(progressed) * float64(left)))
}

func (p *Progression) flush(ctx context.Context) error {
	p.mu.Lock()
	data, err := json.MarshalIndent(p.status, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("progression: encode: %w", err)
	}
	if err := storage.WriteFile(ctx, p.files, p.path, data); err != nil {
		return fmt.Errorf("progression: write %s: %w", p.path, err)
	}
	return nil
}

// formatDuration formats duration as HH:MM:SS
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}
