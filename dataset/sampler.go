package dataset

import (
	"fmt"
)

// BatchPlan splits an ordered record list into the batches one rank visits.
type BatchPlan struct {
	BatchSize      int
	DropLast       bool
	ShuffleBatches bool
	Seed           uint64
	Rank           int
	WorldSize      int
}

func (p BatchPlan) validate() error {
	if p.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", p.BatchSize)
	}
	if p.WorldSize > 1 && (p.Rank < 0 || p.Rank >= p.WorldSize) {
		return fmt.Errorf("rank %d outside world of size %d", p.Rank, p.WorldSize)
	}
	return nil
}

// Shard returns the strided slice of records owned by rank. The tail that
// does not divide evenly is dropped so every rank sees the same count, which
// keeps the per-iteration collectives aligned.
func Shard(records []Record, rank, worldSize int) []Record {
	if worldSize <= 1 {
		return records
	}
	perRank := len(records) / worldSize
	out := make([]Record, 0, perRank)
	for i := 0; i < perRank; i++ {
		out = append(out, records[i*worldSize+rank])
	}
	return out
}

// Count is the number of batches a rank sees for n records.
func (p BatchPlan) Count(n int) int {
	if p.BatchSize <= 0 {
		return 0
	}
	if p.WorldSize > 1 {
		n /= p.WorldSize
	}
	count := n / p.BatchSize
	if !p.DropLast && n%p.BatchSize != 0 {
		count++
	}
	return count
}

// Batches shards the ordered records for this rank and groups them. When
// ShuffleBatches is set the batch order is permuted on its own random stream
// so that semi-sorted epochs do not run shortest to longest.
func (p BatchPlan) Batches(ordered []Record, epoch int) ([][]Record, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	local := Shard(ordered, p.Rank, p.WorldSize)
	batches := make([][]Record, 0, p.Count(len(ordered)))
	for start := 0; start < len(local); start += p.BatchSize {
		end := min(start+p.BatchSize, len(local))
		if end-start < p.BatchSize && p.DropLast {
			break
		}
		batches = append(batches, local[start:end])
	}

	if p.ShuffleBatches {
		rng := newRNG(p.Seed, epoch, streamBatches)
		rng.Shuffle(len(batches), func(i, j int) { batches[i], batches[j] = batches[j], batches[i] })
	}
	return batches, nil
}

// Source couples a record list with its shuffle and batching plan.
type Source struct {
	records  []Record
	shuffler Shuffler
	plan     BatchPlan
	perEpoch bool
}

// NewSource builds a source. With perEpoch unset the epoch-0 ordering is
// reused for the whole run.
func NewSource(records []Record, shuffler Shuffler, plan BatchPlan, perEpoch bool) (*Source, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}
	return &Source{records: records, shuffler: shuffler, plan: plan, perEpoch: perEpoch}, nil
}

// Len is the number of records before sharding.
func (s *Source) Len() int {
	return len(s.records)
}

// BatchesPerEpoch is the number of batches this rank sees every epoch.
func (s *Source) BatchesPerEpoch() int {
	return s.plan.Count(len(s.records))
}

// Epoch returns the batches for the given epoch.
func (s *Source) Epoch(epoch int) ([][]Record, error) {
	e := epoch
	if !s.perEpoch {
		e = 0
	}
	return s.plan.Batches(s.shuffler.Order(s.records, e), e)
}

// ValidationBatches is the fixed evaluation plan: records shuffled once with
// seed, sharded across ranks and grouped without dropping the tail. The
// result is the same every time it is computed.
func ValidationBatches(records []Record, batchSize int, seed uint64, rank, worldSize int) ([][]Record, error) {
	plan := BatchPlan{BatchSize: batchSize, Seed: seed, Rank: rank, WorldSize: worldSize}
	ordered := Shuffler{Policy: PolicyRandom, Seed: seed}.Order(records, 0)
	return plan.Batches(ordered, 0)
}
