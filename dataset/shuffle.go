package dataset

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"unicode/utf8"
)

// Policy selects how records are ordered at the start of an epoch.
type Policy string

const (
	PolicyNone     Policy = "none"
	PolicyRandom   Policy = "random"
	PolicySemiSort Policy = "semi-sort"
)

// ParsePolicy accepts the policy names plus "rand", the legacy spelling.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", string(PolicyNone):
		return PolicyNone, nil
	case string(PolicyRandom), "rand":
		return PolicyRandom, nil
	case string(PolicySemiSort):
		return PolicySemiSort, nil
	default:
		return "", fmt.Errorf("unknown shuffle policy %q", s)
	}
}

// streamOrder and streamBatches keep the record shuffle and the batch shuffle
// on independent PCG streams for the same seed.
const (
	streamOrder   uint64 = 0x9e3779b97f4a7c15
	streamBatches uint64 = 0xbf58476d1ce4e5b9
)

// newRNG derives the generator for one epoch: the seed XOR the epoch number.
func newRNG(seed uint64, epoch int, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed^uint64(epoch), stream))
}

// Shuffler reorders records. It never mutates its input.
type Shuffler struct {
	Policy          Policy
	Seed            uint64
	LocalRandFactor float64
}

// Order returns the records in the order they are visited in epoch. The
// result is a pure function of (records, epoch, Seed, Policy).
func (s Shuffler) Order(records []Record, epoch int) []Record {
	out := make([]Record, len(records))
	copy(out, records)

	switch s.Policy {
	case PolicyRandom:
		rng := newRNG(s.Seed, epoch, streamOrder)
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	case PolicySemiSort:
		out = semiSort(out, newRNG(s.Seed, epoch, streamOrder), s.LocalRandFactor)
	}
	return out
}

// Reshuffle orders records for epoch under policy without building a
// Shuffler first.
func Reshuffle(records []Record, epoch int, seed uint64, policy Policy, localRandFactor float64) []Record {
	return Shuffler{Policy: policy, Seed: seed, LocalRandFactor: localRandFactor}.Order(records, epoch)
}

// Window is the semi-sort jitter half-width for n records.
func (s Shuffler) Window(n int) int {
	return jitterWindow(n, s.LocalRandFactor)
}

func jitterWindow(n int, factor float64) int {
	if factor <= 0 || n == 0 {
		return 0
	}
	return int(math.Floor(factor * float64(n)))
}

// cost is the length proxy used by semi-sort: the duration column when the
// manifest carries one, otherwise the text length in runes.
func cost(r Record) float64 {
	if r.HasDuration {
		return r.Duration
	}
	return float64(utf8.RuneCountInString(r.Text))
}

// semiSort sorts by cost, then gives every record a key equal to its sorted
// position plus a uniform offset in [0, w] and stable-sorts by that key. A
// record can only swap with neighbours less than w positions away, so it
// lands within w of its sorted position.
func semiSort(records []Record, rng *rand.Rand, factor float64) []Record {
	sort.SliceStable(records, func(i, j int) bool {
		return cost(records[i]) < cost(records[j])
	})

	w := jitterWindow(len(records), factor)
	if w == 0 {
		return records
	}

	type keyed struct {
		key int
		rec Record
	}
	items := make([]keyed, len(records))
	for i, rec := range records {
		items[i] = keyed{key: i + rng.IntN(w+1), rec: rec}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].key < items[j].key
	})
	for i := range items {
		records[i] = items[i].rec
	}
	return records
}
