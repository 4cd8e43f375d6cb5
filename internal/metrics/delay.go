// Package metrics provides run statistics collection and Prometheus export.
package metrics

import (
	"math"
	"sort"
	"sync"

	"github.com/quorum-lab/votebench/pkg/types"
)

// DelayDistribution accumulates confirmation delays, in seconds, for one
// statistics bucket (a phase, or the whole run). Samples are retained in
// full: a run's sample count is bounded by its schedule.
type DelayDistribution struct {
	mu      sync.Mutex
	samples []float64
}

// NewDelayDistribution creates an empty distribution.
func NewDelayDistribution() *DelayDistribution {
	return &DelayDistribution{}
}

// Add records one confirmation delay in seconds.
// Safe for concurrent use.
func (d *DelayDistribution) Add(seconds float64) {
	d.mu.Lock()
	d.samples = append(d.samples, seconds)
	d.mu.Unlock()
}

// Count returns the number of samples recorded.
func (d *DelayDistribution) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.samples)
}

// Stats computes the summary over all samples. Returns nil when no samples
// were recorded. P95 is nearest-rank: the smallest sample with at least 95%
// of the distribution at or below it.
func (d *DelayDistribution) Stats() *types.DelayStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.samples)
	if n == 0 {
		return nil
	}

	sorted := make([]float64, n)
	copy(sorted, d.samples)
	sort.Float64s(sorted)

	sum := 0.0
	for _, s := range sorted {
		sum += s
	}

	return &types.DelayStats{
		Count:  n,
		MinSec: sorted[0],
		AvgSec: sum / float64(n),
		P95Sec: nearestRank(sorted, 0.95),
		MaxSec: sorted[n-1],
	}
}

// Reset clears all samples.
func (d *DelayDistribution) Reset() {
	d.mu.Lock()
	d.samples = d.samples[:0]
	d.mu.Unlock()
}

// nearestRank returns the fraction-th percentile of a sorted, non-empty
// sample: ordered[max(0, ceil(fraction*n)-1)].
func nearestRank(sorted []float64, fraction float64) float64 {
	idx := int(math.Ceil(fraction*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
