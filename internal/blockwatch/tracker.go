// Package blockwatch observes chain head progression during a run and
// reduces it to block-interval statistics.
//
// Intervals are computed only between consecutively observed, strictly
// increasing block numbers. Observations that break monotonicity or whose
// timestamp gap cannot be a real consensus interval are kept as anomalies
// and excluded from the averages.
package blockwatch

import (
	"sync"

	"github.com/quorum-lab/votebench/internal/consensus"
	"github.com/quorum-lab/votebench/pkg/types"
)

type observation struct {
	number    uint64
	timestamp uint64
}

// IntervalTracker accumulates head observations. Safe for concurrent use.
type IntervalTracker struct {
	mu      sync.Mutex
	profile *consensus.Profile
	obs     []observation
}

// NewIntervalTracker creates a tracker scaling timestamps per profile.
// A nil profile falls back to seconds with a 5s plausibility scale.
func NewIntervalTracker(profile *consensus.Profile) *IntervalTracker {
	if profile == nil {
		profile = consensus.GenericProfile("unknown")
	}
	return &IntervalTracker{profile: profile}
}

// Observe records one head sighting. Re-observing the current head is a
// no-op; everything else is kept, including regressions, so Stats can
// classify them.
func (t *IntervalTracker) Observe(number, timestamp uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.obs); n > 0 && t.obs[n-1].number == number {
		return
	}
	t.obs = append(t.obs, observation{number: number, timestamp: timestamp})
}

// Blocks returns how many distinct heads were observed.
func (t *IntervalTracker) Blocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.obs)
}

// LastInterval returns the gap introduced by the newest observation pair in
// seconds, and false when it was excluded as an anomaly or no pair exists.
func (t *IntervalTracker) LastInterval() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.obs)
	if n < 2 {
		return 0, false
	}
	gap, anomaly := t.classify(t.obs[n-2], t.obs[n-1])
	if anomaly != nil {
		return 0, false
	}
	return gap, true
}

// Stats reduces the observations to interval statistics. Nil when fewer
// than two heads were seen.
func (t *IntervalTracker) Stats() *types.BlockStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.obs) == 0 {
		return nil
	}
	stats := &types.BlockStats{
		LatestBlock: t.obs[len(t.obs)-1].number,
		Blocks:      len(t.obs),
	}

	for i := 1; i < len(t.obs); i++ {
		gap, anomaly := t.classify(t.obs[i-1], t.obs[i])
		if anomaly != nil {
			stats.Anomalies = append(stats.Anomalies, *anomaly)
			continue
		}
		if stats.Intervals == 0 || gap < stats.MinSec {
			stats.MinSec = gap
		}
		if gap > stats.MaxSec {
			stats.MaxSec = gap
		}
		stats.MeanSec += gap
		stats.Intervals++
	}
	if stats.Intervals > 0 {
		stats.MeanSec /= float64(stats.Intervals)
	}
	return stats
}

// classify returns the scaled gap for an adjacent observation pair, or the
// anomaly that excludes it.
func (t *IntervalTracker) classify(from, to observation) (float64, *types.BlockAnomaly) {
	unit := t.profile.TimestampUnit
	gap := unit.ToSeconds(to.timestamp) - unit.ToSeconds(from.timestamp)

	anomaly := func(reason string) *types.BlockAnomaly {
		return &types.BlockAnomaly{
			FromBlock:     from.number,
			ToBlock:       to.number,
			FromTimestamp: from.timestamp,
			ToTimestamp:   to.timestamp,
			GapSec:        gap,
			Reason:        reason,
		}
	}

	if to.number <= from.number {
		return 0, anomaly("block number did not increase")
	}
	if gap <= 0 {
		return 0, anomaly("non-positive timestamp gap")
	}
	if gap > t.maxPlausibleGap() {
		return 0, anomaly("gap exceeds plausible consensus interval")
	}
	return gap, nil
}

// maxPlausibleGap is the largest timestamp gap accepted as a real interval.
// Unit mis-scaling (nanosecond headers read as seconds) yields gaps millions
// of times the block period; the wide multiplier keeps real stalls in the
// data while the floor covers on-demand minters idling between bursts.
func (t *IntervalTracker) maxPlausibleGap() float64 {
	period := t.profile.BlockPeriod.Seconds()
	if period <= 0 {
		period = 5
	}
	gap := 1000 * period
	if gap < 600 {
		gap = 600
	}
	return gap
}
