// Package schedule builds the time-phased transaction plan for a benchmark run.
//
// A phase specification is a comma-separated list of segments, each
// "COUNT@RATE" where RATE is either a transactions-per-second value ("2tps",
// "0.5tps") or an inter-arrival interval in seconds ("0.5s"). A segment may
// carry a ":burst" modifier, which compresses the phase's arrivals into the
// head of its window (ten times the nominal rate) while the window itself, and
// therefore the phase's aggregate rate, is preserved.
//
// The schedule is pure data: building it performs no I/O, and rebuilding from
// the same inputs yields an identical plan.
package schedule

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/quorum-lab/votebench/pkg/types"
)

// burstCompression is the factor by which a burst phase's inter-arrival
// spacing is tightened relative to its nominal rate.
const burstCompression = 10

// Phase is one ordered segment of the run. Immutable once parsed.
type Phase struct {
	Label     string
	Count     int
	TargetTPS float64
	Burst     bool
}

// Interval returns the nominal inter-arrival spacing for the phase.
func (p Phase) Interval() time.Duration {
	return time.Duration(float64(time.Second) / p.TargetTPS)
}

// Window returns the wall-clock span the phase occupies in the plan.
func (p Phase) Window() time.Duration {
	return time.Duration(p.Count) * p.Interval()
}

// ScheduledTx is one planned vote: created before any network I/O.
type ScheduledTx struct {
	SequenceIndex int
	Phase         string
	ProposalID    uint64
	// Offset is the scheduled send time relative to run start.
	Offset time.Duration
}

// InvalidScheduleError reports a malformed phase specification. It is fatal
// and raised before any network I/O.
type InvalidScheduleError struct {
	Spec   string
	Reason string
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid phase specification %q: %s", e.Spec, e.Reason)
}

// ParseSpec parses a phase specification string. labels, when non-empty,
// overrides the default phase1..phaseN labels and must match the segment
// count.
func ParseSpec(spec string, labels []string) ([]Phase, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return nil, &InvalidScheduleError{Spec: spec, Reason: "empty specification"}
	}

	segments := strings.Split(trimmed, ",")
	if len(labels) > 0 && len(labels) != len(segments) {
		return nil, &InvalidScheduleError{
			Spec:   spec,
			Reason: fmt.Sprintf("%d labels for %d phases", len(labels), len(segments)),
		}
	}

	phases := make([]Phase, 0, len(segments))
	for i, seg := range segments {
		phase, err := parseSegment(spec, strings.TrimSpace(seg))
		if err != nil {
			return nil, err
		}
		if len(labels) > 0 {
			phase.Label = strings.TrimSpace(labels[i])
		} else {
			phase.Label = fmt.Sprintf("phase%d", i+1)
		}
		phases = append(phases, phase)
	}
	return phases, nil
}

// parseSegment parses one "COUNT@RATE[:burst]" segment.
func parseSegment(spec, seg string) (Phase, error) {
	countStr, rateStr, ok := strings.Cut(seg, "@")
	if !ok {
		return Phase{}, &InvalidScheduleError{Spec: spec, Reason: fmt.Sprintf("segment %q missing '@'", seg)}
	}

	count, err := strconv.Atoi(strings.TrimSpace(countStr))
	if err != nil {
		return Phase{}, &InvalidScheduleError{Spec: spec, Reason: fmt.Sprintf("segment %q: count is not an integer", seg)}
	}
	if count <= 0 {
		return Phase{}, &InvalidScheduleError{Spec: spec, Reason: fmt.Sprintf("segment %q: count must be positive", seg)}
	}

	rateStr = strings.TrimSpace(rateStr)
	var burst bool
	if base, mod, found := strings.Cut(rateStr, ":"); found {
		if strings.TrimSpace(mod) != "burst" {
			return Phase{}, &InvalidScheduleError{Spec: spec, Reason: fmt.Sprintf("segment %q: unknown modifier %q", seg, mod)}
		}
		burst = true
		rateStr = strings.TrimSpace(base)
	}

	tps, err := parseRate(rateStr)
	if err != nil {
		return Phase{}, &InvalidScheduleError{Spec: spec, Reason: fmt.Sprintf("segment %q: %v", seg, err)}
	}

	return Phase{Count: count, TargetTPS: tps, Burst: burst}, nil
}

// parseRate converts "2tps" or "0.5s" into transactions per second.
func parseRate(s string) (float64, error) {
	switch {
	case strings.HasSuffix(s, "tps"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "tps"), 64)
		if err != nil {
			return 0, fmt.Errorf("rate %q is not a number", s)
		}
		if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("rate must be positive, got %q", s)
		}
		return v, nil
	case strings.HasSuffix(s, "s"):
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64)
		if err != nil {
			return 0, fmt.Errorf("interval %q is not a number", s)
		}
		if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
			return 0, fmt.Errorf("interval must be positive, got %q", s)
		}
		return 1 / v, nil
	default:
		return 0, fmt.Errorf("rate %q must end in \"tps\" or \"s\"", s)
	}
}

// Sequential builds the single-phase plan used when no phase specification is
// given: count transactions at a steady tps, labeled "sequential".
func Sequential(count int, tps float64) ([]Phase, error) {
	if count <= 0 {
		return nil, &InvalidScheduleError{Spec: fmt.Sprintf("%d@%gtps", count, tps), Reason: "count must be positive"}
	}
	if tps <= 0 || math.IsInf(tps, 0) || math.IsNaN(tps) {
		return nil, &InvalidScheduleError{Spec: fmt.Sprintf("%d@%gtps", count, tps), Reason: "rate must be positive"}
	}
	return []Phase{{Label: string(types.WorkloadSequential), Count: count, TargetTPS: tps}}, nil
}

// Build expands phases into the full ordered plan. Sequence indices are
// contiguous from 0 and proposal choices rotate round-robin across
// numProposals (treated as 1 when non-positive). Phases occupy consecutive
// windows; within a phase, arrivals are spaced at the nominal interval, or a
// tenth of it for burst phases.
func Build(phases []Phase, numProposals int) []ScheduledTx {
	if numProposals <= 0 {
		numProposals = 1
	}

	txs := make([]ScheduledTx, 0, Total(phases))
	seq := 0
	var phaseStart time.Duration

	for _, phase := range phases {
		spacing := phase.Interval()
		if phase.Burst {
			spacing /= burstCompression
		}
		for i := 0; i < phase.Count; i++ {
			txs = append(txs, ScheduledTx{
				SequenceIndex: seq,
				Phase:         phase.Label,
				ProposalID:    uint64(seq % numProposals),
				Offset:        phaseStart + time.Duration(i)*spacing,
			})
			seq++
		}
		phaseStart += phase.Window()
	}
	return txs
}

// Total returns the number of transactions the phases generate.
func Total(phases []Phase) int {
	n := 0
	for _, p := range phases {
		n += p.Count
	}
	return n
}

// PlannedDuration returns the wall-clock span of the full plan.
func PlannedDuration(phases []Phase) time.Duration {
	var d time.Duration
	for _, p := range phases {
		d += p.Window()
	}
	return d
}

// Plan converts phases into their public echo form.
func Plan(phases []Phase) []types.PhasePlan {
	plan := make([]types.PhasePlan, len(phases))
	for i, p := range phases {
		plan[i] = types.PhasePlan{Label: p.Label, Count: p.Count, TargetTPS: p.TargetTPS}
	}
	return plan
}
