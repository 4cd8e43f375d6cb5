// Package consensus provides consensus engine profile definitions and registry.
// This allows the benchmark driver to adapt to different engines (ibft, qbft,
// raft, clique) without scattered conditionals.
package consensus

import "time"

// TimestampUnit is the unit a consensus engine uses for block header timestamps.
type TimestampUnit string

const (
	UnitSeconds TimestampUnit = "seconds"
	UnitMillis  TimestampUnit = "milliseconds"
	UnitNanos   TimestampUnit = "nanoseconds"
)

// ToSeconds converts a raw header timestamp into Unix seconds.
func (u TimestampUnit) ToSeconds(ts uint64) float64 {
	switch u {
	case UnitMillis:
		return float64(ts) / 1e3
	case UnitNanos:
		return float64(ts) / 1e9
	default:
		return float64(ts)
	}
}

// Profile defines per-engine behavior the driver must account for.
// This enables profile-based conditionals instead of string-matching labels.
type Profile struct {
	// Name is the canonical identifier for this engine (e.g., "ibft", "raft")
	Name string

	// BlockPeriod is the expected interval between blocks under steady load.
	// Used only as a plausibility scale for interval anomaly detection, never
	// as a correctness bound.
	BlockPeriod time.Duration

	// TimestampUnit is the unit of block header timestamps. Raft reports
	// nanoseconds where every other engine reports seconds; reading a raft
	// timestamp as seconds yields intervals of hundreds of millions of
	// "seconds", which is the failure mode the anomaly detector guards.
	TimestampUnit TimestampUnit

	// RequiresLegacyTx indicates the chain rejects EIP-1559 transactions
	// (no London fork), so votes must be signed as legacy type-0.
	RequiresLegacyTx bool

	// MintsOnDemand indicates blocks are produced only when transactions are
	// pending (raft), so idle gaps between bursts are expected and not
	// interval anomalies by themselves.
	MintsOnDemand bool
}

// String returns the canonical name of the engine.
func (p *Profile) String() string {
	if p == nil {
		return "unknown"
	}
	return p.Name
}
