// Package types contains public API types for the benchmark driver.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// Workload identifies how the transaction schedule was constructed.
type Workload string

const (
	WorkloadPhased     Workload = "phase"
	WorkloadSequential Workload = "sequential"
)

// RunStatus represents the current benchmark run state.
type RunStatus string

const (
	StatusIdle       RunStatus = "idle"
	StatusPreparing  RunStatus = "preparing" // Endpoint probe, ballot preflight, nonce init
	StatusRunning    RunStatus = "running"
	StatusFinalizing RunStatus = "finalizing" // Draining pollers, reconciling counts
	StatusVerifying  RunStatus = "verifying"  // Post-run on-chain verification
	StatusCompleted  RunStatus = "completed"
	StatusError      RunStatus = "error"
)

// TxStatus is the terminal (or in-flight) classification of one scheduled vote.
type TxStatus string

const (
	TxPending      TxStatus = "pending"
	TxSuccess      TxStatus = "success"
	TxReverted     TxStatus = "reverted"
	TxTimeout      TxStatus = "timeout"
	TxSubmitFailed TxStatus = "submission_failed"
)

// Terminal reports whether s is a final classification.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxSuccess, TxReverted, TxTimeout, TxSubmitFailed:
		return true
	}
	return false
}

// DelayStats summarizes a confirmation-delay distribution in seconds.
// P95 is nearest-rank over the retained samples.
type DelayStats struct {
	Count  int     `json:"count"`
	MinSec float64 `json:"minSec"`
	AvgSec float64 `json:"avgSec"`
	P95Sec float64 `json:"p95Sec"`
	MaxSec float64 `json:"maxSec"`
}

// PhasePlan echoes one parsed phase of the schedule.
type PhasePlan struct {
	Label     string  `json:"label"`
	Count     int     `json:"count"`
	TargetTPS float64 `json:"targetTps"`
}

// PhaseResult holds per-phase outcome counts and timing.
type PhaseResult struct {
	Label        string     `json:"label"`
	Scheduled    int        `json:"scheduled"`
	Success      int        `json:"success"`
	Reverted     int        `json:"reverted"`
	Timeout      int        `json:"timeout"`
	SubmitFailed int        `json:"submitFailed"`
	EffectiveTPS float64    `json:"effectiveTps"`
	Delay        DelayStats `json:"delay"`
}

// BlockAnomaly records a block-interval observation that was excluded from the
// statistics: a non-increasing block number, a non-positive gap, or a gap too
// large to be a real consensus interval (stale or mis-scaled timestamps).
type BlockAnomaly struct {
	FromBlock     uint64  `json:"fromBlock"`
	ToBlock       uint64  `json:"toBlock"`
	FromTimestamp uint64  `json:"fromTimestamp"`
	ToTimestamp   uint64  `json:"toTimestamp"`
	GapSec        float64 `json:"gapSec"`
	Reason        string  `json:"reason"`
}

// BlockStats characterizes consensus cadence from observed chain heads.
type BlockStats struct {
	LatestBlock uint64         `json:"latestBlock"`
	Blocks      int            `json:"blocks"`
	Intervals   int            `json:"intervals"`
	MeanSec     float64        `json:"meanSec"`
	MinSec      float64        `json:"minSec"`
	MaxSec      float64        `json:"maxSec"`
	Anomalies   []BlockAnomaly `json:"anomalies,omitempty"`
}

// VoteCheck holds the post-run on-chain verification outcome.
type VoteCheck struct {
	Sampled       int      `json:"sampled"`
	HasVotedOK    int      `json:"hasVotedOk"`
	ReceiptOK     int      `json:"receiptOk"`
	TallyChecked  bool     `json:"tallyChecked"`
	TallyMatches  bool     `json:"tallyMatches"`
	OnChainVotes  uint64   `json:"onChainVotes"`
	DriverSuccess uint64   `json:"driverSuccess"`
	AllChecksPass bool     `json:"allChecksPass"`
	Discrepancies []string `json:"discrepancies,omitempty"`
}

// RunSnapshot is the live view served while a run is in flight.
type RunSnapshot struct {
	Status       RunStatus `json:"status"`
	Consensus    string    `json:"consensus"`
	Workload     Workload  `json:"workload"`
	Scheduled    int       `json:"scheduled"`
	Submitted    uint64    `json:"submitted"`
	Success      uint64    `json:"success"`
	Reverted     uint64    `json:"reverted"`
	Timeout      uint64    `json:"timeout"`
	SubmitFailed uint64    `json:"submitFailed"`
	Pending      uint64    `json:"pending"`
	CurrentTPS   float64   `json:"currentTps"`
	ElapsedMs    int64     `json:"elapsedMs"`
	Error        string    `json:"error,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
}

// Artifacts lists the files written for one run.
type Artifacts struct {
	CSVPath     string `json:"csvPath,omitempty"`
	SummaryPath string `json:"summaryPath,omitempty"`
	ReportPath  string `json:"reportPath,omitempty"`
}

// RunSummary is the finalized, reconciled result of a benchmark run.
type RunSummary struct {
	ID          string    `json:"id"`
	Consensus   string    `json:"consensus"`
	Workload    Workload  `json:"workload"`
	PhaseSpec   string    `json:"phaseSpec,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationSec float64   `json:"durationSec"`

	Scheduled    int    `json:"scheduled"`
	Success      uint64 `json:"success"`
	Reverted     uint64 `json:"reverted"`
	Timeout      uint64 `json:"timeout"`
	SubmitFailed uint64 `json:"submitFailed"`

	TPSEstimate float64    `json:"tpsEstimate"`
	Delay       DelayStats `json:"delay"`

	PhasePlan    []PhasePlan   `json:"phasePlan"`
	PhaseResults []PhaseResult `json:"phaseResults"`
	BlockStats   *BlockStats   `json:"blockStats,omitempty"`
	VoteCheck    *VoteCheck    `json:"voteCheck,omitempty"`

	Notes     string    `json:"notes,omitempty"`
	Warnings  []string  `json:"warnings,omitempty"`
	Artifacts Artifacts `json:"artifacts"`
}

// TxRecord is one per-transaction row: the submission joined with its
// confirmation by hash. Hash is empty when submission never succeeded.
type TxRecord struct {
	SequenceIndex int       `json:"sequenceIndex"`
	Phase         string    `json:"phase"`
	ProposalID    uint64    `json:"proposalId"`
	Account       string    `json:"account"`
	Hash          string    `json:"hash,omitempty"`
	Nonce         uint64    `json:"nonce"`
	Status        TxStatus  `json:"status"`
	GasPriceWei   string    `json:"gasPriceWei,omitempty"`
	GasUsed       uint64    `json:"gasUsed,omitempty"`
	BlockNumber   *uint64   `json:"blockNumber,omitempty"`
	TokenID       *uint64   `json:"tokenId,omitempty"`
	ScheduledAt   time.Time `json:"scheduledAt"`
	SentAt        time.Time `json:"sentAt,omitempty"`
	ConfirmedAt   time.Time `json:"confirmedAt,omitempty"`
	LatencySec    float64   `json:"latencySec,omitempty"`
	LatenessSec   float64   `json:"latenessSec,omitempty"`
	Error         string    `json:"error,omitempty"`
}
