// Package storage persists benchmark run history.
package storage

import (
	"time"

	"github.com/quorum-lab/votebench/pkg/types"
)

// RunRecord is a persisted benchmark run with its summary statistics.
// JSON tags use camelCase so rows can be served verbatim by the status
// API and the MCP tools.
type RunRecord struct {
	ID           string         `json:"id"`
	StartedAt    time.Time      `json:"startedAt"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	Consensus    string         `json:"consensus"`
	Workload     types.Workload `json:"workload"`
	PhaseSpec    string         `json:"phaseSpec,omitempty"`
	Status       string         `json:"status"` // "running", "completed", "error"
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	Labels       string         `json:"labels,omitempty"`

	Scheduled    int    `json:"scheduled"`
	Success      uint64 `json:"success"`
	Reverted     uint64 `json:"reverted"`
	Timeout      uint64 `json:"timeout"`
	SubmitFailed uint64 `json:"submitFailed"`

	DurationSec float64 `json:"durationSec"`
	TPSEstimate float64 `json:"tpsEstimate"`

	Delay        *types.DelayStats   `json:"delay,omitempty"`
	PhasePlan    []types.PhasePlan   `json:"phasePlan,omitempty"`
	PhaseResults []types.PhaseResult `json:"phaseResults,omitempty"`
	BlockStats   *types.BlockStats   `json:"blockStats,omitempty"`
	VoteCheck    *types.VoteCheck    `json:"voteCheck,omitempty"`
	Warnings     []string            `json:"warnings,omitempty"`
	Artifacts    types.Artifacts     `json:"artifacts"`
}

// VoteRow is one archived vote joined with the run it belongs to.
type VoteRow struct {
	RunID string `json:"runId"`
	types.TxRecord
}

// AccountStats aggregates one voter's outcomes within a run.
type AccountStats struct {
	Account       string  `json:"account"`
	Votes         int     `json:"votes"`
	Success       int     `json:"success"`
	Reverted      int     `json:"reverted"`
	Timeout       int     `json:"timeout"`
	SubmitFailed  int     `json:"submitFailed"`
	AvgLatencySec float64 `json:"avgLatencySec"`
	MaxLatencySec float64 `json:"maxLatencySec"`
}

// PaginatedRuns represents a paginated list of benchmark runs.
type PaginatedRuns struct {
	Runs   []RunRecord `json:"runs"`
	Total  int         `json:"total"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// PaginatedVotes represents a paginated list of archived votes.
type PaginatedVotes struct {
	Votes  []types.TxRecord `json:"votes"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}
