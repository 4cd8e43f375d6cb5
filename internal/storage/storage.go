package storage

import (
	"context"

	"github.com/quorum-lab/votebench/pkg/types"
)

// Storage defines the persistence interface for benchmark run history.
type Storage interface {
	// Run lifecycle
	CreateRun(ctx context.Context, run *RunRecord) error
	CompleteRun(ctx context.Context, id string, summary *types.RunSummary) error
	FailRun(ctx context.Context, id string, errMsg string) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// History queries
	ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error)
	DeleteRun(ctx context.Context, id string) error
	UpdateRunNotes(ctx context.Context, id, notes string) error

	// Vote log bulk operations (called once after the run finalizes)
	BulkInsertVotes(ctx context.Context, runID string, records []types.TxRecord) error
	GetVotes(ctx context.Context, runID string, limit, offset int) (*PaginatedVotes, error)
	GetVoteByHash(ctx context.Context, txHash string) (*VoteRow, error)
	AccountBreakdown(ctx context.Context, runID string) ([]AccountStats, error)

	// Lifecycle
	Close() error
}
