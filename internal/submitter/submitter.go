// Package submitter drives the paced submission loop of a run.
//
// One coordinating goroutine walks the schedule in order: it sleeps until
// each vote's due time, builds and signs the vote locally, and submits it.
// Accepted hashes flow to the receipt-polling stage immediately; rejected
// votes retry with a fresh nonce under the configured policy before being
// recorded as failed-to-submit. A past-due vote is never skipped, only
// marked late.
package submitter

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/quorum-lab/votebench/internal/account"
	"github.com/quorum-lab/votebench/internal/aggregate"
	"github.com/quorum-lab/votebench/internal/confirm"
	"github.com/quorum-lab/votebench/internal/metrics"
	"github.com/quorum-lab/votebench/internal/ratelimit"
	"github.com/quorum-lab/votebench/internal/retry"
	"github.com/quorum-lab/votebench/internal/rpc"
	"github.com/quorum-lab/votebench/internal/schedule"
	"github.com/quorum-lab/votebench/internal/txbuilder"
)

// PendingSink receives accepted submissions for receipt polling.
// confirm.Pool implements it.
type PendingSink interface {
	Enqueue(v confirm.PendingVote) bool
}

// Config for creating a Submitter.
type Config struct {
	Plan       []schedule.ScheduledTx
	Accounts   *account.Manager
	Builder    txbuilder.Builder
	Client     rpc.Client
	Aggregator *aggregate.Aggregator

	// Pending receives each accepted submission. Optional; nil drops the
	// polling stage, leaving confirmations to the caller.
	Pending PendingSink

	ChainID   *big.Int
	GasPrice  *big.Int
	UseLegacy bool

	// Retry bounds build-sign-send cycles per scheduled vote. Each cycle
	// reserves a fresh nonce and rolls it back on failure.
	Retry retry.Policy

	Prometheus *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// Submitter walks a schedule and turns it into signed submissions.
type Submitter struct {
	plan     []schedule.ScheduledTx
	accounts *account.Manager
	builder  txbuilder.Builder
	client   rpc.Client
	agg      *aggregate.Aggregator
	pending  PendingSink

	chainID   *big.Int
	gasPrice  *big.Int
	useLegacy bool
	signer    ethtypes.Signer
	retry     retry.Policy

	prom   *metrics.PrometheusMetrics
	logger *slog.Logger
}

// New creates a Submitter.
func New(cfg Config) (*Submitter, error) {
	if cfg.Accounts == nil || cfg.Accounts.Count() == 0 {
		return nil, fmt.Errorf("no voter accounts configured")
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("no transaction builder configured")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("no RPC client configured")
	}
	if cfg.Aggregator == nil {
		return nil, fmt.Errorf("no aggregator configured")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("chain ID must be non-nil and non-zero")
	}

	gasPrice := cfg.GasPrice
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Submitter{
		plan:      cfg.Plan,
		accounts:  cfg.Accounts,
		builder:   cfg.Builder,
		client:    cfg.Client,
		agg:       cfg.Aggregator,
		pending:   cfg.Pending,
		chainID:   cfg.ChainID,
		gasPrice:  gasPrice,
		useLegacy: cfg.UseLegacy,
		signer:    ethtypes.LatestSignerForChainID(cfg.ChainID),
		retry:     cfg.Retry,
		prom:      cfg.Prometheus,
		logger:    logger,
	}, nil
}

// Run walks the plan in scheduled order, anchored at start. It returns nil
// once every vote was either accepted or recorded as failed-to-submit, or
// ctx.Err() on cancellation; votes not yet reached stay pending for the
// caller to force-finalize.
func (s *Submitter) Run(ctx context.Context, start time.Time) error {
	pacer := ratelimit.NewPacer(start)

	for _, planned := range s.plan {
		if err := ctx.Err(); err != nil {
			return err
		}
		late, err := pacer.WaitUntil(ctx, planned.Offset)
		if err != nil {
			return err
		}
		s.submitOne(ctx, planned, late)
	}
	return nil
}

// submitOne runs the build-sign-send cycle for one scheduled vote under the
// retry policy. Terminal outcomes land in the aggregator either way.
func (s *Submitter) submitOne(ctx context.Context, planned schedule.ScheduledTx, late time.Duration) {
	acct := s.accounts.Next()

	var accepted aggregate.Submission
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		sendErr := s.attempt(ctx, planned, acct, late, &accepted)
		if sendErr != nil {
			// The node may have advanced past our counter (a previous run,
			// an external sender). Adopt its view before the next attempt.
			if rerr := acct.Resync(ctx, s.client); rerr != nil {
				s.logger.Debug("nonce resync failed", "account", acct.Address.Hex(), "error", rerr)
			}
		}
		return sendErr
	})
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation is not a node rejection. The vote stays
			// pending and the caller's final sweep accounts for it.
			return
		}
		s.logger.Warn("vote submission failed",
			"sequence", planned.SequenceIndex,
			"account", acct.Address.Hex(),
			"error", err)
		s.agg.RecordSubmitFailure(planned.SequenceIndex, acct.Address.Hex(), time.Now(), err)
		return
	}

	s.agg.RecordSubmission(accepted)
	if s.pending != nil {
		s.pending.Enqueue(confirm.PendingVote{
			SequenceIndex: planned.SequenceIndex,
			Hash:          accepted.Hash,
			SentAt:        accepted.SentAt,
		})
	}
}

// attempt performs one build-sign-send cycle. The reserved nonce is rolled
// back on any failure so the next attempt starts from a clean counter.
func (s *Submitter) attempt(ctx context.Context, planned schedule.ScheduledTx, acct *account.Account, late time.Duration, out *aggregate.Submission) error {
	n := acct.ReserveNonce()

	tx, err := s.builder.Build(txbuilder.TxParams{
		ChainID:    s.chainID,
		Nonce:      n.Value(),
		GasPrice:   s.gasPrice,
		ProposalID: planned.ProposalID,
		UseLegacy:  s.useLegacy,
	})
	if err != nil {
		n.Rollback()
		return fmt.Errorf("build: %w", err)
	}

	signed, err := ethtypes.SignTx(tx, s.signer, acct.PrivateKey)
	if err != nil {
		n.Rollback()
		return fmt.Errorf("sign: %w", err)
	}

	raw, err := signed.MarshalBinary()
	if err != nil {
		n.Rollback()
		return fmt.Errorf("encode: %w", err)
	}

	sendStart := time.Now()
	sendErr := s.client.SendRawTransaction(ctx, raw)
	if s.prom != nil {
		s.prom.RecordRPCLatency("eth_sendRawTransaction", sendErr == nil, time.Since(sendStart).Seconds())
	}
	if sendErr != nil {
		n.Rollback()
		return fmt.Errorf("send: %w", sendErr)
	}
	n.Commit()

	*out = aggregate.Submission{
		SequenceIndex: planned.SequenceIndex,
		Account:       acct.Address.Hex(),
		Hash:          signed.Hash().Hex(),
		Nonce:         n.Value(),
		GasPrice:      s.gasPrice,
		SentAt:        time.Now(),
		Lateness:      late,
	}
	return nil
}
