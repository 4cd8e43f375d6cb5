// Package confirm polls submitted votes until they are mined or time out.
package confirm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quorum-lab/votebench/internal/aggregate"
	"github.com/quorum-lab/votebench/internal/ballot"
	"github.com/quorum-lab/votebench/internal/metrics"
	"github.com/quorum-lab/votebench/internal/retry"
	"github.com/quorum-lab/votebench/internal/rpc"
	"github.com/quorum-lab/votebench/pkg/types"
)

const (
	// DefaultWorkers bounds the concurrent receipt polls against the node.
	DefaultWorkers = 4

	// DefaultTxTimeout is the per-transaction receipt budget.
	DefaultTxTimeout = 240 * time.Second

	// DefaultPollInterval paces receipt queries when no policy is given.
	DefaultPollInterval = 500 * time.Millisecond
)

// PendingVote is one submitted hash awaiting its receipt.
type PendingVote struct {
	SequenceIndex int
	Hash          string
	SentAt        time.Time
}

// EventParser extracts the vote event from a mined receipt's logs.
// ballot.Ballot implements it.
type EventParser interface {
	ParseVoteCast(logs []rpc.LogEntry) (ballot.VoteEvent, bool)
}

// Config for creating a Pool.
type Config struct {
	Client     rpc.Client
	Aggregator *aggregate.Aggregator

	// Events decodes VoteCast logs from successful receipts. Optional:
	// without it, token IDs are absent from the records.
	Events EventParser

	// Workers is the fixed pool size. Defaults to DefaultWorkers.
	Workers int

	// Capacity sizes the pending queue. Sized to the schedule, enqueueing
	// never blocks the submitter. Defaults to 1024.
	Capacity int

	// TxTimeout is the per-transaction receipt budget measured from SentAt.
	// Defaults to DefaultTxTimeout.
	TxTimeout time.Duration

	// Poll yields the wait between receipt queries. Defaults to a fixed
	// DefaultPollInterval.
	Poll retry.BackoffStrategy

	Prometheus *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// Pool is a fixed-size set of polling workers fed from one shared queue.
// Polling for different transactions is fully independent: completion order
// carries no guarantee.
type Pool struct {
	client  rpc.Client
	agg     *aggregate.Aggregator
	events  EventParser
	workers int
	timeout time.Duration
	poll    retry.BackoffStrategy
	prom    *metrics.PrometheusMetrics
	logger  *slog.Logger

	queue chan PendingVote
	wg    sync.WaitGroup
}

// New creates a Pool. Start must be called before votes are enqueued.
func New(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	timeout := cfg.TxTimeout
	if timeout <= 0 {
		timeout = DefaultTxTimeout
	}
	poll := cfg.Poll
	if poll == nil {
		poll = retry.Fixed(DefaultPollInterval)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		client:  cfg.Client,
		agg:     cfg.Aggregator,
		events:  cfg.Events,
		workers: workers,
		timeout: timeout,
		poll:    poll,
		prom:    cfg.Prometheus,
		logger:  logger,
		queue:   make(chan PendingVote, capacity),
	}
}

// Start launches the polling workers. They exit once the queue is closed and
// drained; a cancelled ctx makes draining immediate, leaving unresolved
// records pending for the caller to force-finalize.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for v := range p.queue {
				p.pollOne(ctx, v)
			}
		}()
	}
}

// Enqueue hands a submitted vote to the pool. Returns false when the queue is
// full, which means the pool was sized below the schedule.
func (p *Pool) Enqueue(v PendingVote) bool {
	select {
	case p.queue <- v:
		return true
	default:
		p.logger.Error("pending queue full, dropping vote from polling",
			"sequence", v.SequenceIndex, "hash", v.Hash)
		return false
	}
}

// Close signals that no further votes will be enqueued.
func (p *Pool) Close() {
	close(p.queue)
}

// Wait blocks until every worker has exited. Call after Close.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// pollOne queries for a receipt until it is mined, the per-transaction budget
// is spent, or ctx is cancelled. Every vote gets at least one query, even
// when it sat in the queue past its deadline.
func (p *Pool) pollOne(ctx context.Context, v PendingVote) {
	deadline := v.SentAt.Add(p.timeout)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		receipt, err := p.client.GetTransactionReceipt(ctx, v.Hash)
		if p.prom != nil {
			p.prom.RecordRPCLatency("eth_getTransactionReceipt", err == nil, time.Since(start).Seconds())
		}

		switch {
		case err != nil:
			// Transport retries already ran inside the client; treat the
			// hash as still pending and spend budget on the next attempt.
			p.logger.Debug("receipt query failed", "hash", v.Hash, "attempt", attempt, "error", err)
		case receipt != nil:
			p.resolve(v, receipt)
			return
		}

		now := time.Now()
		if !now.Before(deadline) {
			p.agg.RecordTimeout(v.Hash)
			return
		}

		delay := p.poll.Delay(attempt)
		if remaining := deadline.Sub(now); delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// resolve converts a mined receipt into a confirmation record.
func (p *Pool) resolve(v PendingVote, receipt *rpc.TransactionReceipt) {
	status := types.TxReverted
	if receipt.Status == 1 {
		status = types.TxSuccess
	}

	conf := aggregate.Confirmation{
		Hash:        v.Hash,
		Status:      status,
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber,
		ConfirmedAt: time.Now(),
	}

	// Reverted executions emit no logs; only parse events on success.
	if status == types.TxSuccess && p.events != nil {
		if ev, ok := p.events.ParseVoteCast(receipt.Logs); ok {
			token := ev.TokenID
			proposal := ev.ProposalID
			conf.TokenID = &token
			conf.ProposalID = &proposal
		}
	}

	p.agg.RecordConfirmation(conf)
}
