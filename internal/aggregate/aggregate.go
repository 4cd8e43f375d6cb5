// Package aggregate owns a run's counters and per-transaction bookkeeping.
//
// Every mutation flows through one mutex-guarded Aggregator: the submitter
// reports accepted and failed submissions, the polling workers report mined
// receipts and timeouts, and nothing else touches run state. Finalize
// reconciles the tallies against the schedule and refuses to produce results
// from books that do not balance.
package aggregate

import (
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/quorum-lab/votebench/internal/metrics"
	"github.com/quorum-lab/votebench/internal/schedule"
	"github.com/quorum-lab/votebench/pkg/types"
)

// ConsistencyError reports counts that fail to reconcile against the
// schedule. It signals a bookkeeping defect; report generation must halt
// rather than emit misleading numbers.
type ConsistencyError struct {
	Scheduled    int
	Success      int
	Reverted     int
	Timeout      int
	SubmitFailed int
	Pending      int
}

func (e *ConsistencyError) Error() string {
	resolved := e.Success + e.Reverted + e.Timeout + e.SubmitFailed
	return fmt.Sprintf(
		"run counts do not reconcile: success %d + reverted %d + timeout %d + submission_failed %d = %d, want %d scheduled (%d still pending)",
		e.Success, e.Reverted, e.Timeout, e.SubmitFailed, resolved, e.Scheduled, e.Pending)
}

// Submission describes one vote accepted by the RPC endpoint.
type Submission struct {
	SequenceIndex int
	Account       string
	Hash          string
	Nonce         uint64
	GasPrice      *big.Int
	SentAt        time.Time
	Lateness      time.Duration
}

// Confirmation is the mined outcome for a submitted hash.
type Confirmation struct {
	Hash        string
	Status      types.TxStatus // TxSuccess or TxReverted
	GasUsed     uint64
	BlockNumber uint64
	ConfirmedAt time.Time

	// Decoded from the VoteCast event when the receipt carries one.
	TokenID    *uint64
	ProposalID *uint64
}

// Counts is the live tally of transaction outcomes.
type Counts struct {
	Scheduled    int
	Submitted    int
	Success      int
	Reverted     int
	Timeout      int
	SubmitFailed int
	Pending      int
}

// Resolved returns how many transactions reached a terminal status.
func (c Counts) Resolved() int {
	return c.Success + c.Reverted + c.Timeout + c.SubmitFailed
}

// Result is the reconciled outcome of a run.
type Result struct {
	Counts       Counts
	Duration     time.Duration
	EffectiveTPS float64
	Delay        *types.DelayStats
	PhaseResults []types.PhaseResult
	Warnings     []string
}

// Config for creating an Aggregator.
type Config struct {
	Plan       []schedule.ScheduledTx
	PhasePlan  []types.PhasePlan
	Consensus  string
	Workload   types.Workload
	Prometheus *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// Aggregator accumulates a run's per-transaction records and counters.
type Aggregator struct {
	mu sync.Mutex

	records []types.TxRecord
	offsets []time.Duration
	byHash  map[string]int

	counts Counts

	overall *metrics.DelayDistribution
	byPhase map[string]*metrics.DelayDistribution

	phasePlan []types.PhasePlan
	consensus string
	workload  types.Workload

	startedAt time.Time
	warnings  []string

	prom   *metrics.PrometheusMetrics
	logger *slog.Logger
}

// New creates an Aggregator with one pending record per scheduled vote.
func New(cfg Config) *Aggregator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	records := make([]types.TxRecord, len(cfg.Plan))
	offsets := make([]time.Duration, len(cfg.Plan))
	byPhase := make(map[string]*metrics.DelayDistribution, len(cfg.PhasePlan))

	for i, tx := range cfg.Plan {
		records[i] = types.TxRecord{
			SequenceIndex: tx.SequenceIndex,
			Phase:         tx.Phase,
			ProposalID:    tx.ProposalID,
			Status:        types.TxPending,
		}
		offsets[i] = tx.Offset
		if _, ok := byPhase[tx.Phase]; !ok {
			byPhase[tx.Phase] = metrics.NewDelayDistribution()
		}
	}

	return &Aggregator{
		records:   records,
		offsets:   offsets,
		byHash:    make(map[string]int, len(records)),
		counts:    Counts{Scheduled: len(records), Pending: len(records)},
		overall:   metrics.NewDelayDistribution(),
		byPhase:   byPhase,
		phasePlan: cfg.PhasePlan,
		consensus: cfg.Consensus,
		workload:  cfg.Workload,
		prom:      cfg.Prometheus,
		logger:    logger,
	}
}

// Start anchors the run and stamps each record's scheduled send time.
func (a *Aggregator) Start(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.startedAt = at
	for i := range a.records {
		a.records[i].ScheduledAt = at.Add(a.offsets[i])
	}
}

// StartedAt returns the run anchor, zero before Start.
func (a *Aggregator) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt
}

// RecordSubmission registers an accepted submission and routes later
// confirmations for its hash back to the scheduled record.
func (a *Aggregator) RecordSubmission(sub Submission) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.record(sub.SequenceIndex)
	if !ok {
		return
	}
	if rec.Status != types.TxPending {
		a.warnf("submission for sequence %d arrived after terminal status %s", sub.SequenceIndex, rec.Status)
		return
	}

	rec.Account = sub.Account
	rec.Hash = sub.Hash
	rec.Nonce = sub.Nonce
	rec.SentAt = sub.SentAt
	rec.LatenessSec = sub.Lateness.Seconds()
	if sub.GasPrice != nil {
		rec.GasPriceWei = sub.GasPrice.String()
	}
	a.byHash[sub.Hash] = sub.SequenceIndex
	a.counts.Submitted++

	if a.prom != nil {
		a.prom.RecordLateness(sub.Lateness.Seconds())
		a.prom.SetPendingTxs(int64(a.counts.Pending))
	}
}

// RecordSubmitFailure marks a vote that never made it past the endpoint.
// The failure is tallied, never lost: it participates in reconciliation.
func (a *Aggregator) RecordSubmitFailure(seq int, acct string, at time.Time, cause error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.record(seq)
	if !ok {
		return
	}
	if rec.Status != types.TxPending {
		a.warnf("submit failure for sequence %d arrived after terminal status %s", seq, rec.Status)
		return
	}

	rec.Account = acct
	rec.Status = types.TxSubmitFailed
	rec.SentAt = at
	if cause != nil {
		rec.Error = cause.Error()
	}
	a.counts.SubmitFailed++
	a.counts.Pending--

	if a.prom != nil {
		a.prom.RecordTx(types.TxSubmitFailed, rec.Phase)
		a.prom.RecordError("submission")
		a.prom.SetPendingTxs(int64(a.counts.Pending))
	}
}

// RecordConfirmation resolves a submitted hash with its mined receipt.
// Mined transactions (successful or reverted) contribute to the
// confirmation-delay distribution; timeouts never do.
func (a *Aggregator) RecordConfirmation(conf Confirmation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq, ok := a.byHash[conf.Hash]
	if !ok {
		a.warnf("confirmation for unknown hash %s", conf.Hash)
		return
	}
	rec := &a.records[seq]
	if rec.Status != types.TxPending {
		a.warnf("confirmation for sequence %d arrived after terminal status %s", seq, rec.Status)
		return
	}
	if conf.Status != types.TxSuccess && conf.Status != types.TxReverted {
		a.warnf("confirmation for sequence %d carried non-receipt status %s", seq, conf.Status)
		return
	}

	rec.Status = conf.Status
	rec.GasUsed = conf.GasUsed
	block := conf.BlockNumber
	rec.BlockNumber = &block
	rec.ConfirmedAt = conf.ConfirmedAt
	rec.LatencySec = conf.ConfirmedAt.Sub(rec.SentAt).Seconds()
	rec.TokenID = conf.TokenID
	if conf.ProposalID != nil && *conf.ProposalID != rec.ProposalID {
		a.warnf("sequence %d voted proposal %d but the event reports %d", seq, rec.ProposalID, *conf.ProposalID)
	}

	switch conf.Status {
	case types.TxSuccess:
		a.counts.Success++
	case types.TxReverted:
		a.counts.Reverted++
	}
	a.counts.Pending--

	a.overall.Add(rec.LatencySec)
	if d, ok := a.byPhase[rec.Phase]; ok {
		d.Add(rec.LatencySec)
	}

	if a.prom != nil {
		a.prom.RecordTx(conf.Status, rec.Phase)
		a.prom.RecordConfirmDelay(rec.Phase, rec.LatencySec)
		a.prom.SetPendingTxs(int64(a.counts.Pending))
	}
}

// RecordTimeout marks a submitted hash whose receipt never arrived within
// the per-transaction budget. Block and confirmation fields stay unset.
func (a *Aggregator) RecordTimeout(hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq, ok := a.byHash[hash]
	if !ok {
		a.warnf("timeout for unknown hash %s", hash)
		return
	}
	a.timeoutLocked(seq)
}

// ForceFinalizePending converts every unresolved record to a timeout. Used
// when the global run timeout fires: the reporter proceeds with whatever was
// collected. Returns how many records were converted.
func (a *Aggregator) ForceFinalizePending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for i := range a.records {
		if a.records[i].Status == types.TxPending {
			a.timeoutLocked(i)
			n++
		}
	}
	if n > 0 {
		a.warnf("global timeout force-finalized %d pending transactions", n)
	}
	return n
}

func (a *Aggregator) timeoutLocked(seq int) {
	rec := &a.records[seq]
	if rec.Status != types.TxPending {
		return
	}
	rec.Status = types.TxTimeout
	rec.Error = "no receipt within timeout"

	a.counts.Timeout++
	a.counts.Pending--

	if a.prom != nil {
		a.prom.RecordTx(types.TxTimeout, rec.Phase)
		a.prom.SetPendingTxs(int64(a.counts.Pending))
	}
}

// Counts returns the live tally.
func (a *Aggregator) Counts() Counts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts
}

// Pending returns how many transactions have not reached a terminal status.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counts.Pending
}

// Snapshot assembles the live view served while a run is in flight. The
// caller supplies the lifecycle status; the aggregator owns the numbers.
func (a *Aggregator) Snapshot(status types.RunStatus, now time.Time) types.RunSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := types.RunSnapshot{
		Status:       status,
		Consensus:    a.consensus,
		Workload:     a.workload,
		Scheduled:    a.counts.Scheduled,
		Submitted:    uint64(a.counts.Submitted),
		Success:      uint64(a.counts.Success),
		Reverted:     uint64(a.counts.Reverted),
		Timeout:      uint64(a.counts.Timeout),
		SubmitFailed: uint64(a.counts.SubmitFailed),
		Pending:      uint64(a.counts.Pending),
		Warnings:     append([]string(nil), a.warnings...),
	}

	if !a.startedAt.IsZero() && now.After(a.startedAt) {
		elapsed := now.Sub(a.startedAt)
		snap.ElapsedMs = elapsed.Milliseconds()
		snap.CurrentTPS = float64(a.counts.Success) / elapsed.Seconds()
	}

	if a.prom != nil {
		a.prom.SetCurrentTPS(snap.CurrentTPS)
	}
	return snap
}

// Records returns a copy of every per-transaction record, ordered by
// sequence index.
func (a *Aggregator) Records() []types.TxRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.TxRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Warnings returns the bookkeeping warnings accumulated so far.
func (a *Aggregator) Warnings() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.warnings...)
}

// Finalize reconciles the books and computes the run statistics. It fails
// with a ConsistencyError when the terminal counts do not sum back to the
// schedule; callers must not write reports in that case.
func (a *Aggregator) Finalize(completedAt time.Time) (*Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.counts.Resolved() != a.counts.Scheduled || a.counts.Pending != 0 {
		return nil, &ConsistencyError{
			Scheduled:    a.counts.Scheduled,
			Success:      a.counts.Success,
			Reverted:     a.counts.Reverted,
			Timeout:      a.counts.Timeout,
			SubmitFailed: a.counts.SubmitFailed,
			Pending:      a.counts.Pending,
		}
	}

	duration := completedAt.Sub(a.startedAt)
	tps := 0.0
	if duration > 0 {
		tps = float64(a.counts.Success) / duration.Seconds()
	}

	return &Result{
		Counts:       a.counts,
		Duration:     duration,
		EffectiveTPS: tps,
		Delay:        a.overall.Stats(),
		PhaseResults: a.phaseResultsLocked(),
		Warnings:     append([]string(nil), a.warnings...),
	}, nil
}

// phaseResultsLocked computes the per-phase breakdown in plan order. Every
// planned phase appears, including ones with no mined receipts.
func (a *Aggregator) phaseResultsLocked() []types.PhaseResult {
	type tally struct {
		scheduled, success, reverted, timeout, failed int
		firstSent, lastDone                           time.Time
	}
	tallies := make(map[string]*tally, len(a.phasePlan))
	order := make([]string, 0, len(a.phasePlan))
	for _, p := range a.phasePlan {
		tallies[p.Label] = &tally{}
		order = append(order, p.Label)
	}

	for i := range a.records {
		rec := &a.records[i]
		tl, ok := tallies[rec.Phase]
		if !ok {
			// Plan and records disagree on labels; surface rather than drop.
			tl = &tally{}
			tallies[rec.Phase] = tl
			order = append(order, rec.Phase)
		}
		tl.scheduled++
		switch rec.Status {
		case types.TxSuccess:
			tl.success++
		case types.TxReverted:
			tl.reverted++
		case types.TxTimeout:
			tl.timeout++
		case types.TxSubmitFailed:
			tl.failed++
		}
		if !rec.SentAt.IsZero() && (tl.firstSent.IsZero() || rec.SentAt.Before(tl.firstSent)) {
			tl.firstSent = rec.SentAt
		}
		if rec.ConfirmedAt.After(tl.lastDone) {
			tl.lastDone = rec.ConfirmedAt
		}
	}

	results := make([]types.PhaseResult, 0, len(order))
	for _, label := range order {
		tl := tallies[label]
		pr := types.PhaseResult{
			Label:        label,
			Scheduled:    tl.scheduled,
			Success:      tl.success,
			Reverted:     tl.reverted,
			Timeout:      tl.timeout,
			SubmitFailed: tl.failed,
		}
		if span := tl.lastDone.Sub(tl.firstSent); span > 0 {
			pr.EffectiveTPS = float64(tl.success) / span.Seconds()
		}
		if d, ok := a.byPhase[label]; ok {
			if stats := d.Stats(); stats != nil {
				pr.Delay = *stats
			}
		}
		results = append(results, pr)
	}
	return results
}

// record returns the record for a sequence index, logging out-of-range
// indices instead of panicking mid-run.
func (a *Aggregator) record(seq int) (*types.TxRecord, bool) {
	if seq < 0 || seq >= len(a.records) {
		a.warnf("sequence index %d outside schedule of %d", seq, len(a.records))
		return nil, false
	}
	return &a.records[seq], true
}

func (a *Aggregator) warnf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.warnings = append(a.warnings, msg)
	a.logger.Warn(msg)
}
