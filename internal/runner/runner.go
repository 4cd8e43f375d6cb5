// Package runner drives one benchmark run end to end: endpoint probing,
// ballot preflight, paced submission, receipt confirmation, block
// watching, on-chain verification, and artifact writing.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorum-lab/votebench/internal/account"
	"github.com/quorum-lab/votebench/internal/aggregate"
	"github.com/quorum-lab/votebench/internal/ballot"
	"github.com/quorum-lab/votebench/internal/blockwatch"
	"github.com/quorum-lab/votebench/internal/config"
	"github.com/quorum-lab/votebench/internal/confirm"
	"github.com/quorum-lab/votebench/internal/consensus"
	"github.com/quorum-lab/votebench/internal/metrics"
	"github.com/quorum-lab/votebench/internal/report"
	"github.com/quorum-lab/votebench/internal/retry"
	"github.com/quorum-lab/votebench/internal/rpc"
	"github.com/quorum-lab/votebench/internal/schedule"
	"github.com/quorum-lab/votebench/internal/storage"
	"github.com/quorum-lab/votebench/internal/submitter"
	"github.com/quorum-lab/votebench/internal/txbuilder"
	"github.com/quorum-lab/votebench/internal/verification"
	"github.com/quorum-lab/votebench/pkg/types"
)

// probeAttempts bounds the startup connectivity probe.
const probeAttempts = 5

// EndpointUnreachableError reports that the RPC endpoint never answered
// the startup probe. The run makes no state changes before this check.
type EndpointUnreachableError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *EndpointUnreachableError) Error() string {
	return fmt.Sprintf("endpoint %s unreachable after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *EndpointUnreachableError) Unwrap() error {
	return e.Err
}

// Runner owns the components of a single benchmark run. One Runner
// executes one run; the status server may observe it concurrently.
type Runner struct {
	cfg      *config.Config
	store    storage.Storage // optional, nil disables the archive
	logger   *slog.Logger
	client   rpc.Client
	ballot   *ballot.Ballot
	accounts *account.Manager
	profile  *consensus.Profile
	registry *prometheus.Registry
	prom     *metrics.PrometheusMetrics

	mu       sync.Mutex
	status   types.RunStatus
	agg      *aggregate.Aggregator
	runErr   string
	warnings []string
}

// New assembles a Runner from the configuration: deployment artifact,
// RPC client, voter accounts, and consensus profile.
func New(cfg *config.Config, store storage.Storage, logger *slog.Logger) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	artifact, err := ballot.LoadArtifact(cfg.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("load deployment artifact: %w", err)
	}

	url := cfg.RPCURL
	if url == "" {
		url = artifact.RPCURL()
	}
	if url == "" {
		return nil, fmt.Errorf("no RPC endpoint: set -rpc-url or network.rpcUrl in the artifact")
	}

	client := rpc.NewHTTPClient(rpc.DefaultClientConfig(url))

	b, err := ballot.New(artifact, client, logger)
	if err != nil {
		return nil, fmt.Errorf("bind ballot contract: %w", err)
	}

	var voters []*account.Account
	if cfg.VotersFile != "" {
		voters, err = account.LoadVotersFile(cfg.VotersFile)
		if err != nil {
			return nil, fmt.Errorf("load voters file: %w", err)
		}
	} else {
		voters, err = account.DevVoters(cfg.Voters)
		if err != nil {
			return nil, err
		}
	}
	accounts, err := account.NewManager(voters, logger)
	if err != nil {
		return nil, err
	}

	profile := consensus.DefaultRegistry().Get(cfg.Consensus)
	if profile == nil {
		logger.Warn("unknown consensus engine, using generic profile",
			"consensus", cfg.Consensus)
		profile = consensus.GenericProfile(cfg.Consensus)
	}

	registry := prometheus.NewRegistry()

	return &Runner{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		client:   client,
		ballot:   b,
		accounts: accounts,
		profile:  profile,
		registry: registry,
		prom:     metrics.NewPrometheusMetrics(registry),
		status:   types.StatusIdle,
	}, nil
}

// Registry exposes the run's metric registry for the /metrics endpoint.
func (r *Runner) Registry() *prometheus.Registry {
	return r.registry
}

// CheckEndpoint probes the RPC endpoint with a single head read.
func (r *Runner) CheckEndpoint(ctx context.Context) error {
	_, err := r.client.GetBlockNumber(ctx)
	return err
}

// Snapshot returns the live view of the run for the status API.
func (r *Runner) Snapshot() types.RunSnapshot {
	r.mu.Lock()
	status := r.status
	agg := r.agg
	errMsg := r.runErr
	r.mu.Unlock()

	if agg == nil {
		return types.RunSnapshot{
			Status:    status,
			Consensus: r.profile.Name,
			Workload:  r.cfg.Workload(),
			Error:     errMsg,
		}
	}
	snap := agg.Snapshot(status, time.Now())
	snap.Error = errMsg
	return snap
}

func (r *Runner) setStatus(s types.RunStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
	r.prom.SetRunStatus(s)
}

func (r *Runner) setError(msg string) {
	r.mu.Lock()
	r.runErr = msg
	r.mu.Unlock()
	r.setStatus(types.StatusError)
}

func (r *Runner) addWarning(format string, args ...any) {
	r.mu.Lock()
	r.warnings = append(r.warnings, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *Runner) takeWarnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

// Execute runs the benchmark. It returns after artifacts are written, or
// with the error that stopped the run.
func (r *Runner) Execute(ctx context.Context) error {
	phases, err := r.cfg.Phases()
	if err != nil {
		return err
	}
	proposals := r.ballot.Proposals()
	if r.cfg.ProposalID >= 0 && r.cfg.ProposalID >= int64(len(proposals)) {
		return fmt.Errorf("proposal ID %d out of range: ballot has %d proposals",
			r.cfg.ProposalID, len(proposals))
	}

	plan := schedule.Build(phases, len(proposals))
	if r.cfg.ProposalID >= 0 {
		for i := range plan {
			plan[i].ProposalID = uint64(r.cfg.ProposalID)
		}
	}

	if r.cfg.DryRun {
		r.logPlan(phases, plan)
		return nil
	}

	r.setStatus(types.StatusPreparing)

	if err := r.probeEndpoint(ctx); err != nil {
		r.setError(err.Error())
		return err
	}

	chainID, err := r.client.ChainID(ctx)
	if err != nil {
		r.setError(err.Error())
		return fmt.Errorf("read chain ID: %w", err)
	}

	gasPrice, err := r.resolveGasPrice(ctx)
	if err != nil {
		r.setError(err.Error())
		return err
	}

	r.preflightBallot(ctx)

	if err := r.accounts.InitializeNonces(ctx, r.client); err != nil {
		r.setError(err.Error())
		return fmt.Errorf("initialize nonces: %w", err)
	}

	if r.cfg.PrepareOnly {
		err := r.reportPrepared(ctx)
		r.setStatus(types.StatusIdle)
		return err
	}

	agg := aggregate.New(aggregate.Config{
		Plan:       plan,
		PhasePlan:  schedule.Plan(phases),
		Consensus:  r.profile.Name,
		Workload:   r.cfg.Workload(),
		Prometheus: r.prom,
		Logger:     r.logger,
	})
	r.mu.Lock()
	r.agg = agg
	r.mu.Unlock()
	r.prom.SetTargetTPS(peakTPS(phases))

	start := time.Now()
	runID := fmt.Sprintf("run-%d", start.UnixNano())
	agg.Start(start)
	r.createRunRecord(ctx, runID, start, phases, len(plan))

	var runCtx context.Context
	var cancel context.CancelFunc
	if r.cfg.GlobalTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.GlobalTimeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// The watcher outlives runCtx so a global timeout does not cut off
	// block interval collection mid-receipt-drain.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watcher := blockwatch.New(blockwatch.Config{
		Client:     r.client,
		Profile:    r.profile,
		WSURL:      r.cfg.WSURL,
		Prometheus: r.prom,
		Logger:     r.logger,
	})
	watcher.Start(watchCtx)

	pool := confirm.New(confirm.Config{
		Client:     r.client,
		Aggregator: agg,
		Events:     r.ballot,
		Workers:    r.cfg.ReceiptWorkers,
		Capacity:   len(plan),
		TxTimeout:  r.cfg.TxTimeout,
		Prometheus: r.prom,
		Logger:     r.logger,
	})
	pool.Start(runCtx)

	sub, err := submitter.New(submitter.Config{
		Plan:       plan,
		Accounts:   r.accounts,
		Builder:    txbuilder.NewVoteBuilder(r.ballot, r.cfg.GasLimit),
		Client:     r.client,
		Aggregator: agg,
		Pending:    pool,
		ChainID:    chainID,
		GasPrice:   gasPrice,
		UseLegacy:  r.profile.RequiresLegacyTx,
		Retry: retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.Exponential{Initial: 200 * time.Millisecond, Max: 2 * time.Second},
		},
		Prometheus: r.prom,
		Logger:     r.logger,
	})
	if err != nil {
		r.setError(err.Error())
		return err
	}

	r.setStatus(types.StatusRunning)
	r.logger.Info("benchmark started",
		"runId", runID,
		"consensus", r.profile.Name,
		"votes", len(plan),
		"phases", len(phases),
		"voters", r.accounts.Count(),
		"chainId", chainID.String(),
		"gasPriceWei", gasPrice.String(),
		"legacyTx", r.profile.RequiresLegacyTx,
		"plannedDuration", schedule.PlannedDuration(phases).String())

	if err := sub.Run(runCtx, start); err != nil {
		r.logger.Warn("submission stopped early", "error", err)
	}
	pool.Close()
	pool.Wait()
	stopWatch()
	watcher.Wait()

	interrupted := ctx.Err() != nil
	if interrupted {
		r.logger.Warn("run interrupted, finalizing partial results")
		r.addWarning("run interrupted before completion")
	} else if runCtx.Err() != nil {
		r.logger.Warn("global timeout reached, abandoning unresolved votes",
			"timeout", r.cfg.GlobalTimeout.String())
	}

	r.setStatus(types.StatusFinalizing)
	agg.ForceFinalizePending()

	result, err := agg.Finalize(time.Now())
	if err != nil {
		r.failRun(runID, err)
		return err
	}
	records := agg.Records()

	stats := watcher.Stats()
	var check *types.VoteCheck
	if !interrupted {
		if stats == nil || stats.Intervals < 2 {
			sampled, serr := blockwatch.Sample(ctx, r.client, r.profile, blockwatch.DefaultSampleCount)
			if serr != nil {
				r.logger.Warn("trailing block sample failed", "error", serr)
			} else {
				stats = sampled
			}
		}

		r.setStatus(types.StatusVerifying)
		check = verification.NewVerifier(r.ballot, r.logger).VerifyRun(ctx, records, verification.DefaultSampleSize)
		if !check.AllChecksPass {
			r.addWarning("on-chain verification found %d discrepancies", len(check.Discrepancies))
		}
	}

	completedAt := time.Now()
	warnings := append(result.Warnings, r.takeWarnings()...)

	summary := &types.RunSummary{
		ID:           runID,
		Consensus:    r.profile.Name,
		Workload:     r.cfg.Workload(),
		PhaseSpec:    r.cfg.PhaseSpec,
		StartedAt:    start,
		CompletedAt:  completedAt,
		DurationSec:  result.Duration.Seconds(),
		Scheduled:    result.Counts.Scheduled,
		Success:      uint64(result.Counts.Success),
		Reverted:     uint64(result.Counts.Reverted),
		Timeout:      uint64(result.Counts.Timeout),
		SubmitFailed: uint64(result.Counts.SubmitFailed),
		TPSEstimate:  result.EffectiveTPS,
		PhasePlan:    schedule.Plan(phases),
		PhaseResults: result.PhaseResults,
		BlockStats:   stats,
		VoteCheck:    check,
		Notes:        r.cfg.Notes,
		Warnings:     warnings,
	}
	if result.Delay != nil {
		summary.Delay = *result.Delay
	}

	writer := report.NewWriter(report.Config{
		OutputDir:    r.cfg.OutputDir,
		ReportDir:    r.cfg.ReportDir,
		Labels:       r.cfg.Tags,
		ExecutionLog: r.cfg.ExecutionLog,
		Logger:       r.logger,
	})
	if _, err := writer.WriteAll(summary, records, r.cfg.SummaryOnly); err != nil {
		r.logger.Error("artifact writing failed", "error", err)
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("artifact writing failed: %v", err))
	}

	r.persistRun(ctx, runID, summary, records, interrupted)

	if interrupted {
		r.setError("interrupted before completion")
		return ctx.Err()
	}

	r.setStatus(types.StatusCompleted)
	r.logger.Info("benchmark complete",
		"runId", runID,
		"success", result.Counts.Success,
		"reverted", result.Counts.Reverted,
		"timeout", result.Counts.Timeout,
		"submitFailed", result.Counts.SubmitFailed,
		"effectiveTps", fmt.Sprintf("%.2f", result.EffectiveTPS),
		"durationSec", fmt.Sprintf("%.2f", result.Duration.Seconds()))
	return nil
}

// probeEndpoint verifies the node answers before any state is touched.
func (r *Runner) probeEndpoint(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts: probeAttempts,
		Backoff:     retry.Exponential{Initial: 500 * time.Millisecond, Max: 5 * time.Second},
	}
	err := policy.Do(ctx, func(ctx context.Context) error {
		_, perr := r.client.GetBlockNumber(ctx)
		return perr
	})
	if err != nil {
		return &EndpointUnreachableError{URL: r.endpointURL(), Attempts: probeAttempts, Err: err}
	}
	return nil
}

func (r *Runner) endpointURL() string {
	if hc, ok := r.client.(*rpc.HTTPClient); ok {
		return hc.URL()
	}
	return r.cfg.RPCURL
}

// resolveGasPrice returns the configured price, or the node's answer when
// the config says to ask. Gas-free networks legitimately answer zero.
func (r *Runner) resolveGasPrice(ctx context.Context) (*big.Int, error) {
	if r.cfg.GasPriceWei != config.GasPriceFromNode {
		return big.NewInt(r.cfg.GasPriceWei), nil
	}
	price, err := r.client.GetGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("query gas price: %w", err)
	}
	r.logger.Info("gas price from node", "wei", price)
	return new(big.Int).SetUint64(price), nil
}

// preflightBallot reads the ballot metadata and warns when the voting
// window is closed. Contracts without metadata are fine: the read is
// advisory and never blocks the run.
func (r *Runner) preflightBallot(ctx context.Context) {
	meta, err := r.ballot.Metadata(ctx)
	if err != nil {
		r.logger.Warn("ballot metadata unavailable", "error", err)
		return
	}
	r.logger.Info("ballot metadata",
		"id", meta.ID,
		"title", meta.Title,
		"opensAt", meta.OpensAt.UTC().Format(time.RFC3339),
		"closesAt", meta.ClosesAt.UTC().Format(time.RFC3339),
		"expectedVoters", meta.ExpectedVoters)
	if !meta.WindowOpen(time.Now()) {
		r.logger.Warn("voting window is not open, votes will likely revert",
			"opensAt", meta.OpensAt.UTC().Format(time.RFC3339),
			"closesAt", meta.ClosesAt.UTC().Format(time.RFC3339))
		r.addWarning("voting window closed at run start (opens %s, closes %s)",
			meta.OpensAt.UTC().Format(time.RFC3339), meta.ClosesAt.UTC().Format(time.RFC3339))
	}
}

// reportPrepared logs each voter's readiness and exits without voting.
func (r *Runner) reportPrepared(ctx context.Context) error {
	r.logger.Info("ballot bound",
		"address", r.ballot.Address().Hex(),
		"proposals", len(r.ballot.Proposals()),
		"voteFunction", r.ballot.VoteSignature())
	for _, acct := range r.accounts.Voters() {
		voted, err := r.ballot.HasVoted(ctx, acct.Address)
		if err != nil {
			r.logger.Warn("hasVoted probe failed", "account", acct.Address.Hex(), "error", err)
			continue
		}
		if voted {
			r.logger.Warn("voter has already voted, its votes will revert",
				"account", acct.Address.Hex())
		} else {
			r.logger.Info("voter ready",
				"account", acct.Address.Hex(),
				"nonce", acct.PeekNonce())
		}
	}
	r.logger.Info("prepare-only complete", "voters", r.accounts.Count())
	return nil
}

// logPlan prints the schedule a run would execute, without touching the
// network.
func (r *Runner) logPlan(phases []schedule.Phase, plan []schedule.ScheduledTx) {
	for _, ph := range phases {
		r.logger.Info("phase planned",
			"label", ph.Label,
			"count", ph.Count,
			"targetTps", ph.TargetTPS,
			"burst", ph.Burst,
			"window", ph.Window().String())
	}
	r.logger.Info("dry run complete",
		"votes", len(plan),
		"proposals", len(r.ballot.Proposals()),
		"voters", r.accounts.Count(),
		"plannedDuration", schedule.PlannedDuration(phases).String())
}

// createRunRecord opens the archive row. Archive failures never stop a
// run; results still land in the file artifacts.
func (r *Runner) createRunRecord(ctx context.Context, runID string, start time.Time, phases []schedule.Phase, scheduled int) {
	if r.store == nil {
		return
	}
	rec := &storage.RunRecord{
		ID:        runID,
		StartedAt: start,
		Consensus: r.profile.Name,
		Workload:  r.cfg.Workload(),
		PhaseSpec: r.cfg.PhaseSpec,
		Status:    "running",
		Notes:     r.cfg.Notes,
		Labels:    r.cfg.Tags,
		Scheduled: scheduled,
		PhasePlan: schedule.Plan(phases),
	}
	if err := r.store.CreateRun(ctx, rec); err != nil {
		r.logger.Warn("run archive create failed", "error", err)
	}
}

// persistRun stores the final summary and vote log. After an interrupt
// the parent context is dead, so persistence gets its own deadline.
func (r *Runner) persistRun(ctx context.Context, runID string, summary *types.RunSummary, records []types.TxRecord, interrupted bool) {
	if r.store == nil {
		return
	}
	if interrupted {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	if err := r.store.CompleteRun(ctx, runID, summary); err != nil {
		r.logger.Warn("run archive update failed", "error", err)
	}
	if err := r.store.BulkInsertVotes(ctx, runID, records); err != nil {
		r.logger.Warn("vote archive failed", "error", err)
	}
	if interrupted {
		if err := r.store.FailRun(ctx, runID, "interrupted before completion"); err != nil {
			r.logger.Warn("run archive update failed", "error", err)
		}
	}
}

// failRun records a fatal mid-run error in the archive and the snapshot.
func (r *Runner) failRun(runID string, cause error) {
	r.setError(cause.Error())
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.store.FailRun(ctx, runID, cause.Error()); err != nil {
		r.logger.Warn("run archive update failed", "error", err)
	}
}

func peakTPS(phases []schedule.Phase) float64 {
	peak := 0.0
	for _, ph := range phases {
		if ph.TargetTPS > peak {
			peak = ph.TargetTPS
		}
	}
	return peak
}
