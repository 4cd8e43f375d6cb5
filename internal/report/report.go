// Package report writes the per-run artifacts: the per-transaction CSV, the
// machine-readable JSON summary, and the human-readable Markdown report.
//
// The CSV is appended per consensus label so repeated runs against the same
// engine accumulate in one file; the summary and report get fresh
// timestamped names. Markdown names collide across same-day runs and take a
// _runN suffix instead of overwriting.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/quorum-lab/votebench/pkg/types"
)

// csvHeader is the fixed column order of the per-transaction table.
var csvHeader = []string{
	"index",
	"account",
	"tx_hash",
	"status",
	"gas_used",
	"latency_sec",
	"token_id",
	"proposal_id",
	"phase",
	"submitted_sec",
	"completed_sec",
	"labels",
}

// Config for creating a Writer.
type Config struct {
	// OutputDir receives the CSV and the JSON summary.
	OutputDir string

	// ReportDir receives the Markdown report.
	ReportDir string

	// Labels is a free-form tag string copied into every CSV row.
	Labels string

	// ExecutionLog, when set, is linked from the report's artifact list.
	ExecutionLog string

	Logger *slog.Logger
}

// Writer renders one run's artifacts.
type Writer struct {
	outputDir    string
	reportDir    string
	labels       string
	executionLog string
	logger       *slog.Logger
}

// NewWriter creates a Writer.
func NewWriter(cfg Config) *Writer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		outputDir:    cfg.OutputDir,
		reportDir:    cfg.ReportDir,
		labels:       cfg.Labels,
		executionLog: cfg.ExecutionLog,
		logger:       logger,
	}
}

// WriteAll writes the artifacts for a finalized run and fills
// summary.Artifacts with their paths. summaryOnly skips the CSV.
func (w *Writer) WriteAll(summary *types.RunSummary, records []types.TxRecord, summaryOnly bool) (types.Artifacts, error) {
	var artifacts types.Artifacts

	if !summaryOnly {
		csvPath, err := w.WriteCSV(summary, records)
		if err != nil {
			return artifacts, err
		}
		artifacts.CSVPath = csvPath
	}

	summary.Artifacts = artifacts
	summaryPath, err := w.WriteSummary(summary)
	if err != nil {
		return artifacts, err
	}
	artifacts.SummaryPath = summaryPath
	summary.Artifacts = artifacts

	reportPath, err := w.WriteMarkdown(summary)
	if err != nil {
		return artifacts, err
	}
	artifacts.ReportPath = reportPath
	summary.Artifacts = artifacts

	return artifacts, nil
}

// WriteCSV appends one row per scheduled vote to <outdir>/<consensus>.csv,
// writing the header only when the file is new.
func (w *Writer) WriteCSV(summary *types.RunSummary, records []types.TxRecord) (string, error) {
	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(w.outputDir, sanitizeComponent(strings.ToLower(summary.Consensus))+".csv")

	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if writeHeader {
		if err := cw.Write(csvHeader); err != nil {
			return "", fmt.Errorf("write csv header: %w", err)
		}
	}
	for _, rec := range records {
		if err := cw.Write(w.csvRow(summary.StartedAt, rec)); err != nil {
			return "", fmt.Errorf("write csv row %d: %w", rec.SequenceIndex, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return "", fmt.Errorf("flush csv: %w", err)
	}

	w.logger.Info("detailed results appended", slog.String("path", path), slog.Int("rows", len(records)))
	return path, nil
}

// csvRow renders one record. Empty cells stand for values that never
// happened: no receipt means no gas, latency, or completion offset.
func (w *Writer) csvRow(start time.Time, rec types.TxRecord) []string {
	var gasUsed, latency, tokenID, submitted, completed string

	if rec.BlockNumber != nil {
		gasUsed = strconv.FormatUint(rec.GasUsed, 10)
		latency = formatSec(rec.LatencySec)
	}
	if rec.TokenID != nil {
		tokenID = strconv.FormatUint(*rec.TokenID, 10)
	}
	if !rec.SentAt.IsZero() {
		submitted = formatSec(rec.SentAt.Sub(start).Seconds())
	}
	if !rec.ConfirmedAt.IsZero() {
		completed = formatSec(rec.ConfirmedAt.Sub(start).Seconds())
	}

	return []string{
		strconv.Itoa(rec.SequenceIndex),
		rec.Account,
		rec.Hash,
		string(rec.Status),
		gasUsed,
		latency,
		tokenID,
		strconv.FormatUint(rec.ProposalID, 10),
		rec.Phase,
		submitted,
		completed,
		w.labels,
	}
}

// WriteSummary writes <outdir>/<consensus>_summary_<timestamp>.json.
func (w *Writer) WriteSummary(summary *types.RunSummary) (string, error) {
	if err := os.MkdirAll(w.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	name := fmt.Sprintf("%s_summary_%s.json",
		sanitizeComponent(strings.ToLower(summary.Consensus)),
		artifactTimestamp(summary.CompletedAt))
	path := filepath.Join(w.outputDir, name)

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}

	w.logger.Info("summary written", slog.String("path", path))
	return path, nil
}

// WriteMarkdown writes <reportdir>/<yyyymmdd>_<consensus>_<workload>.md,
// suffixed _runN when the name is taken.
func (w *Writer) WriteMarkdown(summary *types.RunSummary) (string, error) {
	if err := os.MkdirAll(w.reportDir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	path, err := nextReportPath(w.reportDir, summary)
	if err != nil {
		return "", err
	}

	content := w.renderMarkdown(summary)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	w.logger.Info("markdown report written", slog.String("path", path))
	return path, nil
}

func (w *Writer) renderMarkdown(summary *types.RunSummary) string {
	workloadLabel := "Sequential Workload"
	if summary.Workload == types.WorkloadPhased {
		workloadLabel = "Phase Workload"
	}

	lines := []string{
		fmt.Sprintf("# %s Benchmark – %s (%s)",
			capitalize(summary.Consensus),
			workloadLabel,
			summary.CompletedAt.UTC().Format("2006-01-02T15:04:05Z")),
		"",
		"## Throughput",
		fmt.Sprintf("- Total votes: %d (success %d, reverted %d, timeout %d, submission failed %d)",
			summary.Scheduled, summary.Success, summary.Reverted, summary.Timeout, summary.SubmitFailed),
		fmt.Sprintf("- Wall-clock duration: %.2f s", summary.DurationSec),
		fmt.Sprintf("- Effective TPS: %.2f tx/s", summary.TPSEstimate),
		fmt.Sprintf("- Phase plan: %s", formatPhasePlan(summary.PhasePlan)),
		"",
		"## Block Interval",
	}

	if bs := summary.BlockStats; bs != nil && bs.Intervals > 0 {
		lines = append(lines,
			fmt.Sprintf("- Latest observed block: %d", bs.LatestBlock),
			fmt.Sprintf("- Blocks observed: %d (intervals %d)", bs.Blocks, bs.Intervals),
			fmt.Sprintf("- Average interval: %.2f s", bs.MeanSec),
			fmt.Sprintf("- Min/Max interval: %.2f s / %.2f s", bs.MinSec, bs.MaxSec),
		)
		if n := len(bs.Anomalies); n > 0 {
			lines = append(lines, fmt.Sprintf("- Anomalous observations excluded: %d", n))
		}
	} else {
		latest := "N/A"
		if bs != nil {
			latest = strconv.FormatUint(bs.LatestBlock, 10)
		}
		lines = append(lines,
			fmt.Sprintf("- Latest observed block: %s", latest),
			"- Average interval: N/A",
			"- Min/Max interval: N/A / N/A",
		)
	}

	lines = append(lines,
		"",
		"## Confirmation Delay (T_confirmed − T_sent)",
		formatDelayLine("Overall", &summary.Delay),
	)
	for _, pr := range summary.PhaseResults {
		lines = append(lines, formatDelayLine("Phase "+pr.Label, &pr.Delay))
	}

	if vc := summary.VoteCheck; vc != nil {
		lines = append(lines, "", "## On-Chain Verification",
			fmt.Sprintf("- Sampled voters: %d (hasVoted confirmed %d, receipts matched %d)",
				vc.Sampled, vc.HasVotedOK, vc.ReceiptOK))
		if vc.TallyChecked {
			verdict := "mismatch"
			if vc.TallyMatches {
				verdict = "match"
			}
			lines = append(lines, fmt.Sprintf("- Proposal tallies: %s (chain %d, driver %d)",
				verdict, vc.OnChainVotes, vc.DriverSuccess))
		} else {
			lines = append(lines, "- Proposal tallies: not checked")
		}
		if vc.AllChecksPass {
			lines = append(lines, "- All checks passed")
		}
		for _, d := range vc.Discrepancies {
			lines = append(lines, "- Discrepancy: "+d)
		}
	}

	lines = append(lines, "", "## Artifacts")
	if summary.Artifacts.SummaryPath != "" {
		lines = append(lines, fmt.Sprintf("- Summary JSON: `%s`", summary.Artifacts.SummaryPath))
	}
	if summary.Artifacts.CSVPath != "" {
		lines = append(lines, fmt.Sprintf("- Detailed CSV: `%s`", summary.Artifacts.CSVPath))
	}
	if w.executionLog != "" {
		lines = append(lines, fmt.Sprintf("- Execution log: `%s`", w.executionLog))
	}

	if len(summary.Warnings) > 0 {
		lines = append(lines, "", "## Warnings")
		for _, warning := range summary.Warnings {
			lines = append(lines, "- "+warning)
		}
	}

	return strings.Join(lines, "\n") + "\n"
}

// nextReportPath finds a free Markdown filename, counting _run2, _run3, ...
// on collisions.
func nextReportPath(dir string, summary *types.RunSummary) (string, error) {
	datePrefix := summary.CompletedAt.UTC().Format("20060102")
	consensusPart := sanitizeComponent(strings.ToLower(summary.Consensus))
	workloadPart := "sequential"
	if summary.Workload == types.WorkloadPhased {
		workloadPart = "phase"
	}

	base := fmt.Sprintf("%s_%s_%s", datePrefix, consensusPart, workloadPart)
	candidate := filepath.Join(dir, base+".md")
	for counter := 2; ; counter++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate, nil
		} else if err != nil {
			return "", fmt.Errorf("probe report path: %w", err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s_run%d.md", base, counter))
	}
}

// formatDelayLine renders one latency summary line.
func formatDelayLine(label string, stats *types.DelayStats) string {
	if stats == nil || stats.Count == 0 {
		return fmt.Sprintf("- %s: no confirmed receipts", label)
	}
	return fmt.Sprintf("- %s: avg %.2f s, p95 %.2f s, max %.2f s (n = %d)",
		label, stats.AvgSec, stats.P95Sec, stats.MaxSec, stats.Count)
}

// formatPhasePlan renders the plan echo. Rates drop trailing zeros so
// "2.00" reads as "2" and "0.50" as "0.5".
func formatPhasePlan(plan []types.PhasePlan) string {
	if len(plan) == 0 {
		return "Sequential run"
	}
	parts := make([]string, len(plan))
	for i, p := range plan {
		parts[i] = fmt.Sprintf("%s %d @ %s TPS", p.Label, p.Count, formatRate(p.TargetTPS))
	}
	return strings.Join(parts, ", ")
}

func formatRate(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimRight(s, ".")
}

func formatSec(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// sanitizeComponent keeps letters, digits, '-' and '_' in filename parts.
func sanitizeComponent(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// artifactTimestamp renders the compact UTC stamp used in artifact names.
func artifactTimestamp(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
