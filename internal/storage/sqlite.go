package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/quorum-lab/votebench/pkg/types"
)

// unmarshalJSON unmarshals JSON and logs any errors without failing.
// Used for the nested stats fields where a corrupted blob should not
// make the whole run unreadable.
func unmarshalJSON(data string, v any, field string, runID string) {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		slog.Warn("failed to unmarshal JSON field",
			"field", field,
			"runID", runID,
			"error", err.Error(),
			"dataLen", len(data))
	}
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL mode for better concurrent performance; the status server reads
	// while the runner archives.
	dsn := fmt.Sprintf("%s?_journal=WAL&_sync=NORMAL&_cache_size=10000&_foreign_keys=ON", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStorage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStorage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bench_runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		consensus TEXT NOT NULL,
		workload TEXT NOT NULL,
		phase_spec TEXT,
		status TEXT DEFAULT 'running',
		error_message TEXT,
		notes TEXT,
		labels TEXT,
		scheduled INTEGER DEFAULT 0,
		success INTEGER DEFAULT 0,
		reverted INTEGER DEFAULT 0,
		timeout INTEGER DEFAULT 0,
		submit_failed INTEGER DEFAULT 0,
		duration_sec REAL DEFAULT 0,
		tps_estimate REAL DEFAULT 0,
		delay_stats TEXT,
		phase_plan TEXT,
		phase_results TEXT,
		block_stats TEXT,
		vote_check TEXT,
		warnings TEXT,
		csv_path TEXT,
		summary_path TEXT,
		report_path TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_bench_runs_started ON bench_runs(started_at DESC);

	CREATE TABLE IF NOT EXISTS bench_votes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		phase TEXT,
		proposal_id INTEGER DEFAULT 0,
		account TEXT NOT NULL,
		tx_hash TEXT,
		nonce INTEGER DEFAULT 0,
		status TEXT DEFAULT 'pending',
		gas_price_wei TEXT,
		gas_used INTEGER DEFAULT 0,
		block_number INTEGER,
		token_id INTEGER,
		scheduled_at_ms INTEGER,
		sent_at_ms INTEGER,
		confirmed_at_ms INTEGER,
		latency_sec REAL DEFAULT 0,
		lateness_sec REAL DEFAULT 0,
		error TEXT,
		FOREIGN KEY (run_id) REFERENCES bench_runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_bench_votes_run ON bench_votes(run_id);
	CREATE INDEX IF NOT EXISTS idx_bench_votes_hash ON bench_votes(tx_hash);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release. Each is checked before the
	// ALTER so existing databases upgrade in place.
	migrations := []struct {
		table  string
		column string
		ddl    string
	}{
		{"bench_runs", "vote_check", "ALTER TABLE bench_runs ADD COLUMN vote_check TEXT"},
		{"bench_runs", "notes", "ALTER TABLE bench_runs ADD COLUMN notes TEXT"},
		{"bench_runs", "report_path", "ALTER TABLE bench_runs ADD COLUMN report_path TEXT"},
		{"bench_votes", "token_id", "ALTER TABLE bench_votes ADD COLUMN token_id INTEGER"},
		{"bench_votes", "lateness_sec", "ALTER TABLE bench_votes ADD COLUMN lateness_sec REAL DEFAULT 0"},
	}

	for _, m := range migrations {
		if !s.columnExists(m.table, m.column) {
			if _, err := s.db.Exec(m.ddl); err != nil {
				// Log but don't fail - migration might have already been applied
				fmt.Fprintf(os.Stderr, "warning: migration failed for %s.%s: %v\n", m.table, m.column, err)
			}
		}
	}

	return nil
}

// columnExists checks if a column exists in a table.
// Note: table and column names are validated to prevent SQL injection.
// SQLite identifiers only allow alphanumeric chars and underscore.
func (s *SQLiteStorage) columnExists(table, column string) bool {
	if !isValidIdentifier(table) || !isValidIdentifier(column) {
		return false
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info('%s') WHERE name = '%s'", table, column)
	var count int
	if err := s.db.QueryRow(query).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// isValidIdentifier checks if a string is a valid SQLite identifier.
// Only allows alphanumeric characters and underscore.
func isValidIdentifier(s string) bool {
	if len(s) == 0 || len(s) > 128 {
		return false
	}
	for _, c := range s {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// CreateRun inserts the archive row for a run that is starting.
func (s *SQLiteStorage) CreateRun(ctx context.Context, run *RunRecord) error {
	status := run.Status
	if status == "" {
		status = "running"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bench_runs (id, started_at, consensus, workload, phase_spec, status, notes, labels, scheduled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.StartedAt, run.Consensus, run.Workload, run.PhaseSpec, status, run.Notes, run.Labels, run.Scheduled)

	return err
}

// CompleteRun stores the finalized summary and marks the run completed.
func (s *SQLiteStorage) CompleteRun(ctx context.Context, id string, summary *types.RunSummary) error {
	delayJSON := marshalJSON(summary.Delay)
	planJSON := marshalJSON(summary.PhasePlan)
	resultsJSON := marshalJSON(summary.PhaseResults)
	blockStatsJSON := marshalJSON(summary.BlockStats)
	voteCheckJSON := marshalJSON(summary.VoteCheck)
	warningsJSON := marshalJSON(summary.Warnings)

	_, err := s.db.ExecContext(ctx, `
		UPDATE bench_runs SET
			completed_at = ?,
			status = 'completed',
			scheduled = ?,
			success = ?,
			reverted = ?,
			timeout = ?,
			submit_failed = ?,
			duration_sec = ?,
			tps_estimate = ?,
			delay_stats = ?,
			phase_plan = ?,
			phase_results = ?,
			block_stats = ?,
			vote_check = ?,
			warnings = ?,
			csv_path = ?,
			summary_path = ?,
			report_path = ?
		WHERE id = ?
	`, summary.CompletedAt, summary.Scheduled, summary.Success, summary.Reverted,
		summary.Timeout, summary.SubmitFailed, summary.DurationSec, summary.TPSEstimate,
		delayJSON, planJSON, resultsJSON, blockStatsJSON, voteCheckJSON, warningsJSON,
		summary.Artifacts.CSVPath, summary.Artifacts.SummaryPath, summary.Artifacts.ReportPath, id)

	return err
}

// FailRun marks a run as errored.
func (s *SQLiteStorage) FailRun(ctx context.Context, id string, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE bench_runs SET completed_at = ?, status = 'error', error_message = ? WHERE id = ?
	`, time.Now(), errMsg, id)
	return err
}

const runColumns = `id, started_at, completed_at, consensus, workload, phase_spec,
	status, error_message, notes, labels,
	scheduled, success, reverted, timeout, submit_failed,
	duration_sec, tps_estimate,
	delay_stats, phase_plan, phase_results, block_stats, vote_check, warnings,
	csv_path, summary_path, report_path`

// GetRun retrieves a single run by ID. Returns nil, nil when absent.
func (s *SQLiteStorage) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM bench_runs WHERE id = ?", id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns returns a paginated list of runs, newest first.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit, offset int) (*PaginatedRuns, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM bench_runs").Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+runColumns+" FROM bench_runs ORDER BY started_at DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedRuns{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// DeleteRun deletes a run and its archived votes.
func (s *SQLiteStorage) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bench_runs WHERE id = ?", id)
	return err
}

// UpdateRunNotes replaces the free-form notes of a run.
func (s *SQLiteStorage) UpdateRunNotes(ctx context.Context, id, notes string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE bench_runs SET notes = ? WHERE id = ?", notes, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// BulkInsertVotes archives the per-vote records of a finalized run.
// All rows go through one transaction so the fsync cost is paid once,
// which matters when a run produced tens of thousands of votes.
func (s *SQLiteStorage) BulkInsertVotes(ctx context.Context, runID string, records []types.TxRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bench_votes (run_id, seq, phase, proposal_id, account, tx_hash, nonce, status,
			gas_price_wei, gas_used, block_number, token_id,
			scheduled_at_ms, sent_at_ms, confirmed_at_ms, latency_sec, lateness_sec, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := stmt.ExecContext(ctx, runID, rec.SequenceIndex, rec.Phase, rec.ProposalID,
			rec.Account, nullString(rec.Hash), rec.Nonce, rec.Status,
			nullString(rec.GasPriceWei), rec.GasUsed, nullableUint(rec.BlockNumber), nullableUint(rec.TokenID),
			msOrNull(rec.ScheduledAt), msOrNull(rec.SentAt), msOrNull(rec.ConfirmedAt),
			rec.LatencySec, rec.LatenessSec, nullString(rec.Error))
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

const voteColumns = `seq, phase, proposal_id, account, tx_hash, nonce, status,
	gas_price_wei, gas_used, block_number, token_id,
	scheduled_at_ms, sent_at_ms, confirmed_at_ms, latency_sec, COALESCE(lateness_sec, 0), error`

// GetVotes retrieves paginated vote records for a run in schedule order.
func (s *SQLiteStorage) GetVotes(ctx context.Context, runID string, limit, offset int) (*PaginatedVotes, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM bench_votes WHERE run_id = ?", runID).Scan(&total); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+voteColumns+" FROM bench_votes WHERE run_id = ? ORDER BY seq LIMIT ? OFFSET ?",
		runID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var votes []types.TxRecord
	for rows.Next() {
		rec, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		votes = append(votes, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &PaginatedVotes{
		Votes:  votes,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}, nil
}

// GetVoteByHash retrieves a single archived vote by transaction hash.
// Returns nil, nil when no run recorded the hash.
func (s *SQLiteStorage) GetVoteByHash(ctx context.Context, txHash string) (*VoteRow, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT run_id, "+voteColumns+" FROM bench_votes WHERE tx_hash = ?", txHash)

	var runID string
	rec, err := scanVoteWith(row, &runID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &VoteRow{RunID: runID, TxRecord: *rec}, nil
}

// AccountBreakdown aggregates outcomes per voter account for a run.
func (s *SQLiteStorage) AccountBreakdown(ctx context.Context, runID string) ([]AccountStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account,
			COUNT(*),
			SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'reverted' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'timeout' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'submission_failed' THEN 1 ELSE 0 END),
			COALESCE(AVG(CASE WHEN block_number IS NOT NULL THEN latency_sec END), 0),
			COALESCE(MAX(CASE WHEN block_number IS NOT NULL THEN latency_sec END), 0)
		FROM bench_votes
		WHERE run_id = ?
		GROUP BY account
		ORDER BY account
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []AccountStats
	for rows.Next() {
		var as AccountStats
		if err := rows.Scan(&as.Account, &as.Votes, &as.Success, &as.Reverted,
			&as.Timeout, &as.SubmitFailed, &as.AvgLatencySec, &as.MaxLatencySec); err != nil {
			return nil, err
		}
		stats = append(stats, as)
	}
	return stats, rows.Err()
}

// Helper functions

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (*RunRecord, error) {
	var run RunRecord
	var completedAt sql.NullTime
	var workload string
	var phaseSpec, errorMsg, notes, labels sql.NullString
	var delayJSON, planJSON, resultsJSON, blockStatsJSON, voteCheckJSON, warningsJSON sql.NullString
	var csvPath, summaryPath, reportPath sql.NullString

	err := sc.Scan(&run.ID, &run.StartedAt, &completedAt, &run.Consensus, &workload, &phaseSpec,
		&run.Status, &errorMsg, &notes, &labels,
		&run.Scheduled, &run.Success, &run.Reverted, &run.Timeout, &run.SubmitFailed,
		&run.DurationSec, &run.TPSEstimate,
		&delayJSON, &planJSON, &resultsJSON, &blockStatsJSON, &voteCheckJSON, &warningsJSON,
		&csvPath, &summaryPath, &reportPath)
	if err != nil {
		return nil, err
	}

	run.Workload = types.Workload(workload)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.PhaseSpec = phaseSpec.String
	run.ErrorMessage = errorMsg.String
	run.Notes = notes.String
	run.Labels = labels.String
	run.Artifacts = types.Artifacts{
		CSVPath:     csvPath.String,
		SummaryPath: summaryPath.String,
		ReportPath:  reportPath.String,
	}

	if hasJSON(delayJSON) {
		run.Delay = &types.DelayStats{}
		unmarshalJSON(delayJSON.String, run.Delay, "delay_stats", run.ID)
	}
	if hasJSON(planJSON) {
		unmarshalJSON(planJSON.String, &run.PhasePlan, "phase_plan", run.ID)
	}
	if hasJSON(resultsJSON) {
		unmarshalJSON(resultsJSON.String, &run.PhaseResults, "phase_results", run.ID)
	}
	if hasJSON(blockStatsJSON) {
		run.BlockStats = &types.BlockStats{}
		unmarshalJSON(blockStatsJSON.String, run.BlockStats, "block_stats", run.ID)
	}
	if hasJSON(voteCheckJSON) {
		run.VoteCheck = &types.VoteCheck{}
		unmarshalJSON(voteCheckJSON.String, run.VoteCheck, "vote_check", run.ID)
	}
	if hasJSON(warningsJSON) {
		unmarshalJSON(warningsJSON.String, &run.Warnings, "warnings", run.ID)
	}

	return &run, nil
}

func scanVote(sc rowScanner) (*types.TxRecord, error) {
	return scanVoteWith(sc)
}

// scanVoteWith scans one vote row, placing any leading extra columns
// into extra before the vote columns.
func scanVoteWith(sc rowScanner, extra ...any) (*types.TxRecord, error) {
	var rec types.TxRecord
	var phase, hash, gasPrice, errMsg sql.NullString
	var status string
	var blockNumber, tokenID sql.NullInt64
	var scheduledMs, sentMs, confirmedMs sql.NullInt64

	dest := append(extra,
		&rec.SequenceIndex, &phase, &rec.ProposalID, &rec.Account, &hash, &rec.Nonce, &status,
		&gasPrice, &rec.GasUsed, &blockNumber, &tokenID,
		&scheduledMs, &sentMs, &confirmedMs, &rec.LatencySec, &rec.LatenessSec, &errMsg)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}

	rec.Phase = phase.String
	rec.Hash = hash.String
	rec.Status = types.TxStatus(status)
	rec.GasPriceWei = gasPrice.String
	rec.Error = errMsg.String
	if blockNumber.Valid {
		v := uint64(blockNumber.Int64)
		rec.BlockNumber = &v
	}
	if tokenID.Valid {
		v := uint64(tokenID.Int64)
		rec.TokenID = &v
	}
	rec.ScheduledAt = timeFromMs(scheduledMs)
	rec.SentAt = timeFromMs(sentMs)
	rec.ConfirmedAt = timeFromMs(confirmedMs)

	return &rec, nil
}

// marshalJSON renders v, returning "" on the errors json.Marshal can
// produce for values that never occur in our types.
func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// hasJSON reports whether a stored JSON column carries a real value.
func hasJSON(s sql.NullString) bool {
	return s.Valid && s.String != "" && s.String != "null"
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullableUint(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func msOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromMs(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}
