package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorum-lab/votebench/internal/storage"
	"github.com/quorum-lab/votebench/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStatus struct {
	snap types.RunSnapshot
}

func (s *stubStatus) Snapshot() types.RunSnapshot {
	return s.snap
}

type stubHealth struct {
	err error
}

func (h *stubHealth) CheckEndpoint(context.Context) error {
	return h.err
}

func runningStatus() *stubStatus {
	return &stubStatus{snap: types.RunSnapshot{
		Status:     types.StatusRunning,
		Consensus:  "ibft",
		Workload:   types.WorkloadSequential,
		Scheduled:  100,
		Submitted:  40,
		Success:    35,
		Pending:    5,
		CurrentTPS: 3.5,
		ElapsedMs:  10_000,
	}}
}

// seedArchive creates a SQLite archive holding one completed run with
// three votes.
func seedArchive(t *testing.T) (storage.Storage, *storage.RunRecord) {
	t.Helper()

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	started := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	run := &storage.RunRecord{
		ID:        "ibft-20260601T090000Z",
		StartedAt: started,
		Consensus: "ibft",
		Workload:  types.WorkloadSequential,
		Status:    "running",
		Notes:     "seed run",
		Scheduled: 3,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	completed := started.Add(50 * time.Second)
	summary := &types.RunSummary{
		CompletedAt: completed,
		Scheduled:   3,
		Success:     2,
		Timeout:     1,
		DurationSec: 50,
		TPSEstimate: 0.04,
	}
	if err := store.CompleteRun(ctx, run.ID, summary); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	block := uint64(91)
	token := uint64(7)
	votes := []types.TxRecord{
		{
			SequenceIndex: 0,
			Phase:         "sequential",
			ProposalID:    0,
			Account:       "0x00000000000000000000000000000000000000a1",
			Hash:          "0xaaa",
			Status:        types.TxSuccess,
			GasUsed:       61000,
			BlockNumber:   &block,
			TokenID:       &token,
			ScheduledAt:   started,
			SentAt:        started.Add(10 * time.Millisecond),
			ConfirmedAt:   started.Add(2 * time.Second),
			LatencySec:    1.99,
		},
		{
			SequenceIndex: 1,
			Phase:         "sequential",
			ProposalID:    1,
			Account:       "0x00000000000000000000000000000000000000b2",
			Hash:          "0xbbb",
			Status:        types.TxSuccess,
			GasUsed:       61000,
			BlockNumber:   &block,
			ScheduledAt:   started.Add(time.Second),
			SentAt:        started.Add(1010 * time.Millisecond),
			ConfirmedAt:   started.Add(3 * time.Second),
			LatencySec:    1.99,
		},
		{
			SequenceIndex: 2,
			Phase:         "sequential",
			ProposalID:    2,
			Account:       "0x00000000000000000000000000000000000000a1",
			Hash:          "0xccc",
			Status:        types.TxTimeout,
			ScheduledAt:   started.Add(2 * time.Second),
			SentAt:        started.Add(2010 * time.Millisecond),
			Error:         "no receipt within timeout",
		},
	}
	if err := store.BulkInsertVotes(ctx, run.ID, votes); err != nil {
		t.Fatalf("BulkInsertVotes: %v", err)
	}

	return store, run
}

func newTestServer(t *testing.T, status StatusSource, health HealthChecker, archive storage.Storage) *httptest.Server {
	t.Helper()
	s := NewServer(Config{
		Status:  status,
		Health:  health,
		Archive: archive,
		Logger:  testLogger(),
	})
	t.Cleanup(s.Close)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

// doJSON performs a request and decodes the JSON response into out when
// out is non-nil.
func doJSON(t *testing.T, method, url string, body io.Reader, out interface{}) int {
	t.Helper()

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, runningStatus(), nil, nil)

	var snap types.RunSnapshot
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/status", nil, &snap); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if snap.Status != types.StatusRunning {
		t.Errorf("Status = %s, want %s", snap.Status, types.StatusRunning)
	}
	if snap.Submitted != 40 || snap.Success != 35 {
		t.Errorf("submitted/success = %d/%d, want 40/35", snap.Submitted, snap.Success)
	}
	if snap.CurrentTPS != 3.5 {
		t.Errorf("CurrentTPS = %v, want 3.5", snap.CurrentTPS)
	}
}

func TestStatusMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, runningStatus(), nil, nil)

	var body map[string]string
	if code := doJSON(t, http.MethodPost, srv.URL+"/v1/status", nil, &body); code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want 405", code)
	}
	if body["error"] == "" {
		t.Error("expected a JSON error body")
	}
}

func TestRunsList(t *testing.T) {
	archive, run := seedArchive(t)
	srv := newTestServer(t, runningStatus(), nil, archive)

	var page storage.PaginatedRuns
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs", nil, &page); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if page.Total != 1 || len(page.Runs) != 1 {
		t.Fatalf("total/len = %d/%d, want 1/1", page.Total, len(page.Runs))
	}
	got := page.Runs[0]
	if got.ID != run.ID {
		t.Errorf("ID = %q, want %q", got.ID, run.ID)
	}
	if got.Status != "completed" || got.Success != 2 {
		t.Errorf("status/success = %s/%d, want completed/2", got.Status, got.Success)
	}

	// Offset past the only run yields an empty page with the full total.
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs?limit=1&offset=1", nil, &page); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if page.Total != 1 || len(page.Runs) != 0 {
		t.Errorf("paged total/len = %d/%d, want 1/0", page.Total, len(page.Runs))
	}
}

func TestRunDetail(t *testing.T) {
	archive, run := seedArchive(t)
	srv := newTestServer(t, runningStatus(), nil, archive)

	var got storage.RunRecord
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/"+run.ID, nil, &got); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if got.ID != run.ID || got.Consensus != "ibft" {
		t.Errorf("run = %+v", got)
	}

	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/absent-run", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing run status code = %d, want 404", code)
	}
}

func TestRunVotes(t *testing.T) {
	archive, run := seedArchive(t)
	srv := newTestServer(t, runningStatus(), nil, archive)

	var page storage.PaginatedVotes
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/"+run.ID+"/votes", nil, &page); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if page.Total != 3 || len(page.Votes) != 3 {
		t.Fatalf("total/len = %d/%d, want 3/3", page.Total, len(page.Votes))
	}
	if page.Votes[0].SequenceIndex != 0 || page.Votes[0].Hash != "0xaaa" {
		t.Errorf("first vote = %+v, want sequence order", page.Votes[0])
	}

	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/"+run.ID+"/votes?limit=2", nil, &page); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if page.Total != 3 || len(page.Votes) != 2 {
		t.Errorf("limited total/len = %d/%d, want 3/2", page.Total, len(page.Votes))
	}
}

func TestRunAccounts(t *testing.T) {
	archive, run := seedArchive(t)
	srv := newTestServer(t, runningStatus(), nil, archive)

	var accounts []storage.AccountStats
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/"+run.ID+"/accounts", nil, &accounts); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if len(accounts) != 2 {
		t.Fatalf("len(accounts) = %d, want 2", len(accounts))
	}
	// Sorted by account: a1 cast two votes, b2 cast one.
	if accounts[0].Votes != 2 || accounts[0].Success != 1 || accounts[0].Timeout != 1 {
		t.Errorf("first account = %+v", accounts[0])
	}
	if accounts[1].Votes != 1 || accounts[1].Success != 1 {
		t.Errorf("second account = %+v", accounts[1])
	}

	// Unknown runs have no votes, so the breakdown is empty, not an error.
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/absent/accounts", nil, &accounts); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if len(accounts) != 0 {
		t.Errorf("len(accounts) = %d, want 0", len(accounts))
	}
}

func TestRunNotesUpdate(t *testing.T) {
	archive, run := seedArchive(t)
	srv := newTestServer(t, runningStatus(), nil, archive)

	body := strings.NewReader(`{"notes": "4 validators, no tc delay"}`)
	var got storage.RunRecord
	if code := doJSON(t, http.MethodPatch, srv.URL+"/v1/runs/"+run.ID, body, &got); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if got.Notes != "4 validators, no tc delay" {
		t.Errorf("Notes = %q, want the update applied", got.Notes)
	}

	body = strings.NewReader(`{"notes": "x"}`)
	if code := doJSON(t, http.MethodPatch, srv.URL+"/v1/runs/absent-run", body, nil); code != http.StatusNotFound {
		t.Errorf("missing run status code = %d, want 404", code)
	}

	body = strings.NewReader(`{not json`)
	if code := doJSON(t, http.MethodPatch, srv.URL+"/v1/runs/"+run.ID, body, nil); code != http.StatusBadRequest {
		t.Errorf("bad body status code = %d, want 400", code)
	}
}

func TestRunDelete(t *testing.T) {
	archive, run := seedArchive(t)
	srv := newTestServer(t, runningStatus(), nil, archive)

	var body map[string]bool
	if code := doJSON(t, http.MethodDelete, srv.URL+"/v1/runs/"+run.ID, nil, &body); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if !body["deleted"] {
		t.Error("expected deleted: true")
	}

	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/runs/"+run.ID, nil, nil); code != http.StatusNotFound {
		t.Errorf("deleted run status code = %d, want 404", code)
	}
}

func TestVoteByHash(t *testing.T) {
	archive, run := seedArchive(t)
	srv := newTestServer(t, runningStatus(), nil, archive)

	var vote storage.VoteRow
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/votes/0xaaa", nil, &vote); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if vote.RunID != run.ID || vote.Status != types.TxSuccess {
		t.Errorf("vote = %+v", vote)
	}

	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/votes/0xmissing", nil, nil); code != http.StatusNotFound {
		t.Errorf("missing vote status code = %d, want 404", code)
	}
}

func TestArchiveDisabled(t *testing.T) {
	srv := newTestServer(t, runningStatus(), nil, nil)

	for _, url := range []string{
		srv.URL + "/v1/runs",
		srv.URL + "/v1/runs/some-run",
		srv.URL + "/v1/votes/0xaaa",
	} {
		if code := doJSON(t, http.MethodGet, url, nil, nil); code != http.StatusServiceUnavailable {
			t.Errorf("%s status code = %d, want 503", url, code)
		}
	}

	// Live endpoints keep working without an archive.
	if code := doJSON(t, http.MethodGet, srv.URL+"/v1/status", nil, nil); code != http.StatusOK {
		t.Errorf("/v1/status status code = %d, want 200", code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, runningStatus(), nil, nil)

	var body map[string]interface{}
	if code := doJSON(t, http.MethodGet, srv.URL+"/health", nil, &body); code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}

func TestReadyEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newTestServer(t, runningStatus(), &stubHealth{}, nil)

		var body struct {
			Ready  bool             `json:"ready"`
			Checks []ReadinessCheck `json:"checks"`
		}
		if code := doJSON(t, http.MethodGet, srv.URL+"/ready", nil, &body); code != http.StatusOK {
			t.Fatalf("status code = %d, want 200", code)
		}
		if !body.Ready {
			t.Error("expected ready: true")
		}
		if len(body.Checks) != 1 || body.Checks[0].Name != "rpc" || body.Checks[0].Status != "ok" {
			t.Errorf("checks = %+v", body.Checks)
		}
	})

	t.Run("endpoint down", func(t *testing.T) {
		srv := newTestServer(t, runningStatus(), &stubHealth{err: errors.New("connection refused")}, nil)

		var body struct {
			Ready  bool             `json:"ready"`
			Checks []ReadinessCheck `json:"checks"`
		}
		if code := doJSON(t, http.MethodGet, srv.URL+"/ready", nil, &body); code != http.StatusServiceUnavailable {
			t.Fatalf("status code = %d, want 503", code)
		}
		if body.Ready {
			t.Error("expected ready: false")
		}
		if len(body.Checks) != 1 || body.Checks[0].Status != "failed" {
			t.Errorf("checks = %+v", body.Checks)
		}
		if !strings.Contains(body.Checks[0].Error, "connection refused") {
			t.Errorf("check error = %q", body.Checks[0].Error)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	s := NewServer(Config{
		Status:   runningStatus(),
		Gatherer: prometheus.NewRegistry(),
		Logger:   testLogger(),
	})
	t.Cleanup(s.Close)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
}

func TestCORSAllowAll(t *testing.T) {
	srv := newTestServer(t, runningStatus(), nil, nil)

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/v1/status", nil)
	req.Header.Set("Origin", "http://dashboard.example")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status code = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestCORSAllowedList(t *testing.T) {
	s := NewServer(Config{
		Status:             runningStatus(),
		CORSAllowedOrigins: "http://dash.local, http://ops.local",
		Logger:             testLogger(),
	})
	t.Cleanup(s.Close)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/status", nil)
	req.Header.Set("Origin", "http://dash.local")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://dash.local" {
		t.Errorf("allowed origin header = %q, want echoed origin", got)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/v1/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin header = %q, want empty", got)
	}
}

func TestWebSocketStream(t *testing.T) {
	s := NewServer(Config{
		Status: runningStatus(),
		Logger: testLogger(),
	})
	t.Cleanup(s.Close)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read snapshot frame: %v", err)
	}

	var snap types.RunSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("parse snapshot frame: %v", err)
	}
	if snap.Status != types.StatusRunning || snap.Submitted != 40 {
		t.Errorf("streamed snapshot = %+v", snap)
	}

	// Receiving a broadcast frame means the client is registered.
	if got := s.wsServer.ClientCount(); got != 1 {
		t.Errorf("ClientCount = %d, want 1", got)
	}
}
