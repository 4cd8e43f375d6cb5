package runner

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quorum-lab/votebench/internal/ballot"
	"github.com/quorum-lab/votebench/internal/config"
	"github.com/quorum-lab/votebench/internal/rpc"
	"github.com/quorum-lab/votebench/internal/storage"
	"github.com/quorum-lab/votebench/pkg/types"
)

const (
	testContract = "0x1932c48b2bF8102Ba33B4A6B545C32236e342f34"
	testChainID  = 1337
	testGenesis  = 1_700_000_000
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func word(v uint64) []byte {
	out := make([]byte, 32)
	new(big.Int).SetUint64(v).FillBytes(out)
	return out
}

func abiString(s string) []byte {
	padded := (len(s) + 31) / 32 * 32
	out := make([]byte, 32+padded)
	new(big.Int).SetUint64(uint64(len(s))).FillBytes(out[:32])
	copy(out[32:], s)
	return out
}

func cat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// minedTx is one accepted transaction's fate on the fake chain.
type minedTx struct {
	status   uint64
	block    uint64
	tokenID  uint64
	proposal uint64
	voter    common.Address
}

// fakeNode is an in-process JSON-RPC node. Transactions mine instantly:
// the first vote per sender succeeds and mints a receipt token, repeat
// votes revert, and ballot state is readable back over eth_call.
type fakeNode struct {
	server   *httptest.Server
	contract common.Address
	topic    common.Hash
	signer   ethtypes.Signer

	mu           sync.Mutex
	requests     int
	sent         int
	head         uint64
	tokenSeq     uint64
	voted        map[common.Address]bool
	receipts     map[string]minedTx
	tokens       map[uint64]minedTx
	tallies      map[uint64]uint64
	names        []string
	windowClosed bool
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{
		contract: common.HexToAddress(testContract),
		topic:    crypto.Keccak256Hash([]byte("VoteCast(address,uint256,uint256)")),
		signer:   ethtypes.LatestSignerForChainID(big.NewInt(testChainID)),
		head:     12,
		voted:    make(map[common.Address]bool),
		receipts: make(map[string]minedTx),
		tokens:   make(map[uint64]minedTx),
		tallies:  map[uint64]uint64{0: 0, 1: 0, 2: 0},
		names:    []string{"Alice", "Bob", "Carol"},
	}
	n.server = httptest.NewServer(http.HandlerFunc(n.handle))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) requestCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests
}

func (n *fakeNode) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent
}

func (n *fakeNode) tally(id uint64) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tallies[id]
}

func (n *fakeNode) setWindowClosed(closed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.windowClosed = closed
}

func (n *fakeNode) markVoted(addr common.Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.voted[addr] = true
}

func (n *fakeNode) handle(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	n.requests++
	n.mu.Unlock()

	var req rpc.JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := rpc.JSONRPCResponse{JSONRPC: "2.0", ID: req.ID}
	result, err := n.dispatch(req)
	if err != nil {
		resp.Error = &rpc.JSONRPCError{Code: -32000, Message: err.Error()}
	} else {
		raw, merr := json.Marshal(result)
		if merr != nil {
			resp.Error = &rpc.JSONRPCError{Code: -32603, Message: merr.Error()}
		} else {
			resp.Result = raw
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) dispatch(req rpc.JSONRPCRequest) (any, error) {
	switch req.Method {
	case "eth_blockNumber":
		n.mu.Lock()
		defer n.mu.Unlock()
		return hexutil.EncodeUint64(n.head), nil
	case "eth_chainId":
		return hexutil.EncodeUint64(testChainID), nil
	case "eth_gasPrice":
		return "0x0", nil
	case "eth_getTransactionCount":
		return "0x0", nil
	case "eth_sendRawTransaction":
		raw, ok := req.Params[0].(string)
		if !ok {
			return nil, fmt.Errorf("malformed params")
		}
		return n.mine(raw)
	case "eth_getTransactionReceipt":
		hash, ok := req.Params[0].(string)
		if !ok {
			return nil, fmt.Errorf("malformed params")
		}
		return n.receipt(hash)
	case "eth_getBlockByNumber":
		numHex, ok := req.Params[0].(string)
		if !ok {
			return nil, fmt.Errorf("malformed params")
		}
		return n.block(numHex)
	case "eth_call":
		return n.ethCall(req.Params[0])
	default:
		return nil, fmt.Errorf("method %s not supported", req.Method)
	}
}

func (n *fakeNode) mine(rawHex string) (string, error) {
	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		return "", err
	}
	tx := new(ethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", fmt.Errorf("undecodable transaction: %w", err)
	}
	from, err := ethtypes.Sender(n.signer, tx)
	if err != nil {
		return "", fmt.Errorf("unrecoverable sender: %w", err)
	}
	data := tx.Data()
	if len(data) != 36 {
		return "", fmt.Errorf("unexpected calldata length %d", len(data))
	}
	proposal := new(big.Int).SetBytes(data[4:36]).Uint64()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent++
	n.head++
	m := minedTx{status: 1, block: n.head}
	if n.voted[from] {
		m.status = 0
	} else {
		n.tokenSeq++
		m.tokenID = n.tokenSeq
		m.proposal = proposal
		m.voter = from
		n.voted[from] = true
		n.tallies[proposal]++
		n.tokens[m.tokenID] = m
	}
	n.receipts[tx.Hash().Hex()] = m
	return tx.Hash().Hex(), nil
}

func (n *fakeNode) receipt(hash string) (any, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	m, ok := n.receipts[hash]
	if !ok {
		return nil, nil
	}
	rec := map[string]any{
		"transactionHash":   hash,
		"status":            hexutil.EncodeUint64(m.status),
		"gasUsed":           "0xb2d0",
		"blockNumber":       hexutil.EncodeUint64(m.block),
		"effectiveGasPrice": "0x0",
		"logs":              []any{},
	}
	if m.status == 1 {
		rec["logs"] = []any{map[string]any{
			"address": n.contract.Hex(),
			"topics": []string{
				n.topic.Hex(),
				common.BytesToHash(common.LeftPadBytes(m.voter.Bytes(), 32)).Hex(),
				common.BigToHash(new(big.Int).SetUint64(m.tokenID)).Hex(),
			},
			"data": hexutil.Encode(word(m.proposal)),
		}}
	}
	return rec, nil
}

func (n *fakeNode) block(numHex string) (any, error) {
	num, err := hexutil.DecodeUint64(numHex)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"number":       hexutil.EncodeUint64(num),
		"hash":         common.BigToHash(new(big.Int).SetUint64(num)).Hex(),
		"transactions": []string{},
		"gasUsed":      "0x0",
		"gasLimit":     "0x1c9c380",
		"timestamp":    hexutil.EncodeUint64(testGenesis + num*5),
	}, nil
}

func (n *fakeNode) ethCall(param any) (string, error) {
	call, ok := param.(map[string]any)
	if !ok {
		return "", fmt.Errorf("malformed call params")
	}
	dataHex, _ := call["data"].(string)
	data, err := hexutil.Decode(dataHex)
	if err != nil || len(data) < 4 {
		return "", fmt.Errorf("malformed calldata")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	switch hex.EncodeToString(data[:4]) {
	case hex.EncodeToString(ballot.SelectorBallotMetadata):
		return hexutil.Encode(n.metadataReply()), nil
	case hex.EncodeToString(ballot.SelectorHasVoted):
		if n.voted[common.BytesToAddress(data[16:36])] {
			return hexutil.Encode(word(1)), nil
		}
		return hexutil.Encode(word(0)), nil
	case hex.EncodeToString(ballot.SelectorGetReceipt):
		id := new(big.Int).SetBytes(data[4:36]).Uint64()
		m, ok := n.tokens[id]
		if !ok {
			return "", fmt.Errorf("execution reverted: nonexistent token")
		}
		return hexutil.Encode(cat(word(m.proposal), word(m.block))), nil
	case hex.EncodeToString(ballot.SelectorGetProposal):
		id := new(big.Int).SetBytes(data[4:36]).Uint64()
		if id >= uint64(len(n.names)) {
			return "", fmt.Errorf("execution reverted: invalid proposal")
		}
		return hexutil.Encode(cat(word(2*32), word(n.tallies[id]), abiString(n.names[id]))), nil
	}
	return "", fmt.Errorf("unknown selector %x", data[:4])
}

func (n *fakeNode) metadataReply() []byte {
	now := uint64(time.Now().Unix())
	opens, closes := now-3600, now+3600
	if n.windowClosed {
		opens, closes = now-7200, now-3600
	}
	title := abiString("Annual Vote")
	titleOff := uint64(7 * 32)
	descOff := titleOff + uint64(len(title))
	return cat(
		word(1), word(titleOff), word(descOff),
		word(opens), word(closes), word(closes+600), word(10),
		title, abiString("Benchmark ballot"),
	)
}

func writeArtifact(t *testing.T, rpcURL string) string {
	t.Helper()
	content := fmt.Sprintf(`{
  "contract": {
    "address": "%s",
    "abi": [
      {"type": "function", "name": "vote", "inputs": [{"name": "proposalId", "type": "uint256"}]},
      {"type": "event", "name": "VoteCast", "inputs": [
        {"name": "voter", "type": "address", "indexed": true},
        {"name": "tokenId", "type": "uint256", "indexed": true},
        {"name": "proposalId", "type": "uint256"}
      ]}
    ],
    "proposals": ["Alice", "Bob", "Carol"]
  },
  "network": {"rpcUrl": "%s"}
}`, testContract, rpcURL)
	path := filepath.Join(t.TempDir(), "deployment.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

// testConfig builds a fast sequential run: one vote per dev voter so
// nothing double-votes unless a test asks for it.
func testConfig(t *testing.T, rpcURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.ArtifactPath = writeArtifact(t, rpcURL)
	cfg.Count = 3
	cfg.TPS = 50
	cfg.TxTimeout = 5 * time.Second
	cfg.ReceiptWorkers = 2
	cfg.OutputDir = filepath.Join(dir, "benchmarks")
	cfg.ReportDir = filepath.Join(dir, "reports")
	return &cfg
}

func readSummary(t *testing.T, outputDir string) *types.RunSummary {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(outputDir, "*_summary_*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("summary glob = %v (err %v), want exactly one file", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	var s types.RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("parse summary: %v", err)
	}
	return &s
}

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestRunnerFullRun(t *testing.T) {
	node := newFakeNode(t)
	cfg := testConfig(t, node.server.URL)
	// Leave RPCURL empty so the artifact's network.rpcUrl fallback is used.

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "votebench.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	r, err := New(cfg, store, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.Snapshot().Status; got != types.StatusIdle {
		t.Errorf("initial status = %s, want %s", got, types.StatusIdle)
	}

	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := r.Snapshot().Status; got != types.StatusCompleted {
		t.Errorf("final status = %s, want %s", got, types.StatusCompleted)
	}
	if got := node.sentCount(); got != 3 {
		t.Errorf("node saw %d transactions, want 3", got)
	}

	summary := readSummary(t, cfg.OutputDir)
	if summary.Scheduled != 3 || summary.Success != 3 {
		t.Errorf("summary scheduled/success = %d/%d, want 3/3", summary.Scheduled, summary.Success)
	}
	if summary.Consensus != "ibft" || summary.Workload != types.WorkloadSequential {
		t.Errorf("summary consensus/workload = %s/%s", summary.Consensus, summary.Workload)
	}
	if summary.Delay.Count != 3 {
		t.Errorf("delay count = %d, want 3", summary.Delay.Count)
	}
	if summary.VoteCheck == nil || !summary.VoteCheck.AllChecksPass {
		t.Errorf("vote check = %+v, want all checks passing", summary.VoteCheck)
	}
	if summary.BlockStats == nil || summary.BlockStats.Intervals == 0 {
		t.Error("expected block stats from the trailing sample")
	}
	if summary.Artifacts.ReportPath == "" {
		t.Error("summary is missing the markdown report path")
	}

	// CSV: header plus one row per vote.
	csvData, err := os.ReadFile(filepath.Join(cfg.OutputDir, "ibft.csv"))
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if got := strings.Count(string(csvData), "\n"); got != 4 {
		t.Errorf("csv has %d lines, want 4", got)
	}

	// The archive holds the completed run and its votes.
	runs, err := store.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs.Runs) != 1 {
		t.Fatalf("archive has %d runs, want 1", len(runs.Runs))
	}
	run := runs.Runs[0]
	if run.Status != "completed" || run.Success != 3 {
		t.Errorf("archived run status/success = %s/%d, want completed/3", run.Status, run.Success)
	}
	votes, err := store.GetVotes(context.Background(), run.ID, 10, 0)
	if err != nil {
		t.Fatalf("GetVotes: %v", err)
	}
	if votes.Total != 3 {
		t.Errorf("archived votes = %d, want 3", votes.Total)
	}
}

func TestRunnerDryRun(t *testing.T) {
	node := newFakeNode(t)
	cfg := testConfig(t, node.server.URL)
	cfg.DryRun = true

	r, err := New(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := node.requestCount(); got != 0 {
		t.Errorf("dry run made %d RPC requests, want 0", got)
	}
	if _, err := os.Stat(cfg.OutputDir); !os.IsNotExist(err) {
		t.Error("dry run must not create artifacts")
	}
	if got := r.Snapshot().Status; got != types.StatusIdle {
		t.Errorf("status = %s, want %s", got, types.StatusIdle)
	}
}

func TestRunnerPrepareOnly(t *testing.T) {
	node := newFakeNode(t)
	cfg := testConfig(t, node.server.URL)
	cfg.PrepareOnly = true

	r, err := New(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := node.sentCount(); got != 0 {
		t.Errorf("prepare-only sent %d transactions, want 0", got)
	}
	if node.requestCount() == 0 {
		t.Error("prepare-only should have probed the endpoint")
	}
	if got := r.Snapshot().Status; got != types.StatusIdle {
		t.Errorf("status = %s, want %s", got, types.StatusIdle)
	}
}

func TestRunnerEndpointUnreachable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")

	r, err := New(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = r.Execute(ctx)

	var unreachable *EndpointUnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("Execute error = %v, want EndpointUnreachableError", err)
	}
	if unreachable.URL != "http://127.0.0.1:1" {
		t.Errorf("error URL = %q", unreachable.URL)
	}
	snap := r.Snapshot()
	if snap.Status != types.StatusError || snap.Error == "" {
		t.Errorf("snapshot = %s/%q, want error status with message", snap.Status, snap.Error)
	}
}

func TestRunnerProposalPin(t *testing.T) {
	node := newFakeNode(t)
	cfg := testConfig(t, node.server.URL)
	cfg.ProposalID = 1

	r, err := New(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := node.tally(1); got != 3 {
		t.Errorf("proposal 1 tally = %d, want 3", got)
	}
	if node.tally(0) != 0 || node.tally(2) != 0 {
		t.Errorf("unpinned proposals got votes: %d/%d", node.tally(0), node.tally(2))
	}
}

func TestRunnerProposalOutOfRange(t *testing.T) {
	node := newFakeNode(t)
	cfg := testConfig(t, node.server.URL)
	cfg.ProposalID = 9

	r, err := New(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Execute(context.Background()); err == nil {
		t.Fatal("expected error for out-of-range proposal ID")
	}
	if got := node.requestCount(); got != 0 {
		t.Errorf("out-of-range proposal made %d RPC requests before failing, want 0", got)
	}
}

func TestRunnerRepeatVotesRevert(t *testing.T) {
	node := newFakeNode(t)
	cfg := testConfig(t, node.server.URL)
	// Six votes across three voters: the second vote per voter reverts.
	cfg.Count = 6

	r, err := New(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	summary := readSummary(t, cfg.OutputDir)
	if summary.Success != 3 || summary.Reverted != 3 {
		t.Errorf("success/reverted = %d/%d, want 3/3", summary.Success, summary.Reverted)
	}
	// Verification samples successful votes only, so it still passes.
	if summary.VoteCheck == nil || !summary.VoteCheck.AllChecksPass {
		t.Errorf("vote check = %+v, want all checks passing", summary.VoteCheck)
	}
}

func TestRunnerWindowClosedWarning(t *testing.T) {
	node := newFakeNode(t)
	node.setWindowClosed(true)
	cfg := testConfig(t, node.server.URL)

	r, err := New(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	summary := readSummary(t, cfg.OutputDir)
	if !hasWarning(summary.Warnings, "voting window closed") {
		t.Errorf("warnings = %v, want a voting window warning", summary.Warnings)
	}
}

func TestRunnerGlobalTimeout(t *testing.T) {
	node := newFakeNode(t)
	cfg := testConfig(t, node.server.URL)
	cfg.Count = 50
	cfg.TPS = 10
	cfg.GlobalTimeout = 400 * time.Millisecond

	r, err := New(cfg, nil, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Execute(context.Background()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	summary := readSummary(t, cfg.OutputDir)
	if summary.Scheduled != 50 {
		t.Errorf("scheduled = %d, want 50", summary.Scheduled)
	}
	resolved := summary.Success + summary.Reverted + summary.Timeout + summary.SubmitFailed
	if resolved != 50 {
		t.Errorf("resolved = %d, want 50: every scheduled vote needs a terminal status", resolved)
	}
	if summary.Timeout < 40 {
		t.Errorf("timeout count = %d, want the unreached majority of the plan", summary.Timeout)
	}
	if !hasWarning(summary.Warnings, "force-finalized") {
		t.Errorf("warnings = %v, want a force-finalize warning", summary.Warnings)
	}
	if got := r.Snapshot().Status; got != types.StatusCompleted {
		t.Errorf("status = %s, want %s", got, types.StatusCompleted)
	}
}

func TestRunnerInterrupted(t *testing.T) {
	node := newFakeNode(t)
	cfg := testConfig(t, node.server.URL)
	cfg.Count = 50
	cfg.TPS = 10

	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "votebench.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer store.Close()

	r, err := New(cfg, store, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	if err := r.Execute(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute error = %v, want context.Canceled", err)
	}

	if got := r.Snapshot().Status; got != types.StatusError {
		t.Errorf("status = %s, want %s", got, types.StatusError)
	}

	// Partial artifacts still land on disk and the archive row is marked.
	summary := readSummary(t, cfg.OutputDir)
	if !hasWarning(summary.Warnings, "interrupted") {
		t.Errorf("warnings = %v, want an interruption warning", summary.Warnings)
	}
	runs, err := store.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs.Runs) != 1 {
		t.Fatalf("archive has %d runs, want 1", len(runs.Runs))
	}
	if runs.Runs[0].Status != "error" {
		t.Errorf("archived status = %q, want error", runs.Runs[0].Status)
	}
	if !strings.Contains(runs.Runs[0].ErrorMessage, "interrupted") {
		t.Errorf("archived error = %q, want interruption message", runs.Runs[0].ErrorMessage)
	}
}

func TestNewErrors(t *testing.T) {
	t.Run("missing artifact", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.ArtifactPath = filepath.Join(t.TempDir(), "absent.json")
		if _, err := New(&cfg, nil, testLogger()); err == nil {
			t.Fatal("expected error for missing artifact")
		}
	})

	t.Run("no endpoint anywhere", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.ArtifactPath = writeArtifact(t, "")
		if _, err := New(&cfg, nil, testLogger()); err == nil {
			t.Fatal("expected error when neither flag nor artifact has an endpoint")
		}
	})

	t.Run("unknown consensus falls back", func(t *testing.T) {
		node := newFakeNode(t)
		cfg := testConfig(t, node.server.URL)
		cfg.Consensus = "bespoke-engine"
		r, err := New(cfg, nil, testLogger())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if got := r.Snapshot().Consensus; got != "bespoke-engine" {
			t.Errorf("profile name = %q, want the configured label", got)
		}
	})
}
