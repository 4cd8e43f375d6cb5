package blockwatch

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quorum-lab/votebench/internal/consensus"
	"github.com/quorum-lab/votebench/internal/rpc"
)

// headClient serves a mutable chain tip to the watcher.
type headClient struct {
	mu      sync.Mutex
	head    uint64
	blocks  map[uint64]*rpc.Block
	headErr error
}

func newHeadClient() *headClient {
	return &headClient{blocks: make(map[uint64]*rpc.Block)}
}

// advance appends one block at the new tip.
func (c *headClient) advance(number, timestamp uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocks[number] = &rpc.Block{Number: number, Timestamp: timestamp}
	c.head = number
}

func (c *headClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headErr != nil {
		return 0, c.headErr
	}
	return c.head, nil
}

func (c *headClient) GetBlockByNumber(ctx context.Context, n uint64) (*rpc.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocks[n], nil
}

func (c *headClient) SendRawTransaction(ctx context.Context, raw []byte) error { return nil }
func (c *headClient) GetTransactionReceipt(ctx context.Context, hash string) (*rpc.TransactionReceipt, error) {
	return nil, nil
}
func (c *headClient) GetNonce(ctx context.Context, address string) (uint64, error) { return 0, nil }
func (c *headClient) GetGasPrice(ctx context.Context) (uint64, error)             { return 0, nil }
func (c *headClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}
func (c *headClient) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	return nil, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestWatcherPollsHeads(t *testing.T) {
	client := newHeadClient()
	client.advance(100, 1000)

	w := New(Config{
		Client:       client,
		Profile:      consensus.IBFTProfile(),
		PollInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return w.tracker.Blocks() == 1 })

	client.advance(101, 1005)
	waitFor(t, 2*time.Second, func() bool { return w.tracker.Blocks() == 2 })

	// Tip jumps by two: the watcher backfills block 102 before 103.
	client.mu.Lock()
	client.blocks[102] = &rpc.Block{Number: 102, Timestamp: 1010}
	client.blocks[103] = &rpc.Block{Number: 103, Timestamp: 1015}
	client.head = 103
	client.mu.Unlock()
	waitFor(t, 2*time.Second, func() bool { return w.tracker.Blocks() == 4 })

	cancel()
	w.Wait()

	stats := w.Stats()
	if stats.Blocks != 4 {
		t.Errorf("blocks mismatch: got %d, want 4", stats.Blocks)
	}
	if stats.Intervals != 3 {
		t.Errorf("intervals mismatch: got %d, want 3", stats.Intervals)
	}
	if stats.MeanSec != 5.0 {
		t.Errorf("mean mismatch: got %v, want 5.0", stats.MeanSec)
	}
	if len(stats.Anomalies) != 0 {
		t.Errorf("unexpected anomalies: %+v", stats.Anomalies)
	}
}

func TestWatcherSurvivesHeadErrors(t *testing.T) {
	client := newHeadClient()
	client.mu.Lock()
	client.headErr = errors.New("connection refused")
	client.mu.Unlock()

	w := New(Config{
		Client:       client,
		Profile:      consensus.IBFTProfile(),
		PollInterval: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	time.Sleep(30 * time.Millisecond)
	client.mu.Lock()
	client.headErr = nil
	client.mu.Unlock()
	client.advance(7, 1000)

	waitFor(t, 2*time.Second, func() bool { return w.tracker.Blocks() == 1 })
	cancel()
	w.Wait()
}

// newHeadsServer upgrades one connection, acknowledges the subscription,
// streams the given heads, then keeps the connection open.
func newHeadsServer(t *testing.T, heads []struct{ number, ts uint64 }) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// The subscribe request.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		ack := `{"jsonrpc":"2.0","id":1,"result":"0xcd0c3e8af590364c09d0fa6a1210faf5"}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
			return
		}

		for _, h := range heads {
			note := fmt.Sprintf(
				`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xcd0c3e8af590364c09d0fa6a1210faf5","result":{"number":"0x%x","timestamp":"0x%x"}}}`,
				h.number, h.ts)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(note)); err != nil {
				return
			}
		}

		// Hold the stream open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWatcherSubscribesNewHeads(t *testing.T) {
	srv := newHeadsServer(t, []struct{ number, ts uint64 }{
		{200, 2000}, {201, 2005}, {202, 2010},
	})

	w := New(Config{
		Client:  newHeadClient(),
		Profile: consensus.IBFTProfile(),
		WSURL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return w.tracker.Blocks() == 3 })
	cancel()
	w.Wait()

	stats := w.Stats()
	if stats.Intervals != 2 {
		t.Errorf("intervals mismatch: got %d, want 2", stats.Intervals)
	}
	if stats.MeanSec != 5.0 {
		t.Errorf("mean mismatch: got %v, want 5.0", stats.MeanSec)
	}
}

func TestWatcherFallsBackToPolling(t *testing.T) {
	// Not a websocket endpoint: the dial fails and polling takes over.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	client := newHeadClient()
	client.advance(50, 1000)

	w := New(Config{
		Client:       client,
		Profile:      consensus.IBFTProfile(),
		PollInterval: 10 * time.Millisecond,
		WSURL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	waitFor(t, 2*time.Second, func() bool { return w.tracker.Blocks() == 1 })
	cancel()
	w.Wait()
}

func TestDecodeHead(t *testing.T) {
	tests := []struct {
		name    string
		msg     string
		wantOK  bool
		wantNum uint64
		wantTS  uint64
	}{
		{
			name:    "notification",
			msg:     `{"jsonrpc":"2.0","method":"eth_subscription","params":{"result":{"number":"0x64","timestamp":"0x3e8"}}}`,
			wantOK:  true,
			wantNum: 100,
			wantTS:  1000,
		},
		{
			name:   "subscription ack",
			msg:    `{"jsonrpc":"2.0","id":1,"result":"0xabc"}`,
			wantOK: false,
		},
		{
			name:   "malformed json",
			msg:    `{"jsonrpc":`,
			wantOK: false,
		},
		{
			name:   "bad hex number",
			msg:    `{"method":"eth_subscription","params":{"result":{"number":"zz","timestamp":"0x3e8"}}}`,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			num, ts, ok := decodeHead([]byte(tt.msg))
			if ok != tt.wantOK {
				t.Fatalf("ok mismatch: got %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if num != tt.wantNum {
				t.Errorf("number mismatch: got %d, want %d", num, tt.wantNum)
			}
			if ts != tt.wantTS {
				t.Errorf("timestamp mismatch: got %d, want %d", ts, tt.wantTS)
			}
		})
	}
}

func TestSample(t *testing.T) {
	client := newHeadClient()
	for n := uint64(1); n <= 60; n++ {
		client.advance(n, 1000+5*n)
	}

	stats, err := Sample(context.Background(), client, consensus.IBFTProfile(), 50)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if stats.Blocks != 50 {
		t.Errorf("blocks mismatch: got %d, want 50", stats.Blocks)
	}
	if stats.Intervals != 49 {
		t.Errorf("intervals mismatch: got %d, want 49", stats.Intervals)
	}
	if stats.MeanSec != 5.0 {
		t.Errorf("mean mismatch: got %v, want 5.0", stats.MeanSec)
	}
}

func TestSampleShortChain(t *testing.T) {
	client := newHeadClient()
	client.advance(2, 1010)
	client.mu.Lock()
	client.blocks[0] = &rpc.Block{Number: 0, Timestamp: 1000}
	client.blocks[1] = &rpc.Block{Number: 1, Timestamp: 1005}
	client.mu.Unlock()

	stats, err := Sample(context.Background(), client, consensus.IBFTProfile(), 50)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if stats.Blocks != 3 {
		t.Errorf("blocks mismatch: got %d, want 3", stats.Blocks)
	}
	if stats.Intervals != 2 {
		t.Errorf("intervals mismatch: got %d, want 2", stats.Intervals)
	}
}

func TestSampleHeadError(t *testing.T) {
	client := newHeadClient()
	client.headErr = errors.New("connection refused")

	if _, err := Sample(context.Background(), client, consensus.IBFTProfile(), 10); err == nil {
		t.Error("expected an error")
	}
}
