package blockwatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"

	"github.com/quorum-lab/votebench/internal/consensus"
	"github.com/quorum-lab/votebench/internal/metrics"
	"github.com/quorum-lab/votebench/internal/rpc"
	"github.com/quorum-lab/votebench/pkg/types"
)

const (
	// DefaultPollInterval is the head polling cadence over HTTP.
	DefaultPollInterval = time.Second

	// DefaultSampleCount matches the block window the reports quote.
	DefaultSampleCount = 50

	// maxCatchup bounds how many missed blocks one poll tick fetches, so a
	// stalled watcher does not turn recovery into a request storm.
	maxCatchup = 32
)

// Config for creating a Watcher.
type Config struct {
	Client  rpc.Client
	Profile *consensus.Profile

	// PollInterval is the HTTP head polling cadence.
	PollInterval time.Duration

	// WSURL, when set, switches to an eth_subscribe newHeads stream over
	// websocket. Polling remains the fallback if the stream fails.
	WSURL string

	Prometheus *metrics.PrometheusMetrics
	Logger     *slog.Logger
}

// Watcher follows the chain head for the duration of a run.
type Watcher struct {
	client  rpc.Client
	poll    time.Duration
	wsURL   string
	tracker *IntervalTracker
	prom    *metrics.PrometheusMetrics
	logger  *slog.Logger

	// Touched only by the watch goroutine.
	lastSeen uint64
	haveSeen bool

	wg sync.WaitGroup
}

// New creates a Watcher. Zero config fields fall back to defaults.
func New(cfg Config) *Watcher {
	profile := cfg.Profile
	if profile == nil {
		profile = consensus.GenericProfile("unknown")
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		client:  cfg.Client,
		poll:    poll,
		wsURL:   cfg.WSURL,
		tracker: NewIntervalTracker(profile),
		prom:    cfg.Prometheus,
		logger:  logger,
	}
}

// Start launches the watch goroutine. It runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		if w.wsURL != "" {
			if err := w.subscribeHeads(ctx); err != nil {
				w.logger.Warn("head subscription failed, falling back to polling",
					slog.String("url", w.wsURL),
					slog.String("error", err.Error()))
			}
			if ctx.Err() != nil {
				return
			}
		}
		w.pollLoop(ctx)
	}()
}

// Wait blocks until the watch goroutine has exited.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

// Stats returns the interval statistics collected so far.
func (w *Watcher) Stats() *types.BlockStats {
	return w.tracker.Stats()
}

func (w *Watcher) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	// Anchor on the current head so the first real interval is measured
	// against it rather than against run start.
	w.pollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	start := time.Now()
	head, err := w.client.GetBlockNumber(ctx)
	w.observeRPC("eth_blockNumber", err == nil, start)
	if err != nil {
		w.logger.Debug("head poll failed", slog.String("error", err.Error()))
		return
	}

	from := head
	if w.haveSeen {
		if head <= w.lastSeen {
			return
		}
		from = w.lastSeen + 1
		if head-from >= maxCatchup {
			from = head - maxCatchup + 1
		}
	}
	for n := from; n <= head; n++ {
		if ctx.Err() != nil {
			return
		}
		w.fetchAndObserve(ctx, n)
	}
}

func (w *Watcher) fetchAndObserve(ctx context.Context, number uint64) {
	start := time.Now()
	block, err := w.client.GetBlockByNumber(ctx, number)
	w.observeRPC("eth_getBlockByNumber", err == nil, start)
	if err != nil {
		w.logger.Debug("block fetch failed",
			slog.Uint64("number", number),
			slog.String("error", err.Error()))
		return
	}
	if block == nil {
		return
	}
	w.lastSeen = number
	w.haveSeen = true
	w.observe(block.Number, block.Timestamp)
}

// subscribeHeads streams newHeads notifications until ctx is done. A nil
// return means a clean shutdown; any error means the caller should fall
// back to polling.
func (w *Watcher) subscribeHeads(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.wsURL, err)
	}
	defer conn.Close()

	sub := rpc.JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  "eth_subscribe",
		Params:  []interface{}{"newHeads"},
		ID:      1,
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe to newHeads: %w", err)
	}

	// Unblock the read loop when the run ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	w.logger.Info("subscribed to new heads", slog.String("url", w.wsURL))

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read head stream: %w", err)
		}
		number, timestamp, ok := decodeHead(msg)
		if !ok {
			continue
		}
		w.lastSeen = number
		w.haveSeen = true
		w.observe(number, timestamp)
	}
}

func (w *Watcher) observe(number, timestamp uint64) {
	w.tracker.Observe(number, timestamp)
	if gap, ok := w.tracker.LastInterval(); ok && w.prom != nil {
		w.prom.SetBlockInterval(gap)
	}
}

func (w *Watcher) observeRPC(method string, ok bool, start time.Time) {
	if w.prom != nil {
		w.prom.RecordRPCLatency(method, ok, time.Since(start).Seconds())
	}
}

// decodeHead extracts number and timestamp from a newHeads notification.
// The subscription confirmation and anything malformed report ok=false.
func decodeHead(msg []byte) (number, timestamp uint64, ok bool) {
	var note struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Number    string `json:"number"`
				Timestamp string `json:"timestamp"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &note); err != nil {
		return 0, 0, false
	}
	if note.Method != "eth_subscription" {
		return 0, 0, false
	}
	n, err := hexutil.DecodeUint64(note.Params.Result.Number)
	if err != nil {
		return 0, 0, false
	}
	ts, err := hexutil.DecodeUint64(note.Params.Result.Timestamp)
	if err != nil {
		return 0, 0, false
	}
	return n, ts, true
}

// Sample fetches the trailing count blocks and reduces them the same way
// the live watcher does. It covers short runs where the watcher saw too
// little of the chain to say anything about cadence.
func Sample(ctx context.Context, client rpc.Client, profile *consensus.Profile, count int) (*types.BlockStats, error) {
	if count <= 0 {
		count = DefaultSampleCount
	}
	head, err := client.GetBlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}

	var start uint64
	if head >= uint64(count) {
		start = head - uint64(count) + 1
	}

	tracker := NewIntervalTracker(profile)
	for n := start; n <= head; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block, err := client.GetBlockByNumber(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("fetch block %d: %w", n, err)
		}
		if block == nil {
			continue
		}
		tracker.Observe(block.Number, block.Timestamp)
	}
	return tracker.Stats(), nil
}
