// Package rpc provides the JSON-RPC client used to talk to the node under test.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the narrow JSON-RPC surface the benchmark driver depends on.
// Any backend that satisfies it is swappable, which is what the tests use.
type Client interface {
	// SendRawTransaction submits a signed, RLP-encoded transaction.
	SendRawTransaction(ctx context.Context, txRLP []byte) error

	// GetTransactionReceipt returns the receipt for a transaction, or
	// (nil, nil) while the transaction is still pending.
	GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// GetBlockByNumber fetches a block with transaction hashes.
	GetBlockByNumber(ctx context.Context, blockNum uint64) (*Block, error)

	// GetBlockNumber returns the latest block number.
	GetBlockNumber(ctx context.Context) (uint64, error)

	// GetNonce fetches the pending nonce for an address.
	GetNonce(ctx context.Context, address string) (uint64, error)

	// GetGasPrice returns the node's suggested gas price.
	GetGasPrice(ctx context.Context) (uint64, error)

	// ChainID returns the chain ID the node is serving.
	ChainID(ctx context.Context) (*big.Int, error)

	// CallContract executes a read-only eth_call against a contract.
	CallContract(ctx context.Context, to string, data []byte) ([]byte, error)
}

// LogEntry is a single log emitted by a transaction.
type LogEntry struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// TransactionReceipt represents an Ethereum transaction receipt.
type TransactionReceipt struct {
	TransactionHash   string     `json:"transactionHash"`
	Status            uint64     `json:"status"`            // 1 = success, 0 = reverted
	GasUsed           uint64     `json:"gasUsed"`           // Actual gas consumed
	BlockNumber       uint64     `json:"blockNumber"`       // Block this tx was included in
	EffectiveGasPrice uint64     `json:"effectiveGasPrice"` // Actual gas price paid
	Logs              []LogEntry `json:"logs"`              // Event logs, used to recover ballot token IDs
}

// Block represents a block with transaction hashes.
//
// Timestamp is kept raw because its unit depends on the consensus engine:
// raft stamps blocks in nanoseconds while the BFT engines use seconds.
// Callers convert through the consensus profile.
type Block struct {
	Number       uint64   `json:"number"`
	Hash         string   `json:"hash"`
	Transactions []string `json:"transactions"`
	GasUsed      uint64   `json:"gasUsed"`
	GasLimit     uint64   `json:"gasLimit"`
	Timestamp    uint64   `json:"timestamp"`
	TxCount      int      `json:"txCount"`
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
// The 5s timeout covers eth_call reads against ballot state, which are
// slower than plain sends on the small lab networks this targets.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        5 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// HTTPClient implements Client using HTTP.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 128,
		MaxConnsPerHost:     128, // Must cover the confirmation pool plus the submit loop
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		ForceAttemptHTTP2:   false,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.InitialBackoff,
		maxBackoff: cfg.MaxBackoff,
		logger:     logger,
	}
}

// URL returns the endpoint this client talks to.
func (c *HTTPClient) URL() string {
	return c.url
}

// Call makes a JSON-RPC call with retry logic.
func (c *HTTPClient) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
		}

		result, err := c.doRequest(ctx, body)
		if err == nil {
			return result, nil
		}

		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Check if it's a retryable HTTP error (429, 502, 503, 504)
		if isRetryableHTTPError(err) {
			// Use Retry-After header if present, otherwise exponential backoff
			backoff = getRetryDelay(err, backoff)
			c.logger.Debug("RPC got retryable HTTP error, retrying",
				slog.String("method", method),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			continue
		}

		// Don't retry on RPC errors (application-level errors)
		if isRPCError(err) {
			return nil, err
		}

		// Retry on other transient errors (network issues)
		c.logger.Debug("RPC call failed, retrying",
			slog.String("method", method),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	return nil, fmt.Errorf("all retries failed: %w", lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code BEFORE reading/parsing body
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		var retryAfter time.Duration
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			// Try parsing as seconds (e.g., "2" or "0.5")
			if secs, err := strconv.ParseFloat(ra, 64); err == nil {
				retryAfter = time.Duration(secs * float64(time.Second))
			}
		}
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			RetryAfter: retryAfter,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	return rpcResp.Result, nil
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

func isRPCError(err error) bool {
	_, ok := err.(*RPCError)
	return ok
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// IsRetryable returns true if this HTTP error should be retried.
func (e *HTTPStatusError) IsRetryable() bool {
	// 429 Too Many Requests, 502 Bad Gateway, 503 Service Unavailable, 504 Gateway Timeout
	return e.StatusCode == 429 || e.StatusCode == 502 ||
		e.StatusCode == 503 || e.StatusCode == 504
}

func isRetryableHTTPError(err error) bool {
	if httpErr, ok := err.(*HTTPStatusError); ok {
		return httpErr.IsRetryable()
	}
	return false
}

func getRetryDelay(err error, defaultBackoff time.Duration) time.Duration {
	if httpErr, ok := err.(*HTTPStatusError); ok && httpErr.RetryAfter > 0 {
		return httpErr.RetryAfter
	}
	return defaultBackoff
}

// SendRawTransaction sends a signed transaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) error {
	hexTx := hexutil.Encode(txRLP)
	_, err := c.Call(ctx, "eth_sendRawTransaction", []interface{}{hexTx})
	return err
}

// GetNonce fetches the pending nonce for an address.
// "pending" includes mempool transactions, so an interrupted run that left
// votes in flight does not hand out nonces that are already taken.
func (c *HTTPClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []interface{}{address, "pending"})
	if err != nil {
		return 0, err
	}

	var nonceHex string
	if err := json.Unmarshal(result, &nonceHex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal nonce: %w", err)
	}

	return hexutil.MustDecodeUint64(nonceHex), nil
}

// GetBlockNumber returns the latest block number.
func (c *HTTPClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}

	var blockHex string
	if err := json.Unmarshal(result, &blockHex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal block number: %w", err)
	}

	return hexutil.MustDecodeUint64(blockHex), nil
}

// GetBlockByNumber fetches a block with transaction hashes.
func (c *HTTPClient) GetBlockByNumber(ctx context.Context, blockNum uint64) (*Block, error) {
	blockHex := hexutil.EncodeUint64(blockNum)
	result, err := c.Call(ctx, "eth_getBlockByNumber", []interface{}{blockHex, false})
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil
	}

	var rawBlock struct {
		Number       string   `json:"number"`
		Hash         string   `json:"hash"`
		Transactions []string `json:"transactions"`
		GasUsed      string   `json:"gasUsed"`
		GasLimit     string   `json:"gasLimit"`
		Timestamp    string   `json:"timestamp"`
	}
	if err := json.Unmarshal(result, &rawBlock); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block: %w", err)
	}

	num, err := hexutil.DecodeUint64(rawBlock.Number)
	if err != nil {
		return nil, fmt.Errorf("failed to decode block number: %w", err)
	}

	gasUsed, _ := hexutil.DecodeUint64(rawBlock.GasUsed)
	gasLimit, _ := hexutil.DecodeUint64(rawBlock.GasLimit)
	timestamp, _ := hexutil.DecodeUint64(rawBlock.Timestamp)

	return &Block{
		Number:       num,
		Hash:         rawBlock.Hash,
		Transactions: rawBlock.Transactions,
		GasUsed:      gasUsed,
		GasLimit:     gasLimit,
		Timestamp:    timestamp,
		TxCount:      len(rawBlock.Transactions),
	}, nil
}

// GetGasPrice returns the current gas price from the node.
// Quorum networks commonly run gas-free and report zero here.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (uint64, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return 0, err
	}

	var gasPriceHex string
	if err := json.Unmarshal(result, &gasPriceHex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal gas price: %w", err)
	}

	return hexutil.MustDecodeUint64(gasPriceHex), nil
}

// ChainID returns the chain ID the node is serving.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}

	var chainIDHex string
	if err := json.Unmarshal(result, &chainIDHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain ID: %w", err)
	}

	chainID, err := hexutil.DecodeBig(chainIDHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chain ID %q: %w", chainIDHex, err)
	}

	return chainID, nil
}

// CallContract executes a read-only eth_call against a contract.
func (c *HTTPClient) CallContract(ctx context.Context, to string, data []byte) ([]byte, error) {
	call := map[string]string{
		"to":   to,
		"data": hexutil.Encode(data),
	}
	result, err := c.Call(ctx, "eth_call", []interface{}{call, "latest"})
	if err != nil {
		return nil, err
	}

	var outHex string
	if err := json.Unmarshal(result, &outHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal call result: %w", err)
	}

	out, err := hexutil.Decode(outHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode call result: %w", err)
	}

	return out, nil
}

// GetTransactionReceipt returns the receipt for a transaction.
func (c *HTTPClient) GetTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error) {
	result, err := c.Call(ctx, "eth_getTransactionReceipt", []any{txHash})
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil // Not found yet
	}

	var rawReceipt struct {
		TransactionHash   string `json:"transactionHash"`
		Status            string `json:"status"`
		GasUsed           string `json:"gasUsed"`
		BlockNumber       string `json:"blockNumber"`
		EffectiveGasPrice string `json:"effectiveGasPrice"`
		Logs              []struct {
			Address string   `json:"address"`
			Topics  []string `json:"topics"`
			Data    string   `json:"data"`
		} `json:"logs"`
	}
	if err := json.Unmarshal(result, &rawReceipt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}

	status, _ := hexutil.DecodeUint64(rawReceipt.Status)
	gasUsed, _ := hexutil.DecodeUint64(rawReceipt.GasUsed)
	blockNumber, _ := hexutil.DecodeUint64(rawReceipt.BlockNumber)
	effectiveGasPrice, _ := hexutil.DecodeUint64(rawReceipt.EffectiveGasPrice)

	logs := make([]LogEntry, 0, len(rawReceipt.Logs))
	for _, l := range rawReceipt.Logs {
		logs = append(logs, LogEntry{
			Address: l.Address,
			Topics:  l.Topics,
			Data:    l.Data,
		})
	}

	return &TransactionReceipt{
		TransactionHash:   rawReceipt.TransactionHash,
		Status:            status,
		GasUsed:           gasUsed,
		BlockNumber:       blockNumber,
		EffectiveGasPrice: effectiveGasPrice,
		Logs:              logs,
	}, nil
}
