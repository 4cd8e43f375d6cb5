package account

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/quorum-lab/votebench/internal/rpc"
)

// Manager hands out voter accounts round-robin and keeps their nonces in sync.
type Manager struct {
	voters []*Account
	next   atomic.Uint64
	logger *slog.Logger
}

// NewManager creates a manager over a fixed voter pool.
func NewManager(voters []*Account, logger *slog.Logger) (*Manager, error) {
	if len(voters) == 0 {
		return nil, fmt.Errorf("no voter accounts provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		voters: voters,
		logger: logger,
	}, nil
}

// Voters returns the voter pool.
func (m *Manager) Voters() []*Account {
	return m.voters
}

// Count returns the number of voters in the pool.
func (m *Manager) Count() int {
	return len(m.voters)
}

// Next returns the next voter round-robin. Each voter's nonce sequence
// stays independent; rotation only decides who signs the next vote.
func (m *Manager) Next() *Account {
	idx := m.next.Add(1) - 1
	return m.voters[idx%uint64(len(m.voters))]
}

// Addresses returns the hex addresses of all voters, in pool order.
func (m *Manager) Addresses() []string {
	addrs := make([]string, len(m.voters))
	for i, v := range m.voters {
		addrs[i] = v.Address.Hex()
	}
	return addrs
}

// InitializeNonces fetches the starting nonce for every voter in parallel.
func (m *Manager) InitializeNonces(ctx context.Context, client rpc.Client) error {
	count := len(m.voters)
	m.logger.Info("initializing voter nonces", slog.Int("count", count))

	var wg sync.WaitGroup
	errChan := make(chan error, count)
	sem := make(chan struct{}, 16) // Limit concurrent RPC calls

	for i := range count {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}        // Acquire semaphore
			defer func() { <-sem }() // Release semaphore

			voter := m.voters[idx]
			if err := voter.Resync(ctx, client); err != nil {
				select {
				case errChan <- fmt.Errorf("voter %d: %w", idx, err):
				default:
				}
				return
			}
			m.logger.Debug("voter nonce initialized",
				slog.Int("voter_idx", idx),
				slog.String("address", voter.Address.Hex()[:10]),
				slog.Uint64("nonce", voter.PeekNonce()),
			)
		}(i)
	}

	wg.Wait()
	close(errChan)

	if err := <-errChan; err != nil {
		return err
	}

	m.logger.Info("voter nonces initialized", slog.Int("count", count))
	return nil
}

// voterKey is one entry in a voter key file.
type voterKey struct {
	Address    string `json:"address"`
	PrivateKey string `json:"privateKey"`
}

// LoadVotersFile reads voter accounts from a JSON key file.
//
// The file is a JSON array of objects with a hex "privateKey" and an
// optional "address"; when an address is present it must match the one
// derived from the key, so a wrong key is caught before it burns nonces.
func LoadVotersFile(path string) ([]*Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voter key file: %w", err)
	}

	var keys []voterKey
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse voter key file %s: %w", path, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("voter key file %s contains no accounts", path)
	}

	accounts := make([]*Account, 0, len(keys))
	for i, k := range keys {
		hexKey := strings.TrimPrefix(k.PrivateKey, "0x")
		if hexKey == "" {
			return nil, fmt.Errorf("voter %d: missing privateKey", i)
		}
		acc, err := NewAccountFromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("voter %d: %w", i, err)
		}
		if k.Address != "" && !strings.EqualFold(k.Address, acc.Address.Hex()) {
			return nil, fmt.Errorf("voter %d: address %s does not match key (derives %s)",
				i, k.Address, acc.Address.Hex())
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}
