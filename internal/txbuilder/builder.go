// Package txbuilder assembles the unsigned vote transactions a run submits.
package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// TxParams holds the per-transaction inputs for building a vote.
type TxParams struct {
	ChainID    *big.Int
	Nonce      uint64
	GasPrice   *big.Int
	ProposalID uint64

	// UseLegacy selects type-0 transactions with GasPrice as the gas price.
	// Otherwise an EIP-1559 transaction is built with GasPrice as both caps.
	// Quorum networks (raft, istanbul, qbft) predate the fee market and
	// require legacy transactions, usually at gas price zero.
	UseLegacy bool
}

// Builder creates the transactions for the run's workload.
type Builder interface {
	// GasLimit returns the gas limit stamped on each transaction.
	GasLimit() uint64

	// Build creates an unsigned transaction for the given parameters.
	Build(params TxParams) (*types.Transaction, error)
}
