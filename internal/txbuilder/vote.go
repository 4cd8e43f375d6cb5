package txbuilder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// VoteEncoder produces the calldata for a vote. ballot.Ballot implements it.
type VoteEncoder interface {
	Address() common.Address
	EncodeVote(proposalID uint64) []byte
}

// VoteBuilder builds ballot vote transactions.
type VoteBuilder struct {
	encoder  VoteEncoder
	gasLimit uint64
}

// NewVoteBuilder creates a builder that targets the encoder's contract.
func NewVoteBuilder(encoder VoteEncoder, gasLimit uint64) *VoteBuilder {
	return &VoteBuilder{
		encoder:  encoder,
		gasLimit: gasLimit,
	}
}

// GasLimit returns the gas limit stamped on each vote.
func (b *VoteBuilder) GasLimit() uint64 {
	return b.gasLimit
}

// Build creates an unsigned vote transaction for the scheduled proposal.
func (b *VoteBuilder) Build(params TxParams) (*types.Transaction, error) {
	if params.ChainID == nil || params.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("ChainID must be non-nil and non-zero")
	}
	data := b.encoder.EncodeVote(params.ProposalID)
	return NewCallTx(params.ChainID, params.Nonce, b.encoder.Address(), b.gasLimit, params.GasPrice, data, params.UseLegacy), nil
}

// NewCallTx creates either a DynamicFeeTx or LegacyTx contract call depending
// on useLegacy. For legacy transactions, gasPrice is used directly; for
// dynamic-fee transactions it caps both the tip and the total fee.
func NewCallTx(chainID *big.Int, nonce uint64, to common.Address, gasLimit uint64, gasPrice *big.Int, data []byte, useLegacy bool) *types.Transaction {
	if useLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &to,
			Value:    big.NewInt(0),
			Data:     data,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasPrice,
		GasFeeCap: gasPrice,
		Gas:       gasLimit,
		To:        &to,
		Value:     big.NewInt(0),
		Data:      data,
	})
}
