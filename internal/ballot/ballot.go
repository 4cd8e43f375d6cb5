package ballot

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/quorum-lab/votebench/internal/rpc"
)

// Function selectors (first 4 bytes of keccak256(signature)).
// The vote selector itself comes from the artifact ABI; these cover the
// read-only surface the driver consults.
var (
	SelectorBallotMetadata = selector("ballotMetadata()")
	SelectorHasVoted       = selector("hasVoted(address)")
	SelectorBalanceOf      = selector("balanceOf(address)")
	SelectorGetReceipt     = selector("getReceipt(uint256)")
	SelectorGetProposal    = selector("getProposal(uint256)")
)

// selector computes the 4-byte function selector from signature.
func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

// Ballot is the driver's view of the deployed voting contract.
type Ballot struct {
	address      common.Address
	proposals    []string
	voteSelector []byte
	voteSig      string
	event        abiEntry
	eventTopic   common.Hash
	client       rpc.Client
	logger       *slog.Logger
}

// New binds a loaded artifact to an RPC client.
func New(artifact *Artifact, client rpc.Client, logger *slog.Logger) (*Ballot, error) {
	if logger == nil {
		logger = slog.Default()
	}

	voteFn, err := artifact.voteFunction()
	if err != nil {
		return nil, err
	}
	event := artifact.voteCastEvent()

	return &Ballot{
		address:      artifact.Address(),
		proposals:    artifact.Proposals(),
		voteSelector: selector(voteFn.signature()),
		voteSig:      voteFn.signature(),
		event:        event,
		eventTopic:   crypto.Keccak256Hash([]byte(event.signature())),
		client:       client,
		logger:       logger,
	}, nil
}

// Address returns the contract address.
func (b *Ballot) Address() common.Address {
	return b.address
}

// Proposals returns the proposal names from the artifact.
func (b *Ballot) Proposals() []string {
	return b.proposals
}

// VoteSignature returns the resolved vote method signature, for logging.
func (b *Ballot) VoteSignature() string {
	return b.voteSig
}

// EncodeVote encodes the vote call for a proposal ID.
func (b *Ballot) EncodeVote(proposalID uint64) []byte {
	data := make([]byte, 4+32)
	copy(data[:4], b.voteSelector)
	new(big.Int).SetUint64(proposalID).FillBytes(data[4:36])
	return data
}

// VoteEvent is a decoded VoteCast log.
type VoteEvent struct {
	Voter      common.Address
	TokenID    uint64
	ProposalID uint64
}

// ParseVoteCast scans receipt logs for this ballot's VoteCast event.
// Returns (event, true) on the first match, or (zero, false) when the
// receipt carries none. Decode problems are logged, not returned: receipt
// classification must not fail because an event was malformed.
func (b *Ballot) ParseVoteCast(logs []rpc.LogEntry) (VoteEvent, bool) {
	for _, l := range logs {
		if !strings.EqualFold(l.Address, b.address.Hex()) {
			continue
		}
		if len(l.Topics) == 0 || common.HexToHash(l.Topics[0]) != b.eventTopic {
			continue
		}
		ev, err := b.decodeVoteCast(l)
		if err != nil {
			b.logger.Debug("skipping undecodable VoteCast log", slog.String("error", err.Error()))
			continue
		}
		return ev, true
	}
	return VoteEvent{}, false
}

// decodeVoteCast walks the event's ABI layout: indexed inputs come from
// topics[1..] in order, the rest from 32-byte data words in order.
func (b *Ballot) decodeVoteCast(l rpc.LogEntry) (VoteEvent, error) {
	data, err := hexutil.Decode(l.Data)
	if err != nil {
		return VoteEvent{}, fmt.Errorf("decode log data: %w", err)
	}

	var ev VoteEvent
	topicIdx := 1
	dataIdx := 0
	for _, in := range b.event.Inputs {
		var word []byte
		if in.Indexed {
			if topicIdx >= len(l.Topics) {
				return VoteEvent{}, fmt.Errorf("log has %d topics, need %d", len(l.Topics), topicIdx+1)
			}
			h := common.HexToHash(l.Topics[topicIdx])
			word = h[:]
			topicIdx++
		} else {
			if len(data) < (dataIdx+1)*32 {
				return VoteEvent{}, fmt.Errorf("log data too short for field %s", in.Name)
			}
			word = data[dataIdx*32 : (dataIdx+1)*32]
			dataIdx++
		}

		switch in.Name {
		case "voter":
			ev.Voter = common.BytesToAddress(word)
		case "tokenId":
			ev.TokenID = wordUint64(word)
		case "proposalId":
			ev.ProposalID = wordUint64(word)
		}
	}
	return ev, nil
}

// Metadata is the on-chain ballot configuration.
type Metadata struct {
	ID             uint64
	Title          string
	Description    string
	OpensAt        time.Time
	ClosesAt       time.Time
	AnnouncesAt    time.Time
	ExpectedVoters uint64
}

// WindowOpen reports whether the voting window is open at the given time.
func (m Metadata) WindowOpen(now time.Time) bool {
	return !now.Before(m.OpensAt) && now.Before(m.ClosesAt)
}

// Metadata reads ballotMetadata() from the chain.
func (b *Ballot) Metadata(ctx context.Context) (*Metadata, error) {
	out, err := b.call(ctx, SelectorBallotMetadata)
	if err != nil {
		return nil, fmt.Errorf("ballotMetadata: %w", err)
	}
	// Head layout: id, title offset, description offset, opensAt, closesAt,
	// announcesAt, expectedVoters. Timestamps are unix seconds.
	if len(out) < 7*32 {
		return nil, fmt.Errorf("ballotMetadata: short return (%d bytes)", len(out))
	}

	title, err := stringAt(out, 1)
	if err != nil {
		return nil, fmt.Errorf("ballotMetadata title: %w", err)
	}
	desc, err := stringAt(out, 2)
	if err != nil {
		return nil, fmt.Errorf("ballotMetadata description: %w", err)
	}

	return &Metadata{
		ID:             uintAt(out, 0),
		Title:          title,
		Description:    desc,
		OpensAt:        time.Unix(int64(uintAt(out, 3)), 0),
		ClosesAt:       time.Unix(int64(uintAt(out, 4)), 0),
		AnnouncesAt:    time.Unix(int64(uintAt(out, 5)), 0),
		ExpectedVoters: uintAt(out, 6),
	}, nil
}

// HasVoted reads hasVoted(voter).
func (b *Ballot) HasVoted(ctx context.Context, voter common.Address) (bool, error) {
	data := make([]byte, 4+32)
	copy(data[:4], SelectorHasVoted)
	copy(data[4+12:36], voter.Bytes())

	out, err := b.call(ctx, data)
	if err != nil {
		return false, fmt.Errorf("hasVoted: %w", err)
	}
	if len(out) < 32 {
		return false, fmt.Errorf("hasVoted: short return (%d bytes)", len(out))
	}
	return uintAt(out, 0) != 0, nil
}

// BalanceOf reads balanceOf(voter): the number of receipt tokens held.
func (b *Ballot) BalanceOf(ctx context.Context, voter common.Address) (uint64, error) {
	data := make([]byte, 4+32)
	copy(data[:4], SelectorBalanceOf)
	copy(data[4+12:36], voter.Bytes())

	out, err := b.call(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) < 32 {
		return 0, fmt.Errorf("balanceOf: short return (%d bytes)", len(out))
	}
	return uintAt(out, 0), nil
}

// Receipt is the on-chain record behind a vote receipt token.
type Receipt struct {
	ProposalID  uint64
	BlockNumber uint64
}

// Receipt reads getReceipt(tokenId).
func (b *Ballot) Receipt(ctx context.Context, tokenID uint64) (*Receipt, error) {
	data := make([]byte, 4+32)
	copy(data[:4], SelectorGetReceipt)
	new(big.Int).SetUint64(tokenID).FillBytes(data[4:36])

	out, err := b.call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("getReceipt: %w", err)
	}
	if len(out) < 2*32 {
		return nil, fmt.Errorf("getReceipt: short return (%d bytes)", len(out))
	}
	return &Receipt{
		ProposalID:  uintAt(out, 0),
		BlockNumber: uintAt(out, 1),
	}, nil
}

// ProposalState is one proposal's on-chain tally.
type ProposalState struct {
	Name      string
	VoteCount uint64
}

// Proposal reads getProposal(id).
func (b *Ballot) Proposal(ctx context.Context, id uint64) (*ProposalState, error) {
	data := make([]byte, 4+32)
	copy(data[:4], SelectorGetProposal)
	new(big.Int).SetUint64(id).FillBytes(data[4:36])

	out, err := b.call(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("getProposal: %w", err)
	}
	// Head layout: name offset, voteCount.
	if len(out) < 2*32 {
		return nil, fmt.Errorf("getProposal: short return (%d bytes)", len(out))
	}
	name, err := stringAt(out, 0)
	if err != nil {
		return nil, fmt.Errorf("getProposal name: %w", err)
	}
	return &ProposalState{
		Name:      name,
		VoteCount: uintAt(out, 1),
	}, nil
}

func (b *Ballot) call(ctx context.Context, data []byte) ([]byte, error) {
	return b.client.CallContract(ctx, b.address.Hex(), data)
}

// uintAt reads the 32-byte word at slot i as uint64.
func uintAt(out []byte, i int) uint64 {
	return wordUint64(out[i*32 : (i+1)*32])
}

func wordUint64(word []byte) uint64 {
	return new(big.Int).SetBytes(word).Uint64()
}

// stringAt follows the offset stored in head slot i to a dynamic string.
func stringAt(out []byte, i int) (string, error) {
	off := uintAt(out, i)
	if off+32 > uint64(len(out)) {
		return "", fmt.Errorf("string offset %d out of range", off)
	}
	length := wordUint64(out[off : off+32])
	start := off + 32
	if start+length > uint64(len(out)) {
		return "", fmt.Errorf("string of length %d at offset %d out of range", length, off)
	}
	return string(out[start : start+length]), nil
}
