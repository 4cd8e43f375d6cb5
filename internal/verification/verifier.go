// Package verification provides post-run chain verification: sampled
// per-voter state reads and a per-proposal tally comparison against the
// driver's own counts.
package verification

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorum-lab/votebench/internal/ballot"
	"github.com/quorum-lab/votebench/pkg/types"
)

// DefaultSampleSize bounds how many successful votes are individually
// re-read from the chain.
const DefaultSampleSize = 10

// Verifier performs post-run verification against the ballot contract.
type Verifier struct {
	ballot *ballot.Ballot
	logger *slog.Logger
}

// NewVerifier creates a verifier bound to a deployed ballot.
func NewVerifier(b *ballot.Ballot, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{ballot: b, logger: logger}
}

// VerifyRun cross-checks a finalized run's successful votes against chain
// state. Three checks run: hasVoted for a sample of voters, getReceipt for
// the sampled votes that carry a token ID, and every proposal's on-chain
// tally against the driver's success count for it. Mismatches land in
// Discrepancies. A read that fails leaves its check unconfirmed, which
// also fails the overall verdict.
func (v *Verifier) VerifyRun(ctx context.Context, records []types.TxRecord, sampleSize int) *types.VoteCheck {
	if sampleSize <= 0 {
		sampleSize = DefaultSampleSize
	}

	check := &types.VoteCheck{}

	var successes []types.TxRecord
	perProposal := make(map[uint64]uint64)
	for _, rec := range records {
		if rec.Status != types.TxSuccess {
			continue
		}
		successes = append(successes, rec)
		perProposal[rec.ProposalID]++
	}
	check.DriverSuccess = uint64(len(successes))

	if len(successes) == 0 {
		check.Discrepancies = append(check.Discrepancies, "no successful votes to verify")
		return check
	}

	sample := sampleRecords(successes, sampleSize)
	check.Sampled = len(sample)

	v.logger.Info("verifying votes on-chain",
		slog.Int("successes", len(successes)),
		slog.Int("sampled", len(sample)),
		slog.Int("proposals", len(v.ballot.Proposals())))

	receiptsChecked := 0
	for _, rec := range sample {
		voter := common.HexToAddress(rec.Account)

		voted, err := v.ballot.HasVoted(ctx, voter)
		switch {
		case err != nil:
			v.logger.Warn("hasVoted check failed",
				slog.String("account", rec.Account),
				slog.String("error", err.Error()))
			check.Discrepancies = append(check.Discrepancies,
				fmt.Sprintf("hasVoted(%s): %v", rec.Account, err))
		case !voted:
			check.Discrepancies = append(check.Discrepancies,
				fmt.Sprintf("account %s has a confirmed vote (tx %s) but hasVoted is false", rec.Account, rec.Hash))
		default:
			check.HasVotedOK++
		}

		// Votes whose receipt carried no decodable VoteCast event have no
		// token to look up.
		if rec.TokenID == nil {
			continue
		}
		receiptsChecked++

		receipt, err := v.ballot.Receipt(ctx, *rec.TokenID)
		switch {
		case err != nil:
			v.logger.Warn("receipt check failed",
				slog.Uint64("tokenId", *rec.TokenID),
				slog.String("error", err.Error()))
			check.Discrepancies = append(check.Discrepancies,
				fmt.Sprintf("getReceipt(%d): %v", *rec.TokenID, err))
		case receipt.ProposalID != rec.ProposalID:
			check.Discrepancies = append(check.Discrepancies,
				fmt.Sprintf("token %d: chain recorded proposal %d, driver voted %d",
					*rec.TokenID, receipt.ProposalID, rec.ProposalID))
		default:
			check.ReceiptOK++
		}
	}

	tallyOK := v.checkTallies(ctx, perProposal, check)

	check.AllChecksPass = check.HasVotedOK == check.Sampled &&
		check.ReceiptOK == receiptsChecked &&
		tallyOK

	v.logger.Info("vote verification complete",
		slog.Bool("allChecksPass", check.AllChecksPass),
		slog.Int("hasVotedOk", check.HasVotedOK),
		slog.Int("receiptOk", check.ReceiptOK),
		slog.Int("discrepancies", len(check.Discrepancies)))

	return check
}

// checkTallies compares each proposal's on-chain vote count against the
// driver's per-proposal success count. A tally equal to the driver's count
// holds only on a chain that saw no earlier votes, so mismatches on a
// reused network are expected and reported, not fatal to the run itself.
func (v *Verifier) checkTallies(ctx context.Context, perProposal map[uint64]uint64, check *types.VoteCheck) bool {
	numProposals := len(v.ballot.Proposals())
	if numProposals == 0 {
		// Artifact carries no proposal list; nothing to enumerate.
		return true
	}

	matches := true
	for id := uint64(0); id < uint64(numProposals); id++ {
		state, err := v.ballot.Proposal(ctx, id)
		if err != nil {
			v.logger.Warn("tally read failed",
				slog.Uint64("proposalId", id),
				slog.String("error", err.Error()))
			check.Discrepancies = append(check.Discrepancies,
				fmt.Sprintf("getProposal(%d): %v", id, err))
			return false
		}
		check.OnChainVotes += state.VoteCount
		if state.VoteCount != perProposal[id] {
			matches = false
			check.Discrepancies = append(check.Discrepancies,
				fmt.Sprintf("proposal %d (%s): chain tally %d, driver success %d",
					id, state.Name, state.VoteCount, perProposal[id]))
		}
	}

	check.TallyChecked = true
	check.TallyMatches = matches
	return matches
}

// sampleRecords picks up to n records at random, restored to schedule
// order so discrepancy lists read naturally.
func sampleRecords(records []types.TxRecord, n int) []types.TxRecord {
	if n >= len(records) {
		return records
	}

	indices := make([]int, len(records))
	for i := range indices {
		indices[i] = i
	}
	rand.Shuffle(len(indices), func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	picked := indices[:n]
	sort.Ints(picked)

	sample := make([]types.TxRecord, n)
	for i, idx := range picked {
		sample[i] = records[idx]
	}
	return sample
}
