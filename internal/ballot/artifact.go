// Package ballot binds the externally deployed voting contract: it loads the
// deployment artifact, encodes vote calls, decodes VoteCast events, and reads
// ballot state over eth_call.
package ballot

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// abiInput is one parameter of an ABI function or event.
type abiInput struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Indexed bool   `json:"indexed"`
}

// abiEntry is one entry of a standard Solidity ABI JSON array.
type abiEntry struct {
	Type   string     `json:"type"`
	Name   string     `json:"name"`
	Inputs []abiInput `json:"inputs"`
}

// signature renders the canonical signature, e.g. "vote(uint256)".
func (e abiEntry) signature() string {
	types := make([]string, len(e.Inputs))
	for i, in := range e.Inputs {
		types[i] = in.Type
	}
	return e.Name + "(" + strings.Join(types, ",") + ")"
}

// Artifact is the deployment artifact written by the external deploy tooling.
// Only the fields the driver needs are modeled; unknown keys are ignored.
type Artifact struct {
	Contract struct {
		Address   string          `json:"address"`
		ABI       json.RawMessage `json:"abi"`
		Proposals []string        `json:"proposals"`
	} `json:"contract"`
	Network struct {
		RPCURL string `json:"rpcUrl"`
	} `json:"network"`

	abi []abiEntry
}

// LoadArtifact reads and validates a deployment artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment artifact: %w", err)
	}

	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse deployment artifact %s: %w", path, err)
	}

	if a.Contract.Address == "" {
		return nil, fmt.Errorf("artifact %s: missing contract.address", path)
	}
	if !common.IsHexAddress(a.Contract.Address) {
		return nil, fmt.Errorf("artifact %s: invalid contract address %q", path, a.Contract.Address)
	}
	if len(a.Contract.ABI) > 0 {
		if err := json.Unmarshal(a.Contract.ABI, &a.abi); err != nil {
			return nil, fmt.Errorf("artifact %s: parse contract.abi: %w", path, err)
		}
	}

	return &a, nil
}

// Address returns the deployed contract address.
func (a *Artifact) Address() common.Address {
	return common.HexToAddress(a.Contract.Address)
}

// Proposals returns the proposal names recorded at deployment.
func (a *Artifact) Proposals() []string {
	return a.Contract.Proposals
}

// RPCURL returns the endpoint recorded at deployment, if any.
func (a *Artifact) RPCURL() string {
	return a.Network.RPCURL
}

// voteFunction finds the vote-casting method in the ABI: a function taking a
// single uint256 proposal ID, preferring the name "vote" over "castVote".
func (a *Artifact) voteFunction() (abiEntry, error) {
	var fallback *abiEntry
	for i, e := range a.abi {
		if e.Type != "function" {
			continue
		}
		if len(e.Inputs) != 1 || e.Inputs[0].Type != "uint256" {
			continue
		}
		switch e.Name {
		case "vote":
			return e, nil
		case "castVote":
			if fallback == nil {
				fallback = &a.abi[i]
			}
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return abiEntry{}, fmt.Errorf("artifact ABI has no vote method (expected vote(uint256) or castVote(uint256))")
}

// voteCastEvent finds the VoteCast event in the ABI. A missing or incomplete
// ABI falls back to the canonical VoteCast(address,uint256,uint256) with voter
// and tokenId indexed.
func (a *Artifact) voteCastEvent() abiEntry {
	for _, e := range a.abi {
		if e.Type == "event" && e.Name == "VoteCast" && len(e.Inputs) > 0 {
			return e
		}
	}
	return abiEntry{
		Type: "event",
		Name: "VoteCast",
		Inputs: []abiInput{
			{Name: "voter", Type: "address", Indexed: true},
			{Name: "tokenId", Type: "uint256", Indexed: true},
			{Name: "proposalId", Type: "uint256"},
		},
	}
}
