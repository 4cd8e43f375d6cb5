package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// experimentFile mirrors the YAML experiment schema. Pointer fields
// distinguish "absent" from a zero value so an experiment only overrides
// what it names.
type experimentFile struct {
	Consensus *string `yaml:"consensus"`
	RPCURL    *string `yaml:"rpcUrl"`
	WSURL     *string `yaml:"wsUrl"`
	Artifact  *string `yaml:"artifact"`

	Phases     *string  `yaml:"phases"`
	Labels     []string `yaml:"labels"`
	Count      *int     `yaml:"count"`
	TPS        *float64 `yaml:"tps"`
	ProposalID *int64   `yaml:"proposalId"`

	VotersFile *string `yaml:"votersFile"`
	Voters     *int    `yaml:"voters"`

	GasLimit    *uint64 `yaml:"gasLimit"`
	GasPriceWei *int64  `yaml:"gasPriceWei"`

	ReceiptWorkers   *int     `yaml:"receiptWorkers"`
	TxTimeoutSec     *float64 `yaml:"txTimeoutSec"`
	GlobalTimeoutSec *float64 `yaml:"globalTimeoutSec"`

	OutputDir    *string `yaml:"outputDir"`
	ReportDir    *string `yaml:"reportDir"`
	Database     *string `yaml:"database"`
	ExecutionLog *string `yaml:"executionLog"`
	Tags         *string `yaml:"tags"`
	Notes        *string `yaml:"notes"`
	SummaryOnly  *bool   `yaml:"summaryOnly"`

	Listen *string `yaml:"listen"`
}

// applyExperiment overlays an experiment YAML file onto the config.
// Unknown keys are rejected so a typo fails loudly instead of silently
// running the default.
func (c *Config) applyExperiment(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open experiment file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var exp experimentFile
	if err := dec.Decode(&exp); err != nil {
		return fmt.Errorf("parse experiment file %s: %w", path, err)
	}

	if exp.Consensus != nil {
		c.Consensus = *exp.Consensus
	}
	if exp.RPCURL != nil {
		c.RPCURL = *exp.RPCURL
	}
	if exp.WSURL != nil {
		c.WSURL = *exp.WSURL
	}
	if exp.Artifact != nil {
		c.ArtifactPath = *exp.Artifact
	}
	if exp.Phases != nil {
		c.PhaseSpec = *exp.Phases
	}
	if len(exp.Labels) > 0 {
		c.PhaseLabels = exp.Labels
	}
	if exp.Count != nil {
		c.Count = *exp.Count
	}
	if exp.TPS != nil {
		c.TPS = *exp.TPS
	}
	if exp.ProposalID != nil {
		c.ProposalID = *exp.ProposalID
	}
	if exp.VotersFile != nil {
		c.VotersFile = *exp.VotersFile
	}
	if exp.Voters != nil {
		c.Voters = *exp.Voters
	}
	if exp.GasLimit != nil {
		c.GasLimit = *exp.GasLimit
	}
	if exp.GasPriceWei != nil {
		c.GasPriceWei = *exp.GasPriceWei
	}
	if exp.ReceiptWorkers != nil {
		c.ReceiptWorkers = *exp.ReceiptWorkers
	}
	if exp.TxTimeoutSec != nil {
		c.TxTimeout = time.Duration(*exp.TxTimeoutSec * float64(time.Second))
	}
	if exp.GlobalTimeoutSec != nil {
		c.GlobalTimeout = time.Duration(*exp.GlobalTimeoutSec * float64(time.Second))
	}
	if exp.OutputDir != nil {
		c.OutputDir = *exp.OutputDir
	}
	if exp.ReportDir != nil {
		c.ReportDir = *exp.ReportDir
	}
	if exp.Database != nil {
		c.DatabasePath = *exp.Database
	}
	if exp.ExecutionLog != nil {
		c.ExecutionLog = *exp.ExecutionLog
	}
	if exp.Tags != nil {
		c.Tags = *exp.Tags
	}
	if exp.Notes != nil {
		c.Notes = *exp.Notes
	}
	if exp.SummaryOnly != nil {
		c.SummaryOnly = *exp.SummaryOnly
	}
	if exp.Listen != nil {
		c.ListenAddr = *exp.Listen
	}
	return nil
}
