// Package config handles benchmark configuration loading and validation.
//
// Settings resolve in precedence order: command-line flags beat the
// experiment file, the experiment file beats environment variables, and
// environment variables beat the built-in defaults.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/quorum-lab/votebench/internal/schedule"
	"github.com/quorum-lab/votebench/pkg/types"
)

// Defaults
const (
	DefaultConsensus      = "ibft"
	DefaultArtifactPath   = "deployment.json"
	DefaultCount          = 100
	DefaultTPS            = 1.0
	DefaultVoters         = 3
	DefaultGasLimit       = 800000
	DefaultReceiptWorkers = 4
	DefaultTxTimeout      = 240 * time.Second
	DefaultOutputDir      = "benchmarks"
	DefaultReportDir      = "reports"
	DefaultDatabasePath   = "data/votebench.db"
	DefaultLogLevel       = "info"
)

// GasPriceFromNode makes the driver query eth_gasPrice at startup instead
// of using a fixed price. Quorum dev chains answer 0, public-style chains
// answer their floor.
const GasPriceFromNode int64 = -1

// Config holds the benchmark driver configuration.
type Config struct {
	// Target chain
	Consensus    string // engine label used for profiles and artifact names
	RPCURL       string // empty falls back to the artifact's network.rpcUrl
	WSURL        string // optional ws:// endpoint for newHeads subscriptions
	ArtifactPath string // deployment artifact JSON (address + ABI + proposals)

	// Workload: phased when PhaseSpec is set, otherwise count@tps sequential
	PhaseSpec   string
	PhaseLabels []string
	Count       int
	TPS         float64
	ProposalID  int64 // >= 0 pins every vote to one proposal, -1 rotates

	// Voter accounts
	VotersFile string // JSON key file; empty uses the built-in dev keys
	Voters     int    // dev key count when VotersFile is empty

	// Transaction shaping
	GasLimit    uint64
	GasPriceWei int64 // GasPriceFromNode queries the node

	// Receipt polling and run bounds
	ReceiptWorkers int
	TxTimeout      time.Duration
	GlobalTimeout  time.Duration // 0 disables the hard cancellation bound

	// Artifacts and archive
	OutputDir    string
	ReportDir    string
	DatabasePath string // empty disables the sqlite archive
	ExecutionLog string // linked from the Markdown report when set
	Tags         string // free-form tags copied into CSV rows and the archive
	Notes        string // free-text note recorded with the run
	SummaryOnly  bool   // skip the per-transaction CSV

	// Modes
	DryRun      bool
	PrepareOnly bool

	// Live status server; empty keeps it off
	ListenAddr string
	// Comma-separated origins for the status API; empty allows all
	CORSAllowedOrigins string

	LogLevel string
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() Config {
	return Config{
		Consensus:      DefaultConsensus,
		ArtifactPath:   DefaultArtifactPath,
		Count:          DefaultCount,
		TPS:            DefaultTPS,
		ProposalID:     -1,
		Voters:         DefaultVoters,
		GasLimit:       DefaultGasLimit,
		GasPriceWei:    GasPriceFromNode,
		ReceiptWorkers: DefaultReceiptWorkers,
		TxTimeout:      DefaultTxTimeout,
		OutputDir:      DefaultOutputDir,
		ReportDir:      DefaultReportDir,
		DatabasePath:   DefaultDatabasePath,
		LogLevel:       DefaultLogLevel,
	}
}

// applyEnv overlays environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("RPC_URL"); v != "" {
		c.RPCURL = v
	}
	if v := os.Getenv("WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("ARTIFACT_PATH"); v != "" {
		c.ArtifactPath = v
	}
	if v := os.Getenv("VOTERS_FILE"); v != "" {
		c.VotersFile = v
	}
	if v := os.Getenv("OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("REPORT_DIR"); v != "" {
		c.ReportDir = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.CORSAllowedOrigins = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Load resolves the configuration from defaults, environment, an optional
// experiment file, and command-line flags.
func Load(args []string) (*Config, error) {
	cfg := Defaults()
	cfg.applyEnv()

	fs := flag.NewFlagSet("votebench", flag.ContinueOnError)

	consensus := fs.String("consensus", cfg.Consensus, "Consensus engine label (ibft, qbft, raft, clique, istanbul, or custom)")
	rpcURL := fs.String("rpc-url", cfg.RPCURL, "JSON-RPC endpoint (empty uses the artifact's network.rpcUrl)")
	wsURL := fs.String("ws-url", cfg.WSURL, "WebSocket endpoint for newHeads (empty polls over HTTP)")
	artifact := fs.String("artifact", cfg.ArtifactPath, "Deployment artifact JSON path")

	phase := fs.String("phase", cfg.PhaseSpec, "Phase spec, e.g. 70@2tps,30@15tps (empty runs sequential)")
	labels := fs.String("labels", strings.Join(cfg.PhaseLabels, ","), "Comma-separated phase label overrides")
	count := fs.Int("count", cfg.Count, "Vote count for a sequential run")
	tps := fs.Float64("tps", cfg.TPS, "Target TPS for a sequential run")
	proposalID := fs.Int64("proposal-id", cfg.ProposalID, "Pin every vote to one proposal (-1 rotates round-robin)")

	votersFile := fs.String("voters-file", cfg.VotersFile, "JSON file with voter private keys")
	voters := fs.Int("voters", cfg.Voters, "Number of built-in dev voter keys to use")

	gasLimit := fs.Uint64("gas-limit", cfg.GasLimit, "Gas limit per vote")
	gasPrice := fs.Int64("gas-price", cfg.GasPriceWei, "Gas price in wei (-1 queries eth_gasPrice)")

	receiptWorkers := fs.Int("receipt-workers", cfg.ReceiptWorkers, "Concurrent receipt polling workers")
	txTimeout := fs.Duration("tx-timeout", cfg.TxTimeout, "Per-transaction receipt timeout")
	globalTimeout := fs.Duration("global-timeout", cfg.GlobalTimeout, "Hard run timeout (0 disables)")

	outputDir := fs.String("output-dir", cfg.OutputDir, "Directory for the CSV and JSON summary")
	reportDir := fs.String("report-dir", cfg.ReportDir, "Directory for the Markdown report")
	database := fs.String("database", cfg.DatabasePath, "SQLite run archive path (empty disables)")
	executionLog := fs.String("execution-log", cfg.ExecutionLog, "Execution log path linked from the report")
	tags := fs.String("tags", cfg.Tags, "Free-form tags recorded with every row")
	notes := fs.String("notes", cfg.Notes, "Free-text note recorded with the run")
	summaryOnly := fs.Bool("summary-only", cfg.SummaryOnly, "Skip the per-transaction CSV")

	dryRun := fs.Bool("dry-run", cfg.DryRun, "Build and log the schedule, no network I/O")
	prepareOnly := fs.Bool("prepare-only", cfg.PrepareOnly, "Probe the endpoint and check voters, then exit")

	listen := fs.String("listen", cfg.ListenAddr, "Live status server address (empty disables)")
	logLevel := fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	experiment := fs.String("experiment", "", "YAML experiment file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *experiment != "" {
		if err := cfg.applyExperiment(*experiment); err != nil {
			return nil, err
		}
	}

	// Flags given on the command line win over the experiment file. Unset
	// flags still hold the value already in cfg, so only visited flags need
	// applying.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "consensus":
			cfg.Consensus = *consensus
		case "rpc-url":
			cfg.RPCURL = *rpcURL
		case "ws-url":
			cfg.WSURL = *wsURL
		case "artifact":
			cfg.ArtifactPath = *artifact
		case "phase":
			cfg.PhaseSpec = *phase
		case "labels":
			cfg.PhaseLabels = splitList(*labels)
		case "count":
			cfg.Count = *count
		case "tps":
			cfg.TPS = *tps
		case "proposal-id":
			cfg.ProposalID = *proposalID
		case "voters-file":
			cfg.VotersFile = *votersFile
		case "voters":
			cfg.Voters = *voters
		case "gas-limit":
			cfg.GasLimit = *gasLimit
		case "gas-price":
			cfg.GasPriceWei = *gasPrice
		case "receipt-workers":
			cfg.ReceiptWorkers = *receiptWorkers
		case "tx-timeout":
			cfg.TxTimeout = *txTimeout
		case "global-timeout":
			cfg.GlobalTimeout = *globalTimeout
		case "output-dir":
			cfg.OutputDir = *outputDir
		case "report-dir":
			cfg.ReportDir = *reportDir
		case "database":
			cfg.DatabasePath = *database
		case "execution-log":
			cfg.ExecutionLog = *executionLog
		case "tags":
			cfg.Tags = *tags
		case "notes":
			cfg.Notes = *notes
		case "summary-only":
			cfg.SummaryOnly = *summaryOnly
		case "dry-run":
			cfg.DryRun = *dryRun
		case "prepare-only":
			cfg.PrepareOnly = *prepareOnly
		case "listen":
			cfg.ListenAddr = *listen
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values no run can proceed with.
// Phase spec grammar is left to the scheduler, which reports malformed
// specs with a typed error before any network I/O.
func (c *Config) Validate() error {
	if c.Consensus == "" {
		return fmt.Errorf("consensus label is required")
	}
	if c.ArtifactPath == "" {
		return fmt.Errorf("deployment artifact path is required")
	}
	if c.PhaseSpec == "" {
		if c.Count <= 0 {
			return fmt.Errorf("count must be positive for a sequential run")
		}
		if c.TPS <= 0 {
			return fmt.Errorf("tps must be positive for a sequential run")
		}
	}
	if c.ProposalID < -1 {
		return fmt.Errorf("proposal ID must be -1 (rotate) or non-negative")
	}
	if c.VotersFile == "" && c.Voters <= 0 {
		return fmt.Errorf("voters must be positive when no voters file is given")
	}
	if c.GasLimit == 0 {
		return fmt.Errorf("gas limit must be positive")
	}
	if c.GasPriceWei < GasPriceFromNode {
		return fmt.Errorf("gas price must be non-negative, or %d to query the node", GasPriceFromNode)
	}
	if c.ReceiptWorkers <= 0 {
		return fmt.Errorf("receipt workers must be positive")
	}
	if c.TxTimeout <= 0 {
		return fmt.Errorf("transaction timeout must be positive")
	}
	if c.GlobalTimeout < 0 {
		return fmt.Errorf("global timeout cannot be negative")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}
	if c.ReportDir == "" {
		return fmt.Errorf("report directory is required")
	}
	return nil
}

// Workload reports how the schedule will be constructed.
func (c *Config) Workload() types.Workload {
	if c.PhaseSpec != "" {
		return types.WorkloadPhased
	}
	return types.WorkloadSequential
}

// Phases builds the parsed phase list for the configured workload.
func (c *Config) Phases() ([]schedule.Phase, error) {
	if c.PhaseSpec != "" {
		return schedule.ParseSpec(c.PhaseSpec, c.PhaseLabels)
	}
	return schedule.Sequential(c.Count, c.TPS)
}

// splitList splits a comma-separated flag value, dropping empty entries.
func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
