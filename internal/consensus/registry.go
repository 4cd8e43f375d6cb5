package consensus

import (
	"sync"
	"time"
)

// Registry holds registered consensus engine profiles.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Profile
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Profile),
	}
}

// Register adds or updates an engine profile.
func (r *Registry) Register(p *Profile) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name] = p
}

// Get retrieves a profile by name. Returns nil if not found.
func (r *Registry) Get(name string) *Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns all registered engine names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry returns a registry pre-populated with the engines the lab
// networks run.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(IBFTProfile())
	r.Register(QBFTProfile())
	r.Register(RaftProfile())
	r.Register(CliqueProfile())
	// Legacy alias: "istanbul" maps to ibft
	r.Register(IstanbulProfile())
	return r
}

// IBFTProfile returns the profile for Istanbul BFT networks.
func IBFTProfile() *Profile {
	return &Profile{
		Name:             "ibft",
		BlockPeriod:      5 * time.Second,
		TimestampUnit:    UnitSeconds,
		RequiresLegacyTx: true,
	}
}

// IstanbulProfile returns the profile for the "istanbul" alias (same as ibft).
func IstanbulProfile() *Profile {
	p := IBFTProfile()
	p.Name = "istanbul"
	return p
}

// QBFTProfile returns the profile for QBFT networks.
func QBFTProfile() *Profile {
	return &Profile{
		Name:             "qbft",
		BlockPeriod:      5 * time.Second,
		TimestampUnit:    UnitSeconds,
		RequiresLegacyTx: true,
	}
}

// RaftProfile returns the profile for Raft networks.
// Raft mints blocks on demand (50ms minter period) and stamps headers with
// nanosecond timestamps.
func RaftProfile() *Profile {
	return &Profile{
		Name:             "raft",
		BlockPeriod:      50 * time.Millisecond,
		TimestampUnit:    UnitNanos,
		RequiresLegacyTx: true,
		MintsOnDemand:    true,
	}
}

// CliqueProfile returns the profile for Clique PoA dev networks.
func CliqueProfile() *Profile {
	return &Profile{
		Name:          "clique",
		BlockPeriod:   5 * time.Second,
		TimestampUnit: UnitSeconds,
	}
}

// GenericProfile returns a conservative profile for unrecognized labels.
// Callers should warn when falling back to it.
func GenericProfile(name string) *Profile {
	return &Profile{
		Name:             name,
		BlockPeriod:      5 * time.Second,
		TimestampUnit:    UnitSeconds,
		RequiresLegacyTx: true,
	}
}
