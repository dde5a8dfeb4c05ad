// Package depset loads and serves the static configuration inputs
// described in SPEC_FULL.md §6: the dependency set (which chains the
// supervisor tracks, and the message-expiry override) and one rollup
// config per chain (interop activation time, block time, genesis anchor).
package depset

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ethereum-optimism/op-supervisor-x/op-service/eth"
	"github.com/ethereum-optimism/op-supervisor-x/op-supervisor/supervisor/types"
)

// DefaultMessageExpiryWindow is used when the dependency-set JSON omits
// overrideMessageExpiryWindow (SPEC_FULL.md §6), matching the interop
// message-expiry window used across the rest of the corpus.
const DefaultMessageExpiryWindow = 60 * 60 * 24 * 7 // one week, in seconds

// StaticConfigDependency is the (currently empty) per-chain entry in the
// dependency-set JSON; reserved for future per-dependency overrides.
type StaticConfigDependency struct{}

// rawDependencySet is the on-disk JSON shape of the dependency set file.
type rawDependencySet struct {
	Dependencies             map[eth.ChainID]StaticConfigDependency `json:"dependencies"`
	OverrideMessageExpiryWindow *uint64                              `json:"overrideMessageExpiryWindow,omitempty"`
}

// DependencySet answers "is this chain tracked" and "what is the
// message-expiry window" queries used by the message graph and
// cross-safety checker.
type DependencySet interface {
	Chains() []eth.ChainID
	HasChain(id eth.ChainID) bool
	MessageExpiryWindow() uint64
}

type StaticDependencySet struct {
	deps          map[eth.ChainID]StaticConfigDependency
	expiryWindow  uint64
}

var _ DependencySet = (*StaticDependencySet)(nil)

func NewStaticDependencySet(deps map[eth.ChainID]StaticConfigDependency, expiryOverride *uint64) (*StaticDependencySet, error) {
	if len(deps) == 0 {
		return nil, fmt.Errorf("dependency set must not be empty")
	}
	window := uint64(DefaultMessageExpiryWindow)
	if expiryOverride != nil {
		window = *expiryOverride
	}
	return &StaticDependencySet{deps: deps, expiryWindow: window}, nil
}

func (s *StaticDependencySet) Chains() []eth.ChainID {
	out := make([]eth.ChainID, 0, len(s.deps))
	for id := range s.deps {
		out = append(out, id)
	}
	return out
}

func (s *StaticDependencySet) HasChain(id eth.ChainID) bool {
	_, ok := s.deps[id]
	return ok
}

func (s *StaticDependencySet) MessageExpiryWindow() uint64 {
	return s.expiryWindow
}

// LoadDependencySet parses a dependency-set JSON file per SPEC_FULL.md §6.
func LoadDependencySet(path string) (*StaticDependencySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dependency set %q: %w", path, err)
	}
	var raw rawDependencySet
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse dependency set %q: %w", path, err)
	}
	return NewStaticDependencySet(raw.Dependencies, raw.OverrideMessageExpiryWindow)
}

// Genesis anchors a chain's activation pair prior to any node-sourced
// activation event -- a chain with interop active at genesis initializes
// its storage from this value rather than waiting for a derived pair.
type Genesis struct {
	L1 types.BlockSeal `json:"l1"`
	L2 types.BlockSeal `json:"l2"`
}

// RollupConfig carries the per-chain static parameters the message graph
// and chain processor need: when interop activates, and the nominal block
// time used to bound "initiated too early" (SPEC_FULL.md §4.2 rule 2).
type RollupConfig struct {
	L2ChainID   eth.ChainID `json:"l2ChainID"`
	InteropTime *uint64     `json:"interopTime,omitempty"`
	BlockTime   uint64      `json:"blockTime"`
	Genesis     Genesis     `json:"genesis"`
}

// IsInterop reports whether interop is active for the chain at the given
// L2 timestamp.
func (c RollupConfig) IsInterop(timestamp uint64) bool {
	return c.InteropTime != nil && timestamp >= *c.InteropTime
}

// ActivationTime returns the chain's interop activation time, or false if
// interop is not configured for this chain at all.
func (c RollupConfig) ActivationTime() (uint64, bool) {
	if c.InteropTime == nil {
		return 0, false
	}
	return *c.InteropTime, true
}

// RollupConfigSet answers per-chain rollup-config lookups.
type RollupConfigSet interface {
	Get(id eth.ChainID) (RollupConfig, bool)
}

type StaticRollupConfigSet map[eth.ChainID]*RollupConfig

var _ RollupConfigSet = StaticRollupConfigSet{}

func (s StaticRollupConfigSet) Get(id eth.ChainID) (RollupConfig, bool) {
	cfg, ok := s[id]
	if !ok {
		return RollupConfig{}, false
	}
	return *cfg, true
}

// LoadRollupConfigSet parses one rollup-config JSON file per chain, keyed
// by the JSON's own l2ChainID field. Each entry in paths is expanded as a
// doublestar glob first, so an operator can point at a directory of
// per-chain config files (e.g. "configs/*.json") instead of listing every
// chain's file by hand, mirroring how op-node discovers rollup configs.
func LoadRollupConfigSet(paths []string) (StaticRollupConfigSet, error) {
	var files []string
	for _, p := range paths {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, fmt.Errorf("invalid rollup config glob %q: %w", p, err)
		}
		if len(matches) == 0 {
			// Not a glob, or a glob that matched nothing: fall back to
			// treating it as a literal path so a plain filename still works.
			files = append(files, p)
			continue
		}
		files = append(files, matches...)
	}

	out := make(StaticRollupConfigSet, len(files))
	for _, p := range files {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read rollup config %q: %w", p, err)
		}
		var cfg RollupConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse rollup config %q: %w", p, err)
		}
		out[cfg.L2ChainID] = &cfg
	}
	return out, nil
}

// FullConfigSet merges a DependencySet with the corresponding
// RollupConfigSet, and is the config object threaded into the backend.
type FullConfigSet struct {
	DependencySet   DependencySet
	RollupConfigSet RollupConfigSet
}

func NewFullConfigSet(depSet DependencySet, rollupCfgSet RollupConfigSet) (FullConfigSet, error) {
	for _, id := range depSet.Chains() {
		if _, ok := rollupCfgSet.Get(id); !ok {
			return FullConfigSet{}, fmt.Errorf("dependency set references chain %s with no rollup config", id)
		}
	}
	return FullConfigSet{DependencySet: depSet, RollupConfigSet: rollupCfgSet}, nil
}
