// Package identity binds authenticated requests to the platform's agent
// identity registry. A GID is only ever valid when it matches the fixed
// format and is present in the registry loaded at startup; both failure
// modes return the same opaque rejection so callers cannot enumerate
// registered identities, while the specific reason is logged server-side.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync/atomic"
)

// gidPattern is the fixed agent identity format: GID- plus exactly two digits.
var gidPattern = regexp.MustCompile(`^GID-\d{2}$`)

// LaneAll is the sentinel granting execution in every lane.
const LaneAll = "ALL"

// ErrUnknownIdentity is the single opaque rejection for both malformed
// and unregistered identities.
var ErrUnknownIdentity = errors.New("unknown identity")

// Record describes one registered agent identity.
type Record struct {
	GID            string   `json:"-"`
	Name           string   `json:"name"`
	Role           string   `json:"role"`
	Lane           string   `json:"lane"`
	Level          string   `json:"level"`
	PermittedModes []string `json:"permitted_modes"`
	ExecutionLanes []string `json:"execution_lanes"`
	CanIssuePAC    bool     `json:"can_issue_pac"`
	CanIssueBER    bool     `json:"can_issue_ber"`
	CanOverride    bool     `json:"can_override"`
	System         bool     `json:"system"`
}

// CanExecuteInLane reports whether the identity may act in the given
// execution lane, honoring the ALL sentinel.
func (r *Record) CanExecuteInLane(lane string) bool {
	for _, l := range r.ExecutionLanes {
		if l == lane || l == LaneAll {
			return true
		}
	}
	return false
}

// registryFile is the on-disk registry document shape.
type registryFile struct {
	RegistryVersion string            `json:"registry_version"`
	Agents          map[string]Record `json:"agents"`
}

type snapshot struct {
	version string
	agents  map[string]Record
}

// Registry is the static-at-runtime identity table. Reload swaps the
// whole snapshot atomically; readers never observe a partial table.
type Registry struct {
	current atomic.Pointer[snapshot]
	logger  *slog.Logger
}

// Load reads the registry document from a JSON file.
func Load(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	if err := r.Reload(path); err != nil {
		return nil, err
	}
	return r, nil
}

// NewFromAgents builds a registry from an in-memory table, used by tests
// and embedded deployments.
func NewFromAgents(agents map[string]Record) *Registry {
	r := &Registry{logger: slog.Default()}
	r.swap("", agents)
	return r
}

// Reload replaces the registry contents from the file in one atomic swap.
func (r *Registry) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading identity registry: %w", err)
	}

	var doc registryFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing identity registry: %w", err)
	}

	r.swap(doc.RegistryVersion, doc.Agents)
	r.logger.Info("identity registry loaded",
		"version", doc.RegistryVersion,
		"agents", len(doc.Agents),
	)
	return nil
}

func (r *Registry) swap(version string, agents map[string]Record) {
	snap := &snapshot{version: version, agents: make(map[string]Record, len(agents))}
	for gid, rec := range agents {
		rec.GID = gid
		snap.agents[gid] = rec
	}
	r.current.Store(snap)
}

// Version returns the loaded registry version string.
func (r *Registry) Version() string {
	return r.current.Load().version
}

// Validate checks a claimed GID against the fixed format and the loaded
// table. Both checks fail closed with the same ErrUnknownIdentity; the
// distinguishing reason is only logged.
func (r *Registry) Validate(_ context.Context, gid string) (*Record, error) {
	if !gidPattern.MatchString(gid) {
		r.logger.Debug("identity rejected", "reason", "malformed gid", "gid", truncate(gid))
		return nil, ErrUnknownIdentity
	}

	snap := r.current.Load()
	rec, ok := snap.agents[gid]
	if !ok {
		r.logger.Debug("identity rejected", "reason", "not in registry", "gid", gid)
		return nil, ErrUnknownIdentity
	}
	return &rec, nil
}

// truncate bounds untrusted identifiers before they reach logs.
func truncate(s string) string {
	if len(s) > 16 {
		return s[:16] + "..."
	}
	return s
}
