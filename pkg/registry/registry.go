// Package registry implements the Host Registry (C1): resolving an
// operator-supplied short name to a concrete Endpoint and its optional
// privilege material.
package registry

import (
	"fmt"
	"strings"

	"github.com/scottdkey/halvor/pkg/config"
	"github.com/scottdkey/halvor/pkg/types"
)

// Record is one configured host entry: its known addresses and
// optional escalation material.
type Record struct {
	Identifier      string
	UnderlayIP      string
	OverlayHostname string
	Privilege       *types.PrivilegeMaterial
}

// ErrNotFound is returned by Resolve when no record matches, by exact,
// normalized, or case-insensitive match.
type ErrNotFound struct{ Identifier string }

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("no host record for %q", e.Identifier)
}

// Registry holds host records loaded once per invocation, typically
// from the CLI's configuration collaborator (out of this module's
// scope - see spec.md §1) plus HOST_<NAME>_IP environment overrides.
type Registry struct {
	cfg     config.Config
	records map[string]Record // keyed by normalized, lower-cased identifier
}

// New builds a Registry from already-loaded records.
func New(cfg config.Config, records []Record) *Registry {
	r := &Registry{cfg: cfg, records: make(map[string]Record, len(records))}
	for _, rec := range records {
		r.records[r.key(rec.Identifier)] = rec
	}
	return r
}

func (r *Registry) key(identifier string) string {
	return strings.ToLower(r.cfg.Normalize(identifier))
}

// Resolve looks up identifier: exact match first, then normalized
// match, then case-insensitive match. An environment override
// (HOST_<NAME>_IP) always wins for the underlay address, even for a
// matched record.
func (r *Registry) Resolve(identifier string) (Record, error) {
	rec, ok := r.records[strings.ToLower(identifier)]
	if !ok {
		rec, ok = r.records[r.key(identifier)]
	}
	if !ok {
		return Record{}, &ErrNotFound{Identifier: identifier}
	}

	if override, present := config.HostOverride(identifier); present {
		rec.UnderlayIP = override
	}
	return rec, nil
}

// Endpoint builds the Endpoint data-model value for rec, using cfg to
// construct the FQDN fallback from TailnetBase.
func Endpoint(cfg config.Config, rec Record) types.Endpoint {
	ep := types.Endpoint{
		Identifier:      rec.Identifier,
		UnderlayIP:      rec.UnderlayIP,
		OverlayHostname: rec.OverlayHostname,
	}
	if cfg.TailnetBase != "" {
		ep.ConstructedFQDN = strings.TrimSuffix(rec.Identifier+"."+cfg.TailnetBase, ".")
	}
	return ep
}
