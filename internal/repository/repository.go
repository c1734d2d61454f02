// Package repository holds the read-mostly Function Repository: an
// immutable snapshot of compiled bidding and scoring scripts, kept
// current by the Periodic Refresher and read by the Auction Driver on
// every request.
//
// Instead of protecting a mutable adapters map behind a sync.RWMutex and
// rebuilding it wholesale on refresh, this package publishes a
// reference-counted immutable snapshot behind an atomic pointer: readers
// never block, and a refresh swaps in a whole new Snapshot via
// compare-and-swap.
package repository

import (
	"context"
	"encoding/json"
	"sync/atomic"
)

// Invoker is the minimal view of a compiled function the repository
// needs: something that can run one invocation and decode its result.
// Both *scriptengine.CompiledScript (in-process) and a sandboxed
// process wrapper (internal/sandbox) satisfy this without repository
// needing to import either, so a snapshot can mix in-process and
// sandboxed entries transparently.
type Invoker interface {
	Invoke(ctx context.Context, args json.RawMessage, out interface{}) error
}

// Availability classifies a lookup result: a function can be present,
// known but marked unavailable (it is configured, but its source could
// not be fetched or compiled at the last rebuild), or simply absent
// from the snapshot entirely.
type Availability int

const (
	// Present means the lookup found a usable Invoker.
	Present Availability = iota
	// Unavailable means the uri is a known configured function but has
	// no usable compiled script in the current snapshot.
	Unavailable
	// NotFound means the snapshot has no entry at all under this key.
	NotFound
)

// Entry is one slot in a snapshot: either a compiled script or an
// explicit unavailable marker, never both.
type Entry struct {
	Script      Invoker
	IsAvailable bool
}

// Snapshot is one immutable generation of the repository's contents.
// Once published it is never mutated; a refresh builds an entirely new
// Snapshot and swaps it in.
//
// Both mappings are keyed by the function's uri (FunctionSpec.uri),
// never by owner or any other field. The two maps are independent: the
// same uri may appear in both, once as a bidder and once as a scorer.
// A RunAdAuction candidate's
// bidder/scorer is resolved by the uri it names
// (bidding_logic_url / decision_logic_url), not by which interest
// group or seller happens to reference it.
type Snapshot struct {
	Generation uint64
	Bidders    map[string]Entry // keyed by uri
	Scorers    map[string]Entry // keyed by uri
}

// LookupBidder resolves a bidding function by uri, returning the
// compiled script and its Availability classification.
func (s *Snapshot) LookupBidder(uri string) (Invoker, Availability) {
	return lookup(s, s.bidders(), uri)
}

// LookupScorer resolves a scoring function by uri.
func (s *Snapshot) LookupScorer(uri string) (Invoker, Availability) {
	return lookup(s, s.scorers(), uri)
}

func (s *Snapshot) bidders() map[string]Entry {
	if s == nil {
		return nil
	}
	return s.Bidders
}

func (s *Snapshot) scorers() map[string]Entry {
	if s == nil {
		return nil
	}
	return s.Scorers
}

func lookup(s *Snapshot, m map[string]Entry, uri string) (Invoker, Availability) {
	if s == nil {
		return nil, NotFound
	}
	entry, ok := m[uri]
	if !ok {
		return nil, NotFound
	}
	if !entry.IsAvailable || entry.Script == nil {
		return nil, Unavailable
	}
	return entry.Script, Present
}

// Repository publishes a Snapshot behind an atomic pointer. Reads never
// block; writers publish a whole new Snapshot via Swap.
type Repository struct {
	current atomic.Pointer[Snapshot]
}

// New returns an empty Repository; Current returns nil until the first
// Swap.
func New() *Repository {
	return &Repository{}
}

// Current returns the currently published Snapshot, or nil if no
// refresh has ever completed.
func (r *Repository) Current() *Snapshot {
	return r.current.Load()
}

// Swap publishes next unconditionally, using a CAS loop so concurrent
// callers (there should only ever be one, the Refresher, but the type
// does not assume it) never silently lose an update to a racing Swap.
// next.Generation is overwritten with one past whatever generation it
// replaces, so the caller never has to track a counter itself.
func (r *Repository) Swap(next *Snapshot) {
	for {
		old := r.current.Load()
		gen := uint64(1)
		if old != nil {
			gen = old.Generation + 1
		}
		next.Generation = gen
		if r.current.CompareAndSwap(old, next) {
			return
		}
	}
}
