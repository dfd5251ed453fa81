// Package store provides the tenant-scoped document store the core
// persists into. Documents are addressed by slash-separated paths that
// alternate collection/document segments, mirroring the hosted
// document database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("store: document not found")
	// ErrInvariantViolation is returned when a write escapes the
	// caller's tenant subtree. Callers must treat this as fatal for
	// the offending unit.
	ErrInvariantViolation = errors.New("store: tenancy invariant violation")
)

// Document is one stored record with its full path.
type Document struct {
	Path string
	Data []byte
}

// Decode unmarshals the document body into out.
func (d Document) Decode(out any) error {
	if err := json.Unmarshal(d.Data, out); err != nil {
		return fmt.Errorf("store: decode %s: %w", d.Path, err)
	}
	return nil
}

// ID returns the final path segment.
func (d Document) ID() string {
	idx := strings.LastIndexByte(d.Path, '/')
	return d.Path[idx+1:]
}

// Store is the minimal document-store contract the core depends on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get reads a document into out. Missing documents return ErrNotFound.
	Get(ctx context.Context, path string, out any) error
	// Set creates or overwrites a document.
	Set(ctx context.Context, path string, v any) error
	// List returns every document directly under a collection path.
	List(ctx context.Context, collection string) ([]Document, error)
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, path string) error
}

// Path assembles a document path from segments.
func Path(elem ...string) string {
	return strings.Join(elem, "/")
}

// TenantRoot returns the root path for a tenant.
func TenantRoot(tid string) string {
	return "tenants/" + tid
}

// UserPath returns a path under a user's subtree,
// e.g. UserPath("t1", "u1", "status", "trading").
func UserPath(tid, uid string, elem ...string) string {
	parts := append([]string{"tenants", tid, "users", uid}, elem...)
	return strings.Join(parts, "/")
}

// Well-known system-scope paths.
const (
	RegimeCollection      = "systemStatus/market_regime"
	RegimeErrorCollection = "systemStatus/market_regime_error"
	AgentRegistry         = "systemStatus/agent_registry/agents"
	SecurityLog           = "systemStatus/security_log/violations"
	ShadowModeFlag        = "systemStatus/execution/flags"
	TickSummaryDoc        = "systemStatus/heartbeat/last_tick"
)

// RegimePath returns the regime document for one underlying.
func RegimePath(symbol string) string {
	return RegimeCollection + "/" + symbol
}

// RegimeErrorPath returns the sync-error document for one underlying.
func RegimeErrorPath(symbol string) string {
	return RegimeErrorCollection + "/" + symbol
}

// Tenanted wraps a Store so that every operation is confined to one
// tenant's subtree. Per-user units only ever see a Tenanted view, which
// is what enforces cross-tenant isolation mechanically rather than by
// convention.
type Tenanted struct {
	tid     string
	backend Store
}

// ForTenant returns a tenant-confined view of the backing store.
func ForTenant(backend Store, tid string) *Tenanted {
	return &Tenanted{tid: tid, backend: backend}
}

// TenantID returns the tenant this view is confined to.
func (t *Tenanted) TenantID() string { return t.tid }

func (t *Tenanted) guard(path string) error {
	if !strings.HasPrefix(path, "tenants/"+t.tid+"/") {
		return fmt.Errorf("%w: path %q outside tenants/%s", ErrInvariantViolation, path, t.tid)
	}
	return nil
}

// Get reads a document inside the tenant subtree.
func (t *Tenanted) Get(ctx context.Context, path string, out any) error {
	if err := t.guard(path); err != nil {
		return err
	}
	return t.backend.Get(ctx, path, out)
}

// Set writes a document inside the tenant subtree.
func (t *Tenanted) Set(ctx context.Context, path string, v any) error {
	if err := t.guard(path); err != nil {
		return err
	}
	return t.backend.Set(ctx, path, v)
}

// List lists a collection inside the tenant subtree.
func (t *Tenanted) List(ctx context.Context, collection string) ([]Document, error) {
	if err := t.guard(collection + "/"); err != nil {
		return nil, err
	}
	return t.backend.List(ctx, collection)
}

// Delete removes a document inside the tenant subtree.
func (t *Tenanted) Delete(ctx context.Context, path string) error {
	if err := t.guard(path); err != nil {
		return err
	}
	return t.backend.Delete(ctx, path)
}

var _ Store = (*Tenanted)(nil)
