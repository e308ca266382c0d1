// Package storage persists tenants, their custom domain bindings, and the
// append-only audit trail of sandbox transitions.
package storage

import (
	"context"
	"errors"

	"github.com/cuemby/sandboxd/pkg/types"
)

// ErrNotFound is returned by Get operations on a missing key; Update
// operations upsert and Delete operations are idempotent.
// Callers translate it to apierr.NotFound at the API boundary.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence contract the scheduler and admin API depend on.
// Exactly one SandboxState is persisted per Tenant, embedded as the
// Tenant.State field; there is no separate sandbox-state table.
//
// Implementations: BoltStore (single-node embedded) and postgres.Store
// (shared, horizontally restartable control plane). Both take a context on
// every call even though BoltStore never suspends on it, so a caller can
// switch drivers without touching call sites.
type Store interface {
	CreateTenant(ctx context.Context, tenant *types.Tenant) error
	GetTenant(ctx context.Context, name string) (*types.Tenant, error)
	ListTenants(ctx context.Context) ([]*types.Tenant, error)
	UpdateTenant(ctx context.Context, tenant *types.Tenant) error
	// DeleteTenant removes the tenant record and cascades to its custom
	// domains. Idempotent: deleting an absent tenant is not an error.
	DeleteTenant(ctx context.Context, name string) error

	CreateCustomDomain(ctx context.Context, domain *types.CustomDomain) error
	GetCustomDomain(ctx context.Context, fqdn string) (*types.CustomDomain, error)
	ListCustomDomainsByTenant(ctx context.Context, tenantName string) ([]*types.CustomDomain, error)
	ListCustomDomains(ctx context.Context) ([]*types.CustomDomain, error)
	UpdateCustomDomain(ctx context.Context, domain *types.CustomDomain) error
	DeleteCustomDomain(ctx context.Context, fqdn string) error

	// AppendAuditEvent records a committed sandbox state transition.
	// Events are never updated or deleted independently of their tenant.
	AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error
	// ListAuditEventsByTenant returns up to limit events for tenantName,
	// most-recent-first.
	ListAuditEventsByTenant(ctx context.Context, tenantName string, limit int) ([]*types.AuditEvent, error)

	Close() error
}
