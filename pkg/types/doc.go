/*
Package types defines the core data structures shared across the sandbox
control plane.

It holds the tenant/sandbox domain model, the certificate and challenge
types consumed by the ingress package, and the audit event record — the
vocabulary every other package builds on, with no behavior of its own.

# Core types

  - Tenant: a user-owned deployable unit ("project"), with its Sandbox
    embedded as the single source of truth for its lifecycle state.
  - Sandbox / Phase: the tagged union from the sandbox state machine. One
    struct carries every phase's data; Phase selects which fields are
    meaningful.
  - CustomDomain / CertifiedKey: the persisted and decoded forms of a
    domain's TLS material.
  - PendingChallenge: an ACME HTTP-01 token waiting to be served.
  - AuditEvent: an append-only record of a committed state transition.

# Thread safety

Values here carry no locks; synchronization is the job of pkg/storage
(persisted state) and pkg/ingress (in-memory certificate/challenge maps).
*/
package types
