/*
Package storage defines the Store interface consumed by the scheduler and
admin API, narrowed to the entities spec §3/§6 name: tenants (with the
sandbox's current state embedded as JSON), custom domain bindings, and an
append-only audit trail.

Two implementations satisfy Store:

  - BoltStore (this package): a single embedded BoltDB file, bucket-per-entity,
    for a single-node control plane. Tenants are keyed by lowercase name,
    custom domains by fqdn, audit events by tenant_name\x00sequence.
  - storage/postgres.Store: pgx/v5 against the relational schema from spec
    §6, with golang-migrate applying embedded migrations at startup, for a
    control plane that wants to run more than one admin-API/proxy replica
    against shared state.

cmd/sandboxd selects between them via pkg/config's storage.driver field.

DeleteTenant cascades to that tenant's custom domains in both backends
(explicit cursor scan in BoltStore, a foreign key with ON DELETE CASCADE in
postgres), matching the cascade invariant from spec §3.
*/
package storage
