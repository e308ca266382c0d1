/*
Package supervisor implements the RPC client to the sandbox-internal
process described in spec §4.6: Load declares resources, Start binds the
sandbox to an IP, SubscribeStop streams termination events, and
HealthCheck is the periodic liveness probe the scheduler's Next loop
depends on.

The wire format is intentionally simple: a 4-byte big-endian length prefix
followed by a JSON envelope, over a plain net.Conn. There is no service
definition to generate, no reflection, and no multiplexing — Load, Start
and HealthCheck are each one request/response round trip serialized by
Client's mutex, and SubscribeStop hands the connection over to a single
long-lived reader for the rest of its life.

Pool adapts a set of per-tenant Clients to pkg/scheduler.Prober, dialing
lazily and keeping the connection warm across polls. It also tracks
proxy-observed traffic (RecordTraffic) so Probe can report
TrafficSinceLastCheck without pkg/sandbox ever touching the network
itself.
*/
package supervisor
