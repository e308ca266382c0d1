/*
Package events provides an in-memory pub/sub broker for AuditEvents.

The scheduler publishes every committed state transition here in addition
to persisting it through storage.Store.AppendAuditEvent; the admin API's
GET /projects/{name}/events reads the persisted history directly, while
the broker exists for consumers that want a live feed (e.g. a future
streaming endpoint) without polling storage.

Publish waits only for room in the broker's own queue, never for a
subscriber: a subscriber that falls behind has events dropped rather than
stalling the scheduler that produced it. Each Subscriber
channel has its own buffer, so one slow consumer cannot affect another.
*/
package events
