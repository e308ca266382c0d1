/*
Package sandbox implements the tenant Sandbox tagged union and its step
function (spec §4.1): Creating -> Attaching -> Starting -> Started ->
Ready -> Running, with Recreating/Restarting retry loops and Errored as
the terminal failure state.

Next is pure with respect to everything except the container engine: given
the same Sandbox, engine state, TenantContext and Probe it always produces
the same next phase (a Running sandbox's ServiceHandle is a fresh UUID and
an Errored sandbox's OccurredAt is the wall clock). The scheduler owns persistence and calls Next once
per tick per tenant, committing whatever it returns; Next itself never
touches storage.

Wake, Reboot, Destroy and AdminRestart are the non-`next` entry points:
proxy wake-on-demand, and the three admin-triggered transitions. Reboot
and Destroy land the sandbox on an intermediate phase that a subsequent
Next call drains through its container-engine side effect.
*/
package sandbox
