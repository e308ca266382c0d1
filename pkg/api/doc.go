/*
Package api implements the admin/control HTTP API: bearer-authenticated
project lifecycle requests and ACME/revive administration.

Routes are served by a chi router with request logging, Prometheus metrics,
and a recover middleware ahead of bearer-token auth. Handlers translate
storage and scheduler errors into the structured {message, status_code}
body every error response carries, via translateError and the apiError
taxonomy in apierr.go.

HealthServer, in health.go, is a separate unauthenticated mux for
liveness/readiness probes and /metrics, meant to run on its own internal
port rather than behind the bearer-token boundary.
*/
package api
