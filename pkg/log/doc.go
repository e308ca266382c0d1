/*
Package log provides structured logging for the control plane using zerolog.

It wraps zerolog to give every other package a global Logger plus small
helpers for attaching context fields (component, tenant, task) to derived
loggers, so a log line from deep inside the scheduler or the proxy carries
enough context to correlate back to a tenant without threading a logger
through every call.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component and tenant loggers:

	schedLog := log.WithComponent("scheduler")
	schedLog.Info().Msg("dispatcher started")

	tenantLog := log.WithTenant("matrix").With().Str("task_id", taskID).Logger()
	tenantLog.Info().Msg("transition committed")

# Log levels

Debug is for development only; Info is the default production level; Warn
and Error should stay low-volume enough to alert on. Fatal logs and calls
os.Exit(1) — reserved for startup failures the process cannot recover from
(e.g. a corrupt state store).

# Design

A single package-level zerolog.Logger, initialized once in cmd/sandboxd's
entrypoint before any other package logs. Context loggers are zerolog
children, not a second abstraction — callers get a real *zerolog.Logger*
and can chain further fields with its own builder.

# Security

Never log secret values, bearer tokens, or ACME account keys. Log their
presence (a secret name, a token's jti) instead of their content.
*/
package log
