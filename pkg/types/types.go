package types

import "time"

// Tenant is a user-owned deployable unit, also called a project.
type Tenant struct {
	ID             string
	Name           string // globally unique over its lowercase normalization
	OwnerID        string
	OwnerEmail     string
	NotifyWebhook  string // optional, Slack incoming-webhook URL
	IdleMinutes    int    // 0 disables the idle watchdog
	RateLimit      RateLimitConfig
	State          Sandbox
	CreatedAt      time.Time
}

// Phase is the tag of the Sandbox tagged union. Every variant in the
// transition table in pkg/sandbox corresponds to one Phase value.
type Phase string

const (
	PhaseCreating   Phase = "creating"
	PhaseAttaching  Phase = "attaching"
	PhaseRecreating Phase = "recreating"
	PhaseStarting   Phase = "starting"
	PhaseRestarting Phase = "restarting"
	PhaseStarted    Phase = "started"
	PhaseReady      Phase = "ready"
	PhaseRunning    Phase = "running"
	PhaseStopping   Phase = "stopping"
	PhaseStopped    Phase = "stopped"
	PhaseRebooting  Phase = "rebooting"
	PhaseDestroying Phase = "destroying"
	PhaseDestroyed  Phase = "destroyed"
	PhaseErrored    Phase = "errored"
	PhaseCompleted  Phase = "completed"
)

// ErrorKind enumerates the state-machine-internal failure reasons that a
// sandbox can be Errored with. These never escape pkg/sandbox as Go errors;
// they are carried inside the Errored variant.
type ErrorKind string

const (
	ErrNoNetwork                  ErrorKind = "no_network"
	ErrExhaustedRestart           ErrorKind = "exhausted_restart"
	ErrUnresponsive               ErrorKind = "unresponsive"
	ErrMissingContainerInspect    ErrorKind = "missing_container_inspect_info"
)

// Sandbox is the tagged union of spec §4.1: one struct with an enum tag and
// only the fields the current transition needs, rather than a type per
// variant with a shared base. Fields not meaningful for the current Phase
// are left zero.
type Sandbox struct {
	Phase Phase

	// Carried by Creating/Attaching/Recreating/Rebooting/Errored(->Creating).
	RecreateCount int

	// Carried by Starting/Restarting/Started.
	RestartCount int

	// Container handle, set once Attaching succeeds.
	ContainerID string

	// Carried by Started/Ready/Running: the sandbox's discovered network
	// endpoint, and the last health-check observation.
	Endpoint   string
	LastCheck  HealthRecord
	LastHealth HealthRecord

	// Set only when Phase == PhaseRunning: a handle identifying the
	// in-flight service session, so the scheduler can tell "serving" apart
	// from "known healthy, no active request" (Ready).
	ServiceHandle string

	// Set only when Phase == PhaseErrored.
	ErrKind       ErrorKind
	PreviousPhase Phase
	OccurredAt    time.Time

	// Last time a request reached this sandbox; used by the idle watchdog.
	LastRequestAt time.Time
}

// HealthRecord is the result of the scheduler's periodic health pass.
// Never written by the TLS request path.
type HealthRecord struct {
	At        time.Time
	IsHealthy bool
}

// CustomDomain binds an additional FQDN to a tenant. Key is FQDN, globally
// unique. Cascades: removed when its tenant is destroyed.
type CustomDomain struct {
	FQDN                string
	TenantName          string
	ChallengeType       string // "http-01" or "dns-01"; drives how renewal re-solves
	CertificateChainPEM string
	PrivateKeyPEM       string
	NotAfter            time.Time
}

// CertifiedKey is the decoded form of a certificate/key pair. The PEM form
// lives in persistence (CustomDomain, or the apex wildcard config); this is
// what the Certificate Store holds and the TLS handshake path reads.
type CertifiedKey struct {
	SNI   string
	Chain [][]byte // DER-encoded X.509 certificates, leaf first
	Key   []byte   // DER-encoded PKCS#8 private key
}

// PendingChallenge is an ACME HTTP-01 token/key-authorization pair, held in
// a map shared between the ACME controller (writer) and the proxy's HTTP
// listener (reader).
type PendingChallenge struct {
	Token            string
	KeyAuthorization string
}

// AuditEvent is an append-only record of a committed Sandbox state
// transition, written by the scheduler and surfaced by the admin API.
type AuditEvent struct {
	ID         string
	TenantName string
	Kind       string
	Detail     string
	At         time.Time
}

// RateLimitConfig bounds a tenant's aggregate inbound request rate at the
// proxy. Zero value means "use the configured default".
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// IsServing reports whether the proxy may forward traffic to this phase.
// Ready and Running are indistinguishable to the proxy; the idle watchdog
// is the only consumer that tells them apart.
func (s Sandbox) IsServing() bool {
	return s.Phase == PhaseReady || s.Phase == PhaseRunning
}

// IsTerminal reports whether no further automatic transition applies.
func (s Sandbox) IsTerminal() bool {
	switch s.Phase {
	case PhaseDestroyed, PhaseErrored, PhaseCompleted:
		return true
	default:
		return false
	}
}
