/*
Package ingress is the hostname router and TLS-terminating reverse proxy
of spec §4.5: a plaintext HTTP socket for ACME HTTP-01 challenges and
redirects, and a TLS socket that resolves SNI/Host to a tenant, wakes its
sandbox on demand through pkg/scheduler, and forwards.

Router resolves a Host header to a tenant name, either the apex subdomain
form "{tenant}.{apex_fqdn}" or a row in the CustomDomain table. CertStore
holds the {sni -> CertifiedKey} map the TLS handshake's GetCertificate
reads, falling back to a default wildcard key so a handshake never fails
on a missing SNI match. ACMEClient drives certificate issuance and
renewal against an RFC 8555 directory via go-acme/lego, publishing HTTP-01
challenge tokens through a ChallengeStore so a multi-replica proxy
deployment can answer a validation request on whichever replica it lands
on. Middleware applies per-tenant rate limiting and the standard
X-Forwarded-* headers.

Proxy ties these together: it never mutates Sandbox state itself
(spec §4.5 "sandbox wake-up ordering") — a request against a stopped
sandbox enqueues a wake task and awaits the scheduler's Handle, the same
single-writer discipline pkg/scheduler enforces for every other entry
point.
*/
package ingress
