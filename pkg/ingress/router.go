package ingress

import (
	"context"
	"strings"

	"github.com/cuemby/sandboxd/pkg/storage"
)

// Router resolves an inbound Host header to a tenant name, per spec §4.5
// step 3: either the apex subdomain form {tenant_name}.{apex_fqdn}, or a
// row in the CustomDomain table, or nothing.
type Router struct {
	store    storage.Store
	apexFQDN string
}

// NewRouter builds a Router against apexFQDN (e.g. "apex.example.com").
func NewRouter(store storage.Store, apexFQDN string) *Router {
	return &Router{store: store, apexFQDN: strings.ToLower(apexFQDN)}
}

// Resolve returns the tenant name host maps to, or "" if none applies.
func (r *Router) Resolve(ctx context.Context, host string) string {
	host = stripPort(strings.ToLower(host))
	if host == "" {
		return ""
	}

	if tenant, ok := r.matchApex(host); ok {
		return tenant
	}

	domain, err := r.store.GetCustomDomain(ctx, host)
	if err != nil {
		return ""
	}
	return domain.TenantName
}

// matchApex checks host against "{name}.{apex_fqdn}", the same wildcard
// idiom an Ingress's "*.example.com" rule used, applied to a single
// reserved suffix instead of an arbitrary table of rules.
func (r *Router) matchApex(host string) (string, bool) {
	suffix := "." + r.apexFQDN
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}
	name := strings.TrimSuffix(host, suffix)
	if name == "" || strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}

// stripPort removes a trailing ":port" from a Host header value, same as
// net/http's request.Host may carry one.
func stripPort(host string) string {
	if idx := strings.IndexByte(host, ':'); idx != -1 {
		return host[:idx]
	}
	return host
}
