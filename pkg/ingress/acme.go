package ingress

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/challenge/dns01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/rs/zerolog"

	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/types"
)

// renewalThreshold is spec §4.3's renewal window: a CustomDomain is
// renewed once its certificate has less than this long left to live.
const renewalThreshold = 30 * 24 * time.Hour

// dns01PropagationWait is spec §4.3 step 3's fixed sleep between
// publishing the TXT record for the operator and signaling the ACME
// server ready, in place of a real propagation check.
const dns01PropagationWait = 60 * time.Second

// ChallengeType selects which ACME challenge IssueForDomain solves for a
// given order, per spec §4.3's create_certificate(fqdn, challenge_type,
// credentials) contract.
type ChallengeType string

const (
	ChallengeHTTP01 ChallengeType = "http-01"
	ChallengeDNS01  ChallengeType = "dns-01"
)

// ACMEClient drives certificate issuance and renewal against an RFC 8555
// directory, adapting domains to issue for from types.CustomDomain rather
// than a standalone certificate resource.
type ACMEClient struct {
	store       storage.Store
	certStore   *CertStore
	client      *lego.Client
	user        *ACMEUser
	provider    *HTTP01Provider
	dnsProvider *DNSProvider
	logger      zerolog.Logger

	mu sync.Mutex
}

// ACMEUser implements lego's registration.User.
type ACMEUser struct {
	Email        string
	Registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *ACMEUser) GetEmail() string                        { return u.Email }
func (u *ACMEUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *ACMEUser) GetPrivateKey() crypto.PrivateKey         { return u.key }

// HTTP01Provider implements lego's challenge.Provider over a ChallengeStore
// instead of an in-struct map, so it works the same whether the proxy is a
// single replica or several behind a load balancer (spec §4.8a).
type HTTP01Provider struct {
	challenges ChallengeStore
}

// NewHTTP01Provider wraps challenges as lego's HTTP-01 provider.
func NewHTTP01Provider(challenges ChallengeStore) *HTTP01Provider {
	return &HTTP01Provider{challenges: challenges}
}

// Present publishes token -> key_authorization for the proxy's
// /.well-known/acme-challenge/{token} handler to read (spec §4.3 step 3).
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	if err := p.challenges.Put(context.Background(), token, keyAuth); err != nil {
		return fmt.Errorf("acme: presenting challenge for %s: %w", domain, err)
	}
	return nil
}

// CleanUp removes the published challenge once lego has validated it.
func (p *HTTP01Provider) CleanUp(domain, token, _ string) error {
	if err := p.challenges.Delete(context.Background(), token); err != nil {
		return fmt.Errorf("acme: cleaning up challenge for %s: %w", domain, err)
	}
	return nil
}

// GetKeyAuth is read by the proxy's plaintext HTTP listener.
func (p *HTTP01Provider) GetKeyAuth(ctx context.Context, token string) (string, bool) {
	keyAuth, ok, err := p.challenges.Get(ctx, token)
	if err != nil {
		return "", false
	}
	return keyAuth, ok
}

// DNSProvider implements lego's challenge.Provider for DNS-01 the way
// spec §4.3 step 3 describes it: it has no credentials for any DNS
// host's API, so it logs the required TXT record for the operator to
// publish by hand and sleeps out a fixed propagation window instead of
// polling for the record to actually resolve.
type DNSProvider struct {
	logger zerolog.Logger
}

// NewDNSProvider wraps logger as lego's DNS-01 provider.
func NewDNSProvider(logger zerolog.Logger) *DNSProvider {
	return &DNSProvider{logger: logger}
}

// Present logs the FQDN and value the operator must publish as a TXT
// record, then waits dns01PropagationWait before telling lego to check
// the order (spec §4.3 step 3).
func (p *DNSProvider) Present(domain, token, keyAuth string) error {
	fqdn, value := dns01.GetRecord(domain, keyAuth)
	p.logger.Info().
		Str("domain", domain).
		Str("record", fqdn).
		Str("value", value).
		Msg("publish this TXT record for DNS-01 validation")
	time.Sleep(dns01PropagationWait)
	return nil
}

// CleanUp is a no-op: there is no API credential to retract the record
// through, so the operator is responsible for removing it.
func (p *DNSProvider) CleanUp(domain, token, keyAuth string) error {
	return nil
}

// NewACMEClient registers an ACME account against directoryURL and wires
// lego's HTTP-01 and DNS-01 challenge flows through challenges and a
// log-and-wait DNSProvider, respectively.
func NewACMEClient(directoryURL, accountEmail string, store storage.Store, certStore *CertStore, challenges ChallengeStore) (*ACMEClient, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acme: generating account key: %w", err)
	}

	user := &ACMEUser{Email: accountEmail, key: privateKey}

	cfg := lego.NewConfig(user)
	cfg.CADirURL = directoryURL
	cfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("acme: creating lego client: %w", err)
	}

	provider := NewHTTP01Provider(challenges)
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("acme: setting HTTP-01 provider: %w", err)
	}

	dnsProvider := NewDNSProvider(log.WithComponent("acme-dns01"))
	if err := client.Challenge.SetDNS01Provider(dnsProvider, dns01.DisableCompletePropagationRequirement()); err != nil {
		return nil, fmt.Errorf("acme: setting DNS-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("acme: registering account: %w", err)
	}
	user.Registration = reg

	return &ACMEClient{
		store:       store,
		certStore:   certStore,
		client:      client,
		user:        user,
		provider:    provider,
		dnsProvider: dnsProvider,
		logger:      log.WithComponent("acme"),
	}, nil
}

// selectChallenge asserts the lego provider for challengeType and evicts
// the other one. lego's Challenge registry is global to the client, not
// per-order, so this has to happen before every Obtain/Renew call rather
// than once at construction, or the ACME server could end up offered
// (and choosing between) both challenge types.
func (a *ACMEClient) selectChallenge(challengeType ChallengeType) (ChallengeType, error) {
	switch challengeType {
	case ChallengeDNS01:
		if err := a.client.Challenge.SetDNS01Provider(a.dnsProvider, dns01.DisableCompletePropagationRequirement()); err != nil {
			return "", fmt.Errorf("acme: setting DNS-01 provider: %w", err)
		}
		a.client.Challenge.Remove(challenge.HTTP01)
		return ChallengeDNS01, nil
	case ChallengeHTTP01, "":
		if err := a.client.Challenge.SetHTTP01Provider(a.provider); err != nil {
			return "", fmt.Errorf("acme: setting HTTP-01 provider: %w", err)
		}
		a.client.Challenge.Remove(challenge.DNS01)
		return ChallengeHTTP01, nil
	default:
		return "", fmt.Errorf("acme: unknown challenge type %q", challengeType)
	}
}

// IssueForDomain runs the new-order -> authorize -> finalize flow for a
// single fqdn via challengeType (spec §4.3's algorithm; lego owns the
// poll-with-backoff loop internally), persists the result, and installs
// it in certStore. challengeType defaults to HTTP-01 when empty.
func (a *ACMEClient) IssueForDomain(ctx context.Context, tenantName, fqdn string, challengeType ChallengeType) (*types.CustomDomain, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	challengeType, err := a.selectChallenge(challengeType)
	if err != nil {
		return nil, err
	}

	a.logger.Info().Str("fqdn", fqdn).Str("challenge_type", string(challengeType)).Msg("requesting certificate")

	obtained, err := a.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{fqdn},
		Bundle:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("acme: obtaining certificate for %s: %w", fqdn, err)
	}

	notAfter, err := leafNotAfter(obtained.Certificate)
	if err != nil {
		return nil, err
	}

	domain := &types.CustomDomain{
		FQDN:                fqdn,
		TenantName:          tenantName,
		ChallengeType:       string(challengeType),
		CertificateChainPEM: string(obtained.Certificate),
		PrivateKeyPEM:       string(obtained.PrivateKey),
		NotAfter:            notAfter,
	}

	if err := a.store.CreateCustomDomain(ctx, domain); err != nil {
		return nil, fmt.Errorf("acme: persisting custom domain %s: %w", fqdn, err)
	}
	if err := a.certStore.Put(fqdn, domain.CertificateChainPEM, domain.PrivateKeyPEM); err != nil {
		return nil, fmt.Errorf("acme: installing certificate for %s: %w", fqdn, err)
	}

	a.logger.Info().Str("fqdn", fqdn).Time("not_after", notAfter).Msg("certificate issued")
	return domain, nil
}

// renew re-issues domain's certificate via lego's renewal path, which
// reuses the existing key order where the CA allows it. It re-solves
// with whichever challenge type the domain was originally issued under.
func (a *ACMEClient) renew(ctx context.Context, domain *types.CustomDomain) error {
	if _, err := a.selectChallenge(ChallengeType(domain.ChallengeType)); err != nil {
		return err
	}

	resource := certificate.Resource{
		Domain:      domain.FQDN,
		Certificate: []byte(domain.CertificateChainPEM),
		PrivateKey:  []byte(domain.PrivateKeyPEM),
	}

	renewed, err := a.client.Certificate.Renew(resource, true, false, "")
	if err != nil {
		return fmt.Errorf("acme: renewing %s: %w", domain.FQDN, err)
	}

	notAfter, err := leafNotAfter(renewed.Certificate)
	if err != nil {
		return err
	}

	domain.CertificateChainPEM = string(renewed.Certificate)
	domain.PrivateKeyPEM = string(renewed.PrivateKey)
	domain.NotAfter = notAfter

	if err := a.store.UpdateCustomDomain(ctx, domain); err != nil {
		return fmt.Errorf("acme: persisting renewed %s: %w", domain.FQDN, err)
	}
	return a.certStore.Put(domain.FQDN, domain.CertificateChainPEM, domain.PrivateKeyPEM)
}

// CheckAndRenewCertificates iterates every CustomDomain and renews any
// whose NotAfter is within renewalThreshold. It matches
// pkg/scheduler.FanOut's renewFunc signature and is meant to be driven by
// its single-flight hourly sweep rather than called concurrently itself.
func (a *ACMEClient) CheckAndRenewCertificates(ctx context.Context) error {
	domains, err := a.store.ListCustomDomains(ctx)
	if err != nil {
		return fmt.Errorf("acme: listing custom domains: %w", err)
	}

	now := time.Now()
	for _, domain := range domains {
		if domain.NotAfter.Sub(now) > renewalThreshold {
			continue
		}
		a.mu.Lock()
		err := a.renew(ctx, domain)
		a.mu.Unlock()
		if err != nil {
			a.logger.Warn().Err(err).Str("fqdn", domain.FQDN).Msg("certificate renewal failed")
			continue
		}
		a.logger.Info().Str("fqdn", domain.FQDN).Msg("certificate renewed")
	}
	return nil
}

func leafNotAfter(chainPEM []byte) (time.Time, error) {
	block, _ := pem.Decode(chainPEM)
	if block == nil {
		return time.Time{}, fmt.Errorf("acme: decoding certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return time.Time{}, fmt.Errorf("acme: parsing certificate: %w", err)
	}
	return cert.NotAfter, nil
}
