package ingress

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"sync"

	"github.com/cuemby/sandboxd/pkg/types"
)

// CertStore is the thread-safe {sni -> CertifiedKey} map of spec §4.4.
// Lookup is called from the TLS handshake path and must never block for
// long: writers copy a fresh decoded key in, readers copy the pointer out
// under a read lock.
type CertStore struct {
	mu      sync.RWMutex
	keys    map[string]*types.CertifiedKey
	tlsKeys map[string]*tls.Certificate
	def     *tls.Certificate
}

// NewCertStore builds an empty store with defaultCertPEM/defaultKeyPEM as
// the fallback served for any SNI with no specific match, per the
// invariant that the TLS handshake never fails due to a missing resolver
// result.
func NewCertStore(defaultCertPEM, defaultKeyPEM string) (*CertStore, error) {
	cert, err := tls.X509KeyPair([]byte(defaultCertPEM), []byte(defaultKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("certstore: parsing default key pair: %w", err)
	}
	return &CertStore{
		keys:    make(map[string]*types.CertifiedKey),
		tlsKeys: make(map[string]*tls.Certificate),
		def:     &cert,
	}, nil
}

// Put decodes a PEM certificate chain and private key for sni and installs
// them. On a parse failure nothing is inserted and the previous entry (if
// any) is left untouched, per the Certificate Store invariant.
func (s *CertStore) Put(sni, chainPEM, keyPEM string) error {
	key, err := DecodeCertifiedKey(sni, chainPEM, keyPEM)
	if err != nil {
		return err
	}
	return s.PutCertifiedKey(key)
}

// PutCertifiedKey installs an already-decoded key, rebuilding the
// tls.Certificate used at handshake time.
func (s *CertStore) PutCertifiedKey(key *types.CertifiedKey) error {
	cert, err := certifiedKeyToTLS(key)
	if err != nil {
		return fmt.Errorf("certstore: %s: %w", key.SNI, err)
	}

	s.mu.Lock()
	s.keys[key.SNI] = key
	s.tlsKeys[key.SNI] = cert
	s.mu.Unlock()
	return nil
}

// Remove evicts sni's entry, e.g. once its tenant (or custom domain) is
// deleted.
func (s *CertStore) Remove(sni string) {
	s.mu.Lock()
	delete(s.keys, sni)
	delete(s.tlsKeys, sni)
	s.mu.Unlock()
}

// Has reports whether sni has a specific (non-default) entry.
func (s *CertStore) Has(sni string) bool {
	s.mu.RLock()
	_, ok := s.tlsKeys[sni]
	s.mu.RUnlock()
	return ok
}

// GetCertificate implements tls.Config.GetCertificate: resolve the SNI
// from ClientHello, falling back to the default wildcard key (spec §4.4,
// §4.5 step 1).
func (s *CertStore) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	cert, ok := s.tlsKeys[hello.ServerName]
	def := s.def
	s.mu.RUnlock()
	if ok {
		return cert, nil
	}
	return def, nil
}

// DecodeCertifiedKey parses a PEM certificate chain and private key into
// the decoded DER form the Certificate Store holds. It validates the key
// actually parses before returning, so the caller never inserts partial
// material.
func DecodeCertifiedKey(sni, chainPEM, keyPEM string) (*types.CertifiedKey, error) {
	var chain [][]byte
	rest := []byte(chainPEM)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return nil, fmt.Errorf("certstore: parsing certificate for %s: %w", sni, err)
		}
		chain = append(chain, block.Bytes)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("certstore: no certificate blocks found for %s", sni)
	}

	keyBlock, _ := pem.Decode([]byte(keyPEM))
	if keyBlock == nil {
		return nil, fmt.Errorf("certstore: no private key block found for %s", sni)
	}
	if _, err := parsePrivateKeyDER(keyBlock.Bytes); err != nil {
		return nil, fmt.Errorf("certstore: parsing private key for %s: %w", sni, err)
	}

	return &types.CertifiedKey{SNI: sni, Chain: chain, Key: keyBlock.Bytes}, nil
}

func parsePrivateKeyDER(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unrecognized private key encoding")
}

func certifiedKeyToTLS(key *types.CertifiedKey) (*tls.Certificate, error) {
	privKey, err := parsePrivateKeyDER(key.Key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(key.Chain[0])
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: key.Chain,
		PrivateKey:  privKey,
		Leaf:        leaf,
	}, nil
}
