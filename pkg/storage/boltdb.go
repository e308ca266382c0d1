package storage

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cuemby/sandboxd/pkg/security"
	"github.com/cuemby/sandboxd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTenants      = []byte("tenants")
	bucketCustomDomain = []byte("custom_domains")
	bucketAuditEvents  = []byte("audit_events")
)

// BoltStore implements Store on top of an embedded BoltDB file. Tenants are
// keyed by their lowercase name (the platform's primary lookup key); custom
// domains by fqdn; audit events by tenant_name\x00sequence so a cursor can
// prefix-scan one tenant's history in insertion order.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "sandboxd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTenants, bucketCustomDomain, bucketAuditEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func tenantKey(name string) []byte {
	return []byte(strings.ToLower(name))
}

// --- Tenants ---

func (s *BoltStore) CreateTenant(ctx context.Context, tenant *types.Tenant) error {
	return s.UpdateTenant(ctx, tenant)
}

func (s *BoltStore) GetTenant(ctx context.Context, name string) (*types.Tenant, error) {
	var tenant types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTenants).Get(tenantKey(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &tenant)
	})
	if err != nil {
		return nil, err
	}
	return &tenant, nil
}

func (s *BoltStore) ListTenants(ctx context.Context) ([]*types.Tenant, error) {
	var tenants []*types.Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(k, v []byte) error {
			var tenant types.Tenant
			if err := json.Unmarshal(v, &tenant); err != nil {
				return err
			}
			tenants = append(tenants, &tenant)
			return nil
		})
	})
	return tenants, err
}

func (s *BoltStore) UpdateTenant(ctx context.Context, tenant *types.Tenant) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(tenant)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTenants).Put(tenantKey(tenant.Name), data)
	})
}

func (s *BoltStore) DeleteTenant(ctx context.Context, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketTenants).Delete(tenantKey(name)); err != nil {
			return err
		}

		domains := tx.Bucket(bucketCustomDomain)
		c := domains.Cursor()
		var staleKeys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var domain types.CustomDomain
			if err := json.Unmarshal(v, &domain); err != nil {
				continue
			}
			if strings.EqualFold(domain.TenantName, name) {
				staleKeys = append(staleKeys, append([]byte(nil), k...))
			}
		}
		for _, k := range staleKeys {
			if err := domains.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Custom domains ---
//
// PrivateKeyPEM is encrypted at rest with the cluster encryption key
// (security.Encrypt/Decrypt); the plaintext never touches the bucket.

func encryptPrivateKey(pem string) (string, error) {
	if pem == "" {
		return "", nil
	}
	ciphertext, err := security.Encrypt([]byte(pem))
	if err != nil {
		return "", fmt.Errorf("encrypting private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decryptPrivateKey(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding private key: %w", err)
	}
	plaintext, err := security.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypting private key: %w", err)
	}
	return string(plaintext), nil
}

func (s *BoltStore) CreateCustomDomain(ctx context.Context, domain *types.CustomDomain) error {
	return s.UpdateCustomDomain(ctx, domain)
}

func (s *BoltStore) GetCustomDomain(ctx context.Context, fqdn string) (*types.CustomDomain, error) {
	var domain types.CustomDomain
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCustomDomain).Get([]byte(strings.ToLower(fqdn)))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &domain)
	})
	if err != nil {
		return nil, err
	}
	if domain.PrivateKeyPEM, err = decryptPrivateKey(domain.PrivateKeyPEM); err != nil {
		return nil, err
	}
	return &domain, nil
}

func (s *BoltStore) ListCustomDomainsByTenant(ctx context.Context, tenantName string) ([]*types.CustomDomain, error) {
	all, err := s.ListCustomDomains(ctx)
	if err != nil {
		return nil, err
	}
	var filtered []*types.CustomDomain
	for _, d := range all {
		if strings.EqualFold(d.TenantName, tenantName) {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

func (s *BoltStore) ListCustomDomains(ctx context.Context) ([]*types.CustomDomain, error) {
	var domains []*types.CustomDomain
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomDomain).ForEach(func(k, v []byte) error {
			var domain types.CustomDomain
			if err := json.Unmarshal(v, &domain); err != nil {
				return err
			}
			domains = append(domains, &domain)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for _, domain := range domains {
		plaintext, err := decryptPrivateKey(domain.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		domain.PrivateKeyPEM = plaintext
	}
	return domains, nil
}

func (s *BoltStore) UpdateCustomDomain(ctx context.Context, domain *types.CustomDomain) error {
	encryptedKey, err := encryptPrivateKey(domain.PrivateKeyPEM)
	if err != nil {
		return err
	}
	stored := *domain
	stored.PrivateKeyPEM = encryptedKey

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(stored)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCustomDomain).Put([]byte(strings.ToLower(domain.FQDN)), data)
	})
}

func (s *BoltStore) DeleteCustomDomain(ctx context.Context, fqdn string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCustomDomain).Delete([]byte(strings.ToLower(fqdn)))
	})
}

// --- Audit events ---

func auditEventKey(tenantName string, seq uint64) []byte {
	key := make([]byte, len(tenantName)+1+8)
	copy(key, strings.ToLower(tenantName))
	binary.BigEndian.PutUint64(key[len(tenantName)+1:], seq)
	return key
}

func (s *BoltStore) AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuditEvents)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return b.Put(auditEventKey(event.TenantName, seq), data)
	})
}

func (s *BoltStore) ListAuditEventsByTenant(ctx context.Context, tenantName string, limit int) ([]*types.AuditEvent, error) {
	prefix := append([]byte(strings.ToLower(tenantName)), 0)
	var events []*types.AuditEvent

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAuditEvents).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !strings.HasPrefix(string(k), string(prefix)) {
				continue
			}
			var event types.AuditEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			events = append(events, &event)
			if limit > 0 && len(events) >= limit {
				break
			}
		}
		return nil
	})
	return events, err
}
