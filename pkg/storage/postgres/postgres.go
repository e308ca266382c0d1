// Package postgres is the shared, horizontally restartable Store
// implementation: pgx/v5 against the relational schema from spec §6,
// migrated at startup with golang-migrate.
package postgres

import (
	"context"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cuemby/sandboxd/pkg/security"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store implements storage.Store against a Postgres database.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to dsn, runs pending migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if err := migrateUp(dsn); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool}, nil
}

func migrateUp(dsn string) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	dbCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parsing dsn for migrations: %w", err)
	}
	conn, err := pgxpool.NewWithConfig(context.Background(), dbCfg)
	if err != nil {
		return fmt.Errorf("connecting for migrations: %w", err)
	}
	defer conn.Close()

	dbDriver, err := migratepgx.WithInstance(conn, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx/v5", dbDriver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// --- Tenants ---

func (s *Store) CreateTenant(ctx context.Context, tenant *types.Tenant) error {
	state, err := json.Marshal(tenant.State)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, owner_id, owner_email, notify_webhook, idle_minutes, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET state = EXCLUDED.state, idle_minutes = EXCLUDED.idle_minutes`,
		tenant.ID, tenant.Name, tenant.OwnerID, tenant.OwnerEmail, tenant.NotifyWebhook,
		tenant.IdleMinutes, state, tenant.CreatedAt,
	)
	return err
}

func (s *Store) GetTenant(ctx context.Context, name string) (*types.Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, owner_id, owner_email, notify_webhook, idle_minutes, state, created_at
		FROM tenants WHERE lower(name) = lower($1)`, name)
	tenant, err := scanTenant(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	return tenant, err
}

func (s *Store) ListTenants(ctx context.Context) ([]*types.Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, owner_id, owner_email, notify_webhook, idle_minutes, state, created_at
		FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []*types.Tenant
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

func (s *Store) UpdateTenant(ctx context.Context, tenant *types.Tenant) error {
	return s.CreateTenant(ctx, tenant)
}

func (s *Store) DeleteTenant(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE lower(name) = lower($1)`, name)
	return err
}

func scanTenant(row pgx.Row) (*types.Tenant, error) {
	var tenant types.Tenant
	var state []byte
	if err := row.Scan(&tenant.ID, &tenant.Name, &tenant.OwnerID, &tenant.OwnerEmail,
		&tenant.NotifyWebhook, &tenant.IdleMinutes, &state, &tenant.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(state, &tenant.State); err != nil {
		return nil, fmt.Errorf("decoding tenant state: %w", err)
	}
	return &tenant, nil
}

// --- Custom domains ---
//
// private_key_pem is encrypted at rest with the cluster encryption key
// (security.Encrypt/Decrypt); the plaintext never touches the database.

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

func (s *Store) CreateCustomDomain(ctx context.Context, domain *types.CustomDomain) error {
	return s.UpdateCustomDomain(ctx, domain)
}

func (s *Store) GetCustomDomain(ctx context.Context, fqdn string) (*types.CustomDomain, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT fqdn, tenant_name, certificate_chain_pem, private_key_pem, not_after
		FROM custom_domains WHERE lower(fqdn) = lower($1)`, fqdn)
	domain, err := scanCustomDomain(row)
	if err == pgx.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if domain.PrivateKeyPEM, err = decryptPrivateKey(domain.PrivateKeyPEM); err != nil {
		return nil, err
	}
	return domain, nil
}

func (s *Store) ListCustomDomainsByTenant(ctx context.Context, tenantName string) ([]*types.CustomDomain, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fqdn, tenant_name, certificate_chain_pem, private_key_pem, not_after
		FROM custom_domains WHERE lower(tenant_name) = lower($1)`, tenantName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	domains, err := scanCustomDomains(rows)
	if err != nil {
		return nil, err
	}
	return decryptCustomDomains(domains)
}

func (s *Store) ListCustomDomains(ctx context.Context) ([]*types.CustomDomain, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fqdn, tenant_name, certificate_chain_pem, private_key_pem, not_after
		FROM custom_domains`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	domains, err := scanCustomDomains(rows)
	if err != nil {
		return nil, err
	}
	return decryptCustomDomains(domains)
}

func decryptCustomDomains(domains []*types.CustomDomain) ([]*types.CustomDomain, error) {
	for _, domain := range domains {
		plaintext, err := decryptPrivateKey(domain.PrivateKeyPEM)
		if err != nil {
			return nil, err
		}
		domain.PrivateKeyPEM = plaintext
	}
	return domains, nil
}

func (s *Store) UpdateCustomDomain(ctx context.Context, domain *types.CustomDomain) error {
	encryptedKey, err := encryptPrivateKey(domain.PrivateKeyPEM)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO custom_domains (fqdn, tenant_name, certificate_chain_pem, private_key_pem, not_after)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fqdn) DO UPDATE SET
			certificate_chain_pem = EXCLUDED.certificate_chain_pem,
			private_key_pem = EXCLUDED.private_key_pem,
			not_after = EXCLUDED.not_after`,
		domain.FQDN, domain.TenantName, domain.CertificateChainPEM, encryptedKey, domain.NotAfter,
	)
	return err
}

func (s *Store) DeleteCustomDomain(ctx context.Context, fqdn string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM custom_domains WHERE lower(fqdn) = lower($1)`, fqdn)
	return err
}

func scanCustomDomain(row pgx.Row) (*types.CustomDomain, error) {
	var domain types.CustomDomain
	var notAfter *time.Time
	if err := row.Scan(&domain.FQDN, &domain.TenantName, &domain.CertificateChainPEM,
		&domain.PrivateKeyPEM, &notAfter); err != nil {
		return nil, err
	}
	if notAfter != nil {
		domain.NotAfter = *notAfter
	}
	return &domain, nil
}

func scanCustomDomains(rows pgx.Rows) ([]*types.CustomDomain, error) {
	var domains []*types.CustomDomain
	for rows.Next() {
		domain, err := scanCustomDomain(rows)
		if err != nil {
			return nil, err
		}
		domains = append(domains, domain)
	}
	return domains, rows.Err()
}

// --- Audit events ---

func (s *Store) AppendAuditEvent(ctx context.Context, event *types.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, tenant_name, kind, detail, at)
		VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.TenantName, event.Kind, event.Detail, event.At,
	)
	return err
}

func (s *Store) ListAuditEventsByTenant(ctx context.Context, tenantName string, limit int) ([]*types.AuditEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_name, kind, detail, at
		FROM audit_events WHERE lower(tenant_name) = lower($1)
		ORDER BY at DESC LIMIT $2`, tenantName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*types.AuditEvent
	for rows.Next() {
		var event types.AuditEvent
		if err := rows.Scan(&event.ID, &event.TenantName, &event.Kind, &event.Detail, &event.At); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

var _ storage.Store = (*Store)(nil)
