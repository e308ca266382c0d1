package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	goruntime "runtime"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/sandboxd/pkg/api"
	"github.com/cuemby/sandboxd/pkg/config"
	"github.com/cuemby/sandboxd/pkg/events"
	"github.com/cuemby/sandboxd/pkg/ingress"
	"github.com/cuemby/sandboxd/pkg/log"
	"github.com/cuemby/sandboxd/pkg/runtime"
	"github.com/cuemby/sandboxd/pkg/sandbox"
	"github.com/cuemby/sandboxd/pkg/scheduler"
	"github.com/cuemby/sandboxd/pkg/security"
	"github.com/cuemby/sandboxd/pkg/storage"
	"github.com/cuemby/sandboxd/pkg/storage/postgres"
	"github.com/cuemby/sandboxd/pkg/supervisor"
	"github.com/cuemby/sandboxd/pkg/types"
)

// Version information, set via ldflags during build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:     "sandboxd",
	Short:   "sandboxd runs the sandbox control plane: scheduler, admin API, and ingress proxy",
	Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), configPath)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSONOutput})
	logger := log.WithComponent("sandboxd")

	clusterKey := security.DeriveKeyFromClusterID(cfg.Storage.DataDir)
	if err := security.SetClusterEncryptionKey(clusterKey); err != nil {
		return fmt.Errorf("setting encryption key: %w", err)
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	engine, err := runtime.NewContainerdEngine(cfg.Runtime.ContainerdSocket, cfg.Runtime.Namespace)
	if err != nil {
		return fmt.Errorf("connecting to containerd: %w", err)
	}

	pool := supervisor.NewPool(config.SupervisorConnectTimeout)
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	notifier := scheduler.NewNotifier()

	tenantConfig := func(tenant *types.Tenant) sandbox.TenantContext {
		return sandbox.TenantContext{
			Name:        tenant.Name,
			ID:          tenant.ID,
			Image:       cfg.Runtime.SandboxImage,
			IdleMinutes: tenant.IdleMinutes,
			NetworkName: cfg.Runtime.NetworkName,
		}
	}

	workers := goruntime.NumCPU() * cfg.Scheduler.WorkerMultiplier
	if workers < cfg.Scheduler.MinWorkers {
		workers = cfg.Scheduler.MinWorkers
	}
	sched := scheduler.New(store, engine, pool, tenantConfig,
		scheduler.WithWorkers(workers),
		scheduler.WithNotifier(notifier),
		scheduler.WithEventBroker(broker),
	)
	sched.Start()
	defer sched.Stop()

	challenges, err := newChallengeStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("building challenge store: %w", err)
	}

	defaultCertPEM, defaultKeyPEM, err := defaultTLSKeyPair()
	if err != nil {
		return fmt.Errorf("generating default TLS key pair: %w", err)
	}
	certStore, err := ingress.NewCertStore(defaultCertPEM, defaultKeyPEM)
	if err != nil {
		return fmt.Errorf("building cert store: %w", err)
	}

	router := ingress.NewRouter(store, cfg.Proxy.ApexFQDN)
	mw := ingress.NewMiddleware(cfg.Proxy.DefaultRatePerSec, cfg.Proxy.DefaultBurst)
	mw.StartCleanupJob(ctx)

	var acmeClient *ingress.ACMEClient
	if cfg.ACME.AccountEmail != "" {
		acmeClient, err = ingress.NewACMEClient(cfg.ACME.DirectoryURL, cfg.ACME.AccountEmail, store, certStore, challenges)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to register configured ACME account at startup")
			acmeClient = nil
		}
	}

	proxy := ingress.NewProxy(store, router, sched, certStore, mw, pool, acmeClient,
		cfg.Proxy.HTTPAddr, cfg.Proxy.HTTPSAddr, cfg.Proxy.AppPort)

	renewFunc := func(ctx context.Context) error {
		if acmeClient == nil {
			return nil
		}
		return acmeClient.CheckAndRenewCertificates(ctx)
	}
	fanOut, err := scheduler.NewFanOut(sched, renewFunc)
	if err != nil {
		return fmt.Errorf("starting fan-out sweeps: %w", err)
	}
	go fanOut.Run(ctx)
	defer fanOut.Stop()

	acmeFactory := func(ctx context.Context, email string) (*ingress.ACMEClient, error) {
		client, err := ingress.NewACMEClient(cfg.ACME.DirectoryURL, email, store, certStore, challenges)
		if err != nil {
			return nil, err
		}
		proxy.SetACME(client)
		acmeClient = client
		return client, nil
	}

	verifier := api.NewJWTVerifier(cfg.API.JWTSecret)
	adminServer := api.NewServer(store, sched, verifier, acmeFactory)

	healthServer := api.NewHealthServer(store, sched)

	errCh := make(chan error, 3)
	go func() {
		if err := proxy.Start(ctx); err != nil {
			errCh <- fmt.Errorf("ingress proxy: %w", err)
		}
	}()
	go func() {
		if err := adminServer.Start(ctx, cfg.API.ListenAddr); err != nil {
			errCh <- fmt.Errorf("admin API: %w", err)
		}
	}()
	go func() {
		if err := healthServer.Start(":9090"); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()

	logger.Info().
		Str("admin_addr", cfg.API.ListenAddr).
		Str("proxy_http", cfg.Proxy.HTTPAddr).
		Str("proxy_https", cfg.Proxy.HTTPSAddr).
		Msg("sandboxd started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	}
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(ctx, cfg.DSN)
	default:
		return storage.NewBoltStore(cfg.DataDir)
	}
}

func newChallengeStore(cfg config.StorageConfig) (ingress.ChallengeStore, error) {
	if cfg.ChallengeStore != "redis" {
		return ingress.NewLocalChallengeStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return ingress.NewRedisChallengeStore(client), nil
}

// defaultTLSKeyPair generates an ephemeral self-signed certificate for SNI
// values with no tenant-specific or custom-domain match (spec §4.4's
// invariant that the TLS handshake never fails for lack of a resolver
// result). Production deployments should replace this with an
// operator-supplied wildcard certificate; there's no config knob for that
// yet since CertStore has no reload path.
func defaultTLSKeyPair() (certPEM, keyPEM string, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return "", "", err
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "sandboxd default"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return "", "", err
	}

	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", "", err
	}

	certPEM = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	return certPEM, keyPEM, nil
}
