// Package config loads the control plane's configuration from a YAML file
// plus SANDBOX_*-prefixed environment overrides, using spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration tree for cmd/sandboxd.
type Config struct {
	Log       LogConfig
	API       APIConfig
	Proxy     ProxyConfig
	Scheduler SchedulerConfig
	Storage   StorageConfig
	ACME      ACMEConfig
	Runtime   RuntimeConfig
}

type LogConfig struct {
	Level      string
	JSONOutput bool
}

type APIConfig struct {
	ListenAddr string
	JWTSecret  string
}

type ProxyConfig struct {
	HTTPAddr          string
	HTTPSAddr         string
	ApexFQDN          string
	AppPort           int
	DefaultRatePerSec float64
	DefaultBurst      int
}

type SchedulerConfig struct {
	QueueCapacity   int
	DegradedFloor   int
	WorkerMultiplier int
	MinWorkers      int
}

type StorageConfig struct {
	Driver  string // "boltdb" or "postgres"
	DataDir string
	DSN     string

	ChallengeStore string // "local" or "redis"
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
}

type ACMEConfig struct {
	DirectoryURL string
	AccountEmail string
}

type RuntimeConfig struct {
	ContainerdSocket string
	Namespace        string
	SandboxImage     string
	NetworkName      string
}

// Load reads configuration from an optional YAML file at path (skipped if
// empty or missing) and SANDBOX_*-prefixed environment variables, applying
// defaults for anything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("sandbox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			JSONOutput: v.GetBool("log.json"),
		},
		API: APIConfig{
			ListenAddr: v.GetString("api.listen_addr"),
			JWTSecret:  v.GetString("api.jwt_secret"),
		},
		Proxy: ProxyConfig{
			HTTPAddr:          v.GetString("proxy.http_addr"),
			HTTPSAddr:         v.GetString("proxy.https_addr"),
			ApexFQDN:          v.GetString("proxy.apex_fqdn"),
			AppPort:           v.GetInt("proxy.app_port"),
			DefaultRatePerSec: v.GetFloat64("proxy.default_rate_per_sec"),
			DefaultBurst:      v.GetInt("proxy.default_burst"),
		},
		Scheduler: SchedulerConfig{
			QueueCapacity:    v.GetInt("scheduler.queue_capacity"),
			DegradedFloor:    v.GetInt("scheduler.degraded_floor"),
			WorkerMultiplier: v.GetInt("scheduler.worker_multiplier"),
			MinWorkers:       v.GetInt("scheduler.min_workers"),
		},
		Storage: StorageConfig{
			Driver:         v.GetString("storage.driver"),
			DataDir:        v.GetString("storage.data_dir"),
			DSN:            v.GetString("storage.dsn"),
			ChallengeStore: v.GetString("storage.challenge_store"),
			RedisAddr:      v.GetString("storage.redis_addr"),
			RedisPassword:  v.GetString("storage.redis_password"),
			RedisDB:        v.GetInt("storage.redis_db"),
		},
		ACME: ACMEConfig{
			DirectoryURL: v.GetString("acme.directory_url"),
			AccountEmail: v.GetString("acme.account_email"),
		},
		Runtime: RuntimeConfig{
			ContainerdSocket: v.GetString("runtime.containerd_socket"),
			Namespace:        v.GetString("runtime.namespace"),
			SandboxImage:     v.GetString("runtime.sandbox_image"),
			NetworkName:      v.GetString("runtime.network_name"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)

	v.SetDefault("api.listen_addr", ":7070")
	v.SetDefault("api.jwt_secret", "")

	v.SetDefault("proxy.http_addr", ":80")
	v.SetDefault("proxy.https_addr", ":443")
	v.SetDefault("proxy.apex_fqdn", "apex.test")
	v.SetDefault("proxy.app_port", 8080)
	v.SetDefault("proxy.default_rate_per_sec", 50.0)
	v.SetDefault("proxy.default_burst", 100)

	v.SetDefault("scheduler.queue_capacity", 2048)
	v.SetDefault("scheduler.degraded_floor", 128)
	v.SetDefault("scheduler.worker_multiplier", 2)
	v.SetDefault("scheduler.min_workers", 4)

	v.SetDefault("storage.driver", "boltdb")
	v.SetDefault("storage.data_dir", "/var/lib/sandboxd")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.challenge_store", "local")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)

	v.SetDefault("acme.directory_url", "https://acme-staging-v02.api.letsencrypt.org/directory")
	v.SetDefault("acme.account_email", "")

	v.SetDefault("runtime.containerd_socket", "/run/containerd/containerd.sock")
	v.SetDefault("runtime.namespace", "sandboxes")
	v.SetDefault("runtime.sandbox_image", "docker.io/library/sandbox:latest")
	v.SetDefault("runtime.network_name", "sandboxes")
}

// TaskTotalDeadline and TaskIdleDeadline are the scheduler timeouts from
// spec §5; they are constants rather than config because changing them
// changes the contract tests in pkg/scheduler rely on.
const (
	TaskTotalDeadline = 300 * time.Second
	TaskIdleDeadline  = 60 * time.Second
	SchedulerSendTimeout = 9 * time.Second
	SupervisorConnectTimeout = 7 * time.Second
	StopGracePeriod = 10 * time.Second
)
