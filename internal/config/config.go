package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultHostname = "localhost"

	// DefaultWorkers is the concurrency used when MAILRUN_WORKERS is unset or invalid.
	DefaultWorkers = 5
	// MaxWorkers caps MAILRUN_WORKERS; providers throttle aggressive senders.
	MaxWorkers = 50
)

// Config is the process configuration, read from MAILRUN_* environment variables.
type Config struct {
	Workers          int           `env:"WORKERS" envDefault:"5"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	DrainTimeout     time.Duration `env:"DRAIN_TIMEOUT" envDefault:"2s"`
	SendTimeout      time.Duration `env:"SEND_TIMEOUT" envDefault:"2m"`
	DialTimeout      time.Duration `env:"DIAL_TIMEOUT" envDefault:"30s"`
	SendRate         float64       `env:"SEND_RATE" envDefault:"0"`
	ReuseConnections bool          `env:"REUSE_CONNECTIONS" envDefault:"false"`

	ProvidersFile string `env:"PROVIDERS_FILE"`
	HeloName      string `env:"HELO_NAME"`
	TrackingURL   string `env:"TRACKING_URL"`
	DatabasePath  string `env:"DB_PATH" envDefault:"mailrun.db"`
	MetricsAddr   string `env:"METRICS_ADDR"`

	AttachmentMaxBytes int64 `env:"ATTACHMENT_MAX_BYTES" envDefault:"10485760"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`
	Debug     bool   `env:"DEBUG" envDefault:"false"`

	TLS  TLS  `envPrefix:"TLS_"`
	DKIM DKIM `envPrefix:"DKIM_"`
}

// TLS configures the client side of STARTTLS.
type TLS struct {
	CAFile   string `env:"CA_FILE"`
	Insecure bool   `env:"INSECURE" envDefault:"false"`
}

// DKIM configures outbound signing. Leaving every field empty disables it.
type DKIM struct {
	Selector   string `env:"SELECTOR"`
	Domain     string `env:"DOMAIN"`
	KeyPath    string `env:"KEY_PATH"`
	PrivateKey string `env:"PRIVATE_KEY"`
}

// LoadDotEnv loads .env style files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "MAILRUN_"}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.Workers = clampWorkers(cfg.Workers)
	if cfg.HeloName == "" {
		cfg.HeloName = Hostname()
	}
	if cfg.SendRate < 0 {
		cfg.SendRate = 0
	}
	return cfg, nil
}

func clampWorkers(n int) int {
	if n < 1 {
		return DefaultWorkers
	}
	if n > MaxWorkers {
		return MaxWorkers
	}
	return n
}

// Hostname returns the name to announce in EHLO.
// Preference order: MAILRUN_HELO_NAME, system hostname, fallback.
func Hostname() string {
	if v := os.Getenv("MAILRUN_HELO_NAME"); v != "" {
		return v
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return defaultHostname
}
