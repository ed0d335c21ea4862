package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable process configuration. It is built exactly once in
// main and handed to every component; no other package reads the environment.
type Config struct {
	HTTPAddr string
	PGDSN    string

	AuthSecret      string
	Issuer          string
	SessionTTL      time.Duration
	MagicSessionTTL time.Duration

	ParentDomain   string
	AllowedOrigins []string
	SecureHosts    []string

	// FederatedHeader carries the access-proxy identity assertion (a signed
	// ID token). Empty disables the federated provider.
	FederatedHeader   string
	FederatedAudience string

	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64

	MigrationsDir string
	SeedsDir      string
}

// fileOverlay mirrors Config for the optional YAML overlay file. Pointer
// fields distinguish "absent" from zero values.
type fileOverlay struct {
	HTTPAddr          *string  `yaml:"http_addr"`
	PGDSN             *string  `yaml:"pg_dsn"`
	AuthSecret        *string  `yaml:"auth_secret"`
	Issuer            *string  `yaml:"issuer"`
	SessionTTL        *string  `yaml:"session_ttl"`
	MagicSessionTTL   *string  `yaml:"magic_session_ttl"`
	ParentDomain      *string  `yaml:"parent_domain"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	SecureHosts       []string `yaml:"secure_hosts"`
	FederatedHeader   *string  `yaml:"federated_header"`
	FederatedAudience *string  `yaml:"federated_audience"`
	RateBurst         *int     `yaml:"rate_burst"`
	RatePerSecond     *int     `yaml:"rate_per_second"`
	MaxBodyBytes      *int64   `yaml:"max_body_bytes"`
	MigrationsDir     *string  `yaml:"migrations_dir"`
	SeedsDir          *string  `yaml:"seeds_dir"`
}

// Load builds Config from defaults, environment variables and an optional
// YAML overlay file named by SPECTRAL_CONFIG. Env values win over the file.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:        ":8080",
		Issuer:          "spectral-api",
		SessionTTL:      24 * time.Hour,
		MagicSessionTTL: 8 * time.Hour,
		ParentDomain:    "sitespectral.org",
		RateBurst:       20,
		RatePerSecond:   10,
		MaxBodyBytes:    1 << 20,
		MigrationsDir:   "migrations",
		SeedsDir:        "migrations/seeds",
	}

	if path := strings.TrimSpace(os.Getenv("SPECTRAL_CONFIG")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.HTTPAddr = getenv("SPECTRAL_HTTP_ADDR", cfg.HTTPAddr)
	cfg.PGDSN = getenv("SPECTRAL_PG_DSN", cfg.PGDSN)
	cfg.AuthSecret = getenv("SPECTRAL_AUTH_SECRET", cfg.AuthSecret)
	cfg.Issuer = getenv("SPECTRAL_ISSUER", cfg.Issuer)
	cfg.ParentDomain = getenv("SPECTRAL_PARENT_DOMAIN", cfg.ParentDomain)
	cfg.FederatedHeader = getenv("SPECTRAL_FEDERATED_HEADER", cfg.FederatedHeader)
	cfg.FederatedAudience = getenv("SPECTRAL_FEDERATED_AUDIENCE", cfg.FederatedAudience)
	cfg.MigrationsDir = getenv("SPECTRAL_MIGRATIONS_DIR", cfg.MigrationsDir)
	cfg.SeedsDir = getenv("SPECTRAL_SEEDS_DIR", cfg.SeedsDir)

	if v := os.Getenv("SPECTRAL_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("SPECTRAL_SECURE_HOSTS"); v != "" {
		cfg.SecureHosts = splitList(v)
	}

	var err error
	if cfg.SessionTTL, err = getDuration("SPECTRAL_SESSION_TTL", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.MagicSessionTTL, err = getDuration("SPECTRAL_MAGIC_SESSION_TTL", cfg.MagicSessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.RateBurst, err = getInt("SPECTRAL_RATE_BURST", cfg.RateBurst); err != nil {
		return Config{}, err
	}
	if cfg.RatePerSecond, err = getInt("SPECTRAL_RATE_PER_SECOND", cfg.RatePerSecond); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.AuthSecret) == "" {
		return errors.New("config: SPECTRAL_AUTH_SECRET is required")
	}
	if len(c.AuthSecret) < 32 {
		return errors.New("config: auth secret must be at least 32 bytes")
	}
	if c.SessionTTL <= 0 || c.MagicSessionTTL <= 0 {
		return errors.New("config: session TTLs must be positive")
	}
	if strings.TrimSpace(c.ParentDomain) == "" {
		return errors.New("config: parent domain is required")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var f fileOverlay
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setString(&cfg.HTTPAddr, f.HTTPAddr)
	setString(&cfg.PGDSN, f.PGDSN)
	setString(&cfg.AuthSecret, f.AuthSecret)
	setString(&cfg.Issuer, f.Issuer)
	setString(&cfg.ParentDomain, f.ParentDomain)
	setString(&cfg.FederatedHeader, f.FederatedHeader)
	setString(&cfg.FederatedAudience, f.FederatedAudience)
	setString(&cfg.MigrationsDir, f.MigrationsDir)
	setString(&cfg.SeedsDir, f.SeedsDir)
	if f.AllowedOrigins != nil {
		cfg.AllowedOrigins = f.AllowedOrigins
	}
	if f.SecureHosts != nil {
		cfg.SecureHosts = f.SecureHosts
	}
	if f.RateBurst != nil {
		cfg.RateBurst = *f.RateBurst
	}
	if f.RatePerSecond != nil {
		cfg.RatePerSecond = *f.RatePerSecond
	}
	if f.MaxBodyBytes != nil {
		cfg.MaxBodyBytes = *f.MaxBodyBytes
	}
	if f.SessionTTL != nil {
		d, err := time.ParseDuration(*f.SessionTTL)
		if err != nil {
			return fmt.Errorf("config: session_ttl: %w", err)
		}
		cfg.SessionTTL = d
	}
	if f.MagicSessionTTL != nil {
		d, err := time.ParseDuration(*f.MagicSessionTTL)
		if err != nil {
			return fmt.Errorf("config: magic_session_ttl: %w", err)
		}
		cfg.MagicSessionTTL = d
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return i, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
