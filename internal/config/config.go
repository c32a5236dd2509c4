// Package config loads portfolio-api settings.
//
// Values are layered: built-in defaults, then an optional TOML file, then
// an optional .env file, then the process environment. Later layers win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	DefaultResumeMaxBytes = 10 << 20
	DefaultImageMaxBytes  = 5 << 20
)

type Config struct {
	Addr string `toml:"addr"`
	Env  string `toml:"env"`

	Version string `toml:"-"`
	Commit  string `toml:"-"`

	Log      LogConfig      `toml:"log"`
	Auth     AuthConfig     `toml:"auth"`
	Storage  StorageConfig  `toml:"storage"`
	Upload   UploadConfig   `toml:"upload"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`

	CORSOrigins       []string      `toml:"cors_origins"`
	TrustedProxies    []string      `toml:"trusted_proxies"` // CIDRs or bare addresses
	ReconcileInterval time.Duration `toml:"reconcile_interval"`
}

type LogConfig struct {
	Format string `toml:"format"` // json or console
	Level  string `toml:"level"`
}

type AuthConfig struct {
	AdminUser         string        `toml:"admin_user"`
	AdminPasswordHash string        `toml:"admin_password_hash"`
	JWTSecret         string        `toml:"jwt_secret"`
	TokenTTL          time.Duration `toml:"token_ttl"`
}

type StorageConfig struct {
	Mode             string        `toml:"mode"` // local or blob
	LocalDir         string        `toml:"local_dir"`
	Endpoint         string        `toml:"endpoint"`
	AccessKey        string        `toml:"access_key"`
	SecretKey        string        `toml:"secret_key"`
	Bucket           string        `toml:"bucket"`
	Region           string        `toml:"region"`
	AutoCreateBucket bool          `toml:"auto_create_bucket"`
	BreakerFailures  uint32        `toml:"breaker_failures"`
	BreakerTimeout   time.Duration `toml:"breaker_timeout"`
}

type UploadConfig struct {
	ResumeMaxBytes     int64 `toml:"resume_max_bytes"`
	ImageMaxBytes      int64 `toml:"image_max_bytes"`
	MaxEvaluationFiles int   `toml:"max_evaluation_files"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// Default returns a Config usable for local development.
func Default() Config {
	return Config{
		Addr:    ":8080",
		Env:     "development",
		Version: "dev",
		Commit:  "unknown",
		Log:     LogConfig{Format: "console", Level: "info"},
		Auth: AuthConfig{
			AdminUser: "admin",
			TokenTTL:  24 * time.Hour,
		},
		Storage: StorageConfig{
			Mode:            "local",
			LocalDir:        "uploads",
			Bucket:          "portfolio-uploads",
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Upload: UploadConfig{
			ResumeMaxBytes:     DefaultResumeMaxBytes,
			ImageMaxBytes:      DefaultImageMaxBytes,
			MaxEvaluationFiles: 10,
		},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error

	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && v != "" {
				*dst = v
				return
			}
		}
	}
	boolean := func(dst *bool, key string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
	duration := func(dst *time.Duration, key string) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	integer := func(key string, set func(int64)) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		set(n)
	}

	str(&cfg.Addr, "PORTFOLIO_ADDR")
	if cfg.Addr == Default().Addr {
		if port, ok := lookup("PORT"); ok && port != "" {
			cfg.Addr = ":" + port
		}
	}
	str(&cfg.Env, "PORTFOLIO_ENV")
	str(&cfg.Version, "PORTFOLIO_VERSION")
	str(&cfg.Commit, "PORTFOLIO_COMMIT")
	str(&cfg.Log.Format, "PORTFOLIO_LOG_FORMAT")
	str(&cfg.Log.Level, "PORTFOLIO_LOG_LEVEL")

	str(&cfg.Auth.AdminUser, "PORTFOLIO_ADMIN_USER")
	str(&cfg.Auth.AdminPasswordHash, "PORTFOLIO_ADMIN_PASSWORD_HASH")
	str(&cfg.Auth.JWTSecret, "PORTFOLIO_JWT_SECRET", "JWT_SECRET")
	duration(&cfg.Auth.TokenTTL, "PORTFOLIO_TOKEN_TTL")

	// USE_BLOB_STORAGE is the older boolean switch; STORAGE_MODE wins when
	// both are present.
	var legacyBlob bool
	boolean(&legacyBlob, "USE_BLOB_STORAGE")
	if legacyBlob {
		cfg.Storage.Mode = "blob"
	}
	str(&cfg.Storage.Mode, "STORAGE_MODE")
	cfg.Storage.Mode = strings.ToLower(strings.TrimSpace(cfg.Storage.Mode))
	str(&cfg.Storage.LocalDir, "PORTFOLIO_UPLOAD_DIR")
	str(&cfg.Storage.Endpoint, "PORTFOLIO_S3_ENDPOINT")
	str(&cfg.Storage.AccessKey, "PORTFOLIO_S3_ACCESS_KEY")
	str(&cfg.Storage.SecretKey, "PORTFOLIO_S3_SECRET_KEY")
	str(&cfg.Storage.Region, "PORTFOLIO_S3_REGION")
	str(&cfg.Storage.Bucket, "PORTFOLIO_BUCKET")
	boolean(&cfg.Storage.AutoCreateBucket, "PORTFOLIO_AUTO_CREATE_BUCKET")

	// One override caps every upload kind.
	integer("PORTFOLIO_MAX_UPLOAD_BYTES", func(n int64) {
		cfg.Upload.ResumeMaxBytes = n
		cfg.Upload.ImageMaxBytes = n
	})
	integer("PORTFOLIO_MAX_EVALUATION_FILES", func(n int64) { cfg.Upload.MaxEvaluationFiles = int(n) })

	str(&cfg.Database.URL, "DATABASE_URL")

	str(&cfg.Redis.Addr, "REDIS_ADDR")
	str(&cfg.Redis.Password, "REDIS_PASSWORD")
	integer("REDIS_DB", func(n int64) { cfg.Redis.DB = int(n) })

	if v, ok := lookup("PORTFOLIO_CORS_ORIGINS"); ok && v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("PORTFOLIO_TRUSTED_PROXIES"); ok && v != "" {
		cfg.TrustedProxies = splitList(v)
	}
	duration(&cfg.ReconcileInterval, "PORTFOLIO_RECONCILE_INTERVAL")

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MaxUploadBytes is the largest single request body any upload route
// accepts, used to bound the multipart stream as a whole.
func (c Config) MaxUploadBytes() int64 {
	per := c.Upload.ResumeMaxBytes
	if c.Upload.ImageMaxBytes > per {
		per = c.Upload.ImageMaxBytes
	}
	if c.Upload.MaxEvaluationFiles > 1 && c.Upload.ImageMaxBytes*int64(c.Upload.MaxEvaluationFiles) > per {
		per = c.Upload.ImageMaxBytes * int64(c.Upload.MaxEvaluationFiles)
	}
	// Headroom for multipart boundaries and headers.
	return per + 1<<20
}

// ProxyPrefixes parses TrustedProxies. A bare address becomes a single-host
// prefix.
func (c Config) ProxyPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, s := range c.TrustedProxies {
		p, err := parseProxy(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseProxy(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// BlobMode reports whether the blob backend is selected.
func (c Config) BlobMode() bool { return c.Storage.Mode == "blob" }
