package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validator collects every problem so startup reports them together.
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{errors: make([]ValidationError, 0)}
}

func (v *Validator) AddError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

func (v *Validator) Errors() []ValidationError { return v.errors }

// ErrorString returns a formatted string of all errors.
func (v *Validator) ErrorString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d error(s):\n", len(v.errors))
	for i, err := range v.errors {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

func (v *Validator) Required(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.AddError(field, "required setting not set")
	}
}

// URL validates an http(s) URL. Empty values are skipped.
func (v *Validator) URL(field, value string) {
	if value == "" {
		return
	}
	parsed, err := url.Parse(value)
	if err != nil {
		v.AddError(field, fmt.Sprintf("invalid URL format: %v", err))
		return
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		v.AddError(field, "URL must use http or https scheme")
	}
}

// Port validates "host:port" or ":port".
func (v *Validator) Port(field, value string) {
	if value == "" {
		return
	}
	portStr := value
	if i := strings.LastIndex(value, ":"); i >= 0 {
		portStr = value[i+1:]
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		v.AddError(field, "port must be a number")
		return
	}
	if port < 1 || port > 65535 {
		v.AddError(field, "port must be between 1 and 65535")
	}
}

func (v *Validator) MinLength(field, value string, minLen int) {
	if value == "" {
		return
	}
	if len(value) < minLen {
		v.AddError(field, fmt.Sprintf("must be at least %d characters long (got %d)", minLen, len(value)))
	}
}

func (v *Validator) Enum(field, value string, allowed []string) {
	if value == "" {
		return
	}
	for _, opt := range allowed {
		if value == opt {
			return
		}
	}
	v.AddError(field, fmt.Sprintf("must be one of: %s (got: %s)", strings.Join(allowed, ", "), value))
}

func (v *Validator) Positive(field string, n int64) {
	if n <= 0 {
		v.AddError(field, "must be a positive integer")
	}
}

// CIDR validates a network prefix such as "10.0.0.0/8" or a bare address.
func (v *Validator) CIDR(field, value string) {
	if _, err := parseProxy(value); err != nil {
		v.AddError(field, fmt.Sprintf("invalid CIDR or address %q", value))
	}
}

// BcryptHash validates that a value looks like a bcrypt hash.
func (v *Validator) BcryptHash(field, value string) {
	if value == "" {
		return
	}
	if !strings.HasPrefix(value, "$2a$") &&
		!strings.HasPrefix(value, "$2b$") &&
		!strings.HasPrefix(value, "$2y$") {
		v.AddError(field, "must be a valid bcrypt hash (starts with $2a$, $2b$, or $2y$)")
	}
	if len(value) != 60 {
		v.AddError(field, "bcrypt hash must be exactly 60 characters")
	}
}

// Validate checks everything the serve command needs.
func (c Config) Validate() error {
	v := NewValidator()

	v.Required("PORTFOLIO_JWT_SECRET", c.Auth.JWTSecret)
	v.MinLength("PORTFOLIO_JWT_SECRET", c.Auth.JWTSecret, 32)
	v.Required("PORTFOLIO_ADMIN_USER", c.Auth.AdminUser)
	v.Required("PORTFOLIO_ADMIN_PASSWORD_HASH", c.Auth.AdminPasswordHash)
	v.BcryptHash("PORTFOLIO_ADMIN_PASSWORD_HASH", c.Auth.AdminPasswordHash)
	if c.Auth.TokenTTL <= 0 {
		v.AddError("PORTFOLIO_TOKEN_TTL", "must be a positive duration")
	}

	v.Port("PORTFOLIO_ADDR", c.Addr)

	v.Enum("STORAGE_MODE", c.Storage.Mode, []string{"local", "blob"})
	switch c.Storage.Mode {
	case "blob":
		v.Required("PORTFOLIO_S3_ENDPOINT", c.Storage.Endpoint)
		v.Required("PORTFOLIO_S3_ACCESS_KEY", c.Storage.AccessKey)
		v.Required("PORTFOLIO_S3_SECRET_KEY", c.Storage.SecretKey)
		v.Required("PORTFOLIO_BUCKET", c.Storage.Bucket)
		if strings.Contains(c.Storage.Endpoint, "://") {
			v.URL("PORTFOLIO_S3_ENDPOINT", c.Storage.Endpoint)
		}
	case "local":
		v.Required("PORTFOLIO_UPLOAD_DIR", c.Storage.LocalDir)
	}

	v.Positive("PORTFOLIO_MAX_UPLOAD_BYTES", c.Upload.ResumeMaxBytes)
	v.Positive("image_max_bytes", c.Upload.ImageMaxBytes)
	v.Positive("PORTFOLIO_MAX_EVALUATION_FILES", int64(c.Upload.MaxEvaluationFiles))

	if u := c.Database.URL; u != "" {
		if !strings.HasPrefix(u, "postgres://") && !strings.HasPrefix(u, "postgresql://") {
			v.AddError("DATABASE_URL", "must be a valid PostgreSQL connection string")
		}
	}
	if c.Redis.Addr != "" {
		v.Port("REDIS_ADDR", c.Redis.Addr)
	}
	for _, origin := range c.CORSOrigins {
		if origin != "*" {
			v.URL("PORTFOLIO_CORS_ORIGINS", origin)
		}
	}
	for _, p := range c.TrustedProxies {
		v.CIDR("PORTFOLIO_TRUSTED_PROXIES", p)
	}
	if c.ReconcileInterval < 0 {
		v.AddError("PORTFOLIO_RECONCILE_INTERVAL", "must not be negative")
	}

	v.Enum("PORTFOLIO_LOG_FORMAT", c.Log.Format, []string{"json", "console"})
	v.Enum("PORTFOLIO_LOG_LEVEL", c.Log.Level, []string{"debug", "info", "warn", "error"})
	v.Enum("PORTFOLIO_ENV", c.Env, []string{"development", "production", "staging"})

	if v.HasErrors() {
		return fmt.Errorf("%s", v.ErrorString())
	}
	return nil
}

// Warnings lists optional settings that are probably worth setting.
func (c Config) Warnings() []string {
	var warnings []string
	if c.Database.URL == "" {
		warnings = append(warnings, "DATABASE_URL not set - upload catalog disabled")
	}
	if c.Redis.Addr == "" {
		warnings = append(warnings, "REDIS_ADDR not set - rate limits are per instance")
	}
	if c.Env == "production" && c.Log.Format != "json" {
		warnings = append(warnings, "PORTFOLIO_LOG_FORMAT is not json in production")
	}
	if len(c.CORSOrigins) == 0 {
		warnings = append(warnings, "PORTFOLIO_CORS_ORIGINS not set - cross-origin browsers will be refused")
	}
	return warnings
}
