package connector

import (
	"log/slog"
	"net/http"
	"time"
)

// Config holds the connector configuration.
// Structured using composition for better organization and maintainability
type Config struct {
	// Salesforce holds the connected app credentials and login host
	Salesforce SalesforceConfig

	// Registry selects and configures the credential registry backend
	Registry RegistryConfig

	// RateLimit holds rate limiting configuration for the auth endpoints
	RateLimit RateLimitConfig

	// Security holds security settings (secure by default)
	Security SecurityConfig

	// StateTTL is how long issued state tokens remain consumable.
	// Default: 10 minutes
	StateTTL time.Duration

	// StateSweepInterval is how often abandoned state tokens are swept.
	// Default: 1 hour
	StateSweepInterval time.Duration

	// MaxIdle is how long an unused credential record is retained.
	// Default: 24 hours
	MaxIdle time.Duration

	// CredentialSweepInterval is how often idle credentials are swept.
	// Default: 1 hour
	CredentialSweepInterval time.Duration

	// DrainTimeout bounds how long shutdown waits for in-flight
	// operations. Default: 30 seconds
	DrainTimeout time.Duration

	// HTTPTimeout is the timeout applied to outbound IdP and API calls.
	// Default: 30 seconds
	HTTPTimeout time.Duration

	// DefaultReturnURL is where the callback redirects when the login
	// request carried no return_url
	DefaultReturnURL string

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for outbound requests.
	// If not provided, a client with HTTPTimeout is used.
	HTTPClient *http.Client

	// defaulted marks a config that already passed through
	// applySecureDefaults, so warnings are not logged twice
	defaulted bool
}

// SalesforceConfig holds the connected app configuration
type SalesforceConfig struct {
	// ClientID is the connected app's consumer key (required).
	ClientID string

	// ClientSecret is the connected app's consumer secret (required).
	ClientSecret string

	// RedirectURL is where Salesforce redirects after authentication.
	RedirectURL string

	// LoginURL is the Salesforce login host.
	// Default: https://login.salesforce.com
	LoginURL string

	// Scopes requested during authorization.
	// Default: api, refresh_token
	Scopes []string

	// APIVersion pins the REST API version for downstream calls.
	// Default: v59.0
	APIVersion string
}

// RegistryConfig selects the credential registry backend
type RegistryConfig struct {
	// Backend is "memory" (default) or "valkey".
	Backend string

	// ValkeyAddress is the host:port of the Valkey server.
	// Required when Backend is "valkey".
	ValkeyAddress string

	// ValkeyPassword authenticates against the Valkey server (optional).
	ValkeyPassword string

	// ValkeyDB selects the Valkey database number.
	ValkeyDB int

	// ValkeyKeyPrefix namespaces all keys. Default: "sfconn:".
	ValkeyKeyPrefix string
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionSecret derives the AES-256 key for credential encryption
	// at rest. Empty disables encryption.
	EncryptionSecret string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Used with TrustProxy to extract the client IP.
	// Default: 1
	TrustedProxyCount int

	// EnableAuditLogging enables security audit logging.
	// Logs auth events and credential operations (sensitive data hashed).
	EnableAuditLogging bool

	// SessionCookieSecure marks the session cookie Secure. Disable only
	// for plain-HTTP local development.
	SessionCookieSecure bool
}

// WithDefaults returns the configuration with secure defaults applied.
// Calling it again is a no-op; NewServer applies it for configurations
// passed in directly.
func (c *Config) WithDefaults(logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}
	return applySecureDefaults(c, logger)
}

// applySecureDefaults applies secure-by-default configuration values.
// This follows the principle: secure by default, opt-in for less secure options
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.defaulted {
		return config
	}
	config.defaulted = true

	// Time-based defaults
	if config.StateTTL == 0 {
		config.StateTTL = 10 * time.Minute
	}
	if config.StateSweepInterval == 0 {
		config.StateSweepInterval = time.Hour
	}
	if config.MaxIdle == 0 {
		config.MaxIdle = 24 * time.Hour
	}
	if config.CredentialSweepInterval == 0 {
		config.CredentialSweepInterval = time.Hour
	}
	if config.DrainTimeout == 0 {
		config.DrainTimeout = 30 * time.Second
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 30 * time.Second
	}

	if config.Registry.Backend == "" {
		config.Registry.Backend = "memory"
	}
	if config.Salesforce.APIVersion == "" {
		config.Salesforce.APIVersion = "v59.0"
	}
	if config.Security.TrustedProxyCount == 0 {
		config.Security.TrustedProxyCount = 1
	}

	if config.Security.EncryptionSecret == "" {
		logger.Warn("Credential encryption at rest is DISABLED",
			"risk", "Tokens are stored in plaintext",
			"recommendation", "Set Security.EncryptionSecret to enable AES-256-GCM encryption")
	}
	if config.Security.TrustProxy {
		logger.Warn("Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"recommendation", "Only enable behind trusted reverse proxies",
			"config", "TrustedProxyCount should match your proxy chain length")
	}

	return config
}
