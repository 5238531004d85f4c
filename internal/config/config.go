// Package config holds OPERATOR-LEVEL configuration for a tienda21
// installation.
//
// This is infrastructure config set by whoever deploys the bot, NOT store
// or end-user configuration. The boundary is:
//
//   - Operator config (this package): data directory, vault encryption key,
//     webhook secret, provider ranking, session and rate-limit policy.
//     Set via env vars (TIENDA21_*) or config file (tienda21.config.yaml).
//
//   - Provider credentials: LLM API keys and the store API token.
//     Stored in the encrypted vault (internal/secrets) and audit-logged.
//     Env vars like GROQ_API_KEY are supported solely as a quickstart
//     fallback for development; the serve command warns when they are
//     used instead of vault-stored keys.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/soportecyclops/tienda21/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the TIENDA21_ prefix
// (e.g. "webhook_secret" → TIENDA21_WEBHOOK_SECRET) and to a YAML field
// in tienda21.config.yaml.
const (
	KeyDataDir         = "data_dir"
	KeySecretsKey      = "secrets_key"
	KeyWebhookSecret   = "webhook_secret"
	KeyListenAddr      = "listen_addr"
	KeyProviders       = "providers"
	KeyRulesPath       = "rules_path"
	KeySessionTimeout  = "session_timeout"
	KeyMessageDeadline = "message_deadline"
	KeyFrictionStreak  = "friction_streak"
	KeyGlobalRPM       = "global_rpm"
	KeyPerUserRPM      = "per_user_rpm"
	KeyNotifyURL       = "notify_url"
	KeyStoreAPIURL     = "store_api_url"
	KeyCatalogCron     = "catalog_cron"
	KeyExpiryCron      = "expiry_cron"
	KeyOllamaBaseURL   = "ollama_base_url"
	KeyTracingEnabled  = "tracing_enabled"
)

// Defaults that do NOT involve crypto material. Crypto keys intentionally
// have no baked-in defaults; when unset we derive a per-machine fallback
// and warn loudly.
const (
	DefaultListenAddr      = ":8080"
	DefaultProviders       = "groq,mistral"
	DefaultSessionTimeout  = 30 * time.Minute
	DefaultMessageDeadline = 45 * time.Second
	DefaultFrictionStreak  = 3
	DefaultGlobalRPM       = 600
	DefaultPerUserRPM      = 20
	DefaultCatalogCron     = "0 * * * *"    // hourly
	DefaultExpiryCron      = "*/5 * * * *"  // every 5 minutes
	DefaultOllamaURL       = "http://localhost:11434"
)

// Config holds resolved operator-level configuration for a tienda21 process.
type Config struct {
	DataDir         string        // base directory for all state (~/.tienda21)
	SecretsKey      string        // AES-256 key for the vault (32 bytes or 64 hex chars)
	WebhookSecret   string        // shared secret for store webhook HMAC signatures
	ListenAddr      string        // HTTP listen address
	Providers       []string      // failover order, highest priority first
	RulesPath       string        // guardrail rules file; empty uses embedded defaults
	SessionTimeout  time.Duration // idle TTL before a session expires
	MessageDeadline time.Duration // overall per-message processing deadline
	FrictionStreak  int           // flagged user turns before repeated-friction escalation
	GlobalRPM       int           // webhook rate limit, all users combined
	PerUserRPM      int           // webhook rate limit per user
	NotifyURL       string        // escalation webhook; empty logs instead
	StoreAPIURL     string        // store platform API for catalog sync; empty disables
	CatalogCron     string        // catalog sync schedule
	ExpiryCron      string        // session expiry sweep schedule
	OllamaBaseURL   string        // Ollama endpoint for the local provider
	TracingEnabled  bool

	usingDefaultSecretsKey   bool
	usingDefaultWebhookToken bool
}

// UsingDefaultSecretsKey reports whether the vault key was derived rather
// than set explicitly.
func (c *Config) UsingDefaultSecretsKey() bool {
	return c.usingDefaultSecretsKey
}

// UsingDefaultWebhookSecret reports whether the webhook secret was derived
// rather than set explicitly.
func (c *Config) UsingDefaultWebhookSecret() bool {
	return c.usingDefaultWebhookToken
}

// SessionsDBPath returns the full path to the sessions SQLite database.
func (c *Config) SessionsDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

// CatalogDBPath returns the full path to the catalog SQLite database.
func (c *Config) CatalogDBPath() string {
	return filepath.Join(c.DataDir, "catalog.db")
}

// SecretsDBPath returns the full path to the vault SQLite database.
func (c *Config) SecretsDBPath() string {
	return filepath.Join(c.DataDir, "secrets.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto material is not explicitly
// set. Suppressed when TIENDA21_QUICKSTART=1 (demos, first exploration).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSecretsKey {
		log.Warn().Msg("Using generated default TIENDA21_SECRETS_KEY — set via env var or config file for production")
	}
	if c.usingDefaultWebhookToken {
		log.Warn().Msg("Using generated default TIENDA21_WEBHOOK_SECRET — the store platform must sign with the same secret")
	}
}

func isQuickstart() bool {
	v := os.Getenv("TIENDA21_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("TIENDA21")
	viper.AutomaticEnv()
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyProviders, DefaultProviders)
	viper.SetDefault(KeySessionTimeout, DefaultSessionTimeout.String())
	viper.SetDefault(KeyMessageDeadline, DefaultMessageDeadline.String())
	viper.SetDefault(KeyFrictionStreak, DefaultFrictionStreak)
	viper.SetDefault(KeyGlobalRPM, DefaultGlobalRPM)
	viper.SetDefault(KeyPerUserRPM, DefaultPerUserRPM)
	viper.SetDefault(KeyCatalogCron, DefaultCatalogCron)
	viper.SetDefault(KeyExpiryCron, DefaultExpiryCron)
	viper.SetDefault(KeyOllamaBaseURL, DefaultOllamaURL)
	viper.SetDefault(KeyTracingEnabled, false)
}

// Load reads configuration from Viper (env vars, config file, defaults)
// and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:         resolveDataDir(),
		SecretsKey:      viper.GetString(KeySecretsKey),
		WebhookSecret:   viper.GetString(KeyWebhookSecret),
		ListenAddr:      viper.GetString(KeyListenAddr),
		Providers:       splitList(viper.GetString(KeyProviders)),
		RulesPath:       viper.GetString(KeyRulesPath),
		SessionTimeout:  viper.GetDuration(KeySessionTimeout),
		MessageDeadline: viper.GetDuration(KeyMessageDeadline),
		FrictionStreak:  viper.GetInt(KeyFrictionStreak),
		GlobalRPM:       viper.GetInt(KeyGlobalRPM),
		PerUserRPM:      viper.GetInt(KeyPerUserRPM),
		NotifyURL:       viper.GetString(KeyNotifyURL),
		StoreAPIURL:     viper.GetString(KeyStoreAPIURL),
		CatalogCron:     viper.GetString(KeyCatalogCron),
		ExpiryCron:      viper.GetString(KeyExpiryCron),
		OllamaBaseURL:   viper.GetString(KeyOllamaBaseURL),
		TracingEnabled:  viper.GetBool(KeyTracingEnabled),
	}

	if cfg.SecretsKey == "" {
		cfg.SecretsKey = deriveDefaultKey(cfg.DataDir, "vault-encryption")
		cfg.usingDefaultSecretsKey = true
	}
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = deriveDefaultKey(cfg.DataDir, "webhook-signing-")
		cfg.usingDefaultWebhookToken = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tienda21"
	}
	return filepath.Join(home, ".tienda21")
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

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong; it
// exists so the server runs out of the box while still encrypting data at
// rest with a per-machine key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("tienda21:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSecretsKey(c.SecretsKey); err != nil {
		return err
	}
	if len(c.WebhookSecret) < 16 {
		return fmt.Errorf("webhook_secret must be at least 16 characters (got %d); set TIENDA21_WEBHOOK_SECRET", len(c.WebhookSecret))
	}
	if len(c.Providers) == 0 {
		return fmt.Errorf("providers must list at least one provider")
	}
	for _, p := range c.Providers {
		switch p {
		case "groq", "mistral", "openai", "ollama":
		default:
			return fmt.Errorf("unknown provider %q (expected groq, mistral, openai or ollama)", p)
		}
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive")
	}
	if c.MessageDeadline <= 0 {
		return fmt.Errorf("message_deadline must be positive")
	}
	if c.FrictionStreak < 1 {
		return fmt.Errorf("friction_streak must be at least 1")
	}
	if c.GlobalRPM < 1 || c.PerUserRPM < 1 {
		return fmt.Errorf("rate limits must be positive")
	}
	return nil
}

// validateSecretsKey accepts 32 raw bytes or 64 hex characters.
func validateSecretsKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("secrets_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("secrets_key must be exactly 32 bytes or 64 hex characters (got %d); set TIENDA21_SECRETS_KEY", n)
}
