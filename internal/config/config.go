// Package config manages classd server configuration, loaded from a TOML
// file with flag/env overrides applied by the CLI.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Store backends accepted by the serve command.
const (
	StoreBbolt    = "bbolt"
	StoreMemory   = "memory"
	StoreWeaviate = "weaviate"
)

// PasswordPolicy configures password validation for the user class.
type PasswordPolicy struct {
	// ValidatorPattern is a regexp new passwords must match. Empty
	// disables pattern validation.
	ValidatorPattern string `toml:"validator_pattern"`
	// DoNotAllowUsername rejects passwords containing the username.
	DoNotAllowUsername bool `toml:"do_not_allow_username"`
	// MaxPasswordHistory rejects reuse of the last N passwords. Zero
	// disables history checking.
	MaxPasswordHistory int `toml:"max_password_history"`
	// ResetTokenValiditySeconds expires password-reset tokens. Zero
	// means tokens never expire.
	ResetTokenValiditySeconds int `toml:"reset_token_validity_seconds"`
}

// AccountLockout configures the thin lockout policy helper.
type AccountLockout struct {
	// Threshold is the number of failed logins before lockout. Zero
	// disables lockout.
	Threshold int `toml:"threshold"`
	// DurationSeconds is how long a lockout lasts.
	DurationSeconds int `toml:"duration_seconds"`
}

// Config is one tenant's server configuration.
type Config struct {
	ApplicationID string `toml:"application_id"`
	MasterKey     string `toml:"master_key"`

	StoreBackend string `toml:"store_backend"`
	DatabasePath string `toml:"database_path"`
	WeaviateURL  string `toml:"weaviate_url"`
	AuditPath    string `toml:"audit_path"`

	AllowClientClassCreation bool `toml:"allow_client_class_creation"`
	SessionLengthSeconds     int  `toml:"session_length_seconds"`
	RevokeSessionOnPasswordChange bool `toml:"revoke_session_on_password_change"`
	VerifyUserEmails         bool `toml:"verify_user_emails"`
	Trace                    bool `toml:"trace"`

	PasswordPolicy PasswordPolicy `toml:"password_policy"`
	AccountLockout AccountLockout `toml:"account_lockout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ApplicationID:            "classd",
		StoreBackend:             StoreBbolt,
		DatabasePath:             "classd.db",
		AuditPath:                "classd-audit.db",
		AllowClientClassCreation: true,
		SessionLengthSeconds:     31536000, // one year
		RevokeSessionOnPasswordChange: true,
	}
}

// Load reads a TOML configuration file, filling unset fields from defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("config: application_id is required")
	}
	return cfg, nil
}

// Save writes the configuration to a TOML file.
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
