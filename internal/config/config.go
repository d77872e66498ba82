// Package config provides configuration types and loading for approval-gate.
//
// Every field has a default, so the gate runs without a config file. Paths
// that are relative are resolved against the project root (policy, audit)
// or the user's state directory (consent, breaker).
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Default locations and names.
const (
	DefaultStateDirName   = ".autonomous-dev"
	DefaultPolicyPath     = ".claude/config/auto_approve_policy.json"
	DefaultAuditPath      = "logs/tool_auto_approve_audit.log"
	DefaultConsentFile    = "user_state.json"
	DefaultBreakerFile    = "breaker_state.json"
	DefaultConsentEnvVar  = "MCP_AUTO_APPROVE"
	DefaultAgentEnvVar    = "CLAUDE_AGENT_NAME"
	DefaultSessionEnvVar  = "CLAUDE_SESSION_ID"
	DefaultServerAddr     = "127.0.0.1:8787"
	DefaultLogLevel       = "info"
	DefaultAuditMaxSizeMB = 10
	DefaultAuditBackups   = 5
	DefaultBreakerLimit   = 10
	DefaultMaxSessions    = 10000
)

// Config is the top-level configuration.
type Config struct {
	// ProjectRoot bounds path whitelisting. Empty means "discover by walking
	// up from the working directory".
	ProjectRoot string `yaml:"project_root" mapstructure:"project_root"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// Trace writes one OpenTelemetry span per decision to stderr.
	Trace bool `yaml:"trace" mapstructure:"trace"`

	Policy   PolicyConfig   `yaml:"policy" mapstructure:"policy"`
	Consent  ConsentConfig  `yaml:"consent" mapstructure:"consent"`
	Audit    AuditConfig    `yaml:"audit" mapstructure:"audit"`
	Breaker  BreakerConfig  `yaml:"breaker" mapstructure:"breaker"`
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
}

// PolicyConfig locates the policy document.
type PolicyConfig struct {
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// ConsentConfig configures the persisted consent state.
type ConsentConfig struct {
	// StatePath is the JSON user-state file shared with other tools.
	StatePath string `yaml:"state_path" mapstructure:"state_path" validate:"required"`
	// EnvVar is the environment override variable.
	EnvVar string `yaml:"env_var" mapstructure:"env_var" validate:"required,env_name"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
	// MaxSizeMB triggers rotation.
	MaxSizeMB int `yaml:"max_size_mb" mapstructure:"max_size_mb" validate:"min=1"`
	// MaxBackups is the number of rotated files kept. Negative keeps none.
	MaxBackups int `yaml:"max_backups" mapstructure:"max_backups" validate:"min=-1"`
	// SQLitePath, when set, mirrors every entry into a queryable database.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// BreakerConfig configures the per-session circuit breaker.
type BreakerConfig struct {
	Threshold       int  `yaml:"threshold" mapstructure:"threshold" validate:"min=1"`
	ResetOnApproval bool `yaml:"reset_on_approval" mapstructure:"reset_on_approval"`
	// ResetAfter closes a tripped session after this duration. "0" or
	// empty keeps it tripped until reset.
	ResetAfter string `yaml:"reset_after" mapstructure:"reset_after" validate:"omitempty,duration"`
	// IdleTTL forgets idle untripped sessions in serve mode.
	IdleTTL     string `yaml:"idle_ttl" mapstructure:"idle_ttl" validate:"omitempty,duration"`
	MaxSessions int    `yaml:"max_sessions" mapstructure:"max_sessions" validate:"min=1"`
	// StatePath persists breaker state between hook invocations.
	StatePath string `yaml:"state_path" mapstructure:"state_path" validate:"required"`
}

// IdentityConfig names the environment variables that identify the caller.
type IdentityConfig struct {
	AgentEnvVar   string `yaml:"agent_env_var" mapstructure:"agent_env_var" validate:"required,env_name"`
	SessionEnvVar string `yaml:"session_env_var" mapstructure:"session_env_var" validate:"required,env_name"`
}

// ServerConfig configures `approval-gate serve`.
type ServerConfig struct {
	Addr           string   `yaml:"addr" mapstructure:"addr" validate:"hostname_port"`
	Token          string   `yaml:"token" mapstructure:"token"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,url"`
	TLSCertFile    string   `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile     string   `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`
}

// StateDir returns the per-user state directory, $HOME/.autonomous-dev.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultStateDirName
	}
	return filepath.Join(home, DefaultStateDirName)
}

// SetDefaults applies default values to every unset field.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	if c.Policy.Path == "" {
		c.Policy.Path = DefaultPolicyPath
	}

	stateDir := StateDir()
	if c.Consent.StatePath == "" {
		c.Consent.StatePath = filepath.Join(stateDir, DefaultConsentFile)
	}
	if c.Consent.EnvVar == "" {
		c.Consent.EnvVar = DefaultConsentEnvVar
	}

	if c.Audit.Path == "" {
		c.Audit.Path = DefaultAuditPath
	}
	if c.Audit.MaxSizeMB == 0 {
		c.Audit.MaxSizeMB = DefaultAuditMaxSizeMB
	}
	if c.Audit.MaxBackups == 0 && !viper.IsSet("audit.max_backups") {
		c.Audit.MaxBackups = DefaultAuditBackups
	}

	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = DefaultBreakerLimit
	}
	// viper.IsSet distinguishes "not set" from "explicitly false".
	if !viper.IsSet("breaker.reset_on_approval") {
		c.Breaker.ResetOnApproval = true
	}
	if c.Breaker.MaxSessions == 0 {
		c.Breaker.MaxSessions = DefaultMaxSessions
	}
	if c.Breaker.StatePath == "" {
		c.Breaker.StatePath = filepath.Join(stateDir, DefaultBreakerFile)
	}

	if c.Identity.AgentEnvVar == "" {
		c.Identity.AgentEnvVar = DefaultAgentEnvVar
	}
	if c.Identity.SessionEnvVar == "" {
		c.Identity.SessionEnvVar = DefaultSessionEnvVar
	}

	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
}

// ResolvePaths makes the project-relative paths absolute against root.
// Consent and breaker paths are user-scoped and only need to be absolute.
func (c *Config) ResolvePaths(root string) {
	c.Policy.Path = under(root, c.Policy.Path)
	c.Audit.Path = under(root, c.Audit.Path)
	if c.Audit.SQLitePath != "" {
		c.Audit.SQLitePath = under(root, c.Audit.SQLitePath)
	}
	c.Consent.StatePath = under(StateDir(), c.Consent.StatePath)
	c.Breaker.StatePath = under(StateDir(), c.Breaker.StatePath)
}

func under(dir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}

// ResetAfterDuration parses Breaker.ResetAfter. Validate has already
// rejected malformed values.
func (c *Config) ResetAfterDuration() time.Duration {
	return parseDuration(c.Breaker.ResetAfter)
}

// IdleTTLDuration parses Breaker.IdleTTL.
func (c *Config) IdleTTLDuration() time.Duration {
	return parseDuration(c.Breaker.IdleTTL)
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
