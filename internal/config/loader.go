package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// configBaseName is the config file name without extension.
const configBaseName = "approval-gate"

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for approval-gate.yaml/.yml
// in standard locations. The search needs an explicit YAML extension so it
// never matches the approval-gate binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then returns ConfigFileNotFoundError, which callers
		// treat as "defaults and environment only".
		viper.SetConfigName(configBaseName)
		viper.SetConfigType("yaml")
	}

	// APPROVAL_GATE_AUDIT_MAX_SIZE_MB overrides audit.max_size_mb
	viper.SetEnvPrefix("APPROVAL_GATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	paths := []string{".", StateDir()}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, configBaseName))
		}
	} else {
		paths = append(paths, "/etc/"+configBaseName)
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first approval-gate.yaml or .yml found
// in paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configBaseName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every scalar key so AutomaticEnv can override
// values that are absent from the config file.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"project_root", "log_level", "trace",
		"policy.path",
		"consent.state_path", "consent.env_var",
		"audit.path", "audit.max_size_mb", "audit.max_backups", "audit.sqlite_path",
		"breaker.threshold", "breaker.reset_on_approval", "breaker.reset_after",
		"breaker.idle_ttl", "breaker.max_sessions", "breaker.state_path",
		"identity.agent_env_var", "identity.session_env_var",
		"server.addr", "server.token", "server.tls_cert_file", "server.tls_key_file",
		// server.allowed_origins is a list; use the config file.
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, validates, and returns the Config. Paths are left as
// written; callers resolve them with ResolvePaths once the project root is
// known.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded,
// or "" when running on defaults and environment only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
