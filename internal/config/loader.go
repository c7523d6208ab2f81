package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, or from config.yaml inside
// a directory. If the directory holds a .checksums manifest, the file and
// the scripts it pins must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := ResolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := verifyManifest(absPath); err != nil {
		return nil, err
	}

	return loadUnverified(absPath)
}

func loadUnverified(path string) (*Config, error) {
	cfg, err := loadConfigFile(path)
	if err != nil {
		return nil, err
	}

	cfg = applyConfigDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ResolveConfigFile turns a file or directory argument into the absolute path
// of the config file.
func ResolveConfigFile(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $FACEQUEUE_CONFIG_DIR, ~/.config/facequeue, /etc/facequeue, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("FACEQUEUE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "facequeue")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/facequeue"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	localConfigPath := "./config.yaml"
	if _, err := os.Stat(localConfigPath); err == nil {
		return localConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $FACEQUEUE_CONFIG_DIR, ~/.config/facequeue, /etc/facequeue, ./config.yaml)")
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.State.JobLogRetention == 0 {
		cfg.State.JobLogRetention = defaults.State.JobLogRetention
	}
	if cfg.State.PruneInterval == 0 {
		cfg.State.PruneInterval = defaults.State.PruneInterval
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxPayloadBytes == 0 {
		cfg.API.MaxPayloadBytes = defaults.API.MaxPayloadBytes
	}

	if cfg.Kinds == nil {
		cfg.Kinds = make(map[string]KindConfig)
	}
	for _, kind := range KnownKinds {
		cfg.Kinds[kind] = mergeKindDefaults(kind, cfg.Kinds[kind])
	}

	return cfg
}

// mergeKindDefaults fills unset program settings from DefaultKindConf.
func mergeKindDefaults(kind string, conf KindConfig) KindConfig {
	defaults := DefaultKindConf(kind)

	if conf.Command == "" {
		conf.Command = defaults.Command
		if len(conf.Args) == 0 {
			conf.Args = defaults.Args
		}
	}
	if conf.IdleTimeout == 0 {
		conf.IdleTimeout = defaults.IdleTimeout
	}
	if conf.MaxOutputBytes == 0 {
		conf.MaxOutputBytes = defaults.MaxOutputBytes
	}
	return conf
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place so validate can name the missing variable.
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.State.JobLogRetention < 0 {
		return fmt.Errorf("state.job_log_retention must not be negative")
	}
	if cfg.State.PruneInterval <= 0 {
		return fmt.Errorf("state.prune_interval must be positive")
	}

	if cfg.API.Enabled {
		if cfg.API.MaxPayloadBytes <= 0 {
			return fmt.Errorf("api.max_payload_bytes must be positive")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d].token", i)
			if tok.Token == "" {
				return fmt.Errorf("%s is required", field)
			}
			if err := checkUnresolved(field, tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	enabled := 0
	for name, kind := range cfg.Kinds {
		if !slices.Contains(KnownKinds, name) {
			return fmt.Errorf("kinds: unknown kind %q (known: %v)", name, KnownKinds)
		}
		if !kind.IsEnabled() {
			continue
		}
		enabled++

		if kind.Command == "" {
			return fmt.Errorf("kind %q: command is required", name)
		}
		if err := checkUnresolved(fmt.Sprintf("kind %q: command", name), kind.Command); err != nil {
			return err
		}
		for i, arg := range kind.Args {
			if err := checkUnresolved(fmt.Sprintf("kind %q: args[%d]", name, i), arg); err != nil {
				return err
			}
		}
		for key, value := range kind.Env {
			if err := checkUnresolved(fmt.Sprintf("kind %q: env.%s", name, key), value); err != nil {
				return err
			}
		}
		if kind.IdleTimeout <= 0 {
			return fmt.Errorf("kind %q: idle_timeout must be positive", name)
		}
		if kind.JobTimeout != nil && *kind.JobTimeout < 0 {
			return fmt.Errorf("kind %q: job_timeout must not be negative", name)
		}
		if kind.MaxOutputBytes < 0 {
			return fmt.Errorf("kind %q: max_output_bytes must not be negative", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("kinds: at least one kind must be enabled")
	}

	return nil
}

// checkUnresolved rejects values that still contain a ${VAR} placeholder.
func checkUnresolved(field, value string) error {
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}
