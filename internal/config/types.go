package config

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Known job kinds.
const (
	KindOverlay    = "overlay"
	KindSimilarity = "similarity"
)

// KnownKinds lists every kind the service can run, in display order.
var KnownKinds = []string{KindOverlay, KindSimilarity}

// Config represents the complete facequeue configuration.
type Config struct {
	Service ServiceConfig         `yaml:"service"`
	State   StateConfig           `yaml:"state"`
	API     APIConfig             `yaml:"api,omitempty"`
	Kinds   map[string]KindConfig `yaml:"kinds"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines job log storage settings.
type StateConfig struct {
	Path            string        `yaml:"path"`
	JobLogRetention time.Duration `yaml:"job_log_retention"`
	PruneInterval   time.Duration `yaml:"prune_interval"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Listen          string        `yaml:"listen"`
	MaxPayloadBytes int64         `yaml:"max_payload_bytes"`
	Auth            APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// KindConfig describes the external program behind one job kind.
type KindConfig struct {
	Enabled *bool             `yaml:"enabled,omitempty"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// IdleTimeout is how long the worker lingers without jobs before exiting.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// JobTimeout bounds a single process. Unset selects the default, 0 disables it.
	JobTimeout     *time.Duration `yaml:"job_timeout,omitempty"`
	MaxOutputBytes int64          `yaml:"max_output_bytes"`
}

// IsEnabled reports whether the kind should be served. Kinds are enabled
// unless switched off explicitly.
func (k KindConfig) IsEnabled() bool {
	return k.Enabled == nil || *k.Enabled
}

// EffectiveJobTimeout returns the per-job limit; zero means unlimited.
func (k KindConfig) EffectiveJobTimeout() time.Duration {
	if k.JobTimeout == nil {
		return DefaultJobTimeout
	}
	return *k.JobTimeout
}

// ScriptArg is a command argument naming a script file.
type ScriptArg struct {
	Index int
	Arg   string
	// Path is Arg resolved against the kind's Dir.
	Path string
}

// ScriptArgs picks out the arguments that look like script files.
func (k KindConfig) ScriptArgs() []ScriptArg {
	var out []ScriptArg
	for i, arg := range k.Args {
		if strings.HasPrefix(arg, "-") {
			continue
		}
		switch filepath.Ext(arg) {
		case ".py", ".sh", ".rb", ".pl", ".js":
		default:
			continue
		}
		path := arg
		if !filepath.IsAbs(path) && k.Dir != "" {
			path = filepath.Join(k.Dir, path)
		}
		out = append(out, ScriptArg{Index: i, Arg: arg, Path: path})
	}
	return out
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (k KindConfig) EnvList() []string {
	out := make([]string, 0, len(k.Env))
	for key, value := range k.Env {
		out = append(out, fmt.Sprintf("%s=%s", key, value))
	}
	sort.Strings(out)
	return out
}

const (
	DefaultIdleTimeout     = 300 * time.Second
	DefaultJobTimeout      = 2 * time.Minute
	DefaultMaxOutputBytes  = 64 << 20
	DefaultMaxPayloadBytes = 20 << 20
)

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "facequeue",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path:            "./data/facequeue.db",
			JobLogRetention: 30 * 24 * time.Hour,
			PruneInterval:   time.Hour,
		},
		API: APIConfig{
			Enabled:         false,
			Listen:          "127.0.0.1:8080",
			MaxPayloadBytes: DefaultMaxPayloadBytes,
		},
		Kinds: map[string]KindConfig{
			KindOverlay:    DefaultKindConf(KindOverlay),
			KindSimilarity: DefaultKindConf(KindSimilarity),
		},
	}
}

// DefaultKindConf returns the default program settings for a kind.
func DefaultKindConf(kind string) KindConfig {
	conf := KindConfig{
		Command:        "python3",
		IdleTimeout:    DefaultIdleTimeout,
		MaxOutputBytes: DefaultMaxOutputBytes,
	}
	switch kind {
	case KindOverlay:
		conf.Args = []string{"workers/face_detect.py"}
	case KindSimilarity:
		conf.Args = []string{"workers/mobyk.py"}
	}
	return conf
}
