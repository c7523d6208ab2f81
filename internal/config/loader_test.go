package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "minimal valid config",
			yaml: `
state:
  path: ./test.db
kinds:
  overlay:
    command: /opt/bot/overlay
    idle_timeout: 30s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "./test.db" {
					t.Error("state.path not parsed")
				}
				overlay := cfg.Kinds[KindOverlay]
				if overlay.Command != "/opt/bot/overlay" {
					t.Errorf("overlay.command = %q", overlay.Command)
				}
				if len(overlay.Args) != 0 {
					t.Errorf("overlay.args = %v, default args must not apply to a custom command", overlay.Args)
				}
				if overlay.IdleTimeout != 30*time.Second {
					t.Errorf("overlay.idle_timeout = %v", overlay.IdleTimeout)
				}
				if overlay.EffectiveJobTimeout() != DefaultJobTimeout {
					t.Errorf("job timeout = %v, want default", overlay.EffectiveJobTimeout())
				}
				// Omitted kinds get defaults.
				sim := cfg.Kinds[KindSimilarity]
				if !sim.IsEnabled() || sim.Command != "python3" || sim.IdleTimeout != DefaultIdleTimeout {
					t.Errorf("similarity defaults not applied: %+v", sim)
				}
				if cfg.Service.LogLevel != "info" || cfg.Service.LogFormat != "json" {
					t.Error("service defaults not applied")
				}
				if cfg.State.PruneInterval != time.Hour {
					t.Errorf("prune_interval = %v", cfg.State.PruneInterval)
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${FQ_DB_PATH}
kinds:
  similarity:
    command: python3
    args: ["${FQ_SCRIPT}"]
    env:
      MODEL_DIR: ${FQ_MODELS}
`,
			env: map[string]string{
				"FQ_DB_PATH": "/tmp/test.db",
				"FQ_SCRIPT":  "/srv/mobyk.py",
				"FQ_MODELS":  "/srv/models",
			},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "/tmp/test.db" {
					t.Errorf("state.path = %q", cfg.State.Path)
				}
				sim := cfg.Kinds[KindSimilarity]
				if len(sim.Args) != 1 || sim.Args[0] != "/srv/mobyk.py" {
					t.Errorf("args = %v", sim.Args)
				}
				env := sim.EnvList()
				if len(env) != 1 || env[0] != "MODEL_DIR=/srv/models" {
					t.Errorf("env = %v", env)
				}
			},
		},
		{
			name: "job timeout zero disables",
			yaml: `
kinds:
  overlay:
    job_timeout: 0s
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if got := cfg.Kinds[KindOverlay].EffectiveJobTimeout(); got != 0 {
					t.Errorf("job timeout = %v, want 0", got)
				}
			},
		},
		{
			name: "disabled kind",
			yaml: `
kinds:
  similarity:
    enabled: false
`,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Kinds[KindSimilarity].IsEnabled() {
					t.Error("similarity should be disabled")
				}
				if !cfg.Kinds[KindOverlay].IsEnabled() {
					t.Error("overlay should stay enabled")
				}
			},
		},
		{
			name: "unresolved env var in command",
			yaml: `
kinds:
  overlay:
    command: ${FQ_UNSET_COMMAND}
`,
			wantErr: "${FQ_UNSET_COMMAND} is not set",
		},
		{
			name: "unknown kind",
			yaml: `
kinds:
  thumbnail:
    command: thumb
`,
			wantErr: `unknown kind "thumbnail"`,
		},
		{
			name: "invalid log level",
			yaml: `
service:
  log_level: verbose
`,
			wantErr: "service.log_level",
		},
		{
			name: "negative job timeout",
			yaml: `
kinds:
  overlay:
    job_timeout: -1s
`,
			wantErr: "job_timeout must not be negative",
		},
		{
			name: "all kinds disabled",
			yaml: `
kinds:
  overlay:
    enabled: false
  similarity:
    enabled: false
`,
			wantErr: "at least one kind must be enabled",
		},
		{
			name: "api token without scopes",
			yaml: `
api:
  enabled: true
  auth:
    tokens:
      - token: abc
`,
			wantErr: "scopes must be non-empty",
		},
		{
			name: "malformed yaml",
			yaml: "service: [",
			wantErr: "failed to parse YAML",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0644); err != nil {
				t.Fatal(err)
			}

			cfg, err := Load(path)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Load() succeeded, want error containing %q", tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			tt.checkFn(t, cfg)
		})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service:\n  name: from-dir\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load(dir) failed: %v", err)
	}
	if cfg.Service.Name != "from-dir" {
		t.Errorf("service.name = %q", cfg.Service.Name)
	}

	if _, err := Load(t.TempDir()); err == nil {
		t.Error("Load() of a directory without config.yaml should fail")
	}
}

func TestDiscoverConfigDirFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FACEQUEUE_CONFIG_DIR", dir)

	got, err := DiscoverConfigDir()
	if err != nil {
		t.Fatalf("DiscoverConfigDir() failed: %v", err)
	}
	if got != dir {
		t.Errorf("DiscoverConfigDir() = %q, want %q", got, dir)
	}
}

func TestInterpolateEnvLeavesUnknown(t *testing.T) {
	t.Setenv("FQ_KNOWN", "yes")
	got := interpolateEnv("${FQ_KNOWN}-${FQ_SURELY_UNSET_VAR}")
	if got != "yes-${FQ_SURELY_UNSET_VAR}" {
		t.Errorf("interpolateEnv() = %q", got)
	}
}

func TestDefaultsAreValid(t *testing.T) {
	if err := validate(Defaults()); err != nil {
		t.Fatalf("Defaults() does not validate: %v", err)
	}
}
