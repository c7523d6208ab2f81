package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPath(t *testing.T) {
	disabled := false
	cfg := Defaults()
	cfg.Service.Name = "test-queue"
	cfg.Kinds[KindSimilarity] = KindConfig{Enabled: &disabled, Command: "mobyk"}

	tests := []struct {
		name    string
		path    string
		want    any
		wantErr bool
	}{
		{
			name: "root service field",
			path: "service.name",
			want: "test-queue",
		},
		{
			name: "nested kind field",
			path: "kinds.similarity.enabled",
			want: false,
		},
		{
			name: "kind command",
			path: "kinds.similarity.command",
			want: "mobyk",
		},
		{
			name:    "invalid path",
			path:    "service.missing",
			wantErr: true,
		},
		{
			name: "type:name addressing",
			path: "kind:similarity",
			want: cfg.Kinds[KindSimilarity],
		},
		{
			name:    "unknown entity",
			path:    "kind:thumbnail",
			wantErr: true,
		},
		{
			name:    "unsupported entity type",
			path:    "model:echo",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.GetPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetPathPersistsValidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: info\n"), 0644))

	require.NoError(t, SetPath(dir, "kind:overlay.enabled", "false"))
	require.NoError(t, SetPath(path, "service.log_level", "debug"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Kinds[KindOverlay].IsEnabled())
	assert.Equal(t, "debug", cfg.Service.LogLevel)
}

func TestSetPathRollsBackInvalidChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	original := []byte("service:\n  log_level: info\n")
	require.NoError(t, os.WriteFile(path, original, 0644))

	err := SetPath(path, "service.log_level", "loud")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, data)
}

func TestSetPathRequiresField(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("service: {}\n"), 0644))

	assert.Error(t, SetPath(dir, "kind:overlay", "x"))
	assert.Error(t, SetPath(dir, "model:echo.enabled", "false"))
}

func TestGuessTag(t *testing.T) {
	assert.Equal(t, "!!bool", guessTag("true"))
	assert.Equal(t, "!!int", guessTag("-42"))
	assert.Equal(t, "!!str", guessTag("-"))
	assert.Equal(t, "!!str", guessTag("5m"))
}
