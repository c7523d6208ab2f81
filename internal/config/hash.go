package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const manifestName = ".checksums"

// ErrNoManifest means the config directory has never been locked.
var ErrNoManifest = errors.New("checksums file not found (run 'facequeue config lock')")

// ChecksumManifest pins the config file and every script it hands to a worker.
// Keys are paths relative to the config directory, or absolute for files
// outside it.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Config      string            `yaml:"config"`
	Hashes      map[string]string `yaml:"hashes"`
}

// LockedFile is one file considered by LockConfig.
type LockedFile struct {
	Key    string
	Path   string
	Exists bool
	Hash   string
}

// LockReport describes what LockConfig hashed and where it wrote the result.
type LockReport struct {
	ConfigDir    string
	ManifestPath string
	Written      bool
	Files        []LockedFile
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return err
	}
	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// LockConfig hashes the config file at configPath (a file or a directory
// holding config.yaml) together with the scripts of its enabled kinds, and
// writes the manifest next to the config. Scripts that do not exist yet are
// reported but left out.
func LockConfig(configPath string, dryRun bool) (*LockReport, error) {
	absPath, err := ResolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg = applyConfigDefaults(cfg)

	dir := filepath.Dir(absPath)
	report := &LockReport{
		ConfigDir:    dir,
		ManifestPath: filepath.Join(dir, manifestName),
	}
	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Config:      filepath.Base(absPath),
		Hashes:      make(map[string]string),
	}

	for _, path := range append([]string{absPath}, scriptPaths(cfg)...) {
		key := manifestKey(dir, path)
		if _, seen := manifest.Hashes[key]; seen {
			continue
		}
		file := LockedFile{Key: key, Path: path}
		if _, err := os.Stat(path); err == nil {
			hash, err := ComputeBlake3Hash(path)
			if err != nil {
				return nil, fmt.Errorf("failed to hash %s: %w", key, err)
			}
			file.Exists, file.Hash = true, hash
			manifest.Hashes[key] = hash
		}
		report.Files = append(report.Files, file)
	}

	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(report.ManifestPath, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// LoadChecksums reads the manifest from a config directory.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoManifest
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyManifest checks every file the manifest pins. No manifest, no check.
func verifyManifest(configFile string) error {
	dir := filepath.Dir(configFile)
	manifest, err := LoadChecksums(dir)
	if errors.Is(err, ErrNoManifest) {
		return nil
	}
	if err != nil {
		return err
	}

	basename := filepath.Base(configFile)
	if _, ok := manifest.Hashes[basename]; !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: facequeue config lock --config %s", basename, dir, dir)
	}

	keys := make([]string, 0, len(manifest.Hashes))
	for k := range manifest.Hashes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		path := key
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, key)
		}
		if err := VerifyFileHash(path, manifest.Hashes[key]); err != nil {
			return fmt.Errorf("config verification failed for %s: %w\n"+
				"If you edited it intentionally, run: facequeue config lock --config %s", key, err, dir)
		}
	}
	return nil
}

func scriptPaths(cfg *Config) []string {
	kinds := make([]string, 0, len(cfg.Kinds))
	for k := range cfg.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var out []string
	for _, kind := range kinds {
		kc := cfg.Kinds[kind]
		if !kc.IsEnabled() {
			continue
		}
		for _, sa := range kc.ScriptArgs() {
			out = append(out, sa.Path)
		}
	}
	return out
}

func manifestKey(configDir, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if rel, err := filepath.Rel(configDir, abs); err == nil && !strings.HasPrefix(rel, "..") {
		return rel
	}
	return abs
}
