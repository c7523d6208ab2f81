// Package doctor validates a facequeue configuration against the host it is
// about to run on.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/duzhobots/facequeue/internal/auth"
	"github.com/duzhobots/facequeue/internal/config"
	"github.com/duzhobots/facequeue/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks things Load cannot: programs on PATH, scripts on disk, the
// state directory's filesystem, and risky but legal settings.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateKinds(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateState(r *Result) {
	if d.cfg.State.Path == "" {
		d.addError(r, "state", "state.path", "state.path is required")
		return
	}
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); errors.Is(err, storage.ErrNetworkFilesystem) {
		d.addError(r, "state", "state.path", err.Error())
	} else if err != nil {
		d.addWarning(r, "state", "state.path", err.Error())
	}
	if d.cfg.State.JobLogRetention == 0 {
		d.addWarning(r, "state", "state.job_log_retention", "retention is 0, the job log grows without bound")
	}
}

func (d *Doctor) validateKinds(r *Result) {
	kinds := make([]string, 0, len(d.cfg.Kinds))
	for k := range d.cfg.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		kc := d.cfg.Kinds[kind]
		if !kc.IsEnabled() {
			continue
		}
		field := "kinds." + kind

		if _, err := d.lookPath(kc.Command); err != nil {
			d.addError(r, "kinds", field+".command", fmt.Sprintf("%q not found: %v", kc.Command, err))
		}
		if kc.Dir != "" {
			if info, err := os.Stat(kc.Dir); err != nil || !info.IsDir() {
				d.addError(r, "kinds", field+".dir", fmt.Sprintf("%q is not a directory", kc.Dir))
			}
		}
		for _, sa := range kc.ScriptArgs() {
			if _, err := os.Stat(sa.Path); err != nil {
				d.addWarning(r, "kinds", fmt.Sprintf("%s.args[%d]", field, sa.Index), fmt.Sprintf("script %q not found", sa.Arg))
			}
		}

		timeout := kc.EffectiveJobTimeout()
		if timeout == 0 {
			d.addWarning(r, "kinds", field+".job_timeout", "job timeout disabled, a hung process blocks every later job of this kind")
		}
		if timeout > 0 && kc.IdleTimeout > 0 && kc.IdleTimeout < time.Second {
			d.addWarning(r, "kinds", field+".idle_timeout", "idle timeout under one second restarts the worker between most jobs")
		}
	}
}

func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Listen == "" {
		d.addError(r, "api", "api.listen", "api.listen is required when API is enabled")
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addError(r, "api", "api.auth", "API enabled but no authentication configured, every request would be rejected")
	}
	if d.cfg.API.Auth.APIKey != "" {
		d.addWarning(r, "api", "api.auth.api_key", "api_key grants every scope, prefer scoped tokens")
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	for i, t := range d.cfg.API.Auth.Tokens {
		for j, scope := range t.Scopes {
			if !slices.Contains(auth.KnownScopes, strings.TrimSpace(scope)) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (known: %s)", scope, strings.Join(auth.KnownScopes, ", ")))
			}
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
	} else {
		fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
	}
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
