package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/duzhobots/facequeue/internal/auth"
	"github.com/duzhobots/facequeue/internal/config"
	"github.com/duzhobots/facequeue/internal/doctor"
	"github.com/duzhobots/facequeue/internal/tui/tokenmgr"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	case "show":
		if hasHelpFlag(actionArgs) {
			printConfigShowHelp()
			return 0
		}
		return runConfigShow(actionArgs)
	case "get":
		if hasHelpFlag(actionArgs) {
			printConfigGetHelp()
			return 0
		}
		return runConfigGet(actionArgs)
	case "set":
		if hasHelpFlag(actionArgs) {
			printConfigSetHelp()
			return 0
		}
		return runConfigSet(actionArgs)
	case "token":
		if hasHelpFlag(actionArgs) {
			printConfigTokenHelp()
			return 0
		}
		return runConfigToken(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: facequeue config <action> [flags]")
	fmt.Fprintln(w, "Actions: check, lock, show, get, set, token")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: facequeue config check [--config PATH] [--format human|json] [--strict] [--json]")
	fmt.Println("Validate configuration and check commands, scripts, and the state path on this host.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: facequeue config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Write a .checksums manifest; later loads refuse a config that no longer matches it.")
}

func printConfigShowHelp() {
	fmt.Println("Usage: facequeue config show [entity] [--config PATH] [--json]")
	fmt.Println("Show full resolved configuration or a filtered node (e.g. kind:similarity).")
}

func printConfigGetHelp() {
	fmt.Println("Usage: facequeue config get <path> [--config PATH] [--json]")
	fmt.Println("Read a single value, e.g. kinds.overlay.idle_timeout.")
}

func printConfigSetHelp() {
	fmt.Println("Usage: facequeue config set <path>=<value> [--config PATH] [--dry-run | --apply]")
	fmt.Println("Set a configuration value with either preview or apply mode.")
}

func printConfigTokenHelp() {
	fmt.Println("Usage: facequeue config token [--scopes jobs:rw,events:ro] [--format yaml|json]")
	fmt.Println("Generate an API token. Without --scopes an interactive picker is shown.")
	fmt.Printf("Known scopes: %s\n", strings.Join(auth.KnownScopes, ", "))
}

func runConfigCheck(args []string) int {
	var configPath, format string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.StringVar(&format, "format", "human", "Output format (human, json)")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if jsonOut {
		format = "json"
	}

	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load error: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	switch format {
	case "json":
		out, err := doctor.FormatJSON(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(out)
	default:
		fmt.Print(doctor.FormatHuman(result))
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	report, err := config.LockConfig(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if verbose || verboseShort {
		fmt.Printf("Processing directory: %s\n", report.ConfigDir)
		for _, file := range report.Files {
			if file.Exists {
				fmt.Printf("  HASH %s: %s\n", file.Key, file.Hash)
				continue
			}
			fmt.Printf("  SKIP %s: not found\n", file.Key)
		}
	}

	if dryRun {
		fmt.Printf("Dry run: would write %s\n", report.ManifestPath)
	} else {
		fmt.Printf("Successfully locked configuration: %s\n", report.ManifestPath)
	}
	return 0
}

func runConfigShow(args []string) int {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")

	flagArgs, positional := splitFlagsAndPositionals(args, map[string]bool{"config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	var result any = redactSecrets(cfg)
	if len(positional) > 0 {
		res, err := redactSecrets(cfg).GetPath(positional[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		result = res
	}

	return printValue(result, *jsonOut)
}

func runConfigGet(args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in structured JSON format")

	flagArgs, positional := splitFlagsAndPositionals(args, map[string]bool{"config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: facequeue config get <path> [--json]")
		return 1
	}

	cfg, err := loadConfigForTool(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	val, err := cfg.GetPath(positional[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(val, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	switch val.(type) {
	case map[string]any, []any:
		return printValue(val, false)
	default:
		fmt.Printf("%v\n", val)
	}
	return 0
}

func runConfigSet(args []string) int {
	var configPath string
	var dryRun, apply bool

	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&dryRun, "dry-run", false, "Preview changes")
	fs.BoolVar(&apply, "apply", false, "Apply changes")

	var kvPair string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && strings.Contains(arg, "=") && kvPair == "" {
			kvPair = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if kvPair == "" {
		fmt.Fprintln(os.Stderr, "Usage: facequeue config set <path>=<value> [--dry-run | --apply]")
		return 1
	}
	if dryRun == apply {
		fmt.Fprintln(os.Stderr, "Error: exactly one of --dry-run or --apply must be specified for 'config set'.")
		return 1
	}
	path, value, _ := strings.Cut(kvPair, "=")

	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}
	target, err := config.ResolveConfigFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load error: %v\n", err)
		return 1
	}

	if dryRun {
		// Apply to a scratch copy so the real file is never touched.
		scratch, err := scratchCopy(target)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run setup failed: %v\n", err)
			return 1
		}
		defer os.RemoveAll(filepath.Dir(scratch))

		if err := config.SetPath(scratch, path, value); err != nil {
			fmt.Fprintf(os.Stderr, "Dry-run validation failed: %v\n", err)
			return 1
		}
		fmt.Printf("Dry-run: would set %q to %q\n", path, value)
		fmt.Println("Status: Configuration check PASSED.")
		return 0
	}

	if err := config.SetPath(target, path, value); err != nil {
		fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
		return 1
	}
	fmt.Printf("Successfully set %q to %q\n", path, value)

	if _, err := config.LoadChecksums(filepath.Dir(target)); err == nil {
		if _, err := config.LockConfig(target, false); err != nil {
			fmt.Fprintf(os.Stderr, "Relock failed: %v\n", err)
			return 1
		}
		fmt.Println("Integrity manifest updated.")
	}

	validation, code, err := validateConfigAtPath(target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Validation failed to run: %v\n", err)
		return 1
	}
	printValidationSummary(validation)
	return code
}

type tokenOutput struct {
	Token  string   `json:"token" yaml:"token"`
	Scopes []string `json:"scopes" yaml:"scopes"`
}

func runConfigToken(args []string) int {
	var scopesArg, format string

	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.StringVar(&scopesArg, "scopes", "", "Comma-separated scopes (skips the picker)")
	fs.StringVar(&format, "format", "yaml", "Output format (yaml, json)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var scopes []string
	if scopesArg != "" {
		scopes = parseCSVScopes(scopesArg)
	} else {
		picked, err := tokenmgr.Pick()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Scope picker failed: %v\n", err)
			return 1
		}
		scopes = picked
	}
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "No scopes selected.")
		return 1
	}
	for _, s := range scopes {
		if !isKnownScope(s) {
			fmt.Fprintf(os.Stderr, "Unknown scope %q (known: %s)\n", s, strings.Join(auth.KnownScopes, ", "))
			return 1
		}
	}

	token, err := tokenmgr.GenerateToken()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
		return 1
	}
	out := tokenOutput{Token: token, Scopes: scopes}

	if format == "json" {
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	data, _ := yaml.Marshal([]tokenOutput{out})
	fmt.Println("# Add under api.auth.tokens, then run 'facequeue config lock' if the config is locked.")
	fmt.Print(string(data))
	return 0
}

func isKnownScope(scope string) bool {
	for _, known := range auth.KnownScopes {
		if scope == known {
			return true
		}
	}
	return false
}

func parseCSVScopes(in string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(in, ",") {
		s := strings.TrimSpace(part)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func validateConfigAtPath(configPath string) (*doctor.Result, int, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, 1, err
	}
	result := doctor.New(cfg).Validate()
	if !result.Valid {
		return result, 1, nil
	}
	if len(result.Warnings) > 0 {
		return result, 2, nil
	}
	return result, 0, nil
}

func printValidationSummary(result *doctor.Result) {
	if result == nil {
		return
	}
	if !result.Valid {
		fmt.Printf("Validation: failed (%d error(s), %d warning(s))\n", len(result.Errors), len(result.Warnings))
		printIssues("ERROR", result.Errors)
		printIssues("WARN ", result.Warnings)
		return
	}
	if len(result.Warnings) == 0 {
		fmt.Println("Validation: ✓ All checks passed")
		return
	}
	fmt.Printf("Validation: ✓ passed with %d warning(s)\n", len(result.Warnings))
	printIssues("WARN ", result.Warnings)
}

func printIssues(level string, issues []doctor.Issue) {
	for _, issue := range issues {
		if issue.Field != "" {
			fmt.Printf("  %s [%s] %s: %s\n", level, issue.Category, issue.Field, issue.Message)
		} else {
			fmt.Printf("  %s [%s] %s\n", level, issue.Category, issue.Message)
		}
	}
}

// redactSecrets returns a copy of cfg with bearer tokens masked.
func redactSecrets(cfg *config.Config) *config.Config {
	out := *cfg
	if out.API.Auth.APIKey != "" {
		out.API.Auth.APIKey = "********"
	}
	if len(cfg.API.Auth.Tokens) > 0 {
		out.API.Auth.Tokens = make([]config.APIToken, len(cfg.API.Auth.Tokens))
		for i, t := range cfg.API.Auth.Tokens {
			out.API.Auth.Tokens[i] = config.APIToken{Token: "********", Scopes: t.Scopes}
		}
	}
	return &out
}

func printValue(v any, jsonOut bool) int {
	if jsonOut {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Print(string(data))
	return 0
}

func scratchCopy(target string) (string, error) {
	data, err := os.ReadFile(target)
	if err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp("", "facequeue-dryrun-")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, filepath.Base(target))
	if err := os.WriteFile(path, data, 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return path, nil
}

// splitFlagsAndPositionals lets positionals appear before flags, which the
// flag package otherwise stops at.
func splitFlagsAndPositionals(args []string, takesValue map[string]bool) ([]string, []string) {
	var flags, positionals []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			positionals = append(positionals, arg)
			continue
		}
		flags = append(flags, arg)
		name := strings.TrimLeft(arg, "-")
		if strings.Contains(name, "=") {
			continue
		}
		if takesValue[name] && i+1 < len(args) {
			flags = append(flags, args[i+1])
			i++
		}
	}
	return flags, positionals
}
