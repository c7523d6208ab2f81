package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/duzhobots/facequeue/internal/config"
	"github.com/duzhobots/facequeue/internal/engine"
	"github.com/duzhobots/facequeue/internal/inspect"
	"github.com/duzhobots/facequeue/internal/joblog"
	"github.com/duzhobots/facequeue/internal/log"
	"github.com/duzhobots/facequeue/internal/queue"
	"github.com/duzhobots/facequeue/internal/storage"
)

func runJobNoun(args []string) int {
	if len(args) < 1 {
		printJobNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printJobNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "submit":
		if hasHelpFlag(actionArgs) {
			printJobSubmitHelp()
			return 0
		}
		return runJobSubmit(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			printJobListHelp()
			return 0
		}
		return runJobList(actionArgs)
	case "export":
		if hasHelpFlag(actionArgs) {
			printJobExportHelp()
			return 0
		}
		return runJobExport(actionArgs)
	case "inspect":
		if hasHelpFlag(actionArgs) {
			printJobInspectHelp()
			return 0
		}
		return runInspect(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown job action: %s\n", action)
		return 1
	}
}

func printJobNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: facequeue job <action>")
	fmt.Fprintln(w, "Actions: submit, list, export, inspect")
}

func printJobSubmitHelp() {
	fmt.Println("Usage: facequeue job submit --kind overlay|similarity --file IMAGE [--submitter ID] [--out PATH] [--json] [--config PATH]")
	fmt.Println("Run one job in this process, spawning the kind's program, and record it in the job log.")
}

func printJobListHelp() {
	fmt.Println("Usage: facequeue job list [--kind K] [--submitter ID] [--status S] [--limit N] [--json] [--config PATH]")
	fmt.Println("Show recent jobs from the job log, newest first.")
}

func printJobExportHelp() {
	fmt.Println("Usage: facequeue job export --out FILE.xlsx [--kind K] [--submitter ID] [--status S] [--limit N] [--config PATH]")
	fmt.Println("Write job log rows to an Excel workbook.")
}

func printJobInspectHelp() {
	fmt.Println("Usage: facequeue job inspect <job_id> [--config PATH] [--json]")
	fmt.Println("Show a job's record, stderr, and the other jobs its worker ran.")
}

// openJobLog loads config and opens the job log it points at.
func openJobLog(configPath string) (*config.Config, *joblog.Store, func(), error) {
	cfg, err := loadConfigForTool(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	return cfg, joblog.New(db), func() { _ = db.Close() }, nil
}

func runJobSubmit(args []string) int {
	var configPath, kind, file, submitter, outPath string
	var jsonOut bool

	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.StringVar(&kind, "kind", "", "Job kind (overlay, similarity)")
	fs.StringVar(&file, "file", "", "Image file to submit")
	fs.StringVar(&submitter, "submitter", "cli", "Submitter ID recorded with the job")
	fs.StringVar(&outPath, "out", "", "Where to write the overlay image (default: <file>_overlay<ext>)")
	fs.BoolVar(&jsonOut, "json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if kind == "" || file == "" {
		fmt.Fprintln(os.Stderr, "Usage: facequeue job submit --kind overlay|similarity --file IMAGE")
		return 1
	}

	image, err := os.ReadFile(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		return 1
	}

	cfg, store, closeDB, err := openJobLog(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	log.SetupWithFormat(cfg.Service.LogLevel, "text")
	eng, err := engine.New(cfg, engine.WithRecorder(store))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build engine: %v\n", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := eng.Submit(ctx, kind, image, submitter)
	outcome := engine.ClassifyResult(res, err)

	if jsonOut {
		out := map[string]any{"kind": kind, "outcome": outcome}
		if res != nil {
			out["job_id"] = res.JobID
			out["found"] = res.Found()
			if res.Similarity != nil {
				out["matches"] = res.Similarity.Matches
			}
		}
		if err != nil {
			out["error"] = err.Error()
		}
		if path, werr := writeOverlay(res, file, outPath); werr != nil {
			fmt.Fprintf(os.Stderr, "Failed to write overlay: %v\n", werr)
			return 1
		} else if path != "" {
			out["image_path"] = path
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(data))
		return exitCodeFor(outcome)
	}

	switch outcome {
	case engine.OutcomeOK:
		fmt.Printf("Job %s (%s) succeeded\n", res.JobID, kind)
		if res.Similarity != nil {
			for _, m := range res.Similarity.Matches {
				fmt.Printf("  %s  %s\n", m.Similarity, m.Path)
			}
		}
		path, err := writeOverlay(res, file, outPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write overlay: %v\n", err)
			return 1
		}
		if path != "" {
			fmt.Printf("  overlay written to %s\n", path)
		}
	case engine.OutcomeNoResults:
		if kind == config.KindOverlay {
			fmt.Println("No faces found.")
		} else {
			fmt.Println("No matches.")
		}
	default:
		fmt.Fprintf(os.Stderr, "Job %s: %v\n", outcome, err)
	}
	return exitCodeFor(outcome)
}

func exitCodeFor(o engine.Outcome) int {
	if o == engine.OutcomeOK || o == engine.OutcomeNoResults {
		return 0
	}
	return 1
}

// writeOverlay saves an overlay image and returns its path, or "" when the
// result carries no image.
func writeOverlay(res *engine.Result, inputPath, outPath string) (string, error) {
	if res == nil || res.Overlay == nil || len(res.Overlay.Image) == 0 {
		return "", nil
	}
	if outPath == "" {
		ext := filepath.Ext(inputPath)
		outPath = strings.TrimSuffix(inputPath, ext) + "_overlay" + ext
	}
	if err := os.WriteFile(outPath, res.Overlay.Image, 0o644); err != nil {
		return "", err
	}
	return outPath, nil
}

func parseJobFilter(fs *flag.FlagSet) func() (joblog.Filter, error) {
	kind := fs.String("kind", "", "Filter by kind")
	submitter := fs.String("submitter", "", "Filter by submitter")
	status := fs.String("status", "", "Filter by status (succeeded, failed, timed_out)")
	limit := fs.Int("limit", 0, "Maximum rows (default 50)")
	return func() (joblog.Filter, error) {
		f := joblog.Filter{Kind: *kind, Submitter: *submitter, Limit: *limit}
		if *status != "" {
			s := queue.Status(*status)
			if !s.Terminal() {
				return f, fmt.Errorf("invalid status %q", *status)
			}
			f.Status = s
		}
		return f, nil
	}
}

func runJobList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	filter := parseJobFilter(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	f, err := filter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	_, store, closeDB, err := openJobLog(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	entries, err := store.Recent(context.Background(), f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list jobs: %v\n", err)
		return 1
	}

	if *jsonOut {
		if entries == nil {
			entries = []joblog.Entry{}
		}
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(entries) == 0 {
		fmt.Println("No jobs recorded.")
		return 0
	}
	fmt.Printf("%-36s  %-10s  %-12s  %-9s  %8s  %s\n", "JOB ID", "KIND", "SUBMITTER", "STATUS", "RAN", "COMPLETED")
	for _, e := range entries {
		fmt.Printf("%-36s  %-10s  %-12s  %-9s  %8s  %s\n",
			e.ID, e.Kind, e.Submitter, e.Status,
			e.Duration().Round(time.Millisecond), e.CompletedAt.Local().Format(time.DateTime))
	}
	return 0
}

func runJobExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration")
	outPath := fs.String("out", "", "Destination .xlsx file")
	filter := parseJobFilter(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *outPath == "" {
		fmt.Fprintln(os.Stderr, "Usage: facequeue job export --out FILE.xlsx")
		return 1
	}
	f, err := filter()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	_, store, closeDB, err := openJobLog(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	var buf bytes.Buffer
	n, err := store.ExportXLSX(context.Background(), &buf, f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Export failed: %v\n", err)
		return 1
	}
	if err := os.WriteFile(*outPath, buf.Bytes(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", *outPath, err)
		return 1
	}
	fmt.Printf("Exported %d job(s) to %s\n", n, *outPath)
	return 0
}

func runInspect(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output report in JSON")

	flagArgs, positional := splitFlagsAndPositionals(args, map[string]bool{"config": true})
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: facequeue job inspect <job_id> [--config PATH] [--json]")
		return 1
	}
	jobID := positional[0]

	_, store, closeDB, err := openJobLog(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	var report string
	if jsonOut {
		report, err = inspect.BuildJSONReport(context.Background(), store, jobID)
	} else {
		report, err = inspect.BuildReport(context.Background(), store, jobID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Inspect failed: %v\n", err)
		return 1
	}

	fmt.Print(report)
	if jsonOut {
		fmt.Println()
	}
	return 0
}
