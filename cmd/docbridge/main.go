package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"slices"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/docbridge/internal/config"
	"github.com/mattjoyce/docbridge/internal/document"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/gateway"
	"github.com/mattjoyce/docbridge/internal/lock"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/pipeline"
	"github.com/mattjoyce/docbridge/internal/result"
	"github.com/mattjoyce/docbridge/internal/storage"
	"github.com/mattjoyce/docbridge/internal/supervisor"
	"github.com/mattjoyce/docbridge/internal/tui"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage()
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "pipeline":
		return runPipelineNoun(args)
	case "gateway":
		return runGatewayNoun(args)
	case "config":
		return runConfigNoun(args)
	case "worker":
		return runWorkerNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		return 1
	}
}

func runPipelineNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printPipelineHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "run":
		return runPipelineRun(args[1:])
	case "list":
		return runPipelineList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown pipeline action: %s\n", args[0])
		return 1
	}
}

func runGatewayNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printGatewayHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "start":
		return runGatewayStart(args[1:])
	case "watch":
		return runGatewayWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown gateway action: %s\n", args[0])
		return 1
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printConfigHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

func runWorkerNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		printWorkerHelp()
		if len(args) < 1 {
			return 1
		}
		return 0
	}
	switch args[0] {
	case "init":
		return runWorkerInit(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown worker action: %s\n", args[0])
		return 1
	}
}

// loadConfig resolves --config, falling back to discovery. With optional set,
// a missing config yields defaults instead of an error.
func loadConfig(configPath string, optional bool) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			if optional {
				return config.Defaults(), nil
			}
			return nil, err
		}
		configPath = discovered
		fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", configPath)
	}
	return config.Load(configPath)
}

func openStore(ctx context.Context, cfg *config.Config) (*result.Store, *sql.DB, error) {
	if cfg.Storage.Path == "" {
		return nil, nil, nil
	}
	db, err := storage.OpenSQLite(ctx, cfg.Storage.Path)
	if err != nil {
		return nil, nil, err
	}
	return result.NewStore(db), db, nil
}

// resolveDefinition accepts a pipeline file or the name of a pipeline in the
// configured pipelines directory.
func resolveDefinition(ref string, cfg *config.Config) (pipeline.Definition, error) {
	if info, err := os.Stat(ref); err == nil && !info.IsDir() {
		defs, err := pipeline.LoadFile(ref)
		if err != nil {
			return pipeline.Definition{}, err
		}
		return defs[0], nil
	}
	defs, err := pipeline.LoadDir(cfg.PipelinesDir)
	if err != nil {
		return pipeline.Definition{}, err
	}
	def, ok := defs[ref]
	if !ok {
		return pipeline.Definition{}, fmt.Errorf("pipeline %q not found (not a file, not in %s)", ref, cfg.PipelinesDir)
	}
	return def, nil
}

func runPipelineRun(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	duplicates := fs.Int("duplicates", 0, "Override the number of parallel instances")
	progress := fs.Bool("progress", false, "Show a live progress view")
	jsonOut := fs.Bool("json", false, "Print the run report as JSON")
	outDir := fs.String("out", "", "Write processed documents to this directory as portable JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "Usage: docbridge pipeline run [flags] <pipeline-file|name> <document>...")
		return 1
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	level := cfg.Service.LogLevel
	if *progress {
		level = "error"
	}
	log.Setup(level, cfg.Service.LogFormat)
	logger := log.WithComponent("main")

	def, err := resolveDefinition(fs.Arg(0), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load pipeline: %v\n", err)
		return 1
	}
	if *duplicates > 0 {
		def.Duplicates = *duplicates
	}

	corpus := make([]*document.Document, 0, fs.NArg()-1)
	for _, path := range fs.Args()[1:] {
		doc, err := document.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load document: %v\n", err)
			return 1
		}
		corpus = append(corpus, doc)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.Path, "error", err)
		return 1
	}
	if db != nil {
		defer db.Close()
	}

	hub := events.NewHub(256)
	p, err := pipeline.New(def, pipeline.Options{Store: store, Events: hub})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		return 1
	}
	defer p.Close()

	var rep *pipeline.Report
	if *progress {
		rep, err = runWithProgress(ctx, cancel, p, hub, corpus)
	} else {
		rep, err = p.Run(ctx, corpus)
	}

	if *jsonOut {
		data, merr := json.MarshalIndent(rep, "", "  ")
		if merr != nil {
			fmt.Fprintf(os.Stderr, "Failed to render report: %v\n", merr)
			return 1
		}
		fmt.Println(string(data))
	} else {
		printReport(rep)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		return 1
	}
	if *outDir != "" {
		if err := writeDocuments(*outDir, corpus); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write documents: %v\n", err)
			return 1
		}
	}
	return 0
}

// runWithProgress drives the run in the background while the progress view
// owns the terminal. Quitting the view cancels the run.
func runWithProgress(ctx context.Context, cancel context.CancelFunc, p *pipeline.Pipeline, hub *events.Hub, corpus []*document.Document) (*pipeline.Report, error) {
	ch, unsubscribe := hub.Subscribe()

	steps := make([]string, 0, len(p.Definition().Steps))
	for _, st := range p.Definition().Steps {
		steps = append(steps, st.Name)
	}

	type outcome struct {
		rep *pipeline.Report
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		rep, err := p.Run(ctx, corpus)
		unsubscribe()
		done <- outcome{rep, err}
	}()

	final, uiErr := tea.NewProgram(tui.New(p.Name(), len(corpus), steps, ch), tea.WithContext(ctx)).Run()
	if m, ok := final.(tui.Model); ok && m.Interrupted() {
		cancel()
	}
	if uiErr != nil && !errors.Is(uiErr, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "Progress view failed: %v\n", uiErr)
	}
	out := <-done
	return out.rep, out.err
}

// writeDocuments saves each document as <name>.json under dir. Names that
// already end in .json keep their name.
func writeDocuments(dir string, corpus []*document.Document) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, doc := range corpus {
		name := filepath.Base(doc.Name())
		if strings.ToLower(filepath.Ext(name)) != ".json" {
			name = strings.TrimSuffix(name, filepath.Ext(name)) + ".json"
		}
		data, err := json.MarshalIndent(doc.ToPortable(), "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", doc.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func printReport(rep *pipeline.Report) {
	if rep == nil {
		return
	}
	fmt.Printf("run %s pipeline=%s documents=%d duplicates=%d duration=%s\n",
		rep.RunID, rep.Pipeline, rep.Documents, rep.Duplicates, rep.Duration.Round(time.Millisecond))
	for _, step := range slices.Sorted(maps.Keys(rep.Results)) {
		r := rep.Results[step]
		data, err := json.Marshal(r.Data)
		if err != nil {
			data = []byte("?")
		}
		fmt.Printf("  %s reduced=%t result=%s\n", step, r.Reduced, data)
	}
	if rep.Error != "" {
		fmt.Printf("  error [%s]: %s\n", rep.ErrorCode, rep.Error)
	}
}

func runPipelineList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	defs, err := pipeline.LoadDir(cfg.PipelinesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load pipelines: %v\n", err)
		return 1
	}
	for _, name := range slices.Sorted(maps.Keys(defs)) {
		def := defs[name]
		fmt.Printf("%s\tduplicates=%d\tsteps=%d\tfingerprint=%s\n", name, def.Duplicates, len(def.Steps), shortenCommit(def.Fingerprint))
	}
	return 0
}

func runGatewayStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	port := fs.Int("port", 0, "Override gateway.port")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *port > 0 {
		cfg.Gateway.Port = *port
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("docbridge gateway starting", "version", version, "config", cfg.SourcePath)

	pidLock, err := lock.Acquire(lock.PortPath(cfg.Gateway.LockDir, cfg.Gateway.Port))
	if err != nil {
		logger.Error("failed to acquire PID lock (another gateway may be running)", "port", cfg.Gateway.Port, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, db, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Storage.Path, "error", err)
		return 1
	}
	if db != nil {
		defer db.Close()
		logger.Info("database opened", "path", cfg.Storage.Path)
	}

	hub := events.NewHub(1024)
	srv := gateway.New(gateway.Config{
		Addr:          cfg.Gateway.Addr(),
		Token:         cfg.Gateway.Token(),
		LogActions:    cfg.Gateway.LogActions,
		ShutdownGrace: cfg.Gateway.ShutdownGrace,
		Pipeline:      pipeline.Options{Store: store, Events: hub},
	}, hub, log.WithComponent("gateway"))

	if _, err := os.Stat(cfg.PipelinesDir); err == nil {
		defs, err := pipeline.LoadDir(cfg.PipelinesDir)
		if err != nil {
			logger.Error("failed to load pipelines", "dir", cfg.PipelinesDir, "error", err)
			return 1
		}
		for name, def := range defs {
			p, err := pipeline.New(def, pipeline.Options{Store: store, Events: hub})
			if err != nil {
				logger.Error("invalid pipeline", "name", name, "error", err)
				return 1
			}
			srv.AddPipeline(p)
			logger.Info("pipeline registered", "name", name, "duplicates", def.Duplicates, "steps", len(def.Steps))
		}
	}

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("gateway failed", "error", err)
		return 1
	}
	logger.Info("docbridge gateway stopped")
	return 0
}

func runGatewayWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	url := fs.String("url", "", "Gateway base URL (default from gateway.host and gateway.port)")
	token := fs.String("token", "", "Bearer token (default from config or environment)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath, true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if *url == "" {
		*url = "http://" + cfg.Gateway.Addr()
	}
	if *token == "" {
		*token = cfg.Gateway.Token()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ch, err := tui.Stream(ctx, *url, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to watch gateway: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Waiting for the next run on %s\n", *url)

	if _, err := tea.NewProgram(tui.New("", 0, nil, ch), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		fmt.Fprintf(os.Stderr, "Progress view failed: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}
	fmt.Printf("config: %s ok\n", cfg.SourcePath)

	failed := false
	if _, err := os.Stat(cfg.PipelinesDir); err == nil {
		defs, err := pipeline.LoadDir(cfg.PipelinesDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pipelines: %v\n", err)
			return 1
		}
		for _, name := range slices.Sorted(maps.Keys(defs)) {
			def := defs[name]
			ok := true
			for _, st := range def.Steps {
				if _, err := supervisor.Resolve(st.Worker); err != nil {
					fmt.Fprintf(os.Stderr, "pipeline %s step %s: %v\n", name, st.Name, err)
					ok = false
				}
			}
			if ok {
				fmt.Printf("pipeline: %s ok (%d steps)\n", name, len(def.Steps))
			}
			failed = failed || !ok
		}
	} else {
		fmt.Printf("pipelines: %s not found, skipped\n", cfg.PipelinesDir)
	}
	if failed {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	configDir := fs.String("config-dir", "", "Configuration directory to lock")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	dir := *configDir
	if dir == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		dir = discovered
	}

	manifest, err := config.Lock(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	fmt.Printf("locked %d files in %s\n", len(manifest.Hashes), dir)
	return 0
}

func runWorkerInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: docbridge worker init <script.py>")
		return 1
	}
	if _, err := os.Stat(fs.Arg(0)); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists\n", fs.Arg(0))
		return 1
	}
	if err := supervisor.WriteTemplate(fs.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write worker template: %v\n", err)
		return 1
	}
	fmt.Printf("wrote %s\n", fs.Arg(0))
	return 0
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: docbridge version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("docbridge %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func isHelpToken(s string) bool {
	return s == "help" || s == "--help" || s == "-h"
}

func printUsage() {
	fmt.Print(`docbridge - run document pipelines through external worker processes

Usage:
  docbridge <noun> <action> [flags]

Pipeline Commands:
  pipeline run <file|name> <doc>...   Run documents through a pipeline
  pipeline list                       Show pipelines in pipelines_dir

Gateway Commands:
  gateway start     Serve the gateway API in the foreground
  gateway watch     Follow the next run on a gateway

Config Commands:
  config check      Validate config, pipelines and worker scripts
  config lock       Write the .checksums integrity manifest

Worker Commands:
  worker init <path>  Write the default worker script template

General:
  version [--json]  Show version information
  help              Show this help message

Use 'docbridge <noun> help' for action flags.
`)
}

func printPipelineHelp() {
	fmt.Print(`Usage: docbridge pipeline run [flags] <pipeline-file|name> <document>...
       docbridge pipeline list [--config PATH]

Documents ending in .json or .bdocjs are read as portable documents, anything
else as UTF-8 text.

Flags (run):
  --config PATH     Configuration file or directory
  --duplicates N    Override the number of parallel instances
  --progress        Show a live progress view
  --json            Print the run report as JSON
  --out DIR         Write processed documents as portable JSON
`)
}

func printGatewayHelp() {
	fmt.Print(`Usage: docbridge gateway start [--config PATH] [--port N]
       docbridge gateway watch [--config PATH] [--url URL] [--token TOKEN]

The bearer token is gateway.auth_token, or $DOCBRIDGE_GATEWAY_TOKEN_<port>.
An empty token disables authentication.
`)
}

func printConfigHelp() {
	fmt.Print(`Usage: docbridge config check [--config PATH]
       docbridge config lock [--config-dir DIR]
`)
}

func printWorkerHelp() {
	fmt.Print(`Usage: docbridge worker init <script.py>
`)
}
