// Command dustengine is the local CLI entrypoint for the app execution
// engine: compile a .dust spec, optionally register a dataset, run it to
// completion against a Store Port, and print the resulting trace. A
// --serve flag keeps the read-only run-status HTTP surface (internal/api)
// up afterward for local operators to poll.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-dev/dustengine/internal/api"
	"github.com/antigravity-dev/dustengine/internal/blocks"
	"github.com/antigravity-dev/dustengine/internal/cache"
	"github.com/antigravity-dev/dustengine/internal/compiler"
	"github.com/antigravity-dev/dustengine/internal/config"
	"github.com/antigravity-dev/dustengine/internal/errcode"
	"github.com/antigravity-dev/dustengine/internal/events"
	"github.com/antigravity-dev/dustengine/internal/llm"
	"github.com/antigravity-dev/dustengine/internal/parser"
	"github.com/antigravity-dev/dustengine/internal/runner"
	"github.com/antigravity-dev/dustengine/internal/store"
	"github.com/antigravity-dev/dustengine/internal/store/sqlite"
)

func configureLogger(format, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// datasetLoaderAdapter satisfies blocks.DatasetLoader over a Store Port
// that addresses datasets by (project, id, hash) — a Data block only
// names the dataset, so this always resolves to the latest registered
// hash first.
type datasetLoaderAdapter struct {
	store store.Store
}

func (a datasetLoaderAdapter) LoadDataset(ctx context.Context, projectID, datasetName string) ([]json.RawMessage, error) {
	hash, err := a.store.LatestDatasetHash(ctx, projectID, datasetName)
	if err != nil {
		return nil, err
	}
	ds, err := a.store.LoadDataset(ctx, projectID, datasetName, hash)
	if err != nil {
		return nil, err
	}
	return ds.Records, nil
}

// readJSONLRecords reads a dataset JSONL file: one JSON object per
// line, all sharing the same key set.
func readJSONLRecords(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dataset %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	var firstKeys map[string]bool
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return nil, fmt.Errorf("dataset %s line %d: %w", path, lineNo, err)
		}
		if firstKeys == nil {
			firstKeys = make(map[string]bool, len(obj))
			for k := range obj {
				firstKeys[k] = true
			}
		} else {
			if len(obj) != len(firstKeys) {
				return nil, fmt.Errorf("dataset %s line %d: key set differs from first record", path, lineNo)
			}
			for k := range obj {
				if !firstKeys[k] {
					return nil, fmt.Errorf("dataset %s line %d: key %q not present in first record", path, lineNo, k)
				}
			}
		}
		records = append(records, json.RawMessage(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}
	return records, nil
}

// streamToStdout drains sink to stdout as line-delimited JSON until
// the channel closes.
func streamToStdout(sink *events.Sink) {
	enc := json.NewEncoder(os.Stdout)
	for ev := range sink.Events() {
		enc.Encode(ev)
	}
}

func main() {
	configPath := flag.String("config", "dustengine.toml", "path to engine TOML config (optional; falls back to built-in defaults)")
	specPath := flag.String("spec", "", "path to a .dust specification file (required)")
	datasetPath := flag.String("dataset", "", "path to a JSONL dataset file (optional; omit for a single empty input)")
	datasetName := flag.String("dataset-name", "dataset", "dataset identifier to register the dataset under")
	projectID := flag.String("project", "", "existing project id to run under (omit to create a new project)")
	runType := flag.String("run-type", "local", "run_type: local, deploy, or execute")
	stream := flag.Bool("stream", false, "stream run events to stdout as line-delimited JSON while executing")
	serve := flag.Bool("serve", false, "after the run completes, keep the read-only status API up until terminated")
	dev := flag.Bool("dev", false, "force text log format regardless of the configured engine.log_format")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *specPath == "" {
		logger.Error("--spec is required")
		os.Exit(1)
	}

	var cfg *config.Config
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	} else {
		cfg = config.Default()
	}
	logFormat := cfg.Engine.LogFormat
	if *dev {
		logFormat = "text"
	}
	logger = configureLogger(logFormat, cfg.Engine.LogLevel)
	slog.SetDefault(logger)

	logger.Info("dustengine starting", "spec", *specPath, "config", *configPath)

	src, err := os.ReadFile(*specPath)
	if err != nil {
		logger.Error("failed to read spec", "path", *specPath, "error", err)
		os.Exit(1)
	}

	parsed, err := parser.Parse(string(src))
	if err != nil {
		logger.Error("spec parse failed", "code", errcode.Classify(err).Code, "error", err)
		os.Exit(1)
	}
	app, err := compiler.Compile(parsed)
	if err != nil {
		logger.Error("spec compile failed", "code", errcode.Classify(err).Code, "error", err)
		os.Exit(1)
	}
	logger.Info("spec compiled", "blocks", len(app.Blocks), "app_hash", app.Hash)

	st, err := sqlite.Open(cfg.Store.DBPath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.Store.DBPath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proj := *projectID
	if proj == "" {
		p, err := st.CreateProject(ctx)
		if err != nil {
			logger.Error("failed to create project", "error", err)
			os.Exit(1)
		}
		proj = p.ID
		logger.Info("created project", "project_id", proj)
	}

	if _, err := st.RegisterSpecification(ctx, proj, string(src), app.Hash); err != nil {
		logger.Error("failed to register specification", "error", err)
		os.Exit(1)
	}

	var inputs []json.RawMessage
	if *datasetPath != "" {
		records, err := readJSONLRecords(*datasetPath)
		if err != nil {
			logger.Error("failed to read dataset", "code", errcode.InvalidDataset, "error", err)
			os.Exit(1)
		}
		if _, err := st.RegisterDataset(ctx, proj, *datasetName, records); err != nil {
			logger.Error("failed to register dataset", "error", err)
			os.Exit(1)
		}
		inputs = records
	}

	rt := store.RunType(strings.ToLower(*runType))
	switch rt {
	case store.RunTypeLocal, store.RunTypeDeploy, store.RunTypeExecute:
	default:
		logger.Error("invalid --run-type", "run_type", *runType)
		os.Exit(1)
	}

	run, err := st.CreateRunEmpty(ctx, proj, rt, app.Hash, json.RawMessage("{}"))
	if err != nil {
		logger.Error("failed to create run", "error", err)
		os.Exit(1)
	}
	logger.Info("run created", "run_id", run.RunID, "project_id", proj)

	var sink *events.Sink
	if *stream {
		sink = events.NewSink(256)
		go streamToStdout(sink)
	}

	cch := cache.New(st, cfg.Retry, llm.DefaultRetryClassifier())
	deps := runner.Deps{
		Dependencies: blocks.Dependencies{
			LLM:     llm.NullProvider{},
			HTTP:    http.DefaultClient,
			Dataset: datasetLoaderAdapter{store: st},
		},
		Cache:        cch,
		Store:        st,
		Sink:         sink,
		Concurrency:  cfg.Engine.Concurrency,
		MaxLoopIters: cfg.Engine.MaxLoopIterations,
		Timeout: func(v blocks.Variant) time.Duration {
			return v.Timeout(cfg)
		},
	}

	runInput := runner.RunInput{
		ProjectID: proj,
		RunID:     run.RunID,
		Inputs:    inputs,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runner.Run(sigCtx, app, runInput, deps)
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	status := store.RunStatusSucceeded
	if result.Status == runner.StatusErrored {
		status = store.RunStatusErrored
	}
	if err := st.UpdateRunStatus(ctx, proj, run.RunID, status, result.Reason); err != nil {
		logger.Error("failed to persist run status", "error", err)
	}

	logger.Info("run finished", "run_id", run.RunID, "status", result.Status, "reason", result.Reason)

	if !*stream {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
	}

	if !*serve {
		if result.Status == runner.StatusErrored {
			os.Exit(1)
		}
		return
	}

	if !cfg.API.Enabled {
		cfg.API.Enabled = true
	}
	mgr := config.NewManager(cfg)
	apiSrv := api.NewServer(mgr, st, logger.With("component", "api"))
	logger.Info("serving read-only status API", "bind", cfg.API.Bind)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			if err := mgr.Reload(*configPath); err != nil {
				logger.Warn("config reload failed, keeping previous config", "path", *configPath, "error", err)
				continue
			}
			logger.Info("config reloaded", "path", *configPath)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	serveCtx, serveCancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		serveCancel()
	}()
	if err := apiSrv.Start(serveCtx); err != nil {
		logger.Error("api server error", "error", err)
		os.Exit(1)
	}
}
