// Command comfy-remote loads a ComfyUI workflow document, applies
// parameter overrides, and runs it on a locally launched or remote
// server.
//
// Exit codes: 0 when the run reached a terminal state (including a
// workflow-level failure, which is reported but is still a completed
// launch), 1 on system errors, 2 on usage errors.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/soochol/comfy-remote/internal/config"
	"github.com/soochol/comfy-remote/internal/connector"
	"github.com/soochol/comfy-remote/internal/executor"
	"github.com/soochol/comfy-remote/internal/manager"
)

type repeatFlag []string

func (f *repeatFlag) String() string     { return strings.Join(*f, ",") }
func (f *repeatFlag) Set(s string) error { *f = append(*f, s); return nil }

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("comfy-remote", flag.ContinueOnError)
	var (
		mode         = fs.String("mode", "local", "execution mode: local or remote")
		baseURL      = fs.String("base-url", "", "server URL for remote mode")
		token        = fs.String("token", "", "bearer token for authenticated servers")
		envFile      = fs.String("env-file", "", "dotenv file overlaid on the environment")
		logLevel     = fs.String("log-level", "info", "log level: debug, info, warn, error")
		manifestDir  = fs.String("manifest-dir", "", "directory for JSON run manifests")
		timeout      = fs.Duration("timeout", 0, "overall run deadline, 0 for none")
		pollInterval = fs.Duration("poll-interval", time.Second, "status poll interval")
		startTimeout = fs.Duration("start-timeout", 2*time.Minute, "local server startup deadline")

		configs   repeatFlag
		sets      repeatFlag
		setTitles repeatFlag
	)
	fs.Var(&configs, "config", "config layer YAML, repeatable, later layers win")
	fs.Var(&sets, "set", "override a node input: id.field=value, repeatable")
	fs.Var(&setTitles, "set-title", "override by node title: title:field=value, repeatable")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: comfy-remote [flags] workflow.json\n\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	workflowPath := fs.Arg(0)

	setupLogging(*logLevel)

	resolved, err := resolveConfig(configs, *envFile)
	if err != nil {
		slog.Error("config error", "err", err)
		return 1
	}

	m := manager.New(
		manager.WithManifestDir(*manifestDir),
		manager.WithOnEvent(logEvent),
	)
	if err := m.Load(workflowPath); err != nil {
		slog.Error("load error", "err", err)
		return 1
	}
	if err := applyOverrides(m, sets, setTitles); err != nil {
		slog.Error("override error", "err", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	rc := executor.RunContext{
		Mode:         executor.Mode(*mode),
		BaseURL:      *baseURL,
		AuthToken:    *token,
		Launch:       resolved,
		PollInterval: *pollInterval,
		StartTimeout: *startTimeout,
	}
	result, err := m.Execute(ctx, rc)
	if err != nil {
		slog.Error("execution error", "err", err)
		return 1
	}

	report(result)
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func resolveConfig(layerPaths []string, envFile string) (*config.Resolved, error) {
	r := &config.Resolver{EnvFile: envFile}
	layers := make([]config.Layer, 0, len(layerPaths))
	for _, path := range layerPaths {
		layer, err := config.LoadLayerFile(path)
		if err != nil {
			return nil, err
		}
		layers = append(layers, layer)
	}
	if len(layers) == 0 {
		return r.Resolve(config.Layer{})
	}
	return r.Resolve(layers[0], layers[1:]...)
}

// applyOverrides parses -set (id.field=value) and -set-title
// (title:field=value) specs and patches the loaded graph.
func applyOverrides(m *manager.Manager, sets, setTitles []string) error {
	for _, spec := range sets {
		target, value, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("bad -set %q, want id.field=value", spec)
		}
		id, field, ok := strings.Cut(target, ".")
		if !ok {
			return fmt.Errorf("bad -set %q, want id.field=value", spec)
		}
		if err := m.SetByID(id, field, parseValue(value)); err != nil {
			return err
		}
	}
	for _, spec := range setTitles {
		target, value, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("bad -set-title %q, want title:field=value", spec)
		}
		title, field, ok := strings.Cut(target, ":")
		if !ok {
			return fmt.Errorf("bad -set-title %q, want title:field=value", spec)
		}
		count, err := m.SetByTitle(title, field, parseValue(value))
		if err != nil {
			return err
		}
		slog.Debug("applied title override", "title", title, "field", field, "nodes", count)
	}
	return nil
}

// parseValue keeps numbers and booleans typed; everything else stays a
// string.
func parseValue(s string) any {
	var v any
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&v); err == nil {
		switch v.(type) {
		case json.Number, bool:
			return v
		}
	}
	return s
}

func logEvent(ev connector.Event) {
	switch ev.Type {
	case "execution_error", "execution_interrupted":
		slog.Warn("server event", "type", ev.Type, "data", string(ev.Data))
	default:
		slog.Debug("server event", "type", ev.Type)
	}
}

func report(result *executor.Result) {
	fmt.Printf("prompt %s finished: %s\n", result.PromptID, result.State)
	if result.ErrorDetail != "" {
		fmt.Printf("  error: %s\n", result.ErrorDetail)
	}
	for _, a := range result.Artifacts {
		fmt.Printf("  output %s: %s\n", a.NodeID, a.URL)
	}
}
