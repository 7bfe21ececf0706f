// Gamemaster is a tabletop game-master assistant server.
//
// It exposes a websocket endpoint that drives streamed narrative
// completions against the xAI Grok API, with tool access to a sqlite
// campaign store, plus REST endpoints for health and transcript export.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	gamemaster serve              Start the server
//	gamemaster init [dir]         Initialize a working directory with defaults
//	gamemaster version            Print version and build information
//	gamemaster -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oakandowl/gamemaster/internal/api"
	"github.com/oakandowl/gamemaster/internal/buildinfo"
	"github.com/oakandowl/gamemaster/internal/campaign"
	"github.com/oakandowl/gamemaster/internal/config"
	"github.com/oakandowl/gamemaster/internal/gateway"
	"github.com/oakandowl/gamemaster/internal/llm"
	"github.com/oakandowl/gamemaster/internal/mqtt"
	"github.com/oakandowl/gamemaster/internal/orchestrator"
	"github.com/oakandowl/gamemaster/internal/prompts"
	"github.com/oakandowl/gamemaster/internal/session"
	"github.com/oakandowl/gamemaster/internal/telemetry"
	"github.com/oakandowl/gamemaster/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the gamemaster command. All OS-level
// dependencies are injected as parameters so tests can drive the full
// lifecycle. Arguments are parsed by hand: the flag package relies on
// package-level globals, which makes it impossible to call run()
// concurrently from tests, and the argument surface is small enough
// that manual parsing is clearer than a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Gamemaster", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("config %s: %w", cfgPath, err)
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Grok.Model,
		"campaign", cfg.Campaign.Name,
	)

	if cfg.Grok.APIKey == "" {
		return fmt.Errorf("grok.api_key is required (set XAI_API_KEY or edit %s)", cfgPath)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Campaign store ---
	// SQLite-backed character sheets, inventory, and spell slots. The
	// tool registry reads and writes through this store.
	store, err := campaign.Open(cfg.Campaign.DBPath)
	if err != nil {
		return fmt.Errorf("open campaign database %s: %w", cfg.Campaign.DBPath, err)
	}
	defer store.Close()
	logger.Info("campaign store opened", "path", cfg.Campaign.DBPath)

	toolRegistry := tools.NewRegistry(store)
	logger.Info("tool registry initialized", "tools", len(toolRegistry.Catalog()))

	// --- Grok client ---
	grok := llm.NewGrokClient(cfg.Grok.APIKey, cfg.Grok.Model, cfg.Grok.BaseURL, logger)

	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := grok.Ping(pingCtx); err != nil {
		// Startup proceeds anyway; the API may recover before the
		// first turn arrives.
		logger.Warn("grok api unreachable at startup", "error", err)
	} else {
		logger.Info("grok api reachable", "model", cfg.Grok.Model)
	}
	pingCancel()

	// --- Telemetry ---
	bus := telemetry.NewBus()
	emitter := telemetry.NewEmitter(bus, logger)

	// --- Sessions and orchestration ---
	sessions := session.NewStore()

	promptFn := func(snap *session.Snapshot) string {
		return prompts.SystemPrompt(cfg.Campaign.Name, snap.Entities)
	}

	orch := orchestrator.New(sessions, grok, toolRegistry, emitter, promptFn, orchestrator.Options{
		MaxRounds:   cfg.Orchestrator.MaxRounds,
		ToolTimeout: time.Duration(cfg.Orchestrator.ToolTimeoutSec) * time.Second,
	}, logger)

	// --- Gateway and HTTP server ---
	registry := gateway.NewRegistry()
	handler := gateway.NewHandler(sessions, registry, orch, emitter, logger)

	listen := fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)
	server := api.NewServer(listen, handler, registry, sessions, logger)

	// --- MQTT telemetry bridge ---
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqtt.NewBridge(cfg.MQTT, bus, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
		logger.Info("mqtt bridge enabled", "broker", cfg.MQTT.BrokerURL, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if bridge != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := bridge.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Blocks until the server is shut down (via context cancellation or
	// fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Gamemaster stopped")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// gamemaster is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Gamemaster - Tabletop Game-Master Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: gamemaster [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/gamemaster/config.yaml, /etc/gamemaster/config.yaml")
	return nil
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
