// Hearth is a locally-hosted household agent for Home Assistant.
//
// It exposes a small HTTP API for conversational requests, watches hub
// state changes to drive proactive notifications and automation rules,
// and gates every device action through a trust policy. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	hearth serve             Start the API server and dispatcher
//	hearth ask <question>    Ask a single question (for testing)
//	hearth version           Print version and build information
//	hearth -o json version   Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/hearthd/hearth/internal/activity"
	"github.com/hearthd/hearth/internal/api"
	"github.com/hearthd/hearth/internal/breaker"
	"github.com/hearthd/hearth/internal/buildinfo"
	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/connwatch"
	"github.com/hearthd/hearth/internal/contextify"
	"github.com/hearthd/hearth/internal/cooldown"
	"github.com/hearthd/hearth/internal/dispatch"
	"github.com/hearthd/hearth/internal/events"
	"github.com/hearthd/hearth/internal/executor"
	"github.com/hearthd/hearth/internal/hub"
	"github.com/hearthd/hearth/internal/identity"
	"github.com/hearthd/hearth/internal/llm"
	"github.com/hearthd/hearth/internal/notify"
	"github.com/hearthd/hearth/internal/orchestrator"
	"github.com/hearthd/hearth/internal/person"
	"github.com/hearthd/hearth/internal/planner"
	"github.com/hearthd/hearth/internal/rules"
	"github.com/hearthd/hearth/internal/trust"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment (context, stdio, argv) and
// delegates to [run], keeping os.Exit and os.Args out of the
// application logic so the lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package's package-level globals make concurrent test runs awkward,
// and the surface here is small.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
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
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: hearth ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
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
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Hearth - Household Agent for Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: hearth [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server and proactive dispatcher")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

// consoleResolver treats every session as the console operator. Local
// shell access already implies control of the process and its data
// directory, so the CLI binds at Owner with full autonomy.
type consoleResolver struct{}

func (consoleResolver) ResolveSpeaker(sessionID string) (trust.Person, float64) {
	return trust.Person{
		ID:       "console",
		Name:     "Console",
		Level:    trust.Owner,
		Autonomy: trust.AutonomyFull,
	}, 1.0
}

// runAsk processes a single question without starting servers or the
// dispatcher. Useful for smoke tests against a running hub and model.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	bus := events.New()
	breakers := breaker.NewSet(breakerConfig(cfg), logger, bus)
	holder, err := policyHolder(cfg)
	if err != nil {
		return err
	}
	engine := trust.NewEngine(holder, logger)

	var hubClient *hub.Client
	if cfg.Hub.URL != "" {
		hubClient = hub.NewClient(cfg.Hub.URL, cfg.Hub.Token, logger)
	}

	model := llm.NewOllamaClient(cfg.Models.OllamaURL)

	exec := executor.New(engine, callerOrNil(hubClient), nil, breakers, bus, logger)
	plans := planner.New(exec, holder, bus, logger)
	assembly := contextify.NewComposite(logger, contextify.NewConditions(cfg.Timezone))

	orch := orchestrator.New(orchestratorConfig(cfg), consoleResolver{}, assembly,
		model, exec, plans, holder, breakers, bus, logger)

	resp, err := orch.Handle(ctx, orchestrator.Request{
		ID:        uuid.New().String(),
		SessionID: "console",
		Text:      question,
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if resp.NeedsConfirmation {
		fmt.Fprintf(stdout, "%s\n(confirmation required; re-run via the API to confirm)\n", resp.Text)
		return nil
	}
	fmt.Fprintln(stdout, resp.Text)
	for _, eff := range resp.Effects {
		fmt.Fprintf(stdout, "  %s\n", eff.Summary)
	}
	return nil
}

// runServe is the primary operating mode: it opens the data stores,
// connects to the hub and model backend, starts the dispatcher and
// rule engine, and serves the HTTP API until a shutdown signal.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Hearth", "version", buildinfo.Version, "commit", buildinfo.GitCommit)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Models.Default)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Shared infrastructure ---
	bus := events.New()
	breakers := breaker.NewSet(breakerConfig(cfg), logger, bus)

	// --- Trust ---
	holder, err := policyHolder(cfg)
	if err != nil {
		return err
	}
	engine := trust.NewEngine(holder, logger)

	directory, err := trust.NewDirectory(filepath.Join(cfg.DataDir, "trust.db"))
	if err != nil {
		return fmt.Errorf("open trust directory: %w", err)
	}
	defer directory.Close()

	resolver := identity.NewResolver(directory, cfg.Trust.SpeakerConfidenceMin, logger)

	// --- Hub clients ---
	var hubClient *hub.Client
	var hubWS *hub.WSClient
	if cfg.Hub.URL != "" {
		hubClient = hub.NewClient(cfg.Hub.URL, cfg.Hub.Token, logger)
		hubWS = hub.NewWSClient(cfg.Hub.URL, cfg.Hub.Token, logger)
	} else {
		logger.Warn("hub not configured, device actions unavailable")
	}

	// --- Model backend ---
	model := llm.NewOllamaClient(cfg.Models.OllamaURL)

	// --- Notification sink ---
	var sink *notify.Sink
	if cfg.MQTT.Enabled {
		sink = notify.New(cfg.MQTT, "hearth", logger)
		go func() {
			if err := sink.Start(ctx); err != nil {
				logger.Error("notification sink failed", "error", err)
			}
		}()
	} else {
		logger.Info("mqtt notification sink disabled")
	}

	// --- Action pipeline ---
	exec := executor.New(engine, callerOrNil(hubClient), sinkOrNil(sink), breakers, bus, logger)
	plans := planner.New(exec, holder, bus, logger)

	// --- Presence and activity ---
	tracker := person.NewTracker(cfg.Hub.PersonEntities, cfg.Timezone, logger)
	monitor := activity.NewMonitor(cfg.Hub.ActivityEntity, logger)

	// --- Cooldown ledger and dispatcher ---
	ledger, err := cooldown.NewLedger(filepath.Join(cfg.DataDir, "cooldowns.db"), cfg.Dispatcher.CooldownBase)
	if err != nil {
		return fmt.Errorf("open cooldown ledger: %w", err)
	}
	defer ledger.Close()

	dispatcher := dispatch.New(dispatch.Config{
		QueueSize:     cfg.Dispatcher.QueueSize,
		Silence:       cfg.Dispatcher.Silence,
		ShutdownGrace: time.Duration(cfg.Dispatcher.ShutdownGraceSec) * time.Second,
		Model:         cfg.Models.Default,
		AgentAutonomy: cfg.Dispatcher.AgentAutonomy,
	}, ledger, monitor, exec, model, breakers, bus, logger)

	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("dispatcher stopped", "error", err)
		}
	}()

	// --- Automation rules ---
	ruleStore, err := rules.NewStore(filepath.Join(cfg.DataDir, "rules.db"))
	if err != nil {
		return fmt.Errorf("open rule store: %w", err)
	}
	defer ruleStore.Close()
	ruleEngine := rules.NewEngine(ruleStore, directory, exec, bus, logger)

	// --- State change fan-out ---
	// One handler feeds presence, activity, rules, and the dispatcher.
	fanout := func(entityID, oldState, newState string) {
		tracker.HandleStateChange(entityID, oldState, newState)
		monitor.HandleStateChange(entityID, oldState, newState)
		ruleEngine.HandleStateChange(entityID, oldState, newState)
		if ev, ok := dispatch.FromStateChange(entityID, oldState, newState); ok {
			dispatcher.Submit(ev)
		}
	}

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	var watchOnce sync.Once
	if hubClient != nil {
		hubWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:  "hub",
			Probe: func(pCtx context.Context) error { return hubClient.Ping(pCtx) },
			OnReady: func() {
				wsCtx, wsCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer wsCancel()
				if err := hubWS.Reconnect(wsCtx); err != nil {
					logger.Error("hub websocket reconnect failed", "error", err)
					return
				}

				// The state watcher subscribes on first connection;
				// later reconnects restore subscriptions automatically.
				watchOnce.Do(func() {
					globs := cfg.Hub.SubscribeGlobs
					if len(globs) == 0 {
						globs = []string{"*.*"}
					}
					watcher := hub.NewStateWatcher(hubWS,
						hub.NewEntityFilter(globs),
						hub.NewEntityRateLimiter(cfg.Hub.EventsPerMinute),
						fanout, logger)
					go func() {
						if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
							logger.Error("state watcher stopped", "error", err)
						}
					}()
				})

				initCtx, initCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer initCancel()
				if err := tracker.Initialize(initCtx, hubClient); err != nil {
					logger.Warn("presence tracker initialization incomplete", "error", err)
				}
			},
			Logger: logger,
		})
		hubClient.SetWatcher(hubWatcher)
	}

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "model",
		Probe: func(pCtx context.Context) error { return model.Ping(pCtx) },
		OnReady: func() {
			listCtx, listCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer listCancel()
			names, err := model.ListModels(listCtx)
			if err != nil {
				logger.Warn("could not list models", "error", err)
				return
			}
			if !slices.Contains(names, cfg.Models.Default) {
				logger.Warn("configured model not present on backend",
					"model", cfg.Models.Default, "available", names)
			}
		},
		Logger: logger,
	})

	// --- Orchestrator and API ---
	assembly := contextify.NewComposite(logger,
		contextify.NewConditions(cfg.Timezone),
		tracker,
	)
	orch := orchestrator.New(orchestratorConfig(cfg), resolver, assembly,
		model, exec, plans, holder, breakers, bus, logger)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, logger)
	server.SetBreakers(breakers)
	server.SetConnwatch(connMgr)
	server.SetEventBus(bus)
	server.SetDirectory(directory)
	server.SetResolver(resolver)
	server.SetCooldowns(ledger)
	server.SetRules(ruleStore)
	if cfg.Trust.PolicyFile != "" {
		server.SetPolicy(holder, cfg.Trust.PolicyFile)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")

		if sink != nil {
			offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offCancel()
			if err := sink.Stop(offCtx); err != nil {
				logger.Error("notification sink shutdown failed", "error", err)
			}
		}
		if hubWS != nil {
			_ = hubWS.Close()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Hearth stopped")
	return nil
}

// newLogger creates a structured text logger writing to w.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
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

// policyHolder builds the trust policy holder, merging file overrides
// over the built-in defaults when configured.
func policyHolder(cfg *config.Config) (*trust.Holder, error) {
	pol := trust.DefaultPolicy()
	if cfg.Trust.PolicyFile != "" {
		loaded, err := trust.LoadPolicyFile(cfg.Trust.PolicyFile, 1)
		if err != nil {
			return nil, fmt.Errorf("load trust policy: %w", err)
		}
		pol = loaded
	}
	return trust.NewHolder(pol), nil
}

func breakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold: cfg.Breakers.FailureThreshold,
		Window:           time.Duration(cfg.Breakers.WindowSec) * time.Second,
		Cooloff:          time.Duration(cfg.Breakers.CooloffSec) * time.Second,
	}
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	return orchestrator.Config{
		Model:       cfg.Models.Default,
		MaxInflight: cfg.Models.MaxInflight,
		QueueWait:   time.Duration(cfg.Models.QueueWaitSec) * time.Second,
	}
}

// callerOrNil avoids storing a typed-nil *hub.Client inside the
// executor's ServiceCaller interface.
func callerOrNil(c *hub.Client) executor.ServiceCaller {
	if c == nil {
		return nil
	}
	return c
}

func sinkOrNil(s *notify.Sink) executor.Sink {
	if s == nil {
		return nil
	}
	return s
}
