package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Bliod-Cook/drome/internal/config"
	"github.com/Bliod-Cook/drome/internal/mcpclient"
	"github.com/Bliod-Cook/drome/internal/metrics"
	"github.com/Bliod-Cook/drome/internal/orchestrator"
	"github.com/Bliod-Cook/drome/internal/provider"
	"github.com/Bliod-Cook/drome/internal/server"
	"github.com/Bliod-Cook/drome/internal/types"
	"github.com/Bliod-Cook/drome/internal/upstream"
)

const commands = "Commands: serve, run, tools, version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: drome <command> [flags]")
		fmt.Fprintln(os.Stderr, commands)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(cmdServe())
	case "run":
		os.Exit(cmdRun())
	case "tools":
		os.Exit(cmdTools())
	case "version":
		fmt.Println("drome", config.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		fmt.Fprintln(os.Stderr, commands)
		os.Exit(1)
	}
}

// stringList collects a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// runtimeDeps wires the components shared by every command.
type runtimeDeps struct {
	metrics *metrics.Metrics
	manager *mcpclient.Manager
	orch    *orchestrator.Orchestrator
}

func newRuntime(cfg *config.Config) *runtimeDeps {
	m := metrics.New()
	client := upstream.NewClient(cfg.Verbose, cfg.Debug)
	adapter := provider.New(client,
		provider.WithMetrics(m),
		provider.WithCacheKeyCapacity(cfg.CacheKeys),
	)
	mgr := mcpclient.New(
		mcpclient.WithMetrics(m),
		mcpclient.WithLogCapacity(cfg.LogCapacity),
		mcpclient.WithVersion(config.Version),
	)
	orch := orchestrator.New(adapter, mgr,
		orchestrator.WithMaxRounds(cfg.MaxRounds),
		orchestrator.WithMetrics(m),
	)
	return &runtimeDeps{metrics: m, manager: mgr, orch: orch}
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.FromEnv()
	}
	return config.Load(path)
}

func cmdServe() int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("DROME_CONFIG"), "Path to the YAML config file")
	host := fs.String("host", "", "Bind host")
	port := fs.Int("port", 0, "Listen port")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	fs.Parse(os.Args[2:])

	applyFlags := func(cfg *config.Config) {
		if *host != "" {
			cfg.Host = *host
		}
		if *port != 0 {
			cfg.Port = *port
		}
		if *verbose {
			cfg.Verbose = true
		}
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	setupLogging(cfg.Verbose)

	rt := newRuntime(cfg)
	srv := server.New(cfg, rt.manager, rt.orch, rt.metrics)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Path != "" {
		go func() {
			err := config.Watch(ctx, cfg.Path, config.DefaultDebounce, slog.Default(), func(next *config.Config) {
				applyFlags(next)
				srv.Reload(next)
			})
			if err != nil {
				slog.Error("config.watch.failed", "path", cfg.Path, "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("drome starting", "addr", cfg.Addr(), "providers", len(cfg.Providers), "servers", len(cfg.Servers))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		return 1
	}
	return 0
}

func cmdRun() int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("DROME_CONFIG"), "Path to the YAML config file")
	providerID := fs.String("provider", "openai", "Provider id")
	model := fs.String("model", "", "Model name (defaults to the provider's default model)")
	maxRounds := fs.Int("max-rounds", 0, "Round limit for this turn")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	var servers stringList
	fs.Var(&servers, "server", "Capability server id whose tools are offered (repeatable)")
	fs.Parse(os.Args[2:])

	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "Usage: drome run -provider id [-model m] [-server id ...] prompt")
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	setupLogging(*verbose || cfg.Verbose)

	pc, ok := cfg.Provider(*providerID)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown provider %q\n", *providerID)
		return 1
	}
	apiKey, err := config.ResolveSecret(pc.APIKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "credential: %v\n", err)
		return 1
	}

	rt := newRuntime(cfg)
	defer rt.manager.Close()
	for _, sc := range cfg.ServerConfigs() {
		rt.manager.Upsert(sc)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	req := &types.GenerateRequest{
		Model:    *model,
		Messages: []types.Message{types.NewMessage(types.RoleUser, prompt)},
		Stream:   true,
	}
	if len(servers) > 0 {
		req.Tools, err = rt.manager.ToolSpecs(ctx, servers)
		if err != nil {
			fmt.Fprintf(os.Stderr, "tools: %v\n", err)
			return 1
		}
	}

	enc := json.NewEncoder(os.Stdout)
	var failed bool
	err = rt.orch.WithRounds(*maxRounds).StreamTurn(ctx, pc, apiKey, req, func(ev types.Event) error {
		if ev.Type == types.EventFailed {
			failed = true
		}
		return enc.Encode(ev)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "turn: %v\n", err)
		return 1
	}
	if failed {
		return 2
	}
	return 0
}

func cmdTools() int {
	fs := flag.NewFlagSet("tools", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("DROME_CONFIG"), "Path to the YAML config file")
	serverID := fs.String("server", "", "Capability server id")
	verbose := fs.Bool("verbose", false, "Enable verbose logging")
	fs.Parse(os.Args[2:])

	if *serverID == "" {
		fmt.Fprintln(os.Stderr, "Usage: drome tools -server id")
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 1
	}
	setupLogging(*verbose || cfg.Verbose)

	rt := newRuntime(cfg)
	defer rt.manager.Close()
	for _, sc := range cfg.ServerConfigs() {
		rt.manager.Upsert(sc)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tools, err := rt.manager.ListTools(ctx, *serverID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list tools: %v\n", err)
		return 1
	}
	for _, t := range tools {
		if t.Description != "" {
			fmt.Printf("%s\t%s\n", t.Name, t.Description)
		} else {
			fmt.Println(t.Name)
		}
	}
	return 0
}
