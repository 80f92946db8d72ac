// Command supportmesh runs the full customer-support pipeline in one
// process: the broker connection, all nine stage runtimes, and the client
// gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/meshline/supportmesh/internal/actor"
	"github.com/meshline/supportmesh/internal/broker"
	"github.com/meshline/supportmesh/internal/config"
	"github.com/meshline/supportmesh/internal/contextstore"
	"github.com/meshline/supportmesh/internal/downstream"
	"github.com/meshline/supportmesh/internal/gateway"
	"github.com/meshline/supportmesh/internal/processors"
)

var version = "0.1.0"

// App holds the runtime components.
type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Broker   broker.Broker
	Store    *contextstore.Store
	Catalog  *config.Catalog
	Runtimes []*actor.Runtime
	Gateway  *gateway.Server
}

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath    = flag.String("config", "supportmesh.json", "path to the JSON config file")
		pipelinesPath = flag.String("pipelines", "pipelines.toml", "path to the TOML route presets")
		showVersion   = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("supportmesh", version)
		return 0
	}

	app, err := setup(*configPath, *pipelinesPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "setup failed:", err)
		return 1
	}

	if err := app.Run(); err != nil {
		app.Logger.Error("run failed", "error", err)
		return 1
	}
	return 0
}

// setup initializes all components.
func setup(configPath, pipelinesPath string) (*App, error) {
	app := &App{}

	// Bootstrap logger, replaced below with the configured level.
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	app.Logger.Info("starting supportmesh", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	catalog, err := config.NewCatalog(pipelinesPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load pipelines: %w", err)
	}
	app.Catalog = catalog

	app.Broker, err = buildBroker(cfg, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}

	app.Store, err = contextstore.New(contextstore.Config{
		DBPath: cfg.Store.DBPath,
		TTL:    time.Duration(cfg.Store.TTLMinutes) * time.Minute,
	}, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("open context store: %w", err)
	}

	ds := downstream.New(downstream.Config{
		CustomerURL: cfg.Downstream.CustomerURL,
		OrdersURL:   cfg.Downstream.OrdersURL,
		TrackingURL: cfg.Downstream.TrackingURL,
	}, app.Logger)

	ttl := time.Duration(cfg.Store.TTLMinutes) * time.Minute
	stages := []actor.Actor{
		processors.NewSentimentAnalyzer(),
		processors.NewIntentAnalyzer(),
		processors.NewContextRetriever(ds, app.Store, ttl, app.Logger),
		actor.NewDecisionRouter(app.Logger),
		processors.NewResponseGenerator(),
		processors.NewGuardrailValidator(),
		processors.NewExecutionCoordinator(ds, app.Logger),
		actor.NewEscalationRouter(app.Logger),
		actor.NewResponseAggregator(app.Broker, app.Logger),
	}

	opts := []actor.Option{
		actor.WithMaxRetries(cfg.Mesh.MaxRetries),
		actor.WithBaseDelay(time.Duration(cfg.Mesh.RetryBaseDelayMS) * time.Millisecond),
		actor.WithProcessTimeout(time.Duration(cfg.Mesh.ProcessTimeoutSec) * time.Second),
	}
	for _, a := range stages {
		app.Runtimes = append(app.Runtimes, actor.New(a, app.Broker, app.Logger, opts...))
	}

	app.Gateway = gateway.NewServer(cfg.Server, app.Broker, catalog, app.Logger)
	return app, nil
}

// Run starts every runtime plus the gateway and blocks until a shutdown
// signal arrives or a component fails.
func (app *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, rt := range app.Runtimes {
		if err := rt.Start(ctx); err != nil {
			return fmt.Errorf("start runtime: %w", err)
		}
	}
	app.Catalog.Watch(30 * time.Second)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Gateway.Start(gCtx)
	})

	app.Logger.Info("supportmesh running",
		"gateway_port", app.Config.Server.Port,
		"broker", app.Config.Broker.Type,
		"stages", len(app.Runtimes))

	err := g.Wait()

	// Teardown in reverse order: edge first, then the stages, then shared
	// infrastructure.
	app.Catalog.StopWatch()
	for i := len(app.Runtimes) - 1; i >= 0; i-- {
		if serr := app.Runtimes[i].Stop(); serr != nil {
			app.Logger.Error("runtime stop failed", "error", serr)
		}
	}
	if cerr := app.Broker.Close(); cerr != nil {
		app.Logger.Error("broker close failed", "error", cerr)
	}
	if cerr := app.Store.Close(); cerr != nil {
		app.Logger.Error("store close failed", "error", cerr)
	}
	app.Logger.Info("supportmesh stopped")
	return err
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path != "supportmesh.json" {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		logger.Info("no config file, using defaults")
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func buildBroker(cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "mqtt":
		b := broker.NewMQTT(cfg.Broker.Host, cfg.Broker.Port, cfg.Broker.Username, cfg.Broker.Password, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := b.Connect(ctx); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return broker.NewMemory(), nil
	}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
