// Command sosmesh-node runs one mesh device: it relays emergency messages
// over the configured broadcast medium, keeps them in a durable outbox and
// uploads them to the remote store whenever the device is online.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sosmesh/internal/analysis"
	"github.com/sosmesh/internal/api"
	"github.com/sosmesh/internal/config"
	"github.com/sosmesh/internal/dispatch"
	"github.com/sosmesh/internal/mesh"
	"github.com/sosmesh/internal/node"
	"github.com/sosmesh/internal/outbox"
	"github.com/sosmesh/internal/syncer"
	"github.com/sosmesh/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	nodeID     string
	dataDir    string
	medium     string
	broker     string
	listen     string
	remoteKind string
	logLevel   string
	logFormat  string
	online     bool
}

func run() error {
	var f flags
	flagSet := pflag.NewFlagSet("sosmesh-node", pflag.ContinueOnError)
	flagSet.StringVar(&f.configPath, "config", os.Getenv("SOSMESH_CONFIG"), "path to the YAML config file")
	flagSet.StringVar(&f.nodeID, "node-id", "", "device identifier on the mesh (must be unique)")
	flagSet.StringVar(&f.dataDir, "data-dir", "", "directory for the outbox files")
	flagSet.StringVar(&f.medium, "medium", "", "broadcast medium: memory, mqtt, serial or tcp")
	flagSet.StringVar(&f.broker, "broker", "", "MQTT broker URL")
	flagSet.StringVar(&f.listen, "listen", "", "HTTP listen address")
	flagSet.StringVar(&f.remoteKind, "remote", "", "remote store: http, postgres or memory")
	flagSet.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.StringVar(&f.logFormat, "log-format", "", "text or json")
	flagSet.BoolVar(&f.online, "online", false, "start online when connectivity is manual")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.LoadFile(f.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	applyFlags(cfg, flagSet, f)
	cfg.ExpandPaths()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return err
	}

	logger := cfg.Log.Logger(os.Stderr).With("node", cfg.Node.ID)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, f.online, logger)
}

// applyFlags lets explicitly set flags override the file.
func applyFlags(cfg *config.Config, fs *pflag.FlagSet, f flags) {
	if fs.Changed("node-id") {
		cfg.Node.ID = f.nodeID
	}
	if fs.Changed("data-dir") {
		cfg.Node.DataDir = f.dataDir
		cfg.Outbox.SQLitePath = "${SOSMESH_DATA}/outbox.db"
		cfg.Outbox.FallbackPath = "${SOSMESH_DATA}/outbox.log"
	}
	if fs.Changed("medium") {
		cfg.Mesh.Medium = f.medium
	}
	if fs.Changed("broker") {
		cfg.Mesh.MQTT.Broker = f.broker
	}
	if fs.Changed("listen") {
		cfg.HTTP.Listen = f.listen
	}
	if fs.Changed("remote") {
		cfg.Remote.Kind = f.remoteKind
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
}

func serve(ctx context.Context, cfg *config.Config, startOnline bool, logger *slog.Logger) error {
	box, err := outbox.Open(outbox.Config{
		SQLitePath:   cfg.Outbox.SQLitePath,
		FallbackPath: cfg.Outbox.FallbackPath,
		CompactGrace: cfg.Outbox.CompactGrace,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer box.Close()

	medium, closeMedium, err := buildMedium(cfg, logger)
	if err != nil {
		return err
	}
	defer closeMedium()

	router, err := mesh.NewRouter(medium, mesh.Config{
		SelfID:        cfg.Node.ID,
		MaxHops:       cfg.Mesh.MaxHops,
		TTL:           cfg.Mesh.TTL,
		SweepInterval: cfg.Mesh.SweepInterval,
		JitterMin:     cfg.Mesh.JitterMin,
		JitterMax:     cfg.Mesh.JitterMax,
		DedupCapacity: cfg.Mesh.DedupCapacity,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	store, closeStore, err := buildRemote(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	conn, manual, stopProbe, err := buildConnectivity(cfg, startOnline, logger)
	if err != nil {
		return err
	}
	defer stopProbe()

	coord := syncer.New(box, store, conn, syncer.Config{
		Interval:      cfg.Sync.Interval,
		UploadTimeout: cfg.Sync.UploadTimeout,
		Logger:        logger,
	})

	triage, err := buildTriage(cfg, logger)
	if err != nil {
		return err
	}

	n, err := node.New(node.Deps{
		Router:       router,
		Outbox:       box,
		Remote:       store,
		Connectivity: conn,
		Coordinator:  coord,
		Triage:       triage,
	}, node.Config{
		NodeID:        cfg.Node.ID,
		UploadTimeout: cfg.Sync.UploadTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	hub := websocket.NewHub(logger)
	go hub.Run()
	defer hub.Stop()
	n.Subscribe(hub.Publish)

	defer n.Shutdown()
	if err := n.Start(); err != nil {
		return err
	}

	server := api.New(n, hub, manual, logger)
	logger.Info("node running",
		"medium", cfg.Mesh.Medium, "remote", cfg.Remote.Kind,
		"connectivity", cfg.Sync.Connectivity, "listen", cfg.HTTP.Listen)
	err = server.ListenAndServe(ctx, cfg.HTTP.Listen)
	logger.Info("shutting down")
	return err
}

func buildTriage(cfg *config.Config, logger *slog.Logger) (*analysis.Triage, error) {
	var analyzer analysis.Analyzer
	if cfg.Analysis.Endpoint != "" {
		client, err := analysis.NewClient(analysis.ClientConfig{
			Endpoint: cfg.Analysis.Endpoint,
			APIKey:   config.Secret(cfg.Analysis.APIKeyEnv),
			Client:   newHTTPClient(cfg),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		analyzer = client
	}
	return analysis.NewTriage(analyzer, dispatch.Config{
		Name:           "triage",
		Spacing:        cfg.Dispatch.Spacing,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		Logger:         logger,
	}), nil
}
