// Command sosmesh-remote inspects and resets the remote message store.
//
//	sosmesh-remote [flags] dump    print every stored message as JSON
//	sosmesh-remote [flags] count   print the number of stored messages
//	sosmesh-remote --yes purge     delete every stored message
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sosmesh/internal/config"
	"github.com/sosmesh/internal/remote"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		configPath string
		kind       string
		baseURL    string
		collection string
		yes        bool
		logLevel   string
	)
	flagSet := pflag.NewFlagSet("sosmesh-remote", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("SOSMESH_CONFIG"), "path to the YAML config file")
	flagSet.StringVar(&kind, "remote", "", "remote store: http or postgres")
	flagSet.StringVar(&baseURL, "base-url", "", "base URL of the HTTP store")
	flagSet.StringVar(&collection, "collection", "", "collection name in the HTTP store")
	flagSet.BoolVar(&yes, "yes", false, "confirm destructive commands")
	flagSet.StringVar(&logLevel, "log-level", "warn", "debug, info, warn or error")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: sosmesh-remote [flags] dump|count|purge\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("expected exactly one command")
	}
	command := flagSet.Arg(0)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if flagSet.Changed("remote") {
		cfg.Remote.Kind = kind
	}
	if flagSet.Changed("base-url") {
		cfg.Remote.HTTP.BaseURL = baseURL
	}
	if flagSet.Changed("collection") {
		cfg.Remote.HTTP.Collection = collection
	}

	logger := config.LogConfig{Level: logLevel, Format: "text"}.Logger(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	admin, closeAdmin, err := openAdmin(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeAdmin()

	switch command {
	case "dump":
		docs, err := admin.Dump(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(docs)

	case "count":
		docs, err := admin.Dump(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, len(docs))
		return err

	case "purge":
		if !yes {
			return errors.New("purge deletes every stored message; pass --yes to confirm")
		}
		if err := admin.Purge(ctx); err != nil {
			return err
		}
		_, err := fmt.Fprintln(stdout, "purged")
		return err
	}
	return fmt.Errorf("unknown command %q", command)
}

func openAdmin(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Admin, func(), error) {
	switch cfg.Remote.Kind {
	case "http":
		if cfg.Remote.HTTP.BaseURL == "" {
			return nil, nil, errors.New("remote.http.base_url is required")
		}
		store, err := remote.NewHTTPStore(remote.HTTPConfig{
			BaseURL:    cfg.Remote.HTTP.BaseURL,
			Collection: cfg.Remote.HTTP.Collection,
			AuthToken:  config.Secret(cfg.Remote.HTTP.AuthTokenEnv),
			Client:     remote.NewHTTPClient(cfg.Remote.HTTP.Timeout),
			Logger:     logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	case "postgres":
		dsn := config.Secret(cfg.Remote.Postgres.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("environment variable %s holds no postgres DSN", cfg.Remote.Postgres.DSNEnv)
		}
		store, err := remote.OpenPostgres(ctx, dsn, false, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("remote store %q has no admin commands; use --remote http or postgres", cfg.Remote.Kind)
}
