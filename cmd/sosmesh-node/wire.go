package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sosmesh/internal/config"
	"github.com/sosmesh/internal/mesh"
	"github.com/sosmesh/internal/mqttclient"
	"github.com/sosmesh/internal/remote"
	"github.com/sosmesh/internal/syncer"
)

func newHTTPClient(cfg *config.Config) *http.Client {
	return remote.NewHTTPClient(cfg.Remote.HTTP.Timeout)
}

// buildMedium opens the configured broadcast medium. The returned function
// releases it and anything it owns.
func buildMedium(cfg *config.Config, logger *slog.Logger) (mesh.Medium, func(), error) {
	switch cfg.Mesh.Medium {
	case "memory":
		// A single-node loopback bus, for trying the API without radios.
		medium := mesh.NewMemoryBus().Join(cfg.Node.ID)
		return medium, func() { medium.Close() }, nil

	case "mqtt":
		clientID := cfg.Mesh.MQTT.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("sosmesh-%s-%d", cfg.Node.ID, time.Now().UnixNano())
		}
		client, err := mqttclient.New(mqttclient.Options{
			BrokerURL: cfg.Mesh.MQTT.Broker,
			ClientID:  clientID,
			Username:  cfg.Mesh.MQTT.Username,
			Password:  config.Secret(cfg.Mesh.MQTT.PasswordEnv),
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		medium := mesh.NewMQTTMedium(client, cfg.Mesh.MQTT.Topic, 0)
		return medium, func() {
			medium.Close()
			client.Close()
		}, nil

	case "serial":
		medium, err := mesh.OpenSerialMedium(mesh.SerialConfig{
			Port:        cfg.Mesh.Serial.Port,
			Baud:        cfg.Mesh.Serial.Baud,
			ReadTimeout: cfg.Mesh.Serial.ReadTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return medium, func() { medium.Close() }, nil

	case "tcp":
		medium := mesh.NewTCPMedium(cfg.Mesh.TCP.Listen, cfg.Mesh.TCP.Peers, cfg.Mesh.TCP.Timeout, logger)
		if err := medium.Start(); err != nil {
			return nil, nil, err
		}
		return medium, func() { medium.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown medium %q", cfg.Mesh.Medium)
}

func buildRemote(ctx context.Context, cfg *config.Config, logger *slog.Logger) (remote.Store, func(), error) {
	switch cfg.Remote.Kind {
	case "memory":
		return remote.NewMemoryStore(), func() {}, nil

	case "http":
		store, err := remote.NewHTTPStore(remote.HTTPConfig{
			BaseURL:    cfg.Remote.HTTP.BaseURL,
			Collection: cfg.Remote.HTTP.Collection,
			AuthToken:  config.Secret(cfg.Remote.HTTP.AuthTokenEnv),
			Client:     newHTTPClient(cfg),
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
		store, err := remote.OpenPostgres(ctx, dsn, cfg.Remote.Postgres.Migrate, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown remote store %q", cfg.Remote.Kind)
}

// buildConnectivity returns the connectivity source. manual is non-nil only
// when connectivity is driven through the API.
func buildConnectivity(cfg *config.Config, startOnline bool, logger *slog.Logger) (conn syncer.Connectivity, manual *syncer.Signal, stop func(), err error) {
	if cfg.Sync.Connectivity == "manual" {
		signal := syncer.NewSignal(startOnline)
		return signal, signal, func() {}, nil
	}
	probe, err := syncer.NewProbe(syncer.ProbeConfig{
		URL:              cfg.Sync.Probe.URL,
		Interval:         cfg.Sync.Probe.Interval,
		Timeout:          cfg.Sync.Probe.Timeout,
		FailureThreshold: cfg.Sync.Probe.FailureThreshold,
		Client:           newHTTPClient(cfg),
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	probe.Start()
	return probe, nil, probe.Stop, nil
}
