// Package config loads the node configuration from a YAML file.
//
// Values missing from the file keep their defaults. Paths may reference
// ${HOME}, ${SOSMESH_DATA} (the node data directory) and other environment
// variables, with ${VAR:-default} fallbacks. Secrets are never stored in the
// file; it names the environment variables that hold them.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Log      LogConfig      `yaml:"log"`
	Mesh     MeshConfig     `yaml:"mesh"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Sync     SyncConfig     `yaml:"sync"`
	Remote   RemoteConfig   `yaml:"remote"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Analysis AnalysisConfig `yaml:"analysis"`
	HTTP     HTTPConfig     `yaml:"http"`
}

type NodeConfig struct {
	// ID names this device on the mesh. It becomes the sender id of every
	// message the node originates.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// MeshConfig configures the router and the broadcast medium.
type MeshConfig struct {
	Medium        string        `yaml:"medium"` // memory, mqtt, serial or tcp
	MaxHops       uint          `yaml:"max_hops"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	JitterMin     time.Duration `yaml:"jitter_min"`
	JitterMax     time.Duration `yaml:"jitter_max"`
	DedupCapacity int           `yaml:"dedup_capacity"`
	MQTT          MQTTConfig    `yaml:"mqtt"`
	Serial        SerialConfig  `yaml:"serial"`
	TCP           TCPConfig     `yaml:"tcp"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	Topic       string `yaml:"topic"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	PasswordEnv string `yaml:"password_env"`
}

type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type TCPConfig struct {
	Listen  string        `yaml:"listen"`
	Peers   []string      `yaml:"peers"`
	Timeout time.Duration `yaml:"timeout"`
}

type OutboxConfig struct {
	SQLitePath   string        `yaml:"sqlite_path"`
	FallbackPath string        `yaml:"fallback_path"`
	CompactGrace time.Duration `yaml:"compact_grace"`
}

type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	// Connectivity is "probe" to poll Probe.URL or "manual" to drive it
	// through the HTTP API.
	Connectivity string      `yaml:"connectivity"`
	Probe        ProbeConfig `yaml:"probe"`
}

type ProbeConfig struct {
	URL              string        `yaml:"url"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

type RemoteConfig struct {
	Kind     string               `yaml:"kind"` // http, postgres or memory
	HTTP     RemoteHTTPConfig     `yaml:"http"`
	Postgres RemotePostgresConfig `yaml:"postgres"`
}

type RemoteHTTPConfig struct {
	BaseURL      string        `yaml:"base_url"`
	Collection   string        `yaml:"collection"`
	AuthTokenEnv string        `yaml:"auth_token_env"`
	Timeout      time.Duration `yaml:"timeout"`
}

type RemotePostgresConfig struct {
	DSNEnv  string `yaml:"dsn_env"`
	Migrate bool   `yaml:"migrate"`
}

type DispatchConfig struct {
	Spacing        time.Duration `yaml:"spacing"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

type AnalysisConfig struct {
	// Endpoint is empty to classify with the local heuristic only.
	Endpoint  string `yaml:"endpoint"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			DataDir: "${HOME}/.sosmesh",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Mesh: MeshConfig{
			Medium:        "mqtt",
			MaxHops:       5,
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
			JitterMin:     100 * time.Millisecond,
			JitterMax:     300 * time.Millisecond,
			DedupCapacity: 10000,
			MQTT: MQTTConfig{
				Broker: "tcp://localhost:1883",
				Topic:  "sosmesh/broadcast",
			},
			Serial: SerialConfig{Baud: 9600, ReadTimeout: time.Second},
			TCP:    TCPConfig{Listen: ":7946", Timeout: 5 * time.Second},
		},
		Outbox: OutboxConfig{
			SQLitePath:   "${SOSMESH_DATA}/outbox.db",
			FallbackPath: "${SOSMESH_DATA}/outbox.log",
		},
		Sync: SyncConfig{
			Interval:      30 * time.Second,
			UploadTimeout: 15 * time.Second,
			Connectivity:  "manual",
			Probe: ProbeConfig{
				Interval:         15 * time.Second,
				Timeout:          5 * time.Second,
				FailureThreshold: 2,
			},
		},
		Remote: RemoteConfig{
			Kind: "memory",
			HTTP: RemoteHTTPConfig{
				Collection: "sos_messages",
				Timeout:    15 * time.Second,
			},
			Postgres: RemotePostgresConfig{DSNEnv: "SOSMESH_POSTGRES_DSN"},
		},
		Dispatch: DispatchConfig{
			Spacing:        4 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 2 * time.Second,
		},
		Analysis: AnalysisConfig{APIKeyEnv: "SOSMESH_ANALYSIS_KEY"},
		HTTP:     HTTPConfig{Listen: ":8080"},
	}
}

// LoadFile reads path over the defaults and expands path variables.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.ExpandPaths()
	return cfg, nil
}

// ExpandPaths resolves variables in every path setting. LoadFile calls it;
// callers that build a Config by hand call it after applying overrides.
func (c *Config) ExpandPaths() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Node.DataDir = expandVars(c.Node.DataDir, vars)
	vars["SOSMESH_DATA"] = c.Node.DataDir

	c.Outbox.SQLitePath = expandVars(c.Outbox.SQLitePath, vars)
	c.Outbox.FallbackPath = expandVars(c.Outbox.FallbackPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors and reports all of them.
func (c *Config) Validate() error {
	var errs []error

	if c.Node.ID == "" {
		errs = append(errs, errors.New("node.id is required"))
	}
	if c.Node.DataDir == "" {
		errs = append(errs, errors.New("node.data_dir is required"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	switch c.Mesh.Medium {
	case "memory":
	case "mqtt":
		if c.Mesh.MQTT.Broker == "" {
			errs = append(errs, errors.New("mesh.mqtt.broker is required for the mqtt medium"))
		}
	case "serial":
		if c.Mesh.Serial.Port == "" {
			errs = append(errs, errors.New("mesh.serial.port is required for the serial medium"))
		}
	case "tcp":
		if c.Mesh.TCP.Listen == "" {
			errs = append(errs, errors.New("mesh.tcp.listen is required for the tcp medium"))
		}
	default:
		errs = append(errs, fmt.Errorf("mesh.medium %q must be memory, mqtt, serial or tcp", c.Mesh.Medium))
	}
	if c.Mesh.MaxHops == 0 {
		errs = append(errs, errors.New("mesh.max_hops must be positive"))
	}
	if c.Mesh.JitterMax < c.Mesh.JitterMin {
		errs = append(errs, errors.New("mesh.jitter_max must not be below mesh.jitter_min"))
	}

	if c.Outbox.SQLitePath == "" && c.Outbox.FallbackPath == "" {
		errs = append(errs, errors.New("outbox needs sqlite_path or fallback_path"))
	}

	switch c.Sync.Connectivity {
	case "manual":
	case "probe":
		if c.Sync.Probe.URL == "" {
			errs = append(errs, errors.New("sync.probe.url is required for probe connectivity"))
		}
	default:
		errs = append(errs, fmt.Errorf("sync.connectivity %q must be probe or manual", c.Sync.Connectivity))
	}

	switch c.Remote.Kind {
	case "memory":
	case "http":
		if c.Remote.HTTP.BaseURL == "" {
			errs = append(errs, errors.New("remote.http.base_url is required for the http remote"))
		}
	case "postgres":
		if c.Remote.Postgres.DSNEnv == "" {
			errs = append(errs, errors.New("remote.postgres.dsn_env is required for the postgres remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("remote.kind %q must be http, postgres or memory", c.Remote.Kind))
	}

	if c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// EnsureDataDir creates the data directory and the directories holding the
// outbox files.
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.Node.DataDir, filepath.Dir(c.Outbox.SQLitePath), filepath.Dir(c.Outbox.FallbackPath)} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: creating %s: %w", dir, err)
		}
	}
	return nil
}

// Secret reads the environment variable named by envName. An empty name
// yields an empty secret.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return os.Getenv(envName)
}

// Logger builds the slog handler described by the log section.
func (c LogConfig) Logger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
