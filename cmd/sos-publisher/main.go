// Command sos-publisher turns panic-button presses into SOS messages on the
// mesh. It reads button lines from a serial-attached microcontroller, or
// simulates presses, and broadcasts each one over MQTT as a mesh origin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/sosmesh/internal/config"
	"github.com/sosmesh/internal/mesh"
	"github.com/sosmesh/internal/models"
	"github.com/sosmesh/internal/mqttclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		deviceID  string
		broker    string
		topic     string
		port      string
		baud      int
		sim       bool
		interval  time.Duration
		maxHops   uint
		logLevel  string
		logFormat string
	)
	flagSet := pflag.NewFlagSet("sos-publisher", pflag.ContinueOnError)
	flagSet.StringVar(&deviceID, "device-id", "button-1", "sender id of the published messages")
	flagSet.StringVar(&broker, "broker", "tcp://localhost:1883", "MQTT broker URL")
	flagSet.StringVar(&topic, "topic", "sosmesh/broadcast", "mesh broadcast topic")
	flagSet.StringVar(&port, "port", "/dev/tty.usbmodem14101", "serial port of the button controller")
	flagSet.IntVar(&baud, "baud", 9600, "serial baud rate")
	flagSet.BoolVar(&sim, "sim", true, "simulate button presses instead of reading serial")
	flagSet.DurationVar(&interval, "interval", 5*time.Second, "time between simulated presses")
	flagSet.UintVar(&maxHops, "max-hops", 5, "hop limit of published messages")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flagSet.StringVar(&logFormat, "log-format", "text", "text or json")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger := config.LogConfig{Level: logLevel, Format: logFormat}.Logger(os.Stderr)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := mqttclient.New(mqttclient.Options{
		BrokerURL: broker,
		ClientID:  fmt.Sprintf("sos-pub-%s-%d", deviceID, time.Now().UnixNano()),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	defer client.Close()

	medium := mesh.NewMQTTMedium(client, topic, 0)
	defer medium.Close()
	router, err := mesh.NewRouter(medium, mesh.Config{SelfID: deviceID, MaxHops: maxHops, Logger: logger})
	if err != nil {
		return err
	}
	if err := router.Start(); err != nil {
		return err
	}
	defer router.Shutdown()

	p := &publisher{router: router, deviceID: deviceID, logger: logger}
	if sim {
		return p.simulate(ctx, interval)
	}
	src, err := openButtons(port, baud)
	if err != nil {
		return err
	}
	defer src.Close()
	return p.readLines(ctx, src)
}

type publisher struct {
	router   *mesh.Router
	deviceID string
	logger   *slog.Logger
}

func (p *publisher) simulate(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		press := buttonPress{
			Kind: models.KindSOS,
			Text: "panic button pressed",
			Lat:  ptr(37.7749 + (rand.Float64()-0.5)*0.05),
			Lng:  ptr(-122.4194 + (rand.Float64()-0.5)*0.05),
		}
		p.publish(ctx, press)
	}
}

func (p *publisher) readLines(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		press, err := parseLine(scanner.Text())
		if err != nil {
			p.logger.Warn("ignoring button line", "line", scanner.Text(), "error", err)
			continue
		}
		p.publish(ctx, press)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serial read: %w", err)
	}
	return nil
}

func (p *publisher) publish(ctx context.Context, press buttonPress) {
	payload, err := press.payload()
	if err != nil {
		p.logger.Error("encoding payload failed", "error", err)
		return
	}
	msg, err := p.router.Broadcast(ctx, models.Message{
		SenderID: p.deviceID,
		Kind:     press.Kind,
		Payload:  payload,
	})
	if err != nil {
		p.logger.Error("broadcast failed", "error", err)
		return
	}
	p.logger.Info("published", "message_id", msg.ID, "kind", msg.Kind, "payload", string(payload))
}

// buttonPress is one line from the controller.
type buttonPress struct {
	Kind models.Kind
	Text string
	Lat  *float64
	Lng  *float64
}

func (b buttonPress) payload() (json.RawMessage, error) {
	return json.Marshal(struct {
		Text string   `json:"text,omitempty"`
		Lat  *float64 `json:"lat,omitempty"`
		Lng  *float64 `json:"lng,omitempty"`
	}{b.Text, b.Lat, b.Lng})
}

// parseLine understands the controller's line protocol:
//
//	SOS                   panic button, no fix
//	SOS,<lat>,<lng>       panic button with a GPS fix
//	SOS,<lat>,<lng>,<txt> same with a note
//	CHAT,<txt>            free text
func parseLine(line string) (buttonPress, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return buttonPress{}, errors.New("empty line")
	}
	parts := strings.SplitN(line, ",", 4)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	switch strings.ToUpper(parts[0]) {
	case "SOS":
		press := buttonPress{Kind: models.KindSOS, Text: "panic button pressed"}
		switch len(parts) {
		case 1:
			return press, nil
		case 2:
			return buttonPress{}, errors.New("latitude without longitude")
		}
		lat, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || lat < -90 || lat > 90 {
			return buttonPress{}, fmt.Errorf("bad latitude %q", parts[1])
		}
		lng, err := strconv.ParseFloat(parts[2], 64)
		if err != nil || lng < -180 || lng > 180 {
			return buttonPress{}, fmt.Errorf("bad longitude %q", parts[2])
		}
		press.Lat, press.Lng = &lat, &lng
		if len(parts) == 4 && parts[3] != "" {
			press.Text = parts[3]
		}
		return press, nil

	case "CHAT":
		_, text, _ := strings.Cut(line, ",")
		text = strings.TrimSpace(text)
		if text == "" {
			return buttonPress{}, errors.New("chat without text")
		}
		return buttonPress{Kind: models.KindChat, Text: text}, nil
	}
	return buttonPress{}, fmt.Errorf("unknown command %q", parts[0])
}

func ptr[T any](v T) *T { return &v }
