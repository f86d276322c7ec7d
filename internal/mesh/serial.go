package mesh

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tarm/serial"
)

// SerialConfig describes a serial-attached radio modem (LoRa, packet radio)
// running in transparent broadcast mode.
type SerialConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// SerialMedium writes one frame per line to a radio modem and reads frames
// heard over the air line by line. JSON frames never contain raw newlines,
// so a newline is an unambiguous frame terminator.
type SerialMedium struct {
	port   io.ReadWriteCloser
	logger *slog.Logger
	subs   fanout

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// OpenSerialMedium opens the serial port described by cfg.
func OpenSerialMedium(cfg SerialConfig, logger *slog.Logger) (*SerialMedium, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	return NewSerialMedium(port, logger), nil
}

// NewSerialMedium runs the medium over an already opened line.
func NewSerialMedium(port io.ReadWriteCloser, logger *slog.Logger) *SerialMedium {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &SerialMedium{
		port:   port,
		logger: logger.With("component", "serial-medium"),
		done:   make(chan struct{}),
	}
	go m.readLoop()
	return m
}

func (m *SerialMedium) readLoop() {
	scanner := bufio.NewScanner(m.port)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			// Modems print status lines; only JSON frames are mesh traffic.
			continue
		}
		m.subs.deliver(line)
	}
	select {
	case <-m.done:
	default:
		if err := scanner.Err(); err != nil {
			m.logger.Error("serial read failed", "error", err)
		}
	}
}

func (m *SerialMedium) Publish(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-m.done:
		return ErrMediumClosed
	default:
	}
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("serial frame contains a newline")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')
	if _, err := m.port.Write(line); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (m *SerialMedium) Subscribe(fn func([]byte)) (func(), error) {
	return m.subs.add(fn), nil
}

func (m *SerialMedium) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.port.Close()
	})
	return err
}
