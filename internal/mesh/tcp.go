package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sosmesh/pkg/network"
)

// TCPMedium emulates a broadcast domain over a static set of peer links:
// every frame is sent to each configured peer, and frames arriving on the
// local listener are fanned out to subscribers. Unlike radio or MQTT it
// does not echo a node's own frames back to it.
type TCPMedium struct {
	client *network.Client
	server *network.Server
	peers  []string
	logger *slog.Logger
	subs   fanout
}

func NewTCPMedium(listenAddress string, peers []string, timeout time.Duration, logger *slog.Logger) *TCPMedium {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &TCPMedium{
		client: network.NewClient(timeout),
		peers:  append([]string(nil), peers...),
		logger: logger.With("component", "tcp-medium"),
	}
	m.server = network.NewServer(listenAddress, func(frame []byte, _ net.Addr) {
		m.subs.deliver(frame)
	}, logger)
	return m
}

// Start begins accepting peer links.
func (m *TCPMedium) Start() error {
	return m.server.Start()
}

// Addr is the bound listener address.
func (m *TCPMedium) Addr() net.Addr {
	return m.server.Addr()
}

// Publish sends frame to every peer. It fails only when no peer could be
// reached.
func (m *TCPMedium) Publish(ctx context.Context, frame []byte) error {
	if len(m.peers) == 0 {
		return nil
	}
	var errs []error
	for _, peer := range m.peers {
		if err := m.client.Send(ctx, peer, frame); err != nil {
			m.logger.Debug("peer unreachable", "peer", peer, "error", err)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m.peers) {
		return fmt.Errorf("no peer reachable: %w", errors.Join(errs...))
	}
	return nil
}

func (m *TCPMedium) Subscribe(fn func([]byte)) (func(), error) {
	return m.subs.add(fn), nil
}

func (m *TCPMedium) Close() error {
	return m.server.Stop()
}
