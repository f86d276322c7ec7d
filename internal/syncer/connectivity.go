package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sosmesh/internal/clock"
)

// Connectivity reports whether the remote store is reachable.
type Connectivity interface {
	Online() bool
	// Watch calls fn with the new state on every transition. The returned
	// function stops the notifications.
	Watch(fn func(online bool)) (cancel func())
}

// Signal is a Connectivity driven by its owner: tests, the HTTP API, or a
// platform network observer.
type Signal struct {
	mu       sync.Mutex
	online   bool
	nextID   uint64
	watchers map[uint64]func(bool)
}

func NewSignal(online bool) *Signal {
	return &Signal{online: online, watchers: make(map[uint64]func(bool))}
}

func (s *Signal) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set changes the state and notifies watchers if it differs from the
// current one.
func (s *Signal) Set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	watchers := make([]func(bool), 0, len(s.watchers))
	for _, fn := range s.watchers {
		watchers = append(watchers, fn)
	}
	s.mu.Unlock()

	for _, fn := range watchers {
		fn(online)
	}
}

func (s *Signal) Watch(fn func(bool)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

// ProbeConfig configures a Probe.
type ProbeConfig struct {
	URL              string
	Interval         time.Duration // default 15s
	Timeout          time.Duration // default 5s
	FailureThreshold int           // consecutive failures before going offline, default 2
	Client           *http.Client
	Clock            clock.Clock
	Logger           *slog.Logger
}

// ProbeStatus is the latest probe outcome.
type ProbeStatus struct {
	Online              bool          `json:"online"`
	LastCheck           time.Time     `json:"last_check"`
	LastLatency         time.Duration `json:"last_latency"`
	LastError           string        `json:"last_error,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// Probe polls a health URL. One success marks the link online; it goes
// offline after FailureThreshold consecutive failures, so a single dropped
// request does not flap the state.
type Probe struct {
	*Signal
	cfg    ProbeConfig
	logger *slog.Logger

	mu       sync.Mutex
	status   ProbeStatus
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewProbe(cfg ProbeConfig) (*Probe, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("syncer: probe url is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Probe{
		Signal:   NewSignal(false),
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "probe"),
		stopChan: make(chan struct{}),
	}, nil
}

// Start checks once and then polls in the background.
func (p *Probe) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := p.cfg.Clock.NewTicker(p.cfg.Interval)
		defer ticker.Stop()

		p.Check(context.Background())
		for {
			select {
			case <-ticker.C:
				p.Check(context.Background())
			case <-p.stopChan:
				return
			}
		}
	}()
}

func (p *Probe) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.wg.Wait()
	})
}

// Check performs one probe and updates the state. It returns the state
// after the check.
func (p *Probe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := p.cfg.Clock.Now()
	err := p.request(ctx)
	latency := p.cfg.Clock.Now().Sub(start)

	p.mu.Lock()
	p.status.LastCheck = start
	p.status.LastLatency = latency
	online := p.status.Online
	if err == nil {
		p.status.LastError = ""
		p.status.ConsecutiveFailures = 0
		online = true
	} else {
		p.status.LastError = err.Error()
		p.status.ConsecutiveFailures++
		if p.status.ConsecutiveFailures >= p.cfg.FailureThreshold {
			online = false
		}
	}
	changed := online != p.status.Online
	p.status.Online = online
	p.mu.Unlock()

	if changed {
		p.logger.Info("connectivity changed", "online", online, "url", p.cfg.URL, "error", err)
	}
	p.Set(online)
	return online
}

func (p *Probe) request(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		return err
	}
	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func (p *Probe) Status() ProbeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
