package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sosmesh/internal/dispatch"
)

// Triage routes analysis requests through a dispatcher so the remote
// service sees at most one call per spacing interval.
type Triage struct {
	analyzer   Analyzer
	dispatcher *dispatch.Dispatcher[Result]
	logger     *slog.Logger
}

// NewTriage wraps analyzer. A nil analyzer makes every request fall back to
// the heuristic.
func NewTriage(analyzer Analyzer, cfg dispatch.Config) *Triage {
	if cfg.Name == "" {
		cfg.Name = "triage"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Triage{
		analyzer:   analyzer,
		dispatcher: dispatch.New[Result](cfg),
		logger:     cfg.Logger.With("component", "triage"),
	}
}

// Remote asks the remote analyzer only. It returns ErrUnavailable, wrapping
// the last provider error, when the dispatcher could not get an answer.
func (t *Triage) Remote(ctx context.Context, text string) (Result, error) {
	if t.analyzer == nil {
		return Result{}, ErrUnavailable
	}
	r := t.dispatcher.Do(ctx, func(ctx context.Context) (Result, error) {
		return t.analyzer.Analyze(ctx, text)
	})
	if !r.OK {
		if r.Err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrUnavailable, r.Err)
		}
		return Result{}, ErrUnavailable
	}
	return r.Value, nil
}

// Classify returns the remote classification when one is available and the
// keyword heuristic otherwise. It blocks until the dispatcher resolves the
// request, so callers on a user-facing path run it in the background.
func (t *Triage) Classify(ctx context.Context, text string) Result {
	res, err := t.Remote(ctx, text)
	if err == nil {
		return res
	}
	t.logger.Debug("remote analysis unavailable, using heuristic", "error", err)
	return Heuristic(text)
}

// ClassifyAsync runs Classify in the background and delivers the result to
// fn.
func (t *Triage) ClassifyAsync(ctx context.Context, text string, fn func(Result)) {
	go func() {
		fn(t.Classify(ctx, text))
	}()
}

func (t *Triage) Stats() dispatch.Stats {
	return t.dispatcher.Stats()
}

func (t *Triage) Shutdown() {
	t.dispatcher.Shutdown()
}
