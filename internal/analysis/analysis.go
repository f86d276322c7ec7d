// Package analysis classifies emergency messages. Remote analysis goes
// through a rate-limited dispatcher; when the service is unavailable a
// local keyword heuristic takes over, so callers always get a severity.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnavailable is returned when no remote analysis could be obtained.
var ErrUnavailable = errors.New("analysis: unavailable")

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Source records where a Result came from.
type Source string

const (
	SourceRemote    Source = "remote"
	SourceHeuristic Source = "heuristic"
)

// Result is the classification of one message.
type Result struct {
	Severity Severity `json:"severity"`
	Category string   `json:"category,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Source   Source   `json:"source"`
}

// Analyzer classifies free text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (Result, error)
}

// ProviderError is returned when the analysis service answers with a
// non-success status.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("analysis: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("analysis: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited reports whether the service asked us to slow down.
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == 429
}

var severityKeywords = []struct {
	severity Severity
	category string
	words    []string
}{
	{SeverityCritical, "medical", []string{"unconscious", "not breathing", "bleeding", "heart attack", "cardiac", "dying"}},
	{SeverityCritical, "fire", []string{"fire", "burning", "smoke", "explosion"}},
	{SeverityCritical, "trapped", []string{"trapped", "collapsed", "buried", "drowning"}},
	{SeverityHigh, "medical", []string{"injured", "injury", "broken", "pain", "hurt", "wound"}},
	{SeverityHigh, "hazard", []string{"flood", "gas leak", "earthquake", "landslide"}},
	{SeverityMedium, "supplies", []string{"water", "food", "medicine", "shelter", "stranded", "lost"}},
}

// Heuristic classifies text by keyword. It never fails.
func Heuristic(text string) Result {
	lower := strings.ToLower(text)
	for _, rule := range severityKeywords {
		for _, word := range rule.words {
			if strings.Contains(lower, word) {
				return Result{
					Severity: rule.severity,
					Category: rule.category,
					Summary:  fmt.Sprintf("matched %q", word),
					Source:   SourceHeuristic,
				}
			}
		}
	}
	return Result{Severity: SeverityLow, Category: "general", Source: SourceHeuristic}
}
