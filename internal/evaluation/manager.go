// Package evaluation fans a site subject out to the configured evaluators
// and joins their outcomes.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-audit/internal/ai"
	"github.com/JakeFAU/site-audit/internal/audit"
	"github.com/JakeFAU/site-audit/internal/metrics"
)

// FallbackScore is assigned to an evaluator that could not finish.
const FallbackScore = 50

// Evaluator scores one aspect of a site.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, subject audit.Subject) (audit.Outcome, error)
}

// Requester sends a request through the shared AI request queue.
type Requester interface {
	Enqueue(ctx context.Context, req ai.Request) (ai.Response, error)
}

// Summary is the joined result of one fan-out.
type Summary struct {
	Results         map[string]audit.Outcome
	SuccessCount    int
	FailureCount    int
	TotalDurationMs int64
}

// Manager runs every evaluator concurrently and waits for all of them.
type Manager struct {
	evaluators []Evaluator
	logger     *zap.Logger
}

// NewManager validates that evaluator names are present and unique.
func NewManager(logger *zap.Logger, evaluators ...Evaluator) (*Manager, error) {
	if len(evaluators) == 0 {
		return nil, errors.New("at least one evaluator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]struct{}, len(evaluators))
	for _, ev := range evaluators {
		if ev == nil || ev.Name() == "" {
			return nil, errors.New("evaluator must have a name")
		}
		if _, dup := seen[ev.Name()]; dup {
			return nil, fmt.Errorf("duplicate evaluator %q", ev.Name())
		}
		seen[ev.Name()] = struct{}{}
	}
	return &Manager{evaluators: evaluators, logger: logger.Named("evaluation")}, nil
}

// Names lists the configured evaluators in registration order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.evaluators))
	for _, ev := range m.evaluators {
		names = append(names, ev.Name())
	}
	return names
}

// Evaluate runs all evaluators and returns one outcome per evaluator.
// Failed evaluators are replaced by a fallback outcome, never dropped.
func (m *Manager) Evaluate(ctx context.Context, subject audit.Subject) Summary {
	start := time.Now()
	outcomes := make([]audit.Outcome, len(m.evaluators))

	var g errgroup.Group
	for i, ev := range m.evaluators {
		g.Go(func() error {
			outcomes[i] = m.run(ctx, ev, subject)
			return nil
		})
	}
	_ = g.Wait()

	summary := Summary{Results: make(map[string]audit.Outcome, len(outcomes))}
	for _, out := range outcomes {
		summary.Results[out.TaskName] = out
		if out.Succeeded {
			summary.SuccessCount++
		} else {
			summary.FailureCount++
		}
		metrics.ObserveEvaluation(out.TaskName, out.Succeeded)
	}
	elapsed := time.Since(start)
	summary.TotalDurationMs = elapsed.Milliseconds()
	metrics.ObserveEvaluationDuration(elapsed)

	m.logger.Info("evaluation finished",
		zap.String("url", subject.URL),
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.FailureCount),
		zap.Duration("elapsed", elapsed),
	)
	return summary
}

func (m *Manager) run(ctx context.Context, ev Evaluator, subject audit.Subject) (out audit.Outcome) {
	name := ev.Name()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("evaluator panicked", zap.String("evaluator", name), zap.Any("panic", r))
			out = Fallback(name, fmt.Errorf("evaluator panicked: %v", r))
		}
	}()

	result, err := ev.Evaluate(ctx, subject)
	if err != nil {
		m.logger.Warn("evaluator failed", zap.String("evaluator", name), zap.Error(err))
		return Fallback(name, err)
	}
	result.TaskName = name
	result.Succeeded = true
	result.Error = ""
	return result
}

// Fallback builds the neutral outcome used when an evaluator fails.
func Fallback(name string, err error) audit.Outcome {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return audit.Outcome{
		TaskName:        name,
		Score:           FallbackScore,
		Insights:        []string{fmt.Sprintf("The %s evaluation could not be completed, so a neutral score was assigned.", name)},
		Recommendations: []string{"Re-run the audit to obtain a complete assessment."},
		Succeeded:       false,
		Error:           msg,
	}
}

// OverallScore combines outcome scores with the given weights, normalised by
// the weights of the evaluators present. With no positive weights it falls
// back to the plain average.
func OverallScore(results map[string]audit.Outcome, weights map[string]float64) int {
	if len(results) == 0 {
		return 0
	}
	var total, weightSum, plain float64
	for name, out := range results {
		plain += float64(out.Score)
		w := weights[name]
		if w <= 0 {
			continue
		}
		total += float64(out.Score) * w
		weightSum += w
	}
	if weightSum == 0 {
		return int(math.Round(plain / float64(len(results))))
	}
	return int(math.Round(total / weightSum))
}
