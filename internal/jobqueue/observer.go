package jobqueue

import (
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/metrics"
)

// Observer receives job lifecycle events on the consuming goroutine. For a
// given job OnActive is always delivered before OnCompleted or OnFailed.
type Observer interface {
	OnActive(job Job)
	OnCompleted(job Job, elapsed time.Duration)
	OnFailed(job Job, err error, willRetry bool)
	OnError(err error)
}

// Observers fans events out in registration order.
type Observers []Observer

// OnActive implements Observer.
func (o Observers) OnActive(job Job) {
	for _, obs := range o {
		obs.OnActive(job)
	}
}

// OnCompleted implements Observer.
func (o Observers) OnCompleted(job Job, elapsed time.Duration) {
	for _, obs := range o {
		obs.OnCompleted(job, elapsed)
	}
}

// OnFailed implements Observer.
func (o Observers) OnFailed(job Job, err error, willRetry bool) {
	for _, obs := range o {
		obs.OnFailed(job, err, willRetry)
	}
}

// OnError implements Observer.
func (o Observers) OnError(err error) {
	for _, obs := range o {
		obs.OnError(err)
	}
}

// NopObserver ignores every event.
type NopObserver struct{}

// OnActive implements Observer.
func (NopObserver) OnActive(Job) {}

// OnCompleted implements Observer.
func (NopObserver) OnCompleted(Job, time.Duration) {}

// OnFailed implements Observer.
func (NopObserver) OnFailed(Job, error, bool) {}

// OnError implements Observer.
func (NopObserver) OnError(error) {}

// LogObserver writes lifecycle events to a zap logger.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver wires a logger to the Observer interface.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func jobFields(job Job) []zap.Field {
	return []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("queue", job.Name),
		zap.Int("attempt", job.Attempt),
	}
}

// OnActive implements Observer.
func (l *LogObserver) OnActive(job Job) {
	l.logger.Info("job active", jobFields(job)...)
}

// OnCompleted implements Observer.
func (l *LogObserver) OnCompleted(job Job, elapsed time.Duration) {
	l.logger.Info("job completed", append(jobFields(job), zap.Duration("elapsed", elapsed))...)
}

// OnFailed implements Observer.
func (l *LogObserver) OnFailed(job Job, err error, willRetry bool) {
	l.logger.Error("job failed", append(jobFields(job), zap.Bool("will_retry", willRetry), zap.Error(err))...)
}

// OnError implements Observer.
func (l *LogObserver) OnError(err error) {
	l.logger.Error("queue backend error", zap.Error(err))
}

// MetricsObserver counts lifecycle events per backend.
type MetricsObserver struct {
	backend string
}

// NewMetricsObserver labels events with the backend kind.
func NewMetricsObserver(kind Kind) MetricsObserver {
	return MetricsObserver{backend: string(kind)}
}

// OnActive implements Observer.
func (m MetricsObserver) OnActive(Job) {
	metrics.ObserveQueueEvent(m.backend, "active")
}

// OnCompleted implements Observer.
func (m MetricsObserver) OnCompleted(Job, time.Duration) {
	metrics.ObserveQueueEvent(m.backend, "completed")
}

// OnFailed implements Observer.
func (m MetricsObserver) OnFailed(_ Job, _ error, willRetry bool) {
	event := "failed"
	if willRetry {
		event = "retrying"
	}
	metrics.ObserveQueueEvent(m.backend, event)
}

// OnError implements Observer.
func (m MetricsObserver) OnError(error) {
	metrics.ObserveQueueEvent(m.backend, "error")
}
