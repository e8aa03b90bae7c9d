package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	scontext "github.com/poltergeist/sitegeist/pkg/context"
	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/notifier"
	"github.com/poltergeist/sitegeist/pkg/types"
)

// Publisher receives the reload event of every finished run
type Publisher interface {
	Publish(event types.ReloadEvent)
}

// StatusRecorder tracks per-stage build status
type StatusRecorder interface {
	MarkBuilding(name types.StageName)
	MarkFinished(name types.StageName, res *Result, err error)
}

// MetricsRecorder observes stage runs
type MetricsRecorder interface {
	ObserveRun(name types.StageName, duration time.Duration, outputs int, err error)
}

// Executor runs stages behind the failure boundary: a failed run is logged,
// notified and published, and never propagates to the caller's control flow.
type Executor struct {
	logger    logger.Logger
	notifier  notifier.Notifier
	publisher Publisher
	status    StatusRecorder
	metrics   MetricsRecorder
	now       func() time.Time
}

// ExecutorOption configures an Executor
type ExecutorOption func(*Executor)

// WithPublisher sets the reload event sink
func WithPublisher(p Publisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

// WithStatusRecorder sets the status sink
func WithStatusRecorder(s StatusRecorder) ExecutorOption {
	return func(e *Executor) { e.status = s }
}

// WithMetricsRecorder sets the metrics sink
func WithMetricsRecorder(m MetricsRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor. A nil notifier disables notifications.
func NewExecutor(log logger.Logger, n notifier.Notifier, opts ...ExecutorOption) *Executor {
	e := &Executor{
		logger:   log,
		notifier: n,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one stage. The returned error is informational only; every
// side channel has already been fed when Execute returns.
func (e *Executor) Execute(ctx context.Context, s *Stage, trigger string) (*Result, error) {
	ctx = scontext.NewRun(ctx, string(s.Name()), trigger)
	log := logger.WithContext(ctx, e.logger.WithStage(string(s.Name())))

	if e.status != nil {
		e.status.MarkBuilding(s.Name())
	}
	log.Debug("Running stage")

	res, err := s.Run(ctx)

	if e.status != nil {
		e.status.MarkFinished(s.Name(), res, err)
	}
	if errors.Is(err, context.Canceled) {
		// shutdown interrupted the run, it did not fail
		log.Debug("Run cancelled")
		return res, err
	}
	if e.metrics != nil {
		e.metrics.ObserveRun(s.Name(), res.Duration, len(res.Outputs), err)
	}

	if err != nil {
		log.Error("Stage failed", logger.WithError(err))
		if e.notifier != nil {
			e.notifier.NotifyStageFailure(string(s.Name()), cause(err))
		}
		e.publish(types.ReloadEvent{
			Stage:     s.Name(),
			Kind:      types.EventFailed,
			Error:     cause(err).Error(),
			Timestamp: e.now(),
		})
		return res, err
	}

	if len(res.Outputs) == 0 {
		log.Debug("Nothing to build", logger.WithField("inputs", res.Inputs))
		return res, nil
	}

	log.Success(fmt.Sprintf("Built %d file(s) in %s", len(res.Outputs), notifier.FormatDuration(res.Duration)),
		logger.WithField("inputs", res.Inputs))
	if e.notifier != nil {
		e.notifier.NotifyStageSuccess(string(s.Name()), res.Duration)
	}
	e.publish(types.ReloadEvent{
		Stage:     s.Name(),
		Kind:      types.EventBuilt,
		Outputs:   res.Outputs,
		Timestamp: e.now(),
	})
	return res, nil
}

func (e *Executor) publish(event types.ReloadEvent) {
	if e.publisher != nil {
		e.publisher.Publish(event)
	}
}

// cause strips the StageError wrapper, the notifier adds the stage name itself
func cause(err error) error {
	var se *StageError
	if errors.As(err, &se) {
		return se.Err
	}
	return err
}
