// Package context carries stage run metadata through a context.Context
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context keys for run tracing.
// Unexported struct pointers prevent key collisions.
var (
	runIDKey     = &struct{}{}
	stageKey     = &struct{}{}
	triggerKey   = &struct{}{}
	startTimeKey = &struct{}{}
)

// Trigger values recorded on a run
const (
	TriggerInitial = "initial"
	TriggerBuild   = "build"
)

// WithRunID adds a run ID to the context
func WithRunID(parent context.Context, runID string) context.Context {
	if runID == "" {
		runID = GenerateRunID()
	}
	return context.WithValue(parent, runIDKey, runID)
}

// GetRunID retrieves the run ID from context
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}

// WithStage records which stage a run belongs to
func WithStage(parent context.Context, stage string) context.Context {
	return context.WithValue(parent, stageKey, stage)
}

// GetStage retrieves the stage name from context
func GetStage(ctx context.Context) string {
	if s, ok := ctx.Value(stageKey).(string); ok {
		return s
	}
	return ""
}

// WithTrigger records what started a run: the initial build or a changed path
func WithTrigger(parent context.Context, trigger string) context.Context {
	return context.WithValue(parent, triggerKey, trigger)
}

// GetTrigger retrieves the trigger from context
func GetTrigger(ctx context.Context) string {
	if s, ok := ctx.Value(triggerKey).(string); ok {
		return s
	}
	return ""
}

// WithStartTime adds the run start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the run start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// GetDuration returns the time elapsed since the recorded start, or zero
func GetDuration(ctx context.Context) time.Duration {
	start, ok := GetStartTime(ctx)
	if !ok {
		return 0
	}
	return time.Since(start)
}

// GenerateRunID creates a new unique run ID
func GenerateRunID() string {
	return "run_" + uuid.New().String()
}

// NewRun derives a context for one stage run
func NewRun(parent context.Context, stage, trigger string) context.Context {
	ctx := WithRunID(parent, "")
	ctx = WithStage(ctx, stage)
	ctx = WithTrigger(ctx, trigger)
	return WithStartTime(ctx, time.Now())
}

// TracingFields returns the run fields for structured logging
func TracingFields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{})
	if id := GetRunID(ctx); id != "" {
		fields["run_id"] = id
	}
	if trigger := GetTrigger(ctx); trigger != "" {
		fields["trigger"] = trigger
	}
	if d := GetDuration(ctx); d > 0 {
		fields["duration_ms"] = d.Milliseconds()
	}
	return fields
}
