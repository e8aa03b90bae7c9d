// Package state tracks the in-memory build status of every stage
package state

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/stage"
	"github.com/poltergeist/sitegeist/pkg/types"
)

// StageState is the status snapshot of one stage
type StageState struct {
	Stage         types.StageName   `json:"stage"`
	BuildStatus   types.BuildStatus `json:"buildStatus"`
	LastBuildTime time.Time         `json:"lastBuildTime,omitempty"`
	BuildCount    int               `json:"buildCount"`
	FailureCount  int               `json:"failureCount"`
	LastError     string            `json:"lastError,omitempty"`
	BuildDuration time.Duration     `json:"buildDuration,omitempty"`
	Outputs       []string          `json:"outputs,omitempty"`
}

// StateManager holds stage states for the process lifetime. Nothing is
// written to disk.
type StateManager struct {
	logger logger.Logger
	mu     sync.RWMutex
	states map[types.StageName]*StageState
	// status before the current run, restored when the run is cancelled
	previous map[types.StageName]types.BuildStatus
	now      func() time.Time
}

// NewStateManager creates a state manager with every given stage idle
func NewStateManager(log logger.Logger, stages ...types.StageName) *StateManager {
	sm := &StateManager{
		logger: log,
		states:   make(map[types.StageName]*StageState),
		previous: make(map[types.StageName]types.BuildStatus),
		now:      time.Now,
	}
	for _, name := range stages {
		sm.states[name] = &StageState{Stage: name, BuildStatus: types.BuildStatusIdle}
	}
	return sm
}

// MarkBuilding records that a run of name has started
func (sm *StateManager) MarkBuilding(name types.StageName) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	st := sm.get(name)
	if st.BuildStatus != types.BuildStatusBuilding {
		sm.previous[name] = st.BuildStatus
	}
	st.BuildStatus = types.BuildStatusBuilding
}

// MarkFinished records the outcome of a run. A cancelled run leaves the
// stage as it was before the run.
func (sm *StateManager) MarkFinished(name types.StageName, res *stage.Result, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	st := sm.get(name)
	if errors.Is(err, context.Canceled) {
		if prev, ok := sm.previous[name]; ok {
			st.BuildStatus = prev
		}
		return
	}
	st.LastBuildTime = sm.now()
	if res != nil {
		st.BuildDuration = res.Duration
	}

	if err != nil {
		st.BuildStatus = types.BuildStatusFailed
		st.FailureCount++
		st.LastError = err.Error()
		return
	}

	st.BuildStatus = types.BuildStatusSucceeded
	st.BuildCount++
	st.LastError = ""
	if res != nil && len(res.Outputs) > 0 {
		st.Outputs = append([]string(nil), res.Outputs...)
	}
}

// ReadState returns a copy of one stage's state
func (sm *StateManager) ReadState(name types.StageName) (StageState, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	st, ok := sm.states[name]
	if !ok {
		return StageState{}, false
	}
	return copyState(st), true
}

// Snapshot returns copies of all states in stage declaration order
func (sm *StateManager) Snapshot() []StageState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	order := make(map[types.StageName]int)
	for i, name := range types.AllStages() {
		order[name] = i
	}

	out := make([]StageState, 0, len(sm.states))
	for _, st := range sm.states {
		out = append(out, copyState(st))
	}
	sort.Slice(out, func(i, j int) bool { return order[out[i].Stage] < order[out[j].Stage] })
	return out
}

// Failed lists the stages whose last run failed
func (sm *StateManager) Failed() []types.StageName {
	var failed []types.StageName
	for _, st := range sm.Snapshot() {
		if st.BuildStatus == types.BuildStatusFailed {
			failed = append(failed, st.Stage)
		}
	}
	return failed
}

func (sm *StateManager) get(name types.StageName) *StageState {
	st, ok := sm.states[name]
	if !ok {
		sm.logger.Debug("Tracking state for undeclared stage", logger.WithField("stage", name))
		st = &StageState{Stage: name, BuildStatus: types.BuildStatusIdle}
		sm.states[name] = st
	}
	return st
}

func copyState(st *StageState) StageState {
	c := *st
	c.Outputs = append([]string(nil), st.Outputs...)
	return c
}
