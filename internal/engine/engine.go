// Package engine runs the site pipeline: an initial build of every stage,
// then the watcher and the dev server until stopped.
package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/poltergeist/sitegeist/internal/server"
	"github.com/poltergeist/sitegeist/internal/state"
	"github.com/poltergeist/sitegeist/internal/watcher"
	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/notifier"
	"github.com/poltergeist/sitegeist/pkg/reload"
	"github.com/poltergeist/sitegeist/pkg/stage"
	"github.com/poltergeist/sitegeist/pkg/types"
	"github.com/poltergeist/sitegeist/pkg/utils"
)

// Phase is the engine lifecycle state
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitialBuild Phase = "initial-build"
	PhaseServing      Phase = "serving"
)

const shutdownTimeout = 5 * time.Second

// Summary describes one initial build
type Summary struct {
	Stages   int
	Failed   []types.StageName
	Duration time.Duration
}

// Engine owns the stage registry and, while serving, the watcher and server
type Engine struct {
	config   *types.SiteConfig
	root     string
	logger   logger.Logger
	deps     Dependencies
	registry *stage.Registry
	executor *stage.Executor
	status   *state.StateManager

	mu      sync.Mutex
	phase   Phase
	server  *server.Server
	watcher *watcher.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// New declares the stages of config under the project root
func New(config *types.SiteConfig, root string, log logger.Logger, deps Dependencies) (*Engine, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root: %w", err)
	}

	registry, err := stage.NewRegistry(absRoot, config)
	if err != nil {
		return nil, err
	}

	names := make([]types.StageName, 0, len(registry.Stages()))
	for _, s := range registry.Stages() {
		names = append(names, s.Name())
	}
	status := state.NewStateManager(log, names...)

	if deps.Bus == nil {
		deps.Bus = reload.NewBus()
	}
	opts := []stage.ExecutorOption{
		stage.WithPublisher(deps.Bus),
		stage.WithStatusRecorder(status),
	}
	if deps.Metrics != nil {
		opts = append(opts, stage.WithMetricsRecorder(deps.Metrics))
	}

	return &Engine{
		config:   config,
		root:     absRoot,
		logger:   log,
		deps:     deps,
		registry: registry,
		executor: stage.NewExecutor(log, deps.Notifier, opts...),
		status:   status,
		phase:    PhaseIdle,
	}, nil
}

// Phase returns the current lifecycle state
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// Registry returns the declared stages
func (e *Engine) Registry() *stage.Registry {
	return e.registry
}

// Status returns the per-stage run status
func (e *Engine) Status() *state.StateManager {
	return e.status
}

// Bus returns the reload event bus
func (e *Engine) Bus() *reload.Bus {
	return e.deps.Bus
}

// Addr returns the dev server address while serving
func (e *Engine) Addr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil {
		return ""
	}
	return e.server.Addr()
}

// Build runs every stage once and returns to idle. A failed stage is
// reported in the summary; only a missing source directory is an error.
func (e *Engine) Build(ctx context.Context) (*Summary, error) {
	if err := e.transition(PhaseIdle, PhaseInitialBuild); err != nil {
		return nil, err
	}
	defer e.setPhase(PhaseIdle)
	return e.initialBuild(ctx)
}

// Start runs the initial build, binds the server port and then starts the
// watcher and the server. It returns once serving; serving ends when ctx
// is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.transition(PhaseIdle, PhaseInitialBuild); err != nil {
		return err
	}
	if _, err := e.initialBuild(ctx); err != nil {
		e.setPhase(PhaseIdle)
		return err
	}
	if err := e.serve(ctx); err != nil {
		e.setPhase(PhaseIdle)
		return err
	}
	return nil
}

// Stop stops the watcher and the server and waits for them
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Wait blocks until serving ends and returns the error that ended it
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}

	<-done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) initialBuild(ctx context.Context) (*Summary, error) {
	src := filepath.Join(e.root, e.config.SourceDir)
	if !utils.IsDirectory(src) {
		return nil, fmt.Errorf("source directory %s does not exist", src)
	}

	stages := e.registry.Stages()
	e.logger.Info(fmt.Sprintf("Building %d stage(s)", len(stages)))
	start := time.Now()

	g, gctx := NewSafeGroup(ctx, e.logger)
	for _, s := range stages {
		s := s
		g.Go(string(s.Name()), func() error {
			// A failed stage still counts as completed
			e.executor.Execute(gctx, s, "initial build")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("initial build failed: %w", err)
	}

	summary := &Summary{
		Stages:   len(stages),
		Failed:   e.status.Failed(),
		Duration: time.Since(start),
	}
	if len(summary.Failed) > 0 {
		e.logger.Warn(fmt.Sprintf("Initial build finished with %d failed stage(s)", len(summary.Failed)),
			logger.WithField("failed", summary.Failed))
	} else {
		e.logger.Success(fmt.Sprintf("Initial build finished in %s", notifier.FormatDuration(summary.Duration)))
	}
	return summary, nil
}

func (e *Engine) serve(ctx context.Context) error {
	bindings, err := watcher.BindingsFor(e.registry)
	if err != nil {
		return fmt.Errorf("invalid watch patterns: %w", err)
	}

	srv := server.New(server.Options{
		Root:           filepath.Join(e.root, e.config.DestDir),
		Addr:           e.config.Server.Addr(),
		LiveReload:     e.config.Server.LiveReloadEnabled(),
		AllowedOrigins: e.config.Server.AllowedOrigins,
	}, e.deps.Bus, e.status, e.deps.Metrics, e.logger.WithStage("server"))

	// A bound port fails startup here, before anything runs
	if err := srv.Listen(); err != nil {
		return err
	}

	w := watcher.New(e.root, bindings, e.runStage, e.logger.WithStage("watch"))

	runCtx, cancel := context.WithCancel(ctx)
	ready := make(chan struct{})
	done := make(chan struct{})

	e.mu.Lock()
	e.server, e.watcher = srv, w
	e.cancel, e.done, e.err = cancel, done, nil
	e.mu.Unlock()

	g, gctx := NewSafeGroup(runCtx, e.logger)
	g.Go("server", func() error {
		return srv.Serve(gctx)
	})
	g.Go("watcher", func() error {
		if err := w.Start(gctx); err != nil {
			return fmt.Errorf("failed to start watcher: %w", err)
		}
		close(ready)
		return nil
	})
	g.Go("shutdown", func() error {
		<-gctx.Done()
		sctx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()

		werr := w.Stop()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
		return werr
	})

	go func() {
		err := g.Wait()
		cancel()

		e.mu.Lock()
		e.err = err
		e.phase = PhaseIdle
		e.server, e.watcher = nil, nil
		e.mu.Unlock()

		close(done)
		e.logger.Info("Stopped")
	}()

	select {
	case <-ready:
	case <-done:
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.err != nil {
			return e.err
		}
		return fmt.Errorf("stopped during startup: %w", context.Cause(ctx))
	}

	if err := e.transition(PhaseInitialBuild, PhaseServing); err != nil {
		return err
	}
	e.logger.Success("Ready, watching for changes")
	return nil
}

// Dispatch re-runs the stages bound to a project-relative path, as a file
// change would. It returns the triggered stages; nothing runs unless serving.
func (e *Engine) Dispatch(rel string) []types.StageName {
	e.mu.Lock()
	w := e.watcher
	e.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Dispatch(rel)
}

func (e *Engine) runStage(ctx context.Context, name types.StageName) {
	s, ok := e.registry.Get(name)
	if !ok {
		return
	}
	e.executor.Execute(ctx, s, "change")
}

func (e *Engine) transition(from, to Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != from {
		return fmt.Errorf("engine is %s, cannot enter %s", e.phase, to)
	}
	e.phase = to
	return nil
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}
