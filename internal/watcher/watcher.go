// Package watcher re-runs the stage owning each changed source file
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/stage"
	"github.com/poltergeist/sitegeist/pkg/types"
	"github.com/poltergeist/sitegeist/pkg/utils"
)

// RunFunc re-runs one stage
type RunFunc func(ctx context.Context, name types.StageName)

// Binding ties watch patterns to the stage they re-trigger
type Binding struct {
	Stage    types.StageName
	Patterns []string
	matcher  *utils.PatternMatcher
}

// NewBinding validates patterns and creates a binding
func NewBinding(name types.StageName, patterns []string) (Binding, error) {
	m, err := utils.NewPatternMatcher(patterns)
	if err != nil {
		return Binding{}, fmt.Errorf("stage '%s': %w", name, err)
	}
	return Binding{Stage: name, Patterns: m.Patterns(), matcher: m}, nil
}

// Matches reports whether a project-relative slash path re-triggers the stage
func (b Binding) Matches(rel string) bool {
	return b.matcher != nil && b.matcher.Match(rel)
}

// BindingsFor returns one binding per stage with watch patterns. A stage
// without patterns, such as an empty vendor list, gets none.
func BindingsFor(reg *stage.Registry) ([]Binding, error) {
	var bindings []Binding
	for _, s := range reg.Stages() {
		patterns := s.WatchPatterns()
		if len(patterns) == 0 {
			continue
		}
		b, err := NewBinding(s.Name(), patterns)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// Watcher dispatches file-system events to stage runs
type Watcher struct {
	root     string
	bindings []Binding
	run      RunFunc
	logger   logger.Logger

	fs      *fsnotify.Watcher
	watched map[string]bool // base dirs watched recursively
	parents map[string]bool // ancestors watched while a base dir is missing
	ctx     context.Context
	cancel  context.CancelFunc
	loop    sync.WaitGroup
	runs    sync.WaitGroup
	mu      sync.Mutex
}

// New creates a watcher. root must be the project root.
func New(root string, bindings []Binding, run RunFunc, log logger.Logger) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		root:     root,
		bindings: bindings,
		run:      run,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bindings returns the watch bindings
func (w *Watcher) Bindings() []Binding {
	return w.bindings
}

// Start adds the base directory of every pattern to an fsnotify watcher and
// begins processing events. A base directory that does not exist yet is
// picked up once created. Runs are cancelled when ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w.mu.Lock()
	w.fs = fw
	w.watched = make(map[string]bool)
	w.parents = make(map[string]bool)
	w.ctx, w.cancel = context.WithCancel(ctx)
	err = w.watchBaseDirs()
	if err != nil {
		w.fs = nil
	}
	w.mu.Unlock()

	if err != nil {
		fw.Close()
		return err
	}

	w.loop.Add(1)
	go w.processEvents()

	w.logger.Info(fmt.Sprintf("Watching %d stage(s) for changes", len(w.bindings)))
	return nil
}

// Stop stops event processing and waits for in-flight runs
func (w *Watcher) Stop() error {
	w.mu.Lock()
	w.cancel()
	fw := w.fs
	w.fs = nil
	w.mu.Unlock()

	var err error
	if fw != nil {
		err = fw.Close()
	}
	w.loop.Wait()
	w.runs.Wait()
	return err
}

// Wait blocks until every dispatched run has finished
func (w *Watcher) Wait() {
	w.runs.Wait()
}

// Dispatch starts a run of every stage bound to the project-relative path
// and returns their names. Each call triggers independent runs.
func (w *Watcher) Dispatch(rel string) []types.StageName {
	rel = utils.NormalizePattern(filepath.ToSlash(rel))
	if utils.IsIgnoredPath(rel) {
		return nil
	}

	w.mu.Lock()
	ctx := w.ctx
	w.mu.Unlock()

	var matched []types.StageName
	for _, b := range w.bindings {
		if !b.Matches(rel) {
			continue
		}
		matched = append(matched, b.Stage)

		name := b.Stage
		w.runs.Add(1)
		go func() {
			defer w.runs.Done()
			w.run(ctx, name)
		}()
	}

	if len(matched) > 0 {
		w.logger.Debug(fmt.Sprintf("%s changed", rel), logger.WithField("stages", matched))
	}
	return matched
}

// baseDirs returns the base directory of every pattern
func (w *Watcher) baseDirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, b := range w.bindings {
		for _, pattern := range b.Patterns {
			dir := filepath.Join(w.root, filepath.FromSlash(utils.BaseDir(pattern)))
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	sort.Strings(dirs)
	return dirs
}

// watchBaseDirs watches every existing base directory recursively. For a
// missing one, its nearest existing ancestor inside the root is watched on
// its own so the creation shows up as an event. Caller holds w.mu.
func (w *Watcher) watchBaseDirs() error {
	for _, dir := range w.baseDirs() {
		if w.watched[dir] {
			continue
		}
		if utils.IsDirectory(dir) {
			if err := w.addDirectory(dir); err != nil {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			w.watched[dir] = true
			continue
		}

		parent := w.existingAncestor(dir)
		if parent == "" || w.parents[parent] {
			continue
		}
		if err := w.fs.Add(parent); err != nil {
			return fmt.Errorf("failed to watch %s: %w", parent, err)
		}
		w.parents[parent] = true
		w.logger.Debug(fmt.Sprintf("Waiting for %s to appear", dir))
	}
	return nil
}

func (w *Watcher) existingAncestor(dir string) string {
	for {
		parent := filepath.Dir(dir)
		if parent == dir || !isWithin(w.root, parent) {
			return ""
		}
		if utils.IsDirectory(parent) {
			return parent
		}
		dir = parent
	}
}

// insideBaseDir reports whether dir lies in a base directory
func (w *Watcher) insideBaseDir(dir string) bool {
	for _, base := range w.baseDirs() {
		if isWithin(base, dir) {
			return true
		}
	}
	return false
}

func isWithin(parent, p string) bool {
	return p == parent || strings.HasPrefix(p, parent+string(filepath.Separator))
}

// dispatchTree dispatches every file below dir, for directories moved or
// created with contents already inside
func (w *Watcher) dispatchTree(dir string) {
	filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if utils.IsIgnoredPath(p) {
			if d.IsDir() && p != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if rel, err := filepath.Rel(w.root, p); err == nil {
			w.Dispatch(rel)
		}
		return nil
	})
}

// addDirectory watches dir and its subdirectories
func (w *Watcher) addDirectory(dir string) error {
	return filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && utils.IsIgnoredPath(p) {
			return filepath.SkipDir
		}
		if err := w.fs.Add(p); err != nil {
			w.logger.Warn(fmt.Sprintf("Failed to watch directory %s: %v", p, err))
			return nil
		}
		w.logger.Debug(fmt.Sprintf("Watching directory: %s", p))
		return nil
	})
}

func (w *Watcher) processEvents() {
	defer w.loop.Done()

	w.mu.Lock()
	fw := w.fs
	ctx := w.ctx
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.logger.Error(fmt.Sprintf("Watcher error: %v", err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod || utils.IsIgnoredPath(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) && utils.IsDirectory(event.Name) {
		w.mu.Lock()
		if w.fs == nil {
			w.mu.Unlock()
			return
		}
		if w.insideBaseDir(event.Name) {
			if err := w.addDirectory(event.Name); err != nil {
				w.logger.Warn(fmt.Sprintf("Failed to watch new directory %s: %v", event.Name, err))
			}
		}
		if err := w.watchBaseDirs(); err != nil {
			w.logger.Warn(err.Error())
		}
		w.mu.Unlock()

		w.dispatchTree(event.Name)
		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.mu.Lock()
		if w.fs != nil && w.watched[event.Name] {
			// fsnotify drops the watch with the directory
			delete(w.watched, event.Name)
			if err := w.watchBaseDirs(); err != nil {
				w.logger.Warn(err.Error())
			}
		}
		w.mu.Unlock()
	}

	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	w.Dispatch(rel)
}
