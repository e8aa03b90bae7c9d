// Package stage runs one source-glob -> transform-chain -> destination unit
// and contains its failures.
package stage

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/poltergeist/sitegeist/pkg/transform"
	"github.com/poltergeist/sitegeist/pkg/types"
	"github.com/poltergeist/sitegeist/pkg/utils"
)

// StageError carries the stage name with the cause of a failed run
type StageError struct {
	Stage types.StageName
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Config declares a stage. Paths are relative to Root.
type Config struct {
	Name       types.StageName
	Root       string
	Sources    []string
	Watch      []string
	Dest       string
	SiteDest   string
	Transforms []transform.Transform
}

// Stage is an immutable stage declaration plus the lock serializing its runs
type Stage struct {
	cfg Config
	mu  sync.Mutex
}

// Result describes one completed run
type Result struct {
	Stage    types.StageName
	Inputs   int
	Outputs  []string
	Duration time.Duration
}

// New declares a stage
func New(cfg Config) *Stage {
	return &Stage{cfg: cfg}
}

// Name returns the stage name
func (s *Stage) Name() types.StageName { return s.cfg.Name }

// Sources returns the source patterns
func (s *Stage) Sources() []string { return s.cfg.Sources }

// WatchPatterns returns the patterns that re-trigger the stage
func (s *Stage) WatchPatterns() []string {
	if len(s.cfg.Watch) > 0 {
		return s.cfg.Watch
	}
	return s.cfg.Sources
}

// Dest returns the project-relative destination directory
func (s *Stage) Dest() string { return s.cfg.Dest }

// Run reads the stage inputs, applies the transform chain and writes the
// outputs. Concurrent calls are serialized. Nothing is written unless the
// whole chain succeeds; a panic is returned as an error.
func (s *Stage) Run(ctx context.Context) (res *Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	res = &Result{Stage: s.cfg.Name}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
		res.Duration = time.Since(start)
		if err != nil {
			err = &StageError{Stage: s.cfg.Name, Err: err}
		}
	}()

	if len(s.cfg.Sources) == 0 {
		return res, nil
	}

	files, err := s.read()
	if err != nil {
		return res, err
	}
	res.Inputs = len(files)
	if len(files) == 0 {
		return res, nil
	}

	out, err := transform.Chain(ctx, files, s.cfg.Transforms...)
	if err != nil {
		return res, err
	}

	res.Outputs, err = s.write(out)
	return res, err
}

func (s *Stage) read() ([]transform.File, error) {
	matches, err := utils.Glob(s.cfg.Root, s.cfg.Sources)
	if err != nil {
		return nil, err
	}

	files := make([]transform.File, 0, len(matches))
	for _, m := range matches {
		data, err := os.ReadFile(filepath.Join(s.cfg.Root, filepath.FromSlash(m.Path)))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", m.Path, err)
		}
		files = append(files, transform.File{
			Path:     m.Rel,
			Source:   m.Path,
			Contents: data,
			Original: data,
		})
	}
	return files, nil
}

func (s *Stage) write(files []transform.File) ([]string, error) {
	prefix := ""
	if s.cfg.SiteDest != "" {
		rel, err := filepath.Rel(s.cfg.SiteDest, s.cfg.Dest)
		if err == nil && rel != "." {
			prefix = filepath.ToSlash(rel)
		}
	}

	outputs := make([]string, 0, len(files))
	for _, f := range files {
		target := filepath.Join(s.cfg.Root, s.cfg.Dest, filepath.FromSlash(f.Path))
		if err := utils.WriteFileAtomic(target, f.Contents); err != nil {
			return outputs, fmt.Errorf("writing %s: %w", f.Path, err)
		}
		outputs = append(outputs, path.Join(prefix, f.Path))
	}
	return outputs, nil
}
