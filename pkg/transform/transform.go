// Package transform implements the byte-level steps a stage chains together.
// A transform takes a file set and returns a new one, or fails.
package transform

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// File is the unit flowing through a transform chain
type File struct {
	// Path is relative to the stage base, slash separated
	Path string
	// Source is the project-relative path the file was read from
	Source string
	// Contents are the current bytes
	Contents []byte
	// Original holds the bytes as read from disk, for source maps
	Original []byte
	// Lines maps each line of Contents to its line in Original. Nil means
	// the lines still correspond one to one.
	Lines []int
}

// SourceLine returns the line of Original that line n of Contents came from
func (f File) SourceLine(n int) int {
	switch {
	case f.Lines == nil:
		return n
	case n < len(f.Lines):
		return f.Lines[n]
	case len(f.Lines) == 0:
		return 0
	}
	return f.Lines[len(f.Lines)-1]
}

// remapLines composes the line table of a rewrite of f.Contents with f's own
func (f File) remapLines(lines []int) []int {
	out := make([]int, len(lines))
	for i, l := range lines {
		out[i] = f.SourceLine(l)
	}
	return out
}

// Ext returns the lower-case extension of the file path
func (f File) Ext() string {
	return strings.ToLower(path.Ext(f.Path))
}

// WithExt returns a copy of f whose path carries a new extension
func (f File) WithExt(ext string) File {
	f.Path = strings.TrimSuffix(f.Path, path.Ext(f.Path)) + ext
	return f
}

// Transform is one step of a stage
type Transform interface {
	Name() string
	Apply(ctx context.Context, files []File) ([]File, error)
}

// FileError attributes a transform failure to one input file
type FileError struct {
	Transform string
	Path      string
	Err       error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Transform, e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// Chain applies transforms in order. The first failure stops the chain.
func Chain(ctx context.Context, files []File, transforms ...Transform) ([]File, error) {
	var err error
	for _, t := range transforms {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err = t.Apply(ctx, files)
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

// perFile adapts a single-file function into a Transform
type perFile struct {
	name string
	fn   func(ctx context.Context, f File) (File, error)
}

func (p perFile) Name() string { return p.name }

func (p perFile) Apply(ctx context.Context, files []File) ([]File, error) {
	out := make([]File, 0, len(files))
	for _, f := range files {
		nf, err := p.fn(ctx, f)
		if err != nil {
			return nil, &FileError{Transform: p.name, Path: f.Source, Err: err}
		}
		out = append(out, nf)
	}
	return out, nil
}

// Passthrough copies files unchanged
func Passthrough() Transform {
	return perFile{name: "passthrough", fn: func(_ context.Context, f File) (File, error) {
		return f, nil
	}}
}
