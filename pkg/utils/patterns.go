package utils

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

// PatternMatcher matches project-relative slash paths against glob patterns.
// Supports *, ?, [...], {a,b} and ** spanning zero or more directories.
type PatternMatcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewPatternMatcher compiles the given patterns
func NewPatternMatcher(patterns []string) (*PatternMatcher, error) {
	pm := &PatternMatcher{patterns: patterns}

	for _, pattern := range patterns {
		if err := checkBalanced(pattern); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, variant := range ExpandPattern(NormalizePattern(pattern)) {
			g, err := glob.Compile(variant, '/')
			if err != nil {
				return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
			}
			pm.globs = append(pm.globs, g)
		}
	}

	return pm, nil
}

func checkBalanced(pattern string) error {
	braces, brackets := 0, 0
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			i++
		case '{':
			braces++
		case '}':
			braces--
		case '[':
			brackets++
		case ']':
			brackets--
		}
		if braces < 0 || brackets < 0 {
			return fmt.Errorf("unexpected %q at %d", pattern[i], i)
		}
	}
	if braces != 0 || brackets != 0 {
		return fmt.Errorf("unclosed group")
	}
	return nil
}

// Patterns returns the patterns the matcher was built from
func (pm *PatternMatcher) Patterns() []string { return pm.patterns }

// Match checks if a path matches any pattern
func (pm *PatternMatcher) Match(p string) bool {
	p = NormalizePattern(filepath.ToSlash(p))

	for _, g := range pm.globs {
		if g.Match(p) {
			return true
		}
	}

	return false
}

// ExpandPattern returns every variant of a pattern in which each "**/"
// segment is either kept or dropped, so "**" can match zero directories.
func ExpandPattern(pattern string) []string {
	idx := strings.Index(pattern, "**/")
	if idx < 0 {
		return []string{pattern}
	}
	if idx > 0 && pattern[idx-1] != '/' {
		rest := ExpandPattern(pattern[idx+3:])
		out := make([]string, 0, len(rest))
		for _, r := range rest {
			out = append(out, pattern[:idx+3]+r)
		}
		return out
	}

	head := pattern[:idx]
	var out []string
	for _, r := range ExpandPattern(pattern[idx+3:]) {
		out = append(out, head+"**/"+r, head+r)
	}
	return out
}

// IsGlobPattern checks if a string contains glob wildcards
func IsGlobPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

// NormalizePattern normalizes a file pattern
func NormalizePattern(pattern string) string {
	pattern = strings.ReplaceAll(pattern, "\\", "/")
	pattern = strings.TrimPrefix(pattern, "./")
	pattern = strings.TrimSuffix(pattern, "/")
	return pattern
}

// BaseDir returns the static directory prefix of a pattern, the part
// before the first segment containing a wildcard.
//
//	BaseDir("src/static/img/**/*.png") == "src/static/img"
//	BaseDir("node_modules/jquery/dist/jquery.js") == "node_modules/jquery/dist"
func BaseDir(pattern string) string {
	pattern = NormalizePattern(pattern)
	segments := strings.Split(pattern, "/")

	var static []string
	for i, seg := range segments {
		if IsGlobPattern(seg) || i == len(segments)-1 {
			break
		}
		static = append(static, seg)
	}
	if len(static) == 0 {
		return "."
	}
	return path.Join(static...)
}

// SourceFile is one file found by Glob
type SourceFile struct {
	// Path is the project-relative slash path
	Path string
	// Rel is the path relative to the base dir of the pattern that found it
	Rel string
}

// Glob resolves patterns under root. Results follow pattern order, matches of
// one pattern in lexical order, and a file found twice is kept at its first
// position. A pattern whose base dir does not exist matches nothing.
func Glob(root string, patterns []string) ([]SourceFile, error) {
	seen := make(map[string]bool)
	var files []SourceFile

	for _, pattern := range patterns {
		pattern = NormalizePattern(pattern)
		matcher, err := NewPatternMatcher([]string{pattern})
		if err != nil {
			return nil, err
		}

		base := BaseDir(pattern)
		if !IsGlobPattern(pattern) {
			if seen[pattern] {
				continue
			}
			info, err := os.Stat(filepath.Join(root, filepath.FromSlash(pattern)))
			if err != nil || info.IsDir() {
				continue
			}
			seen[pattern] = true
			files = append(files, SourceFile{Path: pattern, Rel: path.Base(pattern)})
			continue
		}

		walkRoot := filepath.Join(root, filepath.FromSlash(base))
		if _, err := os.Stat(walkRoot); os.IsNotExist(err) {
			continue
		}

		err = filepath.WalkDir(walkRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p != walkRoot && strings.HasPrefix(d.Name(), ".") {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			if seen[rel] || !matcher.Match(rel) {
				return nil
			}
			seen[rel] = true

			relToBase := rel
			if base != "." {
				relToBase = strings.TrimPrefix(rel, base+"/")
			}
			files = append(files, SourceFile{Path: rel, Rel: relToBase})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", walkRoot, err)
		}
	}

	return files, nil
}

// IsIgnoredPath reports hidden files and editor temporaries that never
// trigger a rebuild.
func IsIgnoredPath(p string) bool {
	name := path.Base(filepath.ToSlash(p))
	if name == "." || name == "/" {
		return false
	}
	switch {
	case strings.HasPrefix(name, "."):
		return true
	case strings.HasSuffix(name, "~"):
		return true
	case strings.HasSuffix(name, ".swp"), strings.HasSuffix(name, ".swo"), strings.HasSuffix(name, ".swx"):
		return true
	case strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#"):
		return true
	case name == "4913":
		return true
	}
	return false
}
