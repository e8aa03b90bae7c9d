package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// CSSOptions configures CompileCSS
type CSSOptions struct {
	// Root is the project root imports are resolved against
	Root string
	// IncludeCSS inlines @import of local stylesheets
	IncludeCSS bool
}

// CompileCSS checks stylesheet syntax and inlines local imports
func CompileCSS(opts CSSOptions) Transform {
	return perFile{name: "css-compile", fn: func(_ context.Context, f File) (File, error) {
		c := &cssCompiler{opts: opts, visiting: make(map[string]bool)}
		out, lines, err := c.compile(f.Source, f.Contents)
		if err != nil {
			return f, err
		}
		f.Contents = out
		if lines != nil {
			f.Lines = f.remapLines(lines)
		}
		return f, nil
	}}
}

type cssCompiler struct {
	opts     CSSOptions
	visiting map[string]bool
}

// compile returns the stylesheet with imports inlined and, when anything was
// rewritten, the source line of every output line. Inlined lines belong to
// their @import.
func (c *cssCompiler) compile(source string, src []byte) ([]byte, []int, error) {
	if c.visiting[source] {
		return nil, nil, fmt.Errorf("import cycle through %s", source)
	}
	c.visiting[source] = true
	defer delete(c.visiting, source)

	if err := CheckCSS(src); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", source, err)
	}
	if !c.opts.IncludeCSS {
		return src, nil, nil
	}

	out := newLineWriter()
	l := css.NewLexer(parse.NewInput(bytes.NewReader(src)))
	for {
		tt, data := l.Next()
		if tt == css.ErrorToken {
			if l.Err() != io.EOF {
				return nil, nil, fmt.Errorf("%s: %w", source, l.Err())
			}
			break
		}

		if tt != css.AtKeywordToken || !strings.EqualFold(string(data), "@import") {
			out.copy(data)
			continue
		}

		// collect the statement up to its semicolon
		stmt := append([]byte(nil), data...)
		var target string
		var media []string
		inURL := false
		for {
			tt, data = l.Next()
			if tt == css.ErrorToken || tt == css.SemicolonToken {
				break
			}
			stmt = append(stmt, data...)
			switch tt {
			case css.StringToken:
				if target == "" {
					target = unquote(string(data))
				}
			case css.URLToken:
				if target == "" {
					target = urlTarget(string(data))
				}
			case css.FunctionToken:
				if strings.EqualFold(string(data), "url(") {
					inURL = true
				} else if target != "" {
					media = append(media, string(data))
				}
			case css.RightParenthesisToken:
				if inURL {
					inURL = false
				} else if target != "" {
					media = append(media, string(data))
				}
			case css.CommentToken:
			case css.WhitespaceToken:
				if target != "" {
					media = append(media, " ")
				}
			default:
				if target != "" {
					media = append(media, string(data))
				}
			}
		}
		if tt == css.SemicolonToken {
			stmt = append(stmt, ';')
		}

		if target == "" || isRemote(target) {
			out.copy(stmt)
			continue
		}

		imported, err := c.load(source, target)
		if err != nil {
			return nil, nil, err
		}
		out.skip(stmt)
		if mq := strings.TrimSpace(strings.Join(media, "")); mq != "" {
			fmt.Fprintf(out, "@media %s{\n%s\n}", mq, imported)
		} else {
			out.Write(imported)
		}
	}

	return out.Bytes(), out.lines, nil
}

func (c *cssCompiler) load(from, target string) ([]byte, error) {
	rel := path.Join(path.Dir(from), target)
	if path.Ext(rel) == "" {
		rel += ".css"
	}
	data, err := os.ReadFile(filepath.Join(c.opts.Root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("%s: cannot import %q: %w", from, target, err)
	}
	out, _, err := c.compile(rel, data)
	return out, err
}

// CheckCSS reports lexer errors and unbalanced braces
func CheckCSS(src []byte) error {
	depth := 0
	line := 1
	l := css.NewLexer(parse.NewInput(bytes.NewReader(src)))
	for {
		tt, data := l.Next()
		switch tt {
		case css.ErrorToken:
			if l.Err() != io.EOF {
				return l.Err()
			}
			if depth != 0 {
				return fmt.Errorf("unclosed block: missing %d '}'", depth)
			}
			return nil
		case css.LeftBraceToken:
			depth++
		case css.RightBraceToken:
			depth--
			if depth < 0 {
				return fmt.Errorf("line %d: unexpected '}'", line)
			}
		case css.BadStringToken:
			return fmt.Errorf("line %d: unterminated string", line)
		case css.BadURLToken:
			return fmt.Errorf("line %d: malformed url()", line)
		}
		line += bytes.Count(data, []byte{'\n'})
	}
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func urlTarget(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 5 && strings.EqualFold(s[:4], "url(") && strings.HasSuffix(s, ")") {
		s = strings.TrimSpace(s[4 : len(s)-1])
	}
	return unquote(s)
}

func isRemote(target string) bool {
	lower := strings.ToLower(target)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "//") ||
		strings.HasPrefix(lower, "data:")
}
