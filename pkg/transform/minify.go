package transform

import (
	"bytes"
	"context"
	"fmt"
	"regexp"

	"github.com/tdewolff/minify/v2"
	mincss "github.com/tdewolff/minify/v2/css"
	minhtml "github.com/tdewolff/minify/v2/html"
	minjs "github.com/tdewolff/minify/v2/js"
	"github.com/tdewolff/parse/v2/css"
)

const (
	MediaCSS  = "text/css"
	MediaJS   = "application/javascript"
	MediaHTML = "text/html"
)

var mediaTypes = map[string]string{
	".css":  MediaCSS,
	".js":   MediaJS,
	".mjs":  MediaJS,
	".html": MediaHTML,
	".htm":  MediaHTML,
}

func newMinifier() *minify.M {
	m := minify.New()
	m.AddFunc(MediaCSS, mincss.Minify)
	m.AddFuncRegexp(regexp.MustCompile("^(application|text)/(x-)?(java|ecma)script$"), minjs.Minify)
	m.Add(MediaHTML, &minhtml.Minifier{
		KeepDocumentTags: true,
		KeepEndTags:      true,
		KeepQuotes:       true,
	})
	return m
}

// Minify compacts CSS, JavaScript and HTML files. Other files pass through.
func Minify() Transform {
	m := newMinifier()
	return perFile{name: "minify", fn: func(_ context.Context, f File) (File, error) {
		return minifyFile(m, f)
	}}
}

// MinifyKeepLines is Minify for files that get a source map: a stylesheet
// keeps every top-level rule on its own line, so the line-level map still
// points at the rule's source.
func MinifyKeepLines() Transform {
	m := newMinifier()
	return perFile{name: "minify", fn: func(_ context.Context, f File) (File, error) {
		if f.Ext() != ".css" {
			return minifyFile(m, f)
		}
		return minifyCSSRules(m, f)
	}}
}

func minifyFile(m *minify.M, f File) (File, error) {
	mediaType, ok := mediaTypes[f.Ext()]
	if !ok {
		return f, nil
	}
	out, err := m.Bytes(mediaType, f.Contents)
	if err != nil {
		return f, fmt.Errorf("minify %s: %w", mediaType, err)
	}
	f.Contents = out
	f.Lines = []int{0}
	return f, nil
}

func minifyCSSRules(m *minify.M, f File) (File, error) {
	toks, err := lexCSS(f.Contents)
	if err != nil {
		return f, fmt.Errorf("minify %s: %w", MediaCSS, err)
	}

	var out, stmt bytes.Buffer
	var lines []int
	line, start, depth := 0, -1, 0

	flush := func() error {
		defer func() {
			stmt.Reset()
			start = -1
		}()
		if stmt.Len() == 0 {
			return nil
		}
		compact, err := m.Bytes(MediaCSS, stmt.Bytes())
		if err != nil {
			return fmt.Errorf("minify %s: %w", MediaCSS, err)
		}
		if len(bytes.TrimSpace(compact)) == 0 {
			return nil
		}
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.Write(compact)
		lines = append(lines, f.SourceLine(max(start, 0)))
		return nil
	}

	for _, t := range toks {
		if start < 0 && t.tt != css.WhitespaceToken && t.tt != css.CommentToken {
			start = line
		}
		stmt.Write(t.data)
		line += bytes.Count(t.data, []byte{'\n'})

		end := false
		switch t.tt {
		case css.LeftBraceToken:
			depth++
		case css.RightBraceToken:
			depth--
			end = depth <= 0
		case css.SemicolonToken:
			end = depth == 0
		}
		if end {
			depth = 0
			if err := flush(); err != nil {
				return f, err
			}
		}
	}
	if err := flush(); err != nil {
		return f, err
	}

	f.Contents = out.Bytes()
	f.Lines = lines
	return f, nil
}

// MinifyHTML compacts HTML markup
func MinifyHTML(b []byte) ([]byte, error) {
	return newMinifier().Bytes(MediaHTML, b)
}
