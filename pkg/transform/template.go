package transform

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/poltergeist/sitegeist/pkg/utils"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// LayoutName is the shared template markdown pages are wrapped in
const LayoutName = "layout"

// TemplateOptions configures Template
type TemplateOptions struct {
	// Root is the project root shared patterns are resolved against
	Root string
	// Shared are patterns of layouts and partials available to every page
	Shared []string
	// Pretty keeps the rendered markup as authored; false minifies it
	Pretty bool
}

// PageData is the data every page template is executed with
type PageData struct {
	Path    string
	Source  string
	Title   string
	Content template.HTML
}

// Template renders pages to HTML. .html and .tmpl pages are executed as
// html/template with the shared templates; .md pages are rendered with
// goldmark and wrapped in the "layout" template when one is defined.
func Template(opts TemplateOptions) Transform {
	return &templateTransform{
		opts: opts,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
	}
}

type templateTransform struct {
	opts TemplateOptions
	md   goldmark.Markdown
}

func (t *templateTransform) Name() string { return "template" }

func (t *templateTransform) Apply(ctx context.Context, files []File) ([]File, error) {
	base, err := t.loadShared(files)
	if err != nil {
		return nil, err
	}

	out := make([]File, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rendered, err := t.render(base, f)
		if err != nil {
			return nil, &FileError{Transform: t.Name(), Path: f.Source, Err: err}
		}
		out = append(out, rendered)
	}
	return out, nil
}

func (t *templateTransform) loadShared(pages []File) (*template.Template, error) {
	base := template.New("sitegeist")
	if len(t.opts.Shared) == 0 {
		return base, nil
	}

	shared, err := utils.Glob(t.opts.Root, t.opts.Shared)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}

	var pageDirs []string
	for _, p := range pages {
		if dir := strings.TrimSuffix(p.Source, p.Path); dir != "" {
			pageDirs = append(pageDirs, dir)
		}
	}

	for _, sf := range shared {
		if hasAnyPrefix(sf.Path, pageDirs) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(t.opts.Root, filepath.FromSlash(sf.Path)))
		if err != nil {
			return nil, fmt.Errorf("template: %w", err)
		}
		if _, err := base.New(sf.Path).Parse(string(data)); err != nil {
			return nil, &FileError{Transform: t.Name(), Path: sf.Path, Err: err}
		}
	}
	return base, nil
}

func (t *templateTransform) render(base *template.Template, f File) (File, error) {
	tmpl, err := base.Clone()
	if err != nil {
		return f, err
	}

	data := PageData{
		Path:   strings.TrimSuffix(f.Path, path.Ext(f.Path)) + ".html",
		Source: f.Source,
		Title:  titleFromPath(f.Path),
	}

	var buf bytes.Buffer
	switch f.Ext() {
	case ".md", ".markdown":
		var body bytes.Buffer
		if err := t.md.Convert(f.Contents, &body); err != nil {
			return f, fmt.Errorf("markdown: %w", err)
		}
		if title := markdownTitle(f.Contents); title != "" {
			data.Title = title
		}
		data.Content = template.HTML(body.String())

		if tmpl.Lookup(LayoutName) == nil {
			buf.Write(body.Bytes())
			break
		}
		if err := tmpl.ExecuteTemplate(&buf, LayoutName, data); err != nil {
			return f, err
		}
	case ".html", ".htm", ".tmpl":
		page, err := tmpl.New(f.Path).Parse(string(f.Contents))
		if err != nil {
			return f, err
		}
		if err := page.Execute(&buf, data); err != nil {
			return f, err
		}
	default:
		return f, nil
	}

	contents := buf.Bytes()
	if !t.opts.Pretty {
		if contents, err = MinifyHTML(contents); err != nil {
			return f, err
		}
	}

	f = f.WithExt(".html")
	f.Contents = contents
	return f, nil
}

func titleFromPath(p string) string {
	name := strings.TrimSuffix(path.Base(p), path.Ext(p))
	name = strings.NewReplacer("-", " ", "_", " ").Replace(name)
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func markdownTitle(src []byte) string {
	for _, line := range strings.Split(string(src), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# "))
		}
	}
	return ""
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
