package transform_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/poltergeist/sitegeist/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const layout = `{{define "layout"}}<!DOCTYPE html>
<html>
  <head><title>{{.Title}}</title></head>
  <body>
    {{template "header" .}}
    {{.Content}}
  </body>
</html>{{end}}`

const header = `{{define "header"}}<header>{{.Title}}</header>{{end}}`

func templateProject(t *testing.T) string {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"src/templates/layouts/layout.html":  layout,
		"src/templates/partials/header.tmpl": header,
		"src/templates/pages/stray.html":     `{{define "header"}}shadowed{{end}}`,
	})
	return root
}

func page(name, contents string) transform.File {
	return transform.File{
		Path:     name,
		Source:   "src/templates/pages/" + name,
		Contents: []byte(contents),
		Original: []byte(contents),
	}
}

func templateOptions(root string, pretty bool) transform.TemplateOptions {
	return transform.TemplateOptions{
		Root:   root,
		Shared: []string{"src/templates/**/*.{html,tmpl}"},
		Pretty: pretty,
	}
}

func TestTemplate_HTMLPageWithPartials(t *testing.T) {
	root := templateProject(t)
	tr := transform.Template(templateOptions(root, true))

	out, err := tr.Apply(context.Background(), []transform.File{
		page("about-us.tmpl", `<main>{{template "header" .}}<p>{{.Path}}</p></main>`),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	assert.Equal(t, "about-us.html", out[0].Path)
	assert.Equal(t, `<main><header>About us</header><p>about-us.html</p></main>`, string(out[0].Contents))
}

func TestTemplate_MarkdownUsesLayout(t *testing.T) {
	root := templateProject(t)
	tr := transform.Template(templateOptions(root, true))

	out, err := tr.Apply(context.Background(), []transform.File{
		page("index.md", "# Welcome\n\nHello *world*.\n"),
	})
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := string(out[0].Contents)
	assert.Equal(t, "index.html", out[0].Path)
	assert.Contains(t, got, "<title>Welcome</title>")
	assert.Contains(t, got, "<header>Welcome</header>")
	assert.Contains(t, got, "<h1>Welcome</h1>")
	assert.Contains(t, got, "<em>world</em>")
}

func TestTemplate_MarkdownWithoutLayout(t *testing.T) {
	tr := transform.Template(transform.TemplateOptions{Root: t.TempDir(), Pretty: true})

	out, err := tr.Apply(context.Background(), []transform.File{page("notes.md", "plain")})
	require.NoError(t, err)
	assert.Equal(t, "<p>plain</p>\n", string(out[0].Contents))
}

func TestTemplate_PrettyFalseMinifies(t *testing.T) {
	root := templateProject(t)
	src := "<div>\n    <p>  spaced   out  </p>\n</div>\n"

	pretty, err := transform.Template(templateOptions(root, true)).Apply(context.Background(), []transform.File{page("a.html", src)})
	require.NoError(t, err)
	compact, err := transform.Template(templateOptions(root, false)).Apply(context.Background(), []transform.File{page("a.html", src)})
	require.NoError(t, err)

	assert.Equal(t, src, string(pretty[0].Contents))
	assert.Less(t, len(compact[0].Contents), len(pretty[0].Contents))
	assert.Contains(t, string(compact[0].Contents), "spaced out")
}

func TestTemplate_PageErrors(t *testing.T) {
	root := templateProject(t)
	tr := transform.Template(templateOptions(root, true))

	tests := map[string]string{
		"parse error":     `{{if}}`,
		"missing partial": `{{template "footer" .}}`,
	}
	for name, src := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := tr.Apply(context.Background(), []transform.File{page("broken.html", src)})
			require.Error(t, err)

			var fe *transform.FileError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, "src/templates/pages/broken.html", fe.Path)
		})
	}
}

func TestTemplate_BrokenSharedTemplate(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"src/templates/partials/bad.html": `{{define "x"}}`})

	_, err := transform.Template(templateOptions(root, true)).Apply(context.Background(), []transform.File{page("a.html", "ok")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "src/templates/partials/bad.html")
}

func TestTemplate_OutputCountEqualsPageCount(t *testing.T) {
	root := templateProject(t)
	tr := transform.Template(templateOptions(root, true))

	properties := gopter.NewProperties(nil)
	properties.Property("one html file per page", prop.ForAll(
		func(n int) bool {
			pages := make([]transform.File, n)
			for i := range pages {
				if i%2 == 0 {
					pages[i] = page(fmt.Sprintf("p%d.md", i), fmt.Sprintf("# Page %d", i))
				} else {
					pages[i] = page(fmt.Sprintf("p%d.html", i), `{{template "header" .}}`)
				}
			}
			out, err := tr.Apply(context.Background(), pages)
			if err != nil || len(out) != n {
				return false
			}
			for i, f := range out {
				if f.Path != fmt.Sprintf("p%d.html", i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 25),
	))
	properties.TestingRun(t)
}
