package transform_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/poltergeist/sitegeist/pkg/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsFiles(n int) []transform.File {
	files := make([]transform.File, n)
	for i := range files {
		src := fmt.Sprintf("var m%d = %d;\nconsole.log(m%d);", i, i, i)
		files[i] = transform.File{
			Path:     fmt.Sprintf("m%02d.js", i),
			Source:   fmt.Sprintf("src/static/js/m%02d.js", i),
			Contents: []byte(src),
			Original: []byte(src),
		}
	}
	return files
}

func TestConcat_JoinsWithNewline(t *testing.T) {
	tr := transform.Concat(transform.ConcatOptions{Output: "script.js"})
	out, err := tr.Apply(context.Background(), []transform.File{
		{Path: "a.js", Contents: []byte("a();")},
		{Path: "b.js", Contents: []byte("b();")},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "script.js", out[0].Path)
	assert.Equal(t, "a();\nb();", string(out[0].Contents))
}

func TestConcat_EmptyInputProducesNothing(t *testing.T) {
	out, err := transform.Concat(transform.ConcatOptions{Output: "libs.min.js"}).Apply(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConcat_RequiresOutputName(t *testing.T) {
	_, err := transform.Concat(transform.ConcatOptions{}).Apply(context.Background(), jsFiles(1))
	assert.Error(t, err)
}

func TestConcat_OutputCountIsOne(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("concat yields exactly one file", prop.ForAll(
		func(n int) bool {
			out, err := transform.Concat(transform.ConcatOptions{Output: "script.js"}).
				Apply(context.Background(), jsFiles(n))
			return err == nil && len(out) == 1 && out[0].Path == "script.js"
		},
		gen.IntRange(1, 40),
	))

	properties.Property("source map covers every output line", prop.ForAll(
		func(n int) bool {
			out, err := transform.Concat(transform.ConcatOptions{Output: "script.js", SourceMap: true}).
				Apply(context.Background(), jsFiles(n))
			if err != nil || len(out) != 2 {
				return false
			}
			var sm transform.SourceMap
			if err := json.Unmarshal(out[1].Contents, &sm); err != nil {
				return false
			}
			// each file contributes two lines
			return len(sm.Sources) == n && strings.Count(sm.Mappings, ";") == 2*n-1
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

func TestConcat_SourceMap(t *testing.T) {
	files := []transform.File{
		{Path: "main.css", Source: "src/static/css/main.css", Contents: []byte("a{b:c}"), Original: []byte("a {\n  b: c;\n}")},
		{Path: "print.css", Source: "src/static/css/print.css", Contents: []byte("d{e:f}"), Original: []byte("d { e: f; }")},
	}

	out, err := transform.Concat(transform.ConcatOptions{Output: "style.css", SourceMap: true}).
		Apply(context.Background(), files)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, "style.css", out[0].Path)
	assert.Equal(t, "a{b:c}\nd{e:f}\n/*# sourceMappingURL=style.css.map */\n", string(out[0].Contents))
	assert.Equal(t, "style.css.map", out[1].Path)

	var sm transform.SourceMap
	require.NoError(t, json.Unmarshal(out[1].Contents, &sm))
	assert.Equal(t, 3, sm.Version)
	assert.Equal(t, "style.css", sm.File)
	assert.Equal(t, []string{"src/static/css/main.css", "src/static/css/print.css"}, sm.Sources)
	assert.Equal(t, "a {\n  b: c;\n}", sm.SourcesContent[0])
	// line 0 -> source 0 line 0, line 1 -> source 1 line 0
	assert.Equal(t, "AAAA;ACAA", sm.Mappings)
}

func TestConcat_ScriptSourceMapComment(t *testing.T) {
	out, err := transform.Concat(transform.ConcatOptions{Output: "script.js", SourceMap: true}).
		Apply(context.Background(), jsFiles(2))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(out[0].Contents), "\n//# sourceMappingURL=script.js.map\n"))
}

func TestBuildSourceMap_LineMappings(t *testing.T) {
	sm, err := transform.BuildSourceMap("script.js", jsFiles(2))
	require.NoError(t, err)

	var doc transform.SourceMap
	require.NoError(t, json.Unmarshal(sm, &doc))

	lines := strings.Split(doc.Mappings, ";")
	require.Len(t, lines, 4)

	// decode absolute positions from relative segments
	source, line := 0, 0
	want := [][2]int{{0, 0}, {0, 1}, {1, 0}, {1, 1}}
	for i, seg := range lines {
		vals, err := transform.DecodeVLQ(seg)
		require.NoError(t, err)
		require.Len(t, vals, 4)
		source += vals[1]
		line += vals[2]
		assert.Equal(t, want[i], [2]int{source, line}, "segment %d", i)
	}
}

func TestEncodeVLQ(t *testing.T) {
	tests := map[int]string{
		0:    "A",
		1:    "C",
		-1:   "D",
		15:   "e",
		16:   "gB",
		123:  "2H",
		-123: "3H",
	}
	for in, want := range tests {
		assert.Equal(t, want, transform.EncodeVLQ(in), "EncodeVLQ(%d)", in)

		got, err := transform.DecodeVLQ(want)
		require.NoError(t, err)
		assert.Equal(t, []int{in}, got)
	}
}
