package engine_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poltergeist/sitegeist/internal/engine"
	"github.com/poltergeist/sitegeist/internal/server"
	"github.com/poltergeist/sitegeist/pkg/config"
	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/types"
	"github.com/poltergeist/sitegeist/pkg/utils"
)

type recordingNotifier struct {
	mu       sync.Mutex
	failures []string
}

func (r *recordingNotifier) NotifyStageFailure(stage string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, stage+": "+err.Error())
}

func (r *recordingNotifier) NotifyStageSuccess(string, time.Duration) {}

func (r *recordingNotifier) Failures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.failures...)
}

func encodeImage(t *testing.T, name string) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 5), B: 90, A: 255})
		}
	}

	var buf bytes.Buffer
	if strings.HasSuffix(name, ".png") {
		enc := png.Encoder{CompressionLevel: png.NoCompression}
		require.NoError(t, enc.Encode(&buf, img))
	} else {
		require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	}
	return buf.Bytes()
}

// siteFixture writes 3 pages, 2 stylesheets, 5 local scripts, no vendored
// scripts, 2 raster images, 1 vector image and 1 font.
func siteFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string][]byte{
		"src/templates/layout.html":      []byte(`{{define "layout"}}<html><head><title>{{.Title}}</title></head><body>{{.Content}}</body></html>{{end}}`),
		"src/templates/pages/index.html": []byte(`<html><body><h1>{{.Title}}</h1></body></html>`),
		"src/templates/pages/about.tmpl": []byte(`<html><body><p>About</p></body></html>`),
		"src/templates/pages/post.md":    []byte("# First post\n\nHello *world*.\n"),
		"src/static/css/base.css":        []byte("body { margin: 0; }\n"),
		"src/static/css/theme.css":       []byte(".box { display: flex; color: #ff0000; }\n"),
		"src/static/js/a.js":             []byte("var a = 1;\n"),
		"src/static/js/b.js":             []byte("var b = 2;\n"),
		"src/static/js/c.js":             []byte("var c = 3;\n"),
		"src/static/js/lib/d.js":         []byte("var d = 4;\n"),
		"src/static/js/lib/e.js":         []byte("var e = 5;\n"),
		"src/static/img/photo.jpg":       encodeImage(t, "photo.jpg"),
		"src/static/img/icons/logo.png":  encodeImage(t, "logo.png"),
		"src/static/img/icons/arrow.svg": []byte(`<svg xmlns="http://www.w3.org/2000/svg"><path d="M0 0L10 10"/></svg>`),
		"src/static/fonts/mono.woff2":    []byte("wOF2-font-bytes"),
	}
	for name, contents := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, contents, 0644))
	}
	return root
}

func newEngine(t *testing.T, root string, n *recordingNotifier) *engine.Engine {
	t.Helper()
	cfg := config.NewManager().GetDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	return newEngineWithConfig(t, root, cfg, n)
}

func newEngineWithConfig(t *testing.T, root string, cfg *types.SiteConfig, n *recordingNotifier) *engine.Engine {
	t.Helper()
	log := logger.NewNopLogger()
	deps := engine.NewDependencyFactory(cfg, log).CreateWithOverrides(engine.Dependencies{Notifier: n})
	e, err := engine.New(cfg, root, log, deps)
	require.NoError(t, err)
	return e
}

// outputTree maps every file under build/ to its contents
func outputTree(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	dest := filepath.Join(root, "build")
	if !utils.Exists(dest) {
		return tree
	}
	err := filepath.WalkDir(dest, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dest, p)
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return tree
}

func keys(tree map[string]string) []string {
	var out []string
	for k := range tree {
		out = append(out, k)
	}
	return out
}

func TestBuild_ProducesExpectedTree(t *testing.T) {
	root := siteFixture(t)
	e := newEngine(t, root, &recordingNotifier{})

	summary, err := e.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Failed)
	assert.Equal(t, len(types.AllStages()), summary.Stages)
	assert.Equal(t, engine.PhaseIdle, e.Phase())

	tree := outputTree(t, root)
	assert.ElementsMatch(t, []string{
		"index.html",
		"about.html",
		"post.html",
		"static/css/style.css",
		"static/css/style.css.map",
		"static/js/script.js",
		"static/img/photo.jpg",
		"static/img/icons/logo.png",
		"static/img/icons/arrow.svg",
		"static/fonts/mono.woff2",
	}, keys(tree))

	assert.NotContains(t, tree, "static/js/libs.min.js")
	assert.Contains(t, tree["post.html"], "<title>First post</title>")
	assert.Contains(t, tree["static/css/style.css"], "display:-webkit-flex")
	assert.Contains(t, tree["static/css/style.css"], "sourceMappingURL=style.css.map")
	for _, v := range []string{"var a", "var b", "var c", "var d", "var e"} {
		assert.Contains(t, tree["static/js/script.js"], v)
	}
	assert.Equal(t, "wOF2-font-bytes", tree["static/fonts/mono.woff2"])
}

func TestBuild_IsIdempotent(t *testing.T) {
	root := siteFixture(t)
	e := newEngine(t, root, &recordingNotifier{})

	_, err := e.Build(context.Background())
	require.NoError(t, err)
	first := outputTree(t, root)

	_, err = e.Build(context.Background())
	require.NoError(t, err)
	second := outputTree(t, root)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second build changed the output tree (-first +second):\n%s", diff)
	}
}

func TestBuild_EmptySourceTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0755))
	n := &recordingNotifier{}
	e := newEngine(t, root, n)

	summary, err := e.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summary.Failed)
	assert.Empty(t, n.Failures())
	assert.Empty(t, outputTree(t, root))

	for _, st := range e.Status().Snapshot() {
		assert.Equal(t, types.BuildStatusSucceeded, st.BuildStatus, st.Stage)
		assert.Empty(t, st.Outputs, st.Stage)
	}
}

func TestBuild_MissingSourceRootIsFatal(t *testing.T) {
	e := newEngine(t, t.TempDir(), &recordingNotifier{})

	_, err := e.Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
	assert.Equal(t, engine.PhaseIdle, e.Phase())

	err = e.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, engine.PhaseIdle, e.Phase())
}

func TestBuild_FailedStageStillCompletes(t *testing.T) {
	root := siteFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "src/static/css/theme.css"), []byte(".box { color: red;"), 0644))
	n := &recordingNotifier{}
	e := newEngine(t, root, n)

	summary, err := e.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.StageName{types.StageStyles}, summary.Failed)
	require.Len(t, n.Failures(), 1)
	assert.True(t, strings.HasPrefix(n.Failures()[0], "styles: "))

	tree := outputTree(t, root)
	assert.NotContains(t, tree, "static/css/style.css")
	assert.Contains(t, tree, "static/js/script.js")
	assert.Contains(t, tree, "index.html")
}

func startEngine(t *testing.T, e *engine.Engine) {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		e.Stop(ctx)
	})
	require.Equal(t, engine.PhaseServing, e.Phase())
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func connect(t *testing.T, e *engine.Engine) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+e.Addr()+server.PathSocket, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	require.Eventually(t, func() bool {
		_, body := get(t, "http://"+e.Addr()+server.PathStatus)
		var status struct {
			Clients int `json:"clients"`
		}
		return json.Unmarshal([]byte(body), &status) == nil && status.Clients == 1
	}, 5*time.Second, 20*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) server.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg server.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func runs(e *engine.Engine) map[types.StageName]int {
	out := make(map[types.StageName]int)
	for _, st := range e.Status().Snapshot() {
		out[st.Stage] = st.BuildCount + st.FailureCount
	}
	return out
}

func TestStart_ServesBuildOutput(t *testing.T) {
	root := siteFixture(t)
	e := newEngine(t, root, &recordingNotifier{})
	startEngine(t, e)

	code, body := get(t, "http://"+e.Addr()+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "<h1>Index</h1>")
	assert.Contains(t, body, server.ClientSnippet)

	code, _ = get(t, "http://"+e.Addr()+"/static/css/style.css")
	assert.Equal(t, http.StatusOK, code)

	err := e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine is serving")
}

func TestStart_PortAlreadyBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := config.NewManager().GetDefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = ln.Addr().(*net.TCPAddr).Port

	e := newEngineWithConfig(t, siteFixture(t), cfg, &recordingNotifier{})
	err = e.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
	assert.Equal(t, engine.PhaseIdle, e.Phase())
}

func TestStart_StopReturnsToIdle(t *testing.T) {
	e := newEngine(t, siteFixture(t), &recordingNotifier{})
	require.NoError(t, e.Start(context.Background()))
	addr := e.Addr()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Wait())

	assert.Equal(t, engine.PhaseIdle, e.Phase())
	assert.Empty(t, e.Addr())
	_, err := http.Get("http://" + addr + "/")
	assert.Error(t, err)
}

func TestStart_ContextCancelStopsServing(t *testing.T) {
	e := newEngine(t, siteFixture(t), &recordingNotifier{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))

	cancel()
	done := make(chan error, 1)
	go func() { done <- e.Wait() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("engine kept serving after its context was cancelled")
	}
	assert.Equal(t, engine.PhaseIdle, e.Phase())
}

func TestServing_StylesheetSyntaxErrorKeepsPreviousOutput(t *testing.T) {
	root := siteFixture(t)
	n := &recordingNotifier{}
	e := newEngine(t, root, n)
	startEngine(t, e)
	conn := connect(t, e)

	stylePath := filepath.Join(root, "build/static/css/style.css")
	before, err := os.ReadFile(stylePath)
	require.NoError(t, err)

	require.NoError(t, utils.WriteFileAtomic(filepath.Join(root, "src/static/css/theme.css"), []byte(".box { color: red;\n")))

	msg := readMessage(t, conn)
	assert.Equal(t, server.MessageBuildError, msg.Type)
	assert.Equal(t, string(types.StageStyles), msg.Target)

	require.NotEmpty(t, n.Failures())
	assert.True(t, strings.HasPrefix(n.Failures()[0], "styles: "))

	after, err := os.ReadFile(stylePath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	code, _ := get(t, "http://"+e.Addr()+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, engine.PhaseServing, e.Phase())
}

func TestServing_LocalScriptEditRunsOnlyLocalScripts(t *testing.T) {
	root := siteFixture(t)
	e := newEngine(t, root, &recordingNotifier{})
	startEngine(t, e)
	conn := connect(t, e)

	before := runs(e)
	for _, name := range types.AllStages() {
		assert.Equal(t, 1, before[name], name)
	}

	require.NoError(t, utils.WriteFileAtomic(filepath.Join(root, "src/static/js/a.js"), []byte("var a = 42;\n")))

	msg := readMessage(t, conn)
	assert.Equal(t, server.MessageFullReload, msg.Type)

	after := runs(e)
	assert.GreaterOrEqual(t, after[types.StageLocalScripts], 2)
	for _, name := range types.AllStages() {
		if name == types.StageLocalScripts {
			continue
		}
		assert.Equal(t, before[name], after[name], "%s re-ran", name)
	}

	_, script := get(t, "http://"+e.Addr()+"/static/js/script.js")
	assert.Contains(t, script, "var a = 42;")
}

func TestServing_StyleEditSendsCSSUpdate(t *testing.T) {
	root := siteFixture(t)
	e := newEngine(t, root, &recordingNotifier{})
	startEngine(t, e)
	conn := connect(t, e)

	require.NoError(t, utils.WriteFileAtomic(filepath.Join(root, "src/static/css/base.css"), []byte("body { margin: 4px; }\n")))

	msg := readMessage(t, conn)
	assert.Equal(t, server.MessageCSSUpdate, msg.Type)
	assert.Equal(t, "/static/css/style.css", msg.Target)
	assert.Contains(t, msg.Content, "margin:4px")
}

func TestDispatch(t *testing.T) {
	e := newEngine(t, siteFixture(t), &recordingNotifier{})
	assert.Nil(t, e.Dispatch("src/static/js/a.js"))

	startEngine(t, e)
	assert.Equal(t, []types.StageName{types.StageLocalScripts}, e.Dispatch("src/static/js/a.js"))
	assert.Equal(t, []types.StageName{types.StageMarkup}, e.Dispatch("src/templates/layout.html"))
	assert.Empty(t, e.Dispatch("README.md"))
}
