package cli_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/poltergeist/sitegeist/internal/server"
	"github.com/poltergeist/sitegeist/internal/state"
	"github.com/poltergeist/sitegeist/pkg/cli"
	"github.com/poltergeist/sitegeist/pkg/config"
	"github.com/poltergeist/sitegeist/pkg/types"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg := cli.NewConfig()
	cfg.Version = "1.2.3"
	var out, errOut bytes.Buffer
	err := cli.NewCLIWithOutput(cfg, &out, &errOut).Execute(args)
	return out.String(), err
}

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, contents := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

// project writes a small site with notifications silenced
func project(t *testing.T, extra map[string]string) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"sitegeist.config.json":       `{"notifications": {"policy": "silent"}}`,
		"src/static/css/main.css":     "body { color: red; }",
		"src/static/fonts/serif.woff": "font",
	}
	for k, v := range extra {
		files[k] = v
	}
	writeFiles(t, root, files)
	return root
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "👻 sitegeist v1.2.3\n" {
		t.Errorf("unexpected output %q", out)
	}
}

func TestInitCommand(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantFile string
		wantErr  string
	}{
		{name: "json", args: nil, wantFile: "sitegeist.config.json"},
		{name: "yaml", args: []string{"--format", "yaml"}, wantFile: "sitegeist.config.yaml"},
		{name: "unsupported", args: []string{"--format", "toml"}, wantErr: "unsupported config format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			args := append([]string{"init", "--root", root}, tt.args...)
			_, err := run(t, args...)

			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			cfg, err := config.NewManager().LoadConfig(filepath.Join(root, tt.wantFile))
			if err != nil {
				t.Fatalf("generated config does not load: %v", err)
			}
			if cfg.Stages.Styles.Output != "style.css" {
				t.Errorf("expected default styles output, got %q", cfg.Stages.Styles.Output)
			}
		})
	}
}

func TestInitCommand_ExistingConfiguration(t *testing.T) {
	root := t.TempDir()
	if _, err := run(t, "init", "--root", root); err != nil {
		t.Fatal(err)
	}

	_, err := run(t, "init", "--root", root)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already exists error, got %v", err)
	}

	if _, err := run(t, "init", "--root", root, "--force"); err != nil {
		t.Fatalf("--force should overwrite: %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{name: "defaults", config: ""},
		{name: "partial json", config: `{"server": {"port": 8080}}`},
		{name: "yaml", config: "destDir: public\n"},
		{name: "bad port", config: `{"server": {"port": 70000}}`, wantErr: "invalid server port"},
		{name: "bad policy", config: `{"notifications": {"policy": "email"}}`, wantErr: "invalid notification policy"},
		{name: "same dirs", config: `{"destDir": "src"}`, wantErr: "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeFiles(t, root, map[string]string{"src/.keep": ""})
			if tt.config != "" {
				name := "sitegeist.config.json"
				if !strings.HasPrefix(tt.config, "{") {
					name = "sitegeist.config.yaml"
				}
				writeFiles(t, root, map[string]string{name: tt.config})
			}

			out, err := run(t, "validate", "--root", root)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(out, "Configuration is valid") {
				t.Errorf("unexpected output %q", out)
			}
		})
	}
}

func TestConfigFlag_MissingFile(t *testing.T) {
	_, err := run(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestBuildCommand(t *testing.T) {
	root := project(t, nil)

	out, err := run(t, "build", "--root", root)
	if err != nil {
		t.Fatalf("unexpected error: %v\n%s", err, out)
	}

	for _, name := range []string{"build/static/css/style.css", "build/static/fonts/serif.woff"} {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("expected %s: %v", name, err)
		}
	}
}

func TestBuildCommand_FailedStage(t *testing.T) {
	root := project(t, map[string]string{"src/static/css/broken.css": "a { color: red;"})

	_, err := run(t, "build", "--root", root)
	if err == nil {
		t.Fatal("expected build to fail")
	}
	if !strings.Contains(err.Error(), "styles") {
		t.Errorf("error should name the failed stage: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "build/static/fonts/serif.woff")); err != nil {
		t.Errorf("other stages should still build: %v", err)
	}
}

func TestBuildCommand_MissingSourceDir(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{"sitegeist.config.json": `{"notifications": {"policy": "silent"}}`})

	_, err := run(t, "build", "--root", root)
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing source error, got %v", err)
	}
}

func TestCleanCommand(t *testing.T) {
	root := project(t, map[string]string{"build/old.html": "stale"})

	if _, err := run(t, "clean", "--root", root); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "build")); !os.IsNotExist(err) {
		t.Errorf("expected build directory to be removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "src")); err != nil {
		t.Errorf("sources must survive clean: %v", err)
	}
}

func TestCleanCommand_RefusesOutsideRoot(t *testing.T) {
	root := project(t, map[string]string{
		"sitegeist.config.json": `{"destDir": "..", "notifications": {"policy": "silent"}}`,
	})

	_, err := run(t, "clean", "--root", root)
	if err == nil || !strings.Contains(err.Error(), "refusing") {
		t.Fatalf("expected refusal, got %v", err)
	}
}

func TestStatusCommand(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != server.PathStatus {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"clients": 2,
			"stages": []state.StageState{
				{Stage: types.StageStyles, BuildStatus: types.BuildStatusFailed, FailureCount: 1, LastError: "unexpected '}'", LastBuildTime: time.Now()},
				{Stage: types.StageFonts, BuildStatus: types.BuildStatusSucceeded, BuildCount: 3},
			},
		})
	}))
	defer ts.Close()

	root := project(t, nil)
	out, err := run(t, "status", "--root", root, "--addr", strings.TrimPrefix(ts.URL, "http://"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"STAGE", "styles", "fonts", "unexpected '}'", "2 reload client(s) connected"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand_NoServer(t *testing.T) {
	root := project(t, nil)
	_, err := run(t, "status", "--root", root, "--addr", "127.0.0.1:1")
	if err == nil || !strings.Contains(err.Error(), "no dev server") {
		t.Fatalf("expected unreachable error, got %v", err)
	}
}

func TestRootCommand_RejectsArguments(t *testing.T) {
	if _, err := run(t, "--root", t.TempDir(), "extra"); err == nil {
		t.Fatal("expected an error for unexpected arguments")
	}
}
