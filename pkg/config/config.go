// Package config handles configuration loading and management
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/poltergeist/sitegeist/pkg/types"
	"github.com/poltergeist/sitegeist/pkg/utils"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the only config version understood
const CurrentVersion = "1.0"

// ConfigNames lists the file names searched in the project root, in order
var ConfigNames = []string{
	"sitegeist.config.json",
	"sitegeist.config.yaml",
	"sitegeist.config.yml",
}

// Manager handles configuration operations
type Manager struct{}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{}
}

// LoadConfig loads a configuration file over the defaults
func (m *Manager) LoadConfig(path string) (*types.SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := m.Merge(m.GetDefaultConfig(), data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	if err := m.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Merge overlays a partial JSON or YAML document on base.
// Fields absent from data keep their base value; lists are replaced.
func (m *Manager) Merge(base *types.SiteConfig, data []byte) (*types.SiteConfig, error) {
	// Try JSON first
	cfg, err := clone(base)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return cfg, nil
	}

	cfg, err = clone(base)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config as JSON or YAML: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg as JSON or YAML depending on the file extension
func (m *Manager) SaveConfig(path string, cfg *types.SiteConfig) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return utils.WriteFileAtomic(path, data)
}

// FindConfigFile returns the first config file present in root, or ""
func FindConfigFile(root string) string {
	for _, name := range ConfigNames {
		p := filepath.Join(root, name)
		if utils.Exists(p) {
			return p
		}
	}
	return ""
}

// ValidateConfig validates a configuration
func (m *Manager) ValidateConfig(cfg *types.SiteConfig) error {
	if cfg.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %s", cfg.Version)
	}
	if cfg.SourceDir == "" {
		return fmt.Errorf("sourceDir is required")
	}
	if cfg.DestDir == "" {
		return fmt.Errorf("destDir is required")
	}
	if filepath.Clean(cfg.SourceDir) == filepath.Clean(cfg.DestDir) {
		return fmt.Errorf("sourceDir and destDir must differ")
	}

	for _, name := range types.AllStages() {
		if err := m.validateStage(name, cfg.Stages.Get(name)); err != nil {
			return fmt.Errorf("stage '%s': %w", name, err)
		}
	}
	if _, err := utils.NewPatternMatcher(cfg.Vendor); err != nil {
		return fmt.Errorf("vendor: %w", err)
	}
	if _, err := utils.NewPatternMatcher(cfg.Options.Markup.Partials); err != nil {
		return fmt.Errorf("markup.partials: %w", err)
	}

	if q := cfg.Options.Images.Quality; q < 0 || q > 100 {
		return fmt.Errorf("images.quality must be between 1 and 100, got %d", q)
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}

	switch cfg.Notifications.Policy {
	case "", types.NotifyDesktop, types.NotifyConsole, types.NotifySilent:
	default:
		return fmt.Errorf("invalid notification policy: %s", cfg.Notifications.Policy)
	}

	if cfg.Logging != nil {
		switch cfg.Logging.Level {
		case "", types.LogLevelDebug, types.LogLevelInfo, types.LogLevelWarn, types.LogLevelError:
		default:
			return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
		}
	}

	return nil
}

// GetDefaultConfig returns the default project layout
func (m *Manager) GetDefaultConfig() *types.SiteConfig {
	return &types.SiteConfig{
		Version:   CurrentVersion,
		SourceDir: "src",
		DestDir:   "build",
		Stages: types.StagesConfig{
			Markup: types.StageConfig{
				Sources: []string{"src/templates/pages/*.{html,tmpl,md}"},
				Watch:   []string{"src/templates/**/*.{html,tmpl,md}"},
				Dest:    "build",
			},
			Styles: types.StageConfig{
				Sources: []string{"src/static/css/*.css"},
				Watch:   []string{"src/static/css/**/*.css"},
				Dest:    "build/static/css",
				Output:  "style.css",
			},
			VendoredScripts: types.StageConfig{
				Dest:   "build/static/js",
				Output: "libs.min.js",
			},
			LocalScripts: types.StageConfig{
				Sources: []string{"src/static/js/**/*.js"},
				Dest:    "build/static/js",
				Output:  "script.js",
			},
			ImagesRaster: types.StageConfig{
				Sources: []string{"src/static/img/**/*.{png,jpg,jpeg}"},
				Dest:    "build/static/img",
			},
			ImagesVector: types.StageConfig{
				Sources: []string{"src/static/img/**/*.svg"},
				Dest:    "build/static/img",
			},
			Fonts: types.StageConfig{
				Sources: []string{"src/static/fonts/**/*"},
				Dest:    "build/static/fonts",
			},
		},
		Vendor: []string{},
		Options: types.TransformOptions{
			Markup: types.MarkupOptions{
				Pretty:   types.BoolPtr(true),
				Partials: []string{"src/templates/**/*.{html,tmpl}"},
			},
			Styles: types.StyleOptions{
				IncludeCSS: types.BoolPtr(true),
				Browsers:   []string{"last 10 versions"},
				Minify:     types.BoolPtr(true),
				SourceMap:  types.BoolPtr(true),
			},
			Scripts: types.ScriptOptions{
				Minify:    types.BoolPtr(false),
				SourceMap: types.BoolPtr(false),
			},
			Images: types.ImageOptions{Quality: 75},
		},
		Server: types.ServerConfig{
			Host:       "localhost",
			Port:       3000,
			LiveReload: types.BoolPtr(true),
		},
		Notifications: types.NotificationConfig{
			Policy:       types.NotifyDesktop,
			FailureSound: true,
		},
	}
}

func (m *Manager) validateStage(name types.StageName, sc *types.StageConfig) error {
	if !sc.IsEnabled() {
		return nil
	}
	if sc.Dest == "" {
		return fmt.Errorf("missing dest")
	}

	switch name {
	case types.StageStyles, types.StageVendoredScripts, types.StageLocalScripts:
		if sc.Output == "" {
			return fmt.Errorf("missing output file name")
		}
		if strings.ContainsAny(sc.Output, `/\`) {
			return fmt.Errorf("output must be a file name, got %q", sc.Output)
		}
	}

	if sc.CommandExt != "" && (!strings.HasPrefix(sc.CommandExt, ".") || strings.ContainsAny(sc.CommandExt, `/\`)) {
		return fmt.Errorf("commandExt must look like .ext, got %q", sc.CommandExt)
	}

	if _, err := utils.NewPatternMatcher(sc.Sources); err != nil {
		return err
	}
	if _, err := utils.NewPatternMatcher(sc.Watch); err != nil {
		return err
	}
	return nil
}

func clone(cfg *types.SiteConfig) (*types.SiteConfig, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to copy config: %w", err)
	}
	var out types.SiteConfig
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy config: %w", err)
	}
	return &out, nil
}
