// Package types provides core types and configurations for sitegeist
package types

import (
	"fmt"
	"time"
)

// StageName identifies one of the fixed build stages
type StageName string

const (
	StageMarkup          StageName = "markup"
	StageStyles          StageName = "styles"
	StageVendoredScripts StageName = "vendored-scripts"
	StageLocalScripts    StageName = "local-scripts"
	StageImagesRaster    StageName = "images-raster"
	StageImagesVector    StageName = "images-vector"
	StageFonts           StageName = "fonts"
)

// AllStages lists every stage in declaration order.
func AllStages() []StageName {
	return []StageName{
		StageMarkup,
		StageStyles,
		StageVendoredScripts,
		StageLocalScripts,
		StageImagesRaster,
		StageImagesVector,
		StageFonts,
	}
}

// ParseStageName validates a stage name
func ParseStageName(s string) (StageName, error) {
	for _, name := range AllStages() {
		if string(name) == s {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown stage: %s", s)
}

// LogLevel represents logging verbosity levels
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// BuildStatus represents the current state of a stage run
type BuildStatus string

const (
	BuildStatusIdle      BuildStatus = "idle"
	BuildStatusBuilding  BuildStatus = "building"
	BuildStatusSucceeded BuildStatus = "succeeded"
	BuildStatusFailed    BuildStatus = "failed"
)

// NotificationPolicy decides where stage failures are reported.
// The same policy applies to every stage.
type NotificationPolicy string

const (
	NotifyDesktop NotificationPolicy = "desktop"
	NotifyConsole NotificationPolicy = "console"
	NotifySilent  NotificationPolicy = "silent"
)

// MarkupOptions configures the template stage
type MarkupOptions struct {
	Pretty   *bool    `json:"pretty,omitempty" yaml:"pretty,omitempty"`
	Partials []string `json:"partials,omitempty" yaml:"partials,omitempty"`
}

// StyleOptions configures the stylesheet stage
type StyleOptions struct {
	IncludeCSS *bool    `json:"includeCSS,omitempty" yaml:"includeCSS,omitempty"`
	Browsers   []string `json:"browsers,omitempty" yaml:"browsers,omitempty"`
	Minify     *bool    `json:"minify,omitempty" yaml:"minify,omitempty"`
	SourceMap  *bool    `json:"sourceMap,omitempty" yaml:"sourceMap,omitempty"`
}

// ScriptOptions configures the script stages
type ScriptOptions struct {
	Minify    *bool `json:"minify,omitempty" yaml:"minify,omitempty"`
	SourceMap *bool `json:"sourceMap,omitempty" yaml:"sourceMap,omitempty"`
}

// ImageOptions configures raster compression
type ImageOptions struct {
	Quality int `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// StageConfig describes one stage's inputs and outputs.
// Sources are glob patterns relative to the project root.
// CommandExt renames the command's output files, empty means the stage default.
type StageConfig struct {
	Sources    []string `json:"sources" yaml:"sources"`
	Watch      []string `json:"watch,omitempty" yaml:"watch,omitempty"`
	Dest       string   `json:"dest" yaml:"dest"`
	Output     string   `json:"output,omitempty" yaml:"output,omitempty"`
	Command    string   `json:"command,omitempty" yaml:"command,omitempty"`
	CommandExt string   `json:"commandExt,omitempty" yaml:"commandExt,omitempty"`
	Enabled    *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the stage takes part in builds
func (s StageConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// WatchPatterns returns the patterns that re-trigger the stage
func (s StageConfig) WatchPatterns() []string {
	if len(s.Watch) > 0 {
		return s.Watch
	}
	return s.Sources
}

// StagesConfig holds the seven fixed stages
type StagesConfig struct {
	Markup          StageConfig `json:"markup" yaml:"markup"`
	Styles          StageConfig `json:"styles" yaml:"styles"`
	VendoredScripts StageConfig `json:"vendoredScripts" yaml:"vendoredScripts"`
	LocalScripts    StageConfig `json:"localScripts" yaml:"localScripts"`
	ImagesRaster    StageConfig `json:"imagesRaster" yaml:"imagesRaster"`
	ImagesVector    StageConfig `json:"imagesVector" yaml:"imagesVector"`
	Fonts           StageConfig `json:"fonts" yaml:"fonts"`
}

// Get returns the config of a named stage
func (s *StagesConfig) Get(name StageName) *StageConfig {
	switch name {
	case StageMarkup:
		return &s.Markup
	case StageStyles:
		return &s.Styles
	case StageVendoredScripts:
		return &s.VendoredScripts
	case StageLocalScripts:
		return &s.LocalScripts
	case StageImagesRaster:
		return &s.ImagesRaster
	case StageImagesVector:
		return &s.ImagesVector
	case StageFonts:
		return &s.Fonts
	}
	return nil
}

// TransformOptions groups the per-transform option records
type TransformOptions struct {
	Markup  MarkupOptions `json:"markup" yaml:"markup"`
	Styles  StyleOptions  `json:"styles" yaml:"styles"`
	Scripts ScriptOptions `json:"scripts" yaml:"scripts"`
	Images  ImageOptions  `json:"images" yaml:"images"`
}

// ServerConfig configures the development server
type ServerConfig struct {
	Host           string   `json:"host" yaml:"host"`
	Port           int      `json:"port" yaml:"port"`
	LiveReload     *bool    `json:"liveReload,omitempty" yaml:"liveReload,omitempty"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty" yaml:"allowedOrigins,omitempty"`
}

// Addr returns the listen address
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// LiveReloadEnabled reports whether the reload script is injected
func (s ServerConfig) LiveReloadEnabled() bool { return s.LiveReload == nil || *s.LiveReload }

// NotificationConfig represents notification preferences
type NotificationConfig struct {
	Policy        NotificationPolicy `json:"policy,omitempty" yaml:"policy,omitempty"`
	NotifySuccess bool               `json:"notifySuccess,omitempty" yaml:"notifySuccess,omitempty"`
	FailureSound  bool               `json:"failureSound,omitempty" yaml:"failureSound,omitempty"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	File  string   `json:"file" yaml:"file"`
	Level LogLevel `json:"level" yaml:"level"`
}

// SiteConfig represents the main configuration
type SiteConfig struct {
	Version       string             `json:"version" yaml:"version"`
	SourceDir     string             `json:"sourceDir" yaml:"sourceDir"`
	DestDir       string             `json:"destDir" yaml:"destDir"`
	Stages        StagesConfig       `json:"stages" yaml:"stages"`
	Vendor        []string           `json:"vendor" yaml:"vendor"`
	Options       TransformOptions   `json:"options" yaml:"options"`
	Server        ServerConfig       `json:"server" yaml:"server"`
	Notifications NotificationConfig `json:"notifications" yaml:"notifications"`
	Logging       *LoggingConfig     `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// EventKind classifies reload events
type EventKind string

const (
	EventBuilt  EventKind = "built"
	EventFailed EventKind = "failed"
)

// ReloadEvent signals that a stage run finished.
// Outputs are destination-relative slash paths.
type ReloadEvent struct {
	Stage     StageName `json:"stage"`
	Kind      EventKind `json:"kind"`
	Outputs   []string  `json:"outputs,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BoolPtr returns a pointer to b
func BoolPtr(b bool) *bool { return &b }

// BoolValue dereferences p, falling back to def
func BoolValue(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
