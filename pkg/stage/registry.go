package stage

import (
	"fmt"

	"github.com/poltergeist/sitegeist/pkg/transform"
	"github.com/poltergeist/sitegeist/pkg/types"
)

// Registry holds the enabled stages in declaration order
type Registry struct {
	stages []*Stage
	byName map[types.StageName]*Stage
}

// NewRegistry declares every enabled stage of cfg. root is the project root.
func NewRegistry(root string, cfg *types.SiteConfig) (*Registry, error) {
	r := &Registry{byName: make(map[types.StageName]*Stage)}

	for _, name := range types.AllStages() {
		sc := cfg.Stages.Get(name)
		if sc == nil || !sc.IsEnabled() {
			continue
		}

		chain, err := transformsFor(root, name, sc, cfg)
		if err != nil {
			return nil, fmt.Errorf("stage '%s': %w", name, err)
		}

		sources := sc.Sources
		watch := sc.Watch
		if name == types.StageVendoredScripts {
			sources = append(append([]string{}, cfg.Vendor...), sc.Sources...)
			watch = nil
		}

		s := New(Config{
			Name:       name,
			Root:       root,
			Sources:    sources,
			Watch:      watch,
			Dest:       sc.Dest,
			SiteDest:   cfg.DestDir,
			Transforms: chain,
		})
		r.stages = append(r.stages, s)
		r.byName[name] = s
	}

	return r, nil
}

// Stages returns the enabled stages in declaration order
func (r *Registry) Stages() []*Stage {
	return r.stages
}

// Get looks up a stage by name
func (r *Registry) Get(name types.StageName) (*Stage, bool) {
	s, ok := r.byName[name]
	return s, ok
}

func transformsFor(root string, name types.StageName, sc *types.StageConfig, cfg *types.SiteConfig) ([]transform.Transform, error) {
	var chain []transform.Transform
	if sc.Command != "" {
		chain = append(chain, transform.Command(transform.CommandOptions{
			Command: sc.Command,
			Dir:     root,
			Ext:     CommandExt(name, sc),
		}))
	}

	opts := cfg.Options
	switch name {
	case types.StageMarkup:
		chain = append(chain, transform.Template(transform.TemplateOptions{
			Root:   root,
			Shared: opts.Markup.Partials,
			Pretty: types.BoolValue(opts.Markup.Pretty, true),
		}))

	case types.StageStyles:
		sourceMap := types.BoolValue(opts.Styles.SourceMap, true)
		chain = append(chain,
			transform.CompileCSS(transform.CSSOptions{
				Root:       root,
				IncludeCSS: types.BoolValue(opts.Styles.IncludeCSS, true),
			}),
			transform.Prefix(opts.Styles.Browsers),
		)
		switch {
		case !types.BoolValue(opts.Styles.Minify, true):
		case sourceMap:
			chain = append(chain, transform.MinifyKeepLines())
		default:
			chain = append(chain, transform.Minify())
		}
		chain = append(chain, transform.Concat(transform.ConcatOptions{
			Output:    sc.Output,
			SourceMap: sourceMap,
		}))

	case types.StageVendoredScripts:
		chain = append(chain, transform.Concat(transform.ConcatOptions{Output: sc.Output}))

	case types.StageLocalScripts:
		if types.BoolValue(opts.Scripts.Minify, false) {
			chain = append(chain, transform.Minify())
		}
		chain = append(chain, transform.Concat(transform.ConcatOptions{
			Output:    sc.Output,
			SourceMap: types.BoolValue(opts.Scripts.SourceMap, false),
		}))

	case types.StageImagesRaster:
		quality := opts.Images.Quality
		if quality == 0 {
			quality = transform.DefaultQuality
		}
		chain = append(chain, transform.CompressImage(quality))

	case types.StageImagesVector, types.StageFonts:
		chain = append(chain, transform.Passthrough())

	default:
		return nil, fmt.Errorf("unknown stage")
	}

	return chain, nil
}

// CommandExt is the extension a stage's command output is renamed to, so a
// compiler feeding the built-in steps (pug to HTML, sass to CSS) is picked up
// by them. Image and font commands keep the source extension.
func CommandExt(name types.StageName, sc *types.StageConfig) string {
	if sc.CommandExt != "" {
		return sc.CommandExt
	}
	switch name {
	case types.StageMarkup:
		return ".html"
	case types.StageStyles:
		return ".css"
	case types.StageVendoredScripts, types.StageLocalScripts:
		return ".js"
	}
	return ""
}
