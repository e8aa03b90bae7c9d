package engine

import (
	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/metrics"
	"github.com/poltergeist/sitegeist/pkg/notifier"
	"github.com/poltergeist/sitegeist/pkg/reload"
	"github.com/poltergeist/sitegeist/pkg/types"
)

// Dependencies are the collaborators an Engine reports to
type Dependencies struct {
	Notifier notifier.Notifier
	Metrics  *metrics.Recorder
	Bus      *reload.Bus
}

// DependencyFactory creates the default collaborators from config
type DependencyFactory struct {
	config *types.SiteConfig
	logger logger.Logger
}

// NewDependencyFactory creates a new dependency factory
func NewDependencyFactory(config *types.SiteConfig, log logger.Logger) *DependencyFactory {
	return &DependencyFactory{config: config, logger: log}
}

// CreateDefaults returns the notifier for the configured policy, a fresh
// metrics recorder and a reload bus.
func (f *DependencyFactory) CreateDefaults() Dependencies {
	return Dependencies{
		Notifier: notifier.New(f.config.Notifications, f.logger),
		Metrics:  metrics.NewRecorder(),
		Bus:      reload.NewBus(),
	}
}

// CreateWithOverrides returns the defaults with every non-nil override applied
func (f *DependencyFactory) CreateWithOverrides(overrides Dependencies) Dependencies {
	deps := f.CreateDefaults()
	if overrides.Notifier != nil {
		deps.Notifier = overrides.Notifier
	}
	if overrides.Metrics != nil {
		deps.Metrics = overrides.Metrics
	}
	if overrides.Bus != nil {
		deps.Bus = overrides.Bus
	}
	return deps
}
