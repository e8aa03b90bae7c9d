// Package notifier provides stage failure notifications
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/poltergeist/sitegeist/pkg/logger"
	"github.com/poltergeist/sitegeist/pkg/types"
)

// Notifier is the non-fatal sink stage outcomes are routed to
type Notifier interface {
	NotifyStageFailure(stage string, err error)
	NotifyStageSuccess(stage string, duration time.Duration)
}

// DesktopFunc sends a desktop notification
type DesktopFunc func(title, message string) error

// BuildNotifier applies one notification policy to every stage
type BuildNotifier struct {
	policy        types.NotificationPolicy
	notifySuccess bool
	failureSound  bool
	logger        logger.Logger
	desktop       DesktopFunc
	beep          func() error
}

// Option configures a BuildNotifier
type Option func(*BuildNotifier)

// WithDesktopFunc replaces the desktop backend
func WithDesktopFunc(fn DesktopFunc) Option {
	return func(n *BuildNotifier) { n.desktop = fn }
}

// WithBeepFunc replaces the failure sound backend
func WithBeepFunc(fn func() error) Option {
	return func(n *BuildNotifier) { n.beep = fn }
}

// New creates a notifier from config
func New(config types.NotificationConfig, log logger.Logger, opts ...Option) *BuildNotifier {
	policy := config.Policy
	if policy == "" {
		policy = types.NotifyDesktop
	}

	n := &BuildNotifier{
		policy:        policy,
		notifySuccess: config.NotifySuccess,
		failureSound:  config.FailureSound,
		logger:        log,
		desktop: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Policy returns the active policy
func (n *BuildNotifier) Policy() types.NotificationPolicy { return n.policy }

// NotifyStageFailure reports a failed stage run
func (n *BuildNotifier) NotifyStageFailure(stage string, err error) {
	title := "❌ sitegeist"
	message := fmt.Sprintf("Error in %s: %v", stage, err)

	n.send(title, message, n.failureSound)
}

// NotifyStageSuccess reports a successful stage run when enabled
func (n *BuildNotifier) NotifyStageSuccess(stage string, duration time.Duration) {
	if !n.notifySuccess {
		return
	}

	title := "✅ sitegeist"
	message := fmt.Sprintf("%s built in %s", stage, FormatDuration(duration))

	n.send(title, message, false)
}

func (n *BuildNotifier) send(title, message string, sound bool) {
	switch n.policy {
	case types.NotifySilent:
		return
	case types.NotifyConsole:
		n.console(title, message)
	default:
		if err := n.desktop(title, message); err != nil {
			n.logger.Debug("Failed to send notification", logger.WithError(err))
			n.console(title, message)
		}
		if sound {
			if err := n.beep(); err != nil {
				n.logger.Debug("Failed to play sound", logger.WithError(err))
			}
		}
	}
}

func (n *BuildNotifier) console(title, message string) {
	n.logger.Warn(fmt.Sprintf("%s: %s", title, message))
}

// FormatDuration renders a run duration for humans
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
