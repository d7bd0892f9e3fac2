// Package notify delivers cycle alerts to chat channels (Telegram, Discord).
// Alerts are deduplicated per venue and cycle and throttled so a burst of
// scans cannot flood a channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/metrics"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Options tunes a Notifier. Zero values disable the matching guard.
type Options struct {
	// RatePerMinute caps deliveries across all senders.
	RatePerMinute int
	// DedupWindow suppresses repeats of the same venue and cycle.
	DedupWindow time.Duration
	// MinNetBps drops cycles whose estimated edge is below it.
	MinNetBps float64
	Metrics   *metrics.Metrics
}

// Notifier dispatches cycle alerts to one or more Senders.
type Notifier struct {
	senders   []Sender
	limiter   *rate.Limiter
	dedup     *Dedup
	minNetBps float64
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewNotifier creates a Notifier that delivers to the given senders.
func NewNotifier(senders []Sender, opts Options, logger *slog.Logger) *Notifier {
	n := &Notifier{
		senders:   senders,
		minNetBps: opts.MinNetBps,
		metrics:   opts.Metrics,
		logger:    logger.With(slog.String("component", "notifier")),
	}
	if opts.RatePerMinute > 0 {
		n.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), opts.RatePerMinute)
	}
	if opts.DedupWindow > 0 {
		n.dedup = NewDedup(opts.DedupWindow)
	}
	return n
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// NotifyCycle alerts on one cycle result. It returns true when the alert was
// dispatched, false when it was filtered, deduplicated or throttled.
func (n *Notifier) NotifyCycle(ctx context.Context, r domain.CycleResult) (bool, error) {
	if !n.Enabled() {
		return false, nil
	}
	if r.NetBpsEst < n.minNetBps {
		return false, nil
	}
	if n.dedup != nil && n.dedup.IsDuplicate(r.Venue+"|"+r.Cycle) {
		n.metrics.Notification("duplicate")
		return false, nil
	}
	if n.limiter != nil && !n.limiter.Allow() {
		n.metrics.Notification("throttled")
		n.logger.DebugContext(ctx, "notification throttled",
			slog.String("venue", r.Venue),
			slog.String("cycle", r.Cycle),
		)
		return false, nil
	}

	title, message := FormatCycle(r)
	if err := n.dispatch(ctx, title, message); err != nil {
		n.metrics.Notification("failed")
		return false, err
	}
	n.metrics.Notification("sent")
	return true, nil
}

// NotifyAll sends a free-form notification to all senders, bypassing the
// dedup and rate guards.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	return n.dispatch(ctx, title, message)
}

// Cleanup drops expired dedup entries.
func (n *Notifier) Cleanup() {
	if n != nil && n.dedup != nil {
		n.dedup.Cleanup()
	}
}

// FormatCycle renders the title and body of a cycle alert.
func FormatCycle(r domain.CycleResult) (string, string) {
	title := fmt.Sprintf("%s cycle on %s", r.Technique, r.Venue)
	message := fmt.Sprintf("%s\nnet %.2f bps over %d hops (fees %.1f bps)",
		r.Cycle, r.NetBpsEst, r.Hops, r.FeeBpsTotal)
	return title, message
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the rest; failures are joined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
