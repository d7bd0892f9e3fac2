package feed

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/cyclearb/internal/domain"
	"github.com/alanyoungcy/cyclearb/internal/metrics"
)

// Ingestor stores each received snapshot in the cache and announces its
// exchange id on the snapshots channel.
type Ingestor struct {
	cache   domain.SnapshotCache
	bus     domain.SignalBus
	channel string
	source  string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor publishing on channel. source labels the
// snapshots_received metric.
func NewIngestor(cache domain.SnapshotCache, bus domain.SignalBus, channel, source string, m *metrics.Metrics, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		cache:   cache,
		bus:     bus,
		channel: channel,
		source:  source,
		metrics: m,
		logger:  logger.With(slog.String("component", "ingestor")),
	}
}

// Handle is a SnapshotHandler. Failures are logged; the feed keeps running.
func (i *Ingestor) Handle(ctx context.Context, snap domain.Snapshot) {
	if err := i.cache.SetSnapshot(ctx, snap); err != nil {
		i.logger.ErrorContext(ctx, "cache snapshot failed",
			slog.String("exchange", snap.ExchangeID),
			slog.String("error", err.Error()),
		)
		return
	}
	i.metrics.SnapshotReceived(i.source)
	if err := i.bus.Publish(ctx, i.channel, []byte(snap.ExchangeID)); err != nil {
		i.logger.ErrorContext(ctx, "publish snapshot failed",
			slog.String("exchange", snap.ExchangeID),
			slog.String("error", err.Error()),
		)
	}
}
