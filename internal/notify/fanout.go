package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/pickup-monitor/internal/metrics"
	"github.com/JakeFAU/pickup-monitor/internal/monitor"
)

const channelPubSub = "pubsub"

// Fanout delivers through a primary notifier and mirrors every event to
// publishers. Only the primary outcome is returned; publish failures are
// logged.
type Fanout struct {
	primary    monitor.Notifier
	publishers []monitor.Publisher
	topic      string
	logger     *zap.Logger
}

var _ monitor.Notifier = (*Fanout)(nil)

// NewFanout wraps primary. Nil publishers are skipped.
func NewFanout(primary monitor.Notifier, topic string, logger *zap.Logger, publishers ...monitor.Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{primary: primary, topic: topic, logger: logger}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

// Notify implements monitor.Notifier.
func (f *Fanout) Notify(ctx context.Context, event monitor.Event) (monitor.NotifyResult, error) {
	for _, p := range f.publishers {
		id, err := p.Publish(ctx, f.topic, event)
		if err != nil {
			metrics.ObserveNotification(channelPubSub, "failed")
			f.logger.Warn("event publish failed", zap.String("topic", f.topic), zap.Error(err))
			continue
		}
		metrics.ObserveNotification(channelPubSub, "sent")
		f.logger.Debug("event published", zap.String("topic", f.topic), zap.String("message_id", id))
	}
	if f.primary == nil {
		return monitor.NotifyResult{}, monitor.Errorf(monitor.ErrConfiguration, "notify.Fanout", "no primary notifier")
	}
	return f.primary.Notify(ctx, event)
}
