package driver

import (
	"context"

	"github.com/containerd/log"

	"github.com/aledbf/qemubox/manager/internal/domain"
	"github.com/aledbf/qemubox/manager/internal/events"
)

// eventQueue accumulates events while locks are held. Operations queue
// transitions as they happen and flush after the domain lock is dropped,
// so no subscriber callback can ever re-enter the lock.
type eventQueue struct {
	items []queuedEvent
}

type queuedEvent struct {
	topic   string
	payload any
}

// lifecycle queues a lifecycle transition for the locked domain.
func (q *eventQueue) lifecycle(d *domain.Domain, typ events.LifecycleType, detail string) {
	q.items = append(q.items, queuedEvent{
		topic: events.TopicLifecycle,
		payload: &events.LifecycleEvent{
			Name:   d.Name(),
			UUID:   d.UUID().String(),
			ID:     d.ID(),
			Type:   typ,
			Detail: detail,
		},
	})
}

// control queues a channel availability change for the locked domain.
func (q *eventQueue) control(d *domain.Domain, channel string, connected bool, reason string) {
	q.items = append(q.items, queuedEvent{
		topic: events.TopicControl,
		payload: &events.ControlEvent{
			Name:      d.Name(),
			UUID:      d.UUID().String(),
			Channel:   channel,
			Connected: connected,
			Reason:    reason,
		},
	})
}

// flush publishes queued events in order. Call only with no domain lock
// held.
func (dr *Driver) flush(ctx context.Context, q *eventQueue) {
	for _, item := range q.items {
		if err := dr.exchange.Publish(ctx, item.topic, item.payload); err != nil {
			log.G(ctx).WithError(err).WithField("topic", item.topic).
				Error("failed to publish event")
		}
	}
	q.items = q.items[:0]
}
