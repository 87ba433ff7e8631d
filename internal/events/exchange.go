// Package events carries lifecycle and control-channel notifications from
// the manager to registered observers. Delivery is asynchronous: publishers
// hand an envelope to the exchange and return immediately, so events can be
// queued while a domain lock is held and observed only after it is released.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/containerd/v2/pkg/filters"
	"github.com/containerd/containerd/v2/pkg/identifiers"
	"github.com/containerd/containerd/v2/pkg/namespaces"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/containerd/typeurl/v2"
)

// DefaultNamespace is used when the publishing context carries none.
const DefaultNamespace = "qemubox-manager"

// Exchange fans envelopes out to subscribers. Each subscriber has its own
// ordered queue; a slow subscriber delays only itself.
type Exchange struct {
	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewExchange returns an empty exchange.
func NewExchange() *Exchange {
	return &Exchange{subs: make(map[*subscription]struct{})}
}

// Publish marshals the event and dispatches it under the topic. The
// namespace is taken from ctx, falling back to DefaultNamespace.
func (e *Exchange) Publish(ctx context.Context, topic string, event events.Event) error {
	if err := validateTopic(topic); err != nil {
		return fmt.Errorf("topic %q: %w", topic, err)
	}

	ns, ok := namespaces.Namespace(ctx)
	if !ok {
		ns = DefaultNamespace
	}

	any, err := typeurl.MarshalAny(event)
	if err != nil {
		return fmt.Errorf("marshal event for %q: %w", topic, err)
	}

	env := &events.Envelope{
		Timestamp: time.Now(),
		Namespace: ns,
		Topic:     topic,
		Event:     any,
	}
	e.dispatch(env)

	log.G(ctx).WithFields(log.Fields{
		"topic":     topic,
		"namespace": ns,
		"type":      any.GetTypeUrl(),
	}).Debug("event published")
	return nil
}

// Forward dispatches an already-built envelope, validating it first.
func (e *Exchange) Forward(ctx context.Context, env *events.Envelope) error {
	if err := validateEnvelope(env); err != nil {
		return err
	}
	e.dispatch(env)
	return nil
}

// Subscribe returns a channel of envelopes matching the given filter
// expressions (all match when none are given) and an error channel. The
// subscription ends when ctx is cancelled; the error channel then yields the
// context error and closes.
func (e *Exchange) Subscribe(ctx context.Context, fs ...string) (<-chan *events.Envelope, <-chan error) {
	out := make(chan *events.Envelope)
	errs := make(chan error, 1)

	filter, err := filters.ParseAll(fs...)
	if err != nil {
		errs <- fmt.Errorf("parse subscription filters: %w: %w", errdefs.ErrInvalidArgument, err)
		close(errs)
		return out, errs
	}

	s := &subscription{
		out:    out,
		errs:   errs,
		filter: filter,
		wake:   make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.subs[s] = struct{}{}
	e.mu.Unlock()

	go func() {
		s.run(ctx)
		e.mu.Lock()
		delete(e.subs, s)
		e.mu.Unlock()
	}()

	return out, errs
}

func (e *Exchange) dispatch(env *events.Envelope) {
	e.mu.Lock()
	targets := make([]*subscription, 0, len(e.subs))
	for s := range e.subs {
		targets = append(targets, s)
	}
	e.mu.Unlock()

	for _, s := range targets {
		s.enqueue(env)
	}
}

// subscription buffers envelopes for one subscriber and delivers them in
// enqueue order from a dedicated goroutine.
type subscription struct {
	mu    sync.Mutex
	queue []*events.Envelope

	wake   chan struct{}
	out    chan *events.Envelope
	errs   chan error
	filter filters.Filter
}

func (s *subscription) enqueue(env *events.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.errs)
	for {
		s.mu.Lock()
		pending := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, env := range pending {
			if !s.filter.Match(adapt(env)) {
				continue
			}
			select {
			case s.out <- env:
			case <-ctx.Done():
				s.errs <- ctx.Err()
				return
			}
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			s.errs <- ctx.Err()
			return
		}
	}
}

// adapt exposes an envelope (or anything implementing filters.Adaptor) to
// the filter engine. Unknown types match no fields.
func adapt(obj any) filters.Adaptor {
	if adaptor, ok := obj.(filters.Adaptor); ok {
		return adaptor
	}
	return filters.AdapterFunc(func(fieldpath []string) (string, bool) {
		return "", false
	})
}

func validateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic: %w", errdefs.ErrInvalidArgument)
	}
	if topic[0] != '/' {
		return fmt.Errorf("must start with '/': %w", errdefs.ErrInvalidArgument)
	}
	if len(topic) == 1 {
		return fmt.Errorf("must have at least one component: %w", errdefs.ErrInvalidArgument)
	}
	for _, component := range splitTopic(topic[1:]) {
		if err := identifiers.Validate(component); err != nil {
			return fmt.Errorf("component %q: %w", component, err)
		}
	}
	return nil
}

func splitTopic(s string) []string {
	var (
		parts []string
		start int
	)
	for i := range len(s) {
		if s[i] == '/' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

func validateEnvelope(env *events.Envelope) error {
	if err := identifiers.Validate(env.Namespace); err != nil {
		return fmt.Errorf("envelope namespace %q: %w", env.Namespace, err)
	}
	if err := validateTopic(env.Topic); err != nil {
		return fmt.Errorf("envelope topic %q: %w", env.Topic, err)
	}
	if env.Timestamp.IsZero() {
		return fmt.Errorf("timestamp must be set on forwarded event: %w", errdefs.ErrInvalidArgument)
	}
	return nil
}
