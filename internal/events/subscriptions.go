package events

import (
	"context"
	"sync"

	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/log"
)

// Handler receives one envelope. Handlers for a single subscription are
// invoked sequentially, in publish order, from a goroutine owned by the
// subscription; no domain lock is ever held at that point.
type Handler func(env *events.Envelope)

// Subscriptions maps callback-style observers onto exchange subscriptions.
type Subscriptions struct {
	ex *Exchange

	mu     sync.Mutex
	nextID int64
	cancel map[int64]context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewSubscriptions returns an observer registry feeding from the exchange.
func NewSubscriptions(ex *Exchange) *Subscriptions {
	return &Subscriptions{
		ex:     ex,
		cancel: make(map[int64]context.CancelFunc),
	}
}

// Register subscribes the handler, optionally restricted by filter
// expressions (e.g. `topic=="/domain/lifecycle"`). It returns a subscription
// id for Deregister.
func (s *Subscriptions) Register(handler Handler, filterExprs ...string) (int64, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ch, errs := s.ex.Subscribe(ctx, filterExprs...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return 0, context.Canceled
	}
	s.nextID++
	id := s.nextID
	s.cancel[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			select {
			case env := <-ch:
				if env == nil {
					continue
				}
				handler(env)
			case err := <-errs:
				if err != nil && err != context.Canceled {
					log.G(ctx).WithError(err).WithField("subscription", id).
						Warn("event subscription terminated")
				}
				return
			}
		}
	}()

	return id, nil
}

// Deregister ends the subscription. Events already queued for the handler
// may still be delivered before its goroutine observes the cancellation.
func (s *Subscriptions) Deregister(id int64) {
	s.mu.Lock()
	cancel, ok := s.cancel[id]
	if ok {
		delete(s.cancel, id)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close ends every subscription and waits for handler goroutines to finish.
func (s *Subscriptions) Close() {
	s.mu.Lock()
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.cancel))
	for id, cancel := range s.cancel {
		cancels = append(cancels, cancel)
		delete(s.cancel, id)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	s.wg.Wait()
}
