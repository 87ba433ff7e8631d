package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/containerd/containerd/v2/core/events"
	"github.com/stretchr/testify/require"
)

func TestSubscriptions_DeliverInOrder(t *testing.T) {
	ex := NewExchange()
	subs := NewSubscriptions(ex)
	defer subs.Close()

	var (
		mu   sync.Mutex
		seen []string
		done = make(chan struct{})
	)
	_, err := subs.Register(func(env *events.Envelope) {
		decoded, err := FromEnvelope(env)
		require.NoError(t, err)
		ev := decoded.(*LifecycleEvent)
		mu.Lock()
		seen = append(seen, ev.Detail)
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx := context.Background()
	for _, detail := range []string{"booted", "paused", "unpaused"} {
		require.NoError(t, ex.Publish(ctx, TopicLifecycle, &LifecycleEvent{Name: "web1", Detail: detail}))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for handler deliveries")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"booted", "paused", "unpaused"}, seen)
}

func TestSubscriptions_Deregister(t *testing.T) {
	ex := NewExchange()
	subs := NewSubscriptions(ex)
	defer subs.Close()

	received := make(chan struct{}, 8)
	id, err := subs.Register(func(env *events.Envelope) {
		received <- struct{}{}
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ex.Publish(ctx, TopicLifecycle, &LifecycleEvent{Name: "web1"}))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first delivery")
	}

	subs.Deregister(id)
	// Cancellation reaches the handler goroutine asynchronously.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, ex.Publish(ctx, TopicLifecycle, &LifecycleEvent{Name: "web1"}))
	select {
	case <-received:
		t.Fatal("handler called after Deregister")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscriptions_FilteredHandler(t *testing.T) {
	ex := NewExchange()
	subs := NewSubscriptions(ex)
	defer subs.Close()

	topics := make(chan string, 8)
	_, err := subs.Register(func(env *events.Envelope) {
		topics <- env.Topic
	}, "topic==\""+TopicControl+"\"")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ex.Publish(ctx, TopicLifecycle, &LifecycleEvent{Name: "web1"}))
	require.NoError(t, ex.Publish(ctx, TopicControl, &ControlEvent{Name: "web1", Channel: "agent"}))

	select {
	case topic := <-topics:
		require.Equal(t, TopicControl, topic)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for control event")
	}
}

func TestSubscriptions_CloseStopsDelivery(t *testing.T) {
	ex := NewExchange()
	subs := NewSubscriptions(ex)

	_, err := subs.Register(func(env *events.Envelope) {})
	require.NoError(t, err)
	subs.Close()

	// Registering after Close is rejected.
	_, err = subs.Register(func(env *events.Envelope) {})
	require.Error(t, err)
}
