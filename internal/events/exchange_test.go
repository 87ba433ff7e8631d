package events

import (
	"context"
	"testing"
	"time"

	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/errdefs"
	"github.com/containerd/typeurl/v2"
)

func TestValidateTopic(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		wantErr bool
	}{
		{"valid topic", "/domain/lifecycle", false},
		{"valid topic with multiple components", "/domain/jobs/progress", false},
		{"empty topic", "", true},
		{"topic without leading slash", "domain/lifecycle", true},
		{"topic with only slash", "/", true},
		{"topic with invalid character", "/domain/lifecycle!", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTopic(tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateEnvelope(t *testing.T) {
	payload, err := typeurl.MarshalAny(&LifecycleEvent{Name: "web1"})
	if err != nil {
		t.Fatalf("failed to marshal test event: %v", err)
	}

	tests := []struct {
		name     string
		envelope *events.Envelope
		wantErr  bool
	}{
		{
			name: "valid envelope",
			envelope: &events.Envelope{
				Namespace: DefaultNamespace,
				Topic:     TopicLifecycle,
				Timestamp: time.Now(),
				Event:     payload,
			},
		},
		{
			name: "invalid namespace",
			envelope: &events.Envelope{
				Namespace: "invalid namespace!",
				Topic:     TopicLifecycle,
				Timestamp: time.Now(),
				Event:     payload,
			},
			wantErr: true,
		},
		{
			name: "invalid topic",
			envelope: &events.Envelope{
				Namespace: DefaultNamespace,
				Topic:     "lifecycle",
				Timestamp: time.Now(),
				Event:     payload,
			},
			wantErr: true,
		},
		{
			name: "zero timestamp",
			envelope: &events.Envelope{
				Namespace: DefaultNamespace,
				Topic:     TopicLifecycle,
				Event:     payload,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateEnvelope(tt.envelope)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestExchange_PublishErrors(t *testing.T) {
	ex := NewExchange()
	ctx := context.Background()

	for _, topic := range []string{"", "lifecycle", "/", "/domain/bad!"} {
		if err := ex.Publish(ctx, topic, &LifecycleEvent{}); err == nil {
			t.Errorf("expected error for topic %q, got nil", topic)
		} else if !errdefs.IsInvalidArgument(err) {
			t.Errorf("expected ErrInvalidArgument for topic %q, got %v", topic, err)
		}
	}
}

func TestExchange_SubscribeReceivesInOrder(t *testing.T) {
	ex := NewExchange()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, errCh := ex.Subscribe(ctx)

	for i, detail := range []string{"booted", "paused", "unpaused"} {
		err := ex.Publish(ctx, TopicLifecycle, &LifecycleEvent{Name: "web1", ID: int32(i), Detail: detail})
		if err != nil {
			t.Fatalf("Publish() failed: %v", err)
		}
	}

	for i, want := range []string{"booted", "paused", "unpaused"} {
		select {
		case env := <-ch:
			decoded, err := FromEnvelope(env)
			if err != nil {
				t.Fatalf("decode envelope: %v", err)
			}
			ev, ok := decoded.(*LifecycleEvent)
			if !ok {
				t.Fatalf("unexpected payload type %T", decoded)
			}
			if ev.Detail != want {
				t.Errorf("event %d: detail = %q, want %q", i, ev.Detail, want)
			}
		case err := <-errCh:
			t.Fatalf("unexpected error: %v", err)
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", i)
		}
	}
}

func TestExchange_SubscribeFilter(t *testing.T) {
	ex := NewExchange()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, errCh := ex.Subscribe(ctx, "topic=="+`"`+TopicControl+`"`)

	if err := ex.Publish(ctx, TopicLifecycle, &LifecycleEvent{Name: "web1"}); err != nil {
		t.Fatal(err)
	}
	if err := ex.Publish(ctx, TopicControl, &ControlEvent{Name: "web1", Channel: "monitor"}); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-ch:
		if env.Topic != TopicControl {
			t.Errorf("filtered subscription got topic %q", env.Topic)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for filtered event")
	}
}

func TestExchange_SubscribeInvalidFilter(t *testing.T) {
	ex := NewExchange()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, errCh := ex.Subscribe(ctx, "invalid filter syntax (((")

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected error for invalid filter, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for filter error")
	}
}

func TestExchange_SubscribeCancel(t *testing.T) {
	ex := NewExchange()
	ctx, cancel := context.WithCancel(context.Background())

	_, errCh := ex.Subscribe(ctx)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			t.Errorf("unexpected error on cancel: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error channel after cancel")
	}
}

func TestAdapt(t *testing.T) {
	result := adapt("not an adaptor")
	if result == nil {
		t.Fatal("adapt() returned nil")
	}
	if val, ok := result.Field([]string{"any", "field"}); ok || val != "" {
		t.Errorf("non-adaptor should match no fields, got (%q, %v)", val, ok)
	}
}
