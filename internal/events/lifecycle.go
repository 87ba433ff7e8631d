package events

import (
	"fmt"

	"github.com/containerd/containerd/v2/core/events"
	"github.com/containerd/typeurl/v2"
)

// Topics published by the manager.
const (
	// TopicLifecycle carries LifecycleEvent payloads.
	TopicLifecycle = "/domain/lifecycle"
	// TopicControl carries ControlEvent payloads (monitor/agent channel
	// connect and disconnect).
	TopicControl = "/domain/control"
)

// LifecycleType is the kind of lifecycle transition an event reports.
type LifecycleType string

const (
	LifecycleDefined     LifecycleType = "defined"
	LifecycleUndefined   LifecycleType = "undefined"
	LifecycleStarted     LifecycleType = "started"
	LifecycleSuspended   LifecycleType = "suspended"
	LifecycleResumed     LifecycleType = "resumed"
	LifecycleStopped     LifecycleType = "stopped"
	LifecycleCrashed     LifecycleType = "crashed"
	LifecyclePMSuspended LifecycleType = "pmsuspended"
)

// LifecycleEvent reports one lifecycle transition of one domain. Immutable
// once published.
type LifecycleEvent struct {
	Name   string        `json:"name"`
	UUID   string        `json:"uuid"`
	ID     int32         `json:"id"`
	Type   LifecycleType `json:"type"`
	Detail string        `json:"detail,omitempty"`
}

// ControlEvent reports a control channel changing availability, e.g. the
// monitor socket closing because the hypervisor process exited.
type ControlEvent struct {
	Name      string `json:"name"`
	UUID      string `json:"uuid"`
	Channel   string `json:"channel"` // monitor or agent
	Connected bool   `json:"connected"`
	Reason    string `json:"reason,omitempty"`
}

func init() {
	typeurl.Register(&LifecycleEvent{}, "io.qemubox.manager.v1.LifecycleEvent")
	typeurl.Register(&ControlEvent{}, "io.qemubox.manager.v1.ControlEvent")
}

// FromEnvelope decodes the typed payload of an envelope.
func FromEnvelope(env *events.Envelope) (any, error) {
	if env.Event == nil {
		return nil, fmt.Errorf("envelope for %s has no payload", env.Topic)
	}
	return typeurl.UnmarshalAny(env.Event)
}
