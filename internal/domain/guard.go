package domain

import (
	"fmt"

	"github.com/containerd/errdefs"
)

// ChannelGuard brackets one blocking round-trip on a control channel. Between
// Enter and Exit the domain lock is NOT held; only a reference keeps the
// object alive. Callers must re-check liveness after Exit before trusting any
// state read before Enter.
type ChannelGuard struct {
	d      *Domain
	inUse  *bool
	exited bool
}

// enterChannel releases the domain lock for a blocking channel call. Requires
// the lock held and a job (sync or async) owned; that is asserted, not merely
// assumed, because entering a channel without a job would let two operations
// interleave monitor commands.
func (d *Domain) enterChannel(inUse *bool, what string) (*ChannelGuard, error) {
	if !d.jobHeld() {
		return nil, fmt.Errorf("entering %s channel of domain %s without an active job: %w",
			what, d.name, errdefs.ErrInternal)
	}
	if *inUse {
		return nil, fmt.Errorf("%s channel of domain %s is already in use: %w",
			what, d.name, errdefs.ErrInternal)
	}
	d.Ref()
	*inUse = true
	d.Unlock()
	return &ChannelGuard{d: d, inUse: inUse}, nil
}

// Exit reacquires the domain lock, clears the in-use marker and drops the
// guard's reference. It returns whether the domain still has a live process:
// callers that saw the VM running before Enter must treat false as "the
// domain died while we were talking to it" and fail rather than proceed.
//
// Exit must be called exactly once, on every path out of the round-trip; it
// panics on reuse because a second call would deadlock on the already-held
// domain lock.
func (g *ChannelGuard) Exit() bool {
	if g.exited {
		panic("domain: ChannelGuard.Exit called twice")
	}
	g.exited = true

	g.d.Lock()
	*g.inUse = false
	g.d.Unref()
	return g.d.IsActive()
}

// EnterMonitor begins a monitor round-trip. The domain must be locked and a
// job held; on success the domain is unlocked until Exit.
func (d *Domain) EnterMonitor() (*ChannelGuard, error) {
	return d.enterChannel(&d.monitorInUse, "monitor")
}

// EnterAgent begins a guest agent round-trip. Same contract as EnterMonitor.
func (d *Domain) EnterAgent() (*ChannelGuard, error) {
	return d.enterChannel(&d.agentInUse, "agent")
}
