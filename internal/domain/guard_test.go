package domain

import (
	"context"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnterMonitorRequiresJob(t *testing.T) {
	_, d := testDomain(t, "nojob")

	d.Lock()
	defer d.Unlock()

	_, err := d.EnterMonitor()
	require.Error(t, err)
	assert.True(t, errdefs.IsInternal(err))
}

func TestGuardRoundTrip(t *testing.T) {
	r, d := testDomain(t, "guarded")
	ctx := context.Background()

	d.Lock()
	require.NoError(t, d.BeginJob(ctx, JobModify))
	r.Activate(d, 4321)

	g, err := d.EnterMonitor()
	require.NoError(t, err)

	// The domain lock is free while the "round-trip" is in flight; a
	// concurrent query can observe the channel-busy marker.
	d.Lock()
	assert.Equal(t, ControlBusyMonitor, d.Control())
	d.Unlock()

	alive := g.Exit() // reacquires the lock
	assert.True(t, alive)
	assert.Equal(t, ControlJob, d.Control())

	d.EndJob()
	d.Unlock()
}

func TestGuardLivenessRecheck(t *testing.T) {
	r, d := testDomain(t, "dying")
	ctx := context.Background()

	d.Lock()
	require.NoError(t, d.BeginJob(ctx, JobModify))
	r.Activate(d, 4321)
	d.SetState(StateRunning, RunningBooted)

	g, err := d.EnterMonitor()
	require.NoError(t, err)

	// The VM dies while the caller is blocked on the channel.
	d.Lock()
	r.Deactivate(d)
	d.SetState(StateShutoff, ShutoffCrashed)
	d.Unlock()

	alive := g.Exit()
	assert.False(t, alive, "Exit must observe the death")

	state, reason := d.State()
	assert.Equal(t, StateShutoff, state)
	assert.Equal(t, ShutoffCrashed, reason)

	d.EndJob()
	d.Unlock()
}

func TestAgentGuard(t *testing.T) {
	r, d := testDomain(t, "agent")
	ctx := context.Background()

	d.Lock()
	require.NoError(t, d.BeginJob(ctx, JobModify))
	r.Activate(d, 1)

	g, err := d.EnterAgent()
	require.NoError(t, err)

	d.Lock()
	assert.Equal(t, ControlBusyAgent, d.Control())
	d.Unlock()

	g.Exit()
	d.EndJob()
	d.Unlock()
}

func TestGuardDuringAsyncJob(t *testing.T) {
	r, d := testDomain(t, "async-guard")
	ctx := context.Background()

	d.Lock()
	require.NoError(t, d.BeginAsyncJob(ctx, AsyncSave))
	r.Activate(d, 1)

	// An async job alone is enough to enter the monitor.
	g, err := d.EnterMonitor()
	require.NoError(t, err)
	g.Exit()

	d.EndAsyncJob()
	d.Unlock()
}

func TestGuardRefCounting(t *testing.T) {
	r, d := testDomain(t, "refs")
	ctx := context.Background()

	d.Lock()
	require.NoError(t, d.BeginJob(ctx, JobModify))
	r.Activate(d, 1)

	before := d.refs.Load()
	g, err := d.EnterMonitor()
	require.NoError(t, err)
	assert.Equal(t, before+1, d.refs.Load(), "guard holds a reference while unlocked")

	g.Exit()
	assert.Equal(t, before, d.refs.Load())

	d.EndJob()
	d.Unlock()
}
