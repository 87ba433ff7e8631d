package domain

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aledbf/qemubox/manager/internal/define"
)

func testDomain(t *testing.T, name string) (*Registry, *Domain) {
	t.Helper()
	r := NewRegistry()
	def, err := define.Parse([]byte(`{"name":"` + name + `","memory":"128MiB","vcpus":1}`))
	require.NoError(t, err)
	d, err := r.Add(def, AddFlags{})
	require.NoError(t, err)
	d.Unlock()
	return r, d
}

func TestBeginJobMutualExclusion(t *testing.T) {
	_, d := testDomain(t, "stress")
	ctx := context.Background()

	const (
		workers    = 16
		iterations = 50
	)

	var (
		wg      sync.WaitGroup
		holders atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range iterations {
				d.Lock()
				require.NoError(t, d.BeginJob(ctx, JobModify))

				if n := holders.Add(1); n != 1 {
					t.Errorf("observed %d simultaneous job holders", n)
				}
				kind, owner := d.CurrentJob()
				assert.Equal(t, JobModify, kind)
				assert.NotZero(t, owner)
				holders.Add(-1)

				d.EndJob()
				d.Unlock()
			}
		}()
	}
	wg.Wait()

	d.Lock()
	kind, _ := d.CurrentJob()
	d.Unlock()
	assert.Equal(t, JobNone, kind, "all jobs should have been released")
}

func TestAsyncJobMask(t *testing.T) {
	syncKinds := []JobKind{JobQuery, JobDestroy, JobSuspend, JobModify, JobMigrationOp, JobAbort}

	allowed := map[AsyncJobKind]map[JobKind]bool{
		AsyncMigrationOut: {
			JobQuery: true, JobDestroy: true, JobAbort: true,
			JobSuspend: true, JobMigrationOp: true,
		},
		AsyncMigrationIn: {JobQuery: true, JobDestroy: true, JobAbort: true},
		AsyncSave:        {JobQuery: true, JobDestroy: true, JobAbort: true},
		AsyncDump:        {JobQuery: true, JobDestroy: true, JobAbort: true},
		AsyncSnapshot:    {JobQuery: true, JobDestroy: true, JobAbort: true},
	}

	ctx := context.Background()
	for async, table := range allowed {
		t.Run(async.String(), func(t *testing.T) {
			_, d := testDomain(t, "mask-"+async.String())

			d.Lock()
			defer d.Unlock()
			require.NoError(t, d.BeginAsyncJob(ctx, async))
			defer d.EndAsyncJob()

			for _, kind := range syncKinds {
				start := time.Now()
				err := d.BeginJob(ctx, kind)
				elapsed := time.Since(start)

				if table[kind] {
					require.NoError(t, err, "%s should be allowed during %s", kind, async)
					d.EndJob()
					// Allowed kinds acquire without waiting: the sync slot is free.
					assert.Less(t, elapsed, time.Second)
				} else {
					require.Error(t, err, "%s should be forbidden during %s", kind, async)
					assert.True(t, errdefs.IsUnavailable(err))
					// Forbidden kinds fail immediately, not after the wait bound.
					assert.Less(t, elapsed, time.Second)
				}
			}
		})
	}
}

func TestBeginJobTimeout(t *testing.T) {
	_, d := testDomain(t, "timeout")
	ctx := context.Background()

	const wait = 150 * time.Millisecond

	d.Lock()
	d.SetJobWaitTimeout(wait)
	require.NoError(t, d.BeginJob(ctx, JobModify))
	d.Unlock()

	d.Lock()
	start := time.Now()
	err := d.BeginJob(ctx, JobSuspend)
	elapsed := time.Since(start)
	d.Unlock()

	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))
	assert.GreaterOrEqual(t, elapsed, wait, "should not time out early")
	assert.Less(t, elapsed, wait+2*time.Second, "should not time out indefinitely late")

	d.Lock()
	d.EndJob()
	d.Unlock()
}

func TestBeginJobContextCancel(t *testing.T) {
	_, d := testDomain(t, "cancel")

	d.Lock()
	require.NoError(t, d.BeginJob(context.Background(), JobModify))
	d.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d.Lock()
	err := d.BeginJob(ctx, JobSuspend)
	d.Unlock()
	require.ErrorIs(t, err, context.Canceled)

	d.Lock()
	d.EndJob()
	d.Unlock()
}

func TestBeginJobWakesWaiter(t *testing.T) {
	_, d := testDomain(t, "handoff")
	ctx := context.Background()

	d.Lock()
	require.NoError(t, d.BeginJob(ctx, JobModify))
	d.Unlock()

	acquired := make(chan error, 1)
	go func() {
		d.Lock()
		err := d.BeginJob(ctx, JobQuery)
		if err == nil {
			d.EndJob()
		}
		d.Unlock()
		acquired <- err
	}()

	time.Sleep(50 * time.Millisecond)
	d.Lock()
	d.EndJob()
	d.Unlock()

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never woken after EndJob")
	}
}

func TestEndJobStillReferenced(t *testing.T) {
	r, d := testDomain(t, "transient")
	ctx := context.Background()

	d.Lock()
	require.NoError(t, d.BeginJob(ctx, JobDestroy))

	// The domain is torn down while the job is held, as happens when a
	// transient VM is fully stopped.
	r.Remove(d)

	stillValid := d.EndJob()
	assert.False(t, stillValid, "EndJob must report the object is gone")
	assert.False(t, d.Registered())
	d.Unlock()

	_, err := r.FindByName("transient")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestEndJobStillReferenced_NormalCase(t *testing.T) {
	_, d := testDomain(t, "kept")

	d.Lock()
	require.NoError(t, d.BeginJob(context.Background(), JobModify))
	stillValid := d.EndJob()
	d.Unlock()

	assert.True(t, stillValid)
}

func TestAbortAsyncJob(t *testing.T) {
	_, d := testDomain(t, "abort")
	ctx := context.Background()

	d.Lock()
	defer d.Unlock()

	// Nothing to abort.
	err := d.AbortAsyncJob()
	assert.True(t, errdefs.IsFailedPrecondition(err))

	require.NoError(t, d.BeginAsyncJob(ctx, AsyncSave))
	require.NoError(t, d.AbortAsyncJob())
	assert.True(t, d.AbortRequested())
	assert.True(t, d.JobProgress().Canceled)
	d.EndAsyncJob()

	// Inbound migration can only be destroyed, not aborted.
	require.NoError(t, d.BeginAsyncJob(ctx, AsyncMigrationIn))
	err = d.AbortAsyncJob()
	assert.True(t, errdefs.IsFailedPrecondition(err))
	d.EndAsyncJob()
}

func TestJobProgress(t *testing.T) {
	_, d := testDomain(t, "progress")
	ctx := context.Background()

	d.Lock()
	defer d.Unlock()

	assert.Equal(t, AsyncNone, d.JobProgress().Kind)

	require.NoError(t, d.BeginAsyncJob(ctx, AsyncSave))
	d.SetJobProgress(100, 1000)
	d.SetJobProgress(50, 500) // counters are monotonic, regressions ignored

	p := d.JobProgress()
	assert.Equal(t, AsyncSave, p.Kind)
	assert.Equal(t, uint64(100), p.DataProcessed)
	assert.Equal(t, uint64(1000), p.DataTotal)
	assert.False(t, p.Started.IsZero())

	d.EndAsyncJob()
	assert.Equal(t, AsyncNone, d.JobProgress().Kind)
	assert.Zero(t, d.JobProgress().DataProcessed)
}

func TestSecondAsyncJobBlocked(t *testing.T) {
	_, d := testDomain(t, "double-async")
	ctx := context.Background()

	d.Lock()
	defer d.Unlock()

	d.SetJobWaitTimeout(100 * time.Millisecond)
	require.NoError(t, d.BeginAsyncJob(ctx, AsyncSave))

	err := d.BeginAsyncJob(ctx, AsyncSave)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnavailable(err))

	d.EndAsyncJob()
}
