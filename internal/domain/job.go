package domain

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/containerd/errdefs"
)

// JobKind identifies a synchronous, mutually exclusive administrative
// operation on one domain. At most one is outstanding at a time.
type JobKind int

const (
	JobNone JobKind = iota
	JobQuery
	JobDestroy
	JobSuspend
	JobModify
	JobMigrationOp
	JobAbort

	jobKindCount
)

func (k JobKind) String() string {
	switch k {
	case JobQuery:
		return "query"
	case JobDestroy:
		return "destroy"
	case JobSuspend:
		return "suspend"
	case JobModify:
		return "modify"
	case JobMigrationOp:
		return "migration operation"
	case JobAbort:
		return "abort"
	default:
		return "none"
	}
}

// AsyncJobKind identifies a long-running background operation. At most one is
// outstanding per domain, independent of the sync slot.
type AsyncJobKind int

const (
	AsyncNone AsyncJobKind = iota
	AsyncMigrationOut
	AsyncMigrationIn
	AsyncSave
	AsyncDump
	AsyncSnapshot
)

func (k AsyncJobKind) String() string {
	switch k {
	case AsyncMigrationOut:
		return "migration out"
	case AsyncMigrationIn:
		return "migration in"
	case AsyncSave:
		return "save"
	case AsyncDump:
		return "dump"
	case AsyncSnapshot:
		return "snapshot"
	default:
		return "none"
	}
}

// jobMask is a bit set of JobKind values.
type jobMask uint32

func maskOf(kinds ...JobKind) jobMask {
	var m jobMask
	for _, k := range kinds {
		m |= 1 << uint(k)
	}
	return m
}

func (m jobMask) allows(k JobKind) bool {
	return m&(1<<uint(k)) != 0
}

// defaultJobMask is what every async job permits: read-only queries, the
// always-valid destroy hammer, and cancellation.
var defaultJobMask = maskOf(JobQuery, JobDestroy, JobAbort)

// asyncJobMask returns the sync kinds that may begin while the given async
// job runs. Outbound migration additionally tolerates suspend (offline final
// phase) and migration-op (confirm/cancel phases).
func asyncJobMask(k AsyncJobKind) jobMask {
	switch k {
	case AsyncMigrationOut:
		return defaultJobMask | maskOf(JobSuspend, JobMigrationOp)
	default:
		return defaultJobMask
	}
}

// DefaultJobWaitTimeout bounds how long BeginJob waits for the slot when the
// owner has not configured a different value.
const DefaultJobWaitTimeout = 30 * time.Second

// ownerTokens hands out process-unique owner identifiers for diagnostics.
var ownerTokens atomic.Int64

// Progress is a read-only snapshot of an async job's progress metadata.
type Progress struct {
	Kind          AsyncJobKind
	Started       time.Time
	DataProcessed uint64
	DataTotal     uint64
	Canceled      bool
}

// jobState is the per-domain job controller. All fields are guarded by the
// owning Domain's mutex.
type jobState struct {
	active  JobKind
	owner   int64
	started time.Time

	asyncActive  AsyncJobKind
	asyncOwner   int64
	asyncStarted time.Time
	mask         jobMask
	abortWanted  bool
	processed    uint64
	total        uint64

	// changed is closed and replaced whenever a slot frees up; waiters
	// select on the channel captured before unlocking.
	changed chan struct{}

	waitTimeout time.Duration
}

func (j *jobState) init() {
	j.changed = make(chan struct{})
	j.waitTimeout = DefaultJobWaitTimeout
}

// broadcast wakes every waiter. Waiters re-check the predicate under the
// domain lock; multiple waiters racing for the freed slot is expected.
func (j *jobState) broadcast() {
	close(j.changed)
	j.changed = make(chan struct{})
}

// SetJobWaitTimeout overrides the job acquisition timeout. Callers must hold
// the lock. Tests use this to shrink the bound.
func (d *Domain) SetJobWaitTimeout(timeout time.Duration) {
	d.job.waitTimeout = timeout
}

// CurrentJob returns the active sync job kind and its owner token.
// Callers must hold the lock.
func (d *Domain) CurrentJob() (JobKind, int64) {
	return d.job.active, d.job.owner
}

// CurrentAsyncJob returns the active async job kind. Callers must hold the
// lock.
func (d *Domain) CurrentAsyncJob() AsyncJobKind {
	return d.job.asyncActive
}

// AbortRequested reports whether AbortAsyncJob has been called on the
// current async job. Callers must hold the lock.
func (d *Domain) AbortRequested() bool {
	return d.job.abortWanted
}

// BeginJob acquires the synchronous job slot, waiting until it is free or
// the wait times out. Must be called with the domain locked; the lock is
// released while waiting and held again on return.
//
// When an async job is active and its mask forbids kind, BeginJob fails
// immediately: the caller could never win the slot by waiting, only by
// retrying after the async job completes.
func (d *Domain) BeginJob(ctx context.Context, kind JobKind) error {
	if kind == JobNone || kind >= jobKindCount {
		return fmt.Errorf("invalid job kind %d: %w", kind, errdefs.ErrInternal)
	}

	deadline := time.Now().Add(d.job.waitTimeout)
	for {
		if d.job.asyncActive != AsyncNone && !d.job.mask.allows(kind) {
			return fmt.Errorf("cannot start %s job: not allowed during %s job: %w",
				kind, d.job.asyncActive, errdefs.ErrUnavailable)
		}
		if d.job.active == JobNone {
			break
		}
		if err := d.jobWait(ctx, deadline, d.job.active.String()); err != nil {
			return err
		}
	}

	d.job.active = kind
	d.job.owner = ownerTokens.Add(1)
	d.job.started = time.Now()
	return nil
}

// BeginAsyncJob acquires the asynchronous job slot. Same waiting discipline
// as BeginJob; additionally resets progress statistics and installs the
// permitted-concurrent-sync mask for the async kind.
func (d *Domain) BeginAsyncJob(ctx context.Context, kind AsyncJobKind) error {
	if kind == AsyncNone {
		return fmt.Errorf("invalid async job kind: %w", errdefs.ErrInternal)
	}

	deadline := time.Now().Add(d.job.waitTimeout)
	for d.job.active != JobNone || d.job.asyncActive != AsyncNone {
		held := d.job.active.String()
		if d.job.asyncActive != AsyncNone {
			held = d.job.asyncActive.String()
		}
		if err := d.jobWait(ctx, deadline, held); err != nil {
			return err
		}
	}

	d.job.asyncActive = kind
	d.job.asyncOwner = ownerTokens.Add(1)
	d.job.asyncStarted = time.Now()
	d.job.mask = asyncJobMask(kind)
	d.job.abortWanted = false
	d.job.processed = 0
	d.job.total = 0
	return nil
}

// jobWait blocks until the job state changes, the deadline passes, or ctx is
// cancelled. Called with the lock held; the lock is dropped for the wait and
// reacquired before returning.
func (d *Domain) jobWait(ctx context.Context, deadline time.Time, held string) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return fmt.Errorf("cannot acquire job on domain %s (%s job is in progress): timed out: %w",
			d.name, held, errdefs.ErrUnavailable)
	}

	wake := d.job.changed
	timer := time.NewTimer(remaining)
	d.mu.Unlock()

	var err error
	select {
	case <-wake:
		// Re-evaluate the predicate; another waiter may have won the slot.
	case <-timer.C:
		err = fmt.Errorf("cannot acquire job on domain %s (%s job is in progress): timed out: %w",
			d.name, held, errdefs.ErrUnavailable)
	case <-ctx.Done():
		err = fmt.Errorf("cannot acquire job on domain %s: %w", d.name, ctx.Err())
	}
	timer.Stop()

	d.mu.Lock()
	return err
}

// EndJob releases the synchronous slot and wakes all waiters. Must be called
// with the domain locked, after any channel guard has exited.
//
// The return value reports whether the domain is still registered: when
// false the object has been removed from the registry while the job ran, and
// the caller must drop its reference and stop using the domain after the
// final Release.
func (d *Domain) EndJob() bool {
	if d.job.active == JobNone {
		panic("domain: EndJob without an active job")
	}
	d.job.active = JobNone
	d.job.owner = 0
	d.job.started = time.Time{}
	d.maybeSwapDef()
	d.job.broadcast()
	return !d.removing
}

// EndAsyncJob releases the asynchronous slot, clears progress statistics and
// wakes all waiters. Same still-registered contract as EndJob.
func (d *Domain) EndAsyncJob() bool {
	if d.job.asyncActive == AsyncNone {
		panic("domain: EndAsyncJob without an active async job")
	}
	d.job.asyncActive = AsyncNone
	d.job.asyncOwner = 0
	d.job.asyncStarted = time.Time{}
	d.job.mask = 0
	d.job.abortWanted = false
	d.job.processed = 0
	d.job.total = 0
	d.maybeSwapDef()
	d.job.broadcast()
	return !d.removing
}

// AbortAsyncJob records that cancellation of the current async job was
// requested and wakes any waiter blocked on its completion. The controller
// only records the request; propagating it to the long-running mechanism
// (e.g. a monitor-level migrate_cancel) is the orchestration layer's job.
func (d *Domain) AbortAsyncJob() error {
	if d.job.asyncActive == AsyncNone {
		return fmt.Errorf("no async job to abort on domain %s: %w", d.name, errdefs.ErrFailedPrecondition)
	}
	if d.job.asyncActive == AsyncMigrationIn {
		// There is no well-defined cancel-in-place for an inbound
		// transfer; only destroy is valid there.
		return fmt.Errorf("cannot abort incoming migration on domain %s; destroy it instead: %w",
			d.name, errdefs.ErrFailedPrecondition)
	}
	d.job.abortWanted = true
	d.job.broadcast()
	return nil
}

// SetJobProgress updates the async job's monotonic progress counters.
// Callers must hold the lock and the async job.
func (d *Domain) SetJobProgress(processed, total uint64) {
	if d.job.asyncActive == AsyncNone {
		return
	}
	if processed > d.job.processed {
		d.job.processed = processed
	}
	if total > d.job.total {
		d.job.total = total
	}
}

// JobProgress returns a snapshot of the async job's progress metadata.
// Requires only the lock, not a job; Kind is AsyncNone when idle.
func (d *Domain) JobProgress() Progress {
	return Progress{
		Kind:          d.job.asyncActive,
		Started:       d.job.asyncStarted,
		DataProcessed: d.job.processed,
		DataTotal:     d.job.total,
		Canceled:      d.job.abortWanted,
	}
}

// jobHeld reports whether any job (sync or async) is currently owned.
func (d *Domain) jobHeld() bool {
	return d.job.active != JobNone || d.job.asyncActive != AsyncNone
}

// maybeSwapDef promotes a staged definition once the domain is quiescent:
// no job running it and no live process depending on the old one.
func (d *Domain) maybeSwapDef() {
	if d.newDef != nil && !d.IsActive() {
		d.def = d.newDef
		d.newDef = nil
	}
}
