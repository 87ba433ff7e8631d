package driver

import (
	"context"

	"github.com/containerd/cgroups/v3/cgroup2/stats"
	"github.com/containerd/log"
	"github.com/google/uuid"

	"github.com/aledbf/qemubox/manager/internal/domain"
)

// Info is a point-in-time summary of one domain.
type Info struct {
	Name           string
	UUID           uuid.UUID
	ID             int32
	State          domain.State
	Reason         domain.Reason
	Pid            int
	MemoryBytes    int64
	VCPUs          int
	Persistent     bool
	HasManagedSave bool
	Stats          *stats.Metrics // nil when inactive or unavailable
}

func infoLocked(d *domain.Domain) Info {
	state, reason := d.State()
	def := d.Def()
	return Info{
		Name:           d.Name(),
		UUID:           d.UUID(),
		ID:             d.ID(),
		State:          state,
		Reason:         reason,
		Pid:            d.Pid(),
		MemoryBytes:    int64(def.Memory),
		VCPUs:          def.VCPUs,
		Persistent:     d.Persistent(),
		HasManagedSave: d.HasManagedSave(),
	}
}

// List returns a snapshot of all registered domains. No jobs are taken;
// each domain is locked just long enough to copy its summary.
func (dr *Driver) List(ctx context.Context) []Info {
	out := make([]Info, 0, dr.registry.Len())
	dr.registry.ForEach(func(d *domain.Domain) bool {
		out = append(out, infoLocked(d))
		return true
	})
	return out
}

// GetInfo returns the domain summary including cgroup accounting for
// active guests. Takes a query job so the definition cannot change
// underneath the read.
func (dr *Driver) GetInfo(ctx context.Context, name string) (*Info, error) {
	d, err := dr.lookup(name)
	if err != nil {
		return nil, err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobQuery); err != nil {
		return nil, err
	}
	info := infoLocked(d)
	if rt := domainRuntime(d); rt != nil && rt.process != nil {
		metrics, sErr := rt.process.Stats()
		if sErr != nil {
			log.G(ctx).WithError(sErr).WithField("name", name).
				Debug("failed to read cgroup stats")
		} else {
			info.Stats = metrics
		}
	}
	d.EndJob()
	return &info, nil
}

// GetState returns the lifecycle state with its reason. State reads do not
// take a job: the per-object lock is enough for a consistent pair, and
// this keeps state queries responsive while jobs run.
func (dr *Driver) GetState(ctx context.Context, name string) (domain.State, domain.Reason, error) {
	d, err := dr.lookup(name)
	if err != nil {
		return domain.StateNone, domain.ReasonUnknown, err
	}
	defer d.Release()
	state, reason := d.State()
	return state, reason, nil
}

// ControlInfo reports what the domain's control channels are doing.
type ControlInfo struct {
	State domain.ControlState
	// Job is the active sync job, if any.
	Job domain.JobKind
	// AsyncJob is the active background job, if any.
	AsyncJob domain.AsyncJobKind
}

// GetControlInfo reports channel occupancy without taking a job, so it
// works while an operation is blocked in a monitor round-trip.
func (dr *Driver) GetControlInfo(ctx context.Context, name string) (*ControlInfo, error) {
	d, err := dr.lookup(name)
	if err != nil {
		return nil, err
	}
	defer d.Release()

	kind, _ := d.CurrentJob()
	return &ControlInfo{
		State:    d.Control(),
		Job:      kind,
		AsyncJob: d.CurrentAsyncJob(),
	}, nil
}

// JobInfo describes the domain's job state and async progress.
type JobInfo struct {
	Job      domain.JobKind
	AsyncJob domain.AsyncJobKind
	Progress domain.Progress
}

// GetJobInfo returns the active jobs and transfer progress. Lock-only for
// the same reason as GetControlInfo.
func (dr *Driver) GetJobInfo(ctx context.Context, name string) (*JobInfo, error) {
	d, err := dr.lookup(name)
	if err != nil {
		return nil, err
	}
	defer d.Release()

	kind, _ := d.CurrentJob()
	return &JobInfo{
		Job:      kind,
		AsyncJob: d.CurrentAsyncJob(),
		Progress: d.JobProgress(),
	}, nil
}
