package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/qemubox/manager/internal/define"
	"github.com/aledbf/qemubox/manager/internal/domain"
	"github.com/aledbf/qemubox/manager/internal/events"
	"github.com/aledbf/qemubox/manager/internal/hypervisor"
)

// MigrateOut streams the running guest to a destination manager at uri
// (e.g. "tcp:dst-host:4444"). The guest keeps running while state streams;
// on completion the local process is torn down. Runs as an async
// migration-out job, which additionally permits suspend and migration-op
// sync jobs while active.
func (dr *Driver) MigrateOut(ctx context.Context, name, uri string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginAsyncJob(ctx, domain.AsyncMigrationOut); err != nil {
		return err
	}
	q := &eventQueue{}
	err = dr.migrateOutLocked(ctx, d, uri, q)
	if d.EndAsyncJob() {
		dr.persistLocked(ctx, d)
	}
	dr.flush(ctx, q)
	return err
}

func (dr *Driver) migrateOutLocked(ctx context.Context, d *domain.Domain, uri string, q *eventQueue) error {
	if !d.IsActive() {
		return notRunningErr(d.Name())
	}

	err := dr.runMigrationLocked(ctx, d, uri)
	if err != nil {
		// The guest stays here. Record the cancellation when it is still
		// running; a death mid-transfer is handled by the exit watcher.
		if d.IsActive() {
			if state, _ := d.State(); state == domain.StateRunning {
				d.SetState(domain.StateRunning, domain.RunningMigrationCanceled)
			}
		}
		return err
	}

	// State now lives on the destination; the local process is done.
	d.MarkBeingDestroyed()
	dr.quitProcessLocked(ctx, d)
	dr.teardownLocked(ctx, d, domain.StateShutoff, domain.ShutoffMigrated)
	q.lifecycle(d, events.LifecycleStopped, "migrated")
	dr.finishTransientLocked(ctx, d)
	log.G(ctx).WithFields(log.Fields{"name": d.Name(), "uri": uri}).
		Info("domain migrated out")
	return nil
}

// MigrateIn receives a guest from a remote manager. The domain is
// registered from the transferred definition, the hypervisor starts
// listening at listenURI (e.g. "tcp:0.0.0.0:4444"), and the operation
// completes when the inbound state transfer finishes and vcpus start.
// Runs as an async migration-in job, which cannot be aborted.
func (dr *Driver) MigrateIn(ctx context.Context, def *define.Definition, listenURI string) error {
	if err := def.Validate(); err != nil {
		return err
	}
	d, err := dr.register(def, domain.AddFlags{Live: true})
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginAsyncJob(ctx, domain.AsyncMigrationIn); err != nil {
		if d.Registered() && !d.Persistent() {
			dr.registry.Remove(d)
		}
		return err
	}
	q := &eventQueue{}
	err = dr.migrateInLocked(ctx, d, listenURI, q)
	if err != nil && d.Registered() && !d.Persistent() {
		dr.registry.Remove(d)
	}
	if d.EndAsyncJob() {
		dr.persistLocked(ctx, d)
	}
	dr.flush(ctx, q)
	return err
}

func (dr *Driver) migrateInLocked(ctx context.Context, d *domain.Domain, listenURI string, q *eventQueue) error {
	if d.IsActive() {
		return fmt.Errorf("domain %s is already running: %w", d.Name(), errdefs.ErrFailedPrecondition)
	}

	def := d.Def()
	hcfg := hypervisor.Config{
		StateDir:     dr.stateDirFor(d.UUID()),
		ConsoleLog:   dr.consoleLogFor(d.Name()),
		BinaryPath:   dr.cfg.Paths.QEMUPath,
		CgroupParent: dr.cfg.Paths.CgroupParent,
		Incoming:     listenURI,
	}
	proc, err := dr.launcher.Launch(ctx, def, hcfg)
	if err != nil {
		return fmt.Errorf("failed to launch hypervisor for %s: %w", d.Name(), err)
	}
	dr.registry.Activate(d, proc.Pid())
	d.SetPrivate(&runtime{process: proc})

	mon, err := dr.connectMonitorLocked(ctx, d, proc)
	if err != nil {
		killProcess(proc)
		dr.teardownLocked(ctx, d, domain.StateShutoff, domain.ShutoffFailed)
		return err
	}
	rt := domainRuntime(d)
	rt.mon = mon
	q.control(d, "monitor", true, "")
	dr.watchMonitorEvents(d.UUID(), mon.Events())
	dr.watchProcess(d.UUID(), proc)

	d.SetState(domain.StatePaused, domain.PausedMigration)
	if err := dr.waitIncomingLocked(ctx, d); err != nil {
		d.MarkBeingDestroyed()
		killProcess(proc)
		dr.teardownLocked(ctx, d, domain.StateShutoff, domain.ShutoffFailed)
		return err
	}

	if def.Agent {
		dr.connectAgentLocked(ctx, d, proc, q)
	}
	d.SetState(domain.StateRunning, domain.RunningMigrated)
	q.lifecycle(d, events.LifecycleStarted, "migrated")
	log.G(ctx).WithFields(log.Fields{"name": d.Name(), "uri": listenURI}).
		Info("domain migrated in")
	return nil
}

// waitIncomingLocked polls the vcpu state until the inbound transfer
// finishes and the guest starts running.
func (dr *Driver) waitIncomingLocked(ctx context.Context, d *domain.Domain) error {
	rt := domainRuntime(d)
	for {
		guard, err := d.EnterMonitor()
		if err != nil {
			return err
		}
		cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
		status, qErr := rt.mon.QueryStatus(cmdCtx)
		cancel()
		alive := guard.Exit()
		if qErr != nil {
			return fmt.Errorf("failed to query incoming state for %s: %w", d.Name(), qErr)
		}
		if !alive {
			return fmt.Errorf("domain %s died during incoming transfer: %w", d.Name(), errdefs.ErrUnavailable)
		}
		if status.Running {
			return nil
		}

		d.Unlock()
		select {
		case <-time.After(migratePollInterval):
		case <-ctx.Done():
		}
		d.Lock()
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Registered() {
			return fmt.Errorf("domain %s was removed during incoming transfer: %w", d.Name(), errdefs.ErrNotFound)
		}
		if !d.IsActive() {
			return fmt.Errorf("domain %s died during incoming transfer: %w", d.Name(), errdefs.ErrUnavailable)
		}
	}
}

// AbortJob requests cancellation of the domain's running async job. The
// abort itself is a sync job permitted by every async mask; the async
// operation observes the request at its next progress poll.
func (dr *Driver) AbortJob(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobAbort); err != nil {
		return err
	}
	err = d.AbortAsyncJob()
	d.EndJob()
	return err
}
