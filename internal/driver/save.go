package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/qemubox/manager/internal/domain"
	"github.com/aledbf/qemubox/manager/internal/events"
)

// ErrAborted reports an async operation canceled through AbortJob.
var ErrAborted = errors.New("operation aborted")

const migratePollInterval = 250 * time.Millisecond

// ManagedSave writes the guest state to a state file and stops the guest.
// The image is consumed by the next Start. Runs as an async save job:
// queries, destroy and abort stay available while the state streams out.
func (dr *Driver) ManagedSave(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginAsyncJob(ctx, domain.AsyncSave); err != nil {
		return err
	}
	q := &eventQueue{}
	err = dr.saveLocked(ctx, d, q)
	if d.EndAsyncJob() {
		dr.persistLocked(ctx, d)
	}
	dr.flush(ctx, q)
	return err
}

func (dr *Driver) saveLocked(ctx context.Context, d *domain.Domain, q *eventQueue) error {
	if !d.IsActive() {
		return notRunningErr(d.Name())
	}
	if !d.Persistent() {
		return fmt.Errorf("cannot save transient domain %s: %w", d.Name(), errdefs.ErrFailedPrecondition)
	}

	state, _ := d.State()
	wasRunning := state == domain.StateRunning
	// An already paused guest keeps its vcpus stopped; the pause reason
	// still moves to save so observers see why it stays paused.
	if err := dr.pauseLocked(ctx, d, domain.PausedSave, q); err != nil {
		return err
	}

	saveFile := dr.saveFileFor(d.UUID())
	if err := os.MkdirAll(filepath.Dir(saveFile), 0o700); err != nil {
		return fmt.Errorf("failed to create save dir: %w", err)
	}

	err := dr.runMigrationLocked(ctx, d, "exec:cat > "+saveFile)
	if err != nil {
		_ = os.Remove(saveFile)
		if wasRunning && d.IsActive() {
			if rerr := dr.resumeLocked(ctx, d, domain.RunningSaveCanceled, q); rerr != nil {
				log.G(ctx).WithError(rerr).WithField("name", d.Name()).
					Error("failed to resume after aborted save")
			}
		}
		return err
	}

	d.SetManagedSave(true)
	d.MarkBeingDestroyed()
	dr.quitProcessLocked(ctx, d)
	dr.teardownLocked(ctx, d, domain.StateShutoff, domain.ShutoffSaved)
	q.lifecycle(d, events.LifecycleStopped, "saved")
	log.G(ctx).WithField("name", d.Name()).Info("domain state saved")
	return nil
}

// ManagedSaveRemove discards a pending managed-save image.
func (dr *Driver) ManagedSaveRemove(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobModify); err != nil {
		return err
	}
	err = func() error {
		if !d.HasManagedSave() {
			return fmt.Errorf("domain %s has no managed-save image: %w", name, errdefs.ErrNotFound)
		}
		if err := os.Remove(dr.saveFileFor(d.UUID())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove managed-save image: %w", err)
		}
		d.SetManagedSave(false)
		return nil
	}()
	if d.EndJob() {
		dr.persistLocked(ctx, d)
	}
	return err
}

// HasManagedSave reports whether a managed-save image is pending.
func (dr *Driver) HasManagedSave(ctx context.Context, name string) (bool, error) {
	d, err := dr.lookup(name)
	if err != nil {
		return false, err
	}
	defer d.Release()
	return d.HasManagedSave(), nil
}

// runMigrationLocked issues the migrate command and polls until it
// completes, fails, or the async job is aborted. The lock is dropped for
// every monitor round-trip and between polls; job progress is published
// from the migration ram counters.
func (dr *Driver) runMigrationLocked(ctx context.Context, d *domain.Domain, uri string) error {
	rt := domainRuntime(d)

	guard, err := d.EnterMonitor()
	if err != nil {
		return err
	}
	cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
	migErr := rt.mon.Migrate(cmdCtx, uri)
	cancel()
	alive := guard.Exit()
	if migErr != nil {
		return fmt.Errorf("failed to start state transfer for %s: %w", d.Name(), migErr)
	}
	if !alive {
		return fmt.Errorf("domain %s died starting state transfer: %w", d.Name(), errdefs.ErrUnavailable)
	}

	cancelSent := false
	for {
		if d.AbortRequested() && !cancelSent {
			cancelSent = true
			guard, err := d.EnterMonitor()
			if err != nil {
				return err
			}
			cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
			ccErr := rt.mon.MigrateCancel(cmdCtx)
			cancel()
			alive := guard.Exit()
			if ccErr != nil {
				log.G(ctx).WithError(ccErr).WithField("name", d.Name()).
					Warn("failed to cancel state transfer")
			}
			if !alive {
				return fmt.Errorf("domain %s died during state transfer: %w", d.Name(), errdefs.ErrUnavailable)
			}
		}

		guard, err := d.EnterMonitor()
		if err != nil {
			return err
		}
		cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetMonitorCommand())
		stats, qErr := rt.mon.QueryMigrate(cmdCtx)
		cancel()
		alive := guard.Exit()
		if qErr != nil {
			return fmt.Errorf("failed to query state transfer for %s: %w", d.Name(), qErr)
		}
		if !alive {
			return fmt.Errorf("domain %s died during state transfer: %w", d.Name(), errdefs.ErrUnavailable)
		}
		d.SetJobProgress(stats.RAM.Transferred, stats.RAM.Total)

		switch stats.Status {
		case "completed":
			return nil
		case "failed":
			return fmt.Errorf("state transfer for %s failed", d.Name())
		case "cancelled", "cancelling":
			if stats.Status == "cancelled" {
				return fmt.Errorf("state transfer for %s: %w", d.Name(), ErrAborted)
			}
		}

		// Sleep with the lock dropped so queries and destroy stay
		// responsive between polls.
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
			return fmt.Errorf("domain %s was removed during state transfer: %w", d.Name(), errdefs.ErrNotFound)
		}
		if !d.IsActive() {
			return fmt.Errorf("domain %s died during state transfer: %w", d.Name(), errdefs.ErrUnavailable)
		}
	}
}
