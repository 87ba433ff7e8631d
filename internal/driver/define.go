package driver

import (
	"context"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/qemubox/manager/internal/define"
	"github.com/aledbf/qemubox/manager/internal/domain"
	"github.com/aledbf/qemubox/manager/internal/events"
)

// Define registers a persistent domain or updates an existing inactive
// one. Updating a domain that currently holds a job stages the new
// definition; it takes effect when that job ends.
func (dr *Driver) Define(ctx context.Context, def *define.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	d, err := dr.register(def, domain.AddFlags{UpdateExisting: true})
	if err != nil {
		return err
	}
	q := &eventQueue{}
	wasPersistent := d.Persistent()
	d.SetPersistent(true)
	if state, _ := d.State(); state == domain.StateNone {
		d.SetState(domain.StateShutoff, domain.ReasonUnknown)
	}
	dr.persistLocked(ctx, d)
	if !wasPersistent {
		q.lifecycle(d, events.LifecycleDefined, "")
	}
	log.G(ctx).WithField("name", def.Name).Info("domain defined")
	d.Release()
	dr.flush(ctx, q)
	return nil
}

// Create registers a transient domain and starts it. The domain disappears
// once it shuts off.
func (dr *Driver) Create(ctx context.Context, def *define.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	d, err := dr.register(def, domain.AddFlags{})
	if err != nil {
		return err
	}
	defer d.Release()
	d.SetState(domain.StateShutoff, domain.ReasonUnknown)

	if err := d.BeginJob(ctx, domain.JobModify); err != nil {
		dr.registry.Remove(d)
		return err
	}
	q := &eventQueue{}
	err = dr.startLocked(ctx, d, q)
	if err != nil && d.Registered() {
		dr.registry.Remove(d)
	}
	if d.EndJob() {
		dr.persistLocked(ctx, d)
	}
	dr.flush(ctx, q)
	return err
}

// Undefine removes a domain's persistent configuration. An inactive domain
// disappears entirely; a running one becomes transient and disappears when
// it stops.
func (dr *Driver) Undefine(ctx context.Context, name string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobModify); err != nil {
		return err
	}
	q := &eventQueue{}
	err = func() error {
		if !d.Persistent() {
			return fmt.Errorf("domain %s is transient: %w", name, errdefs.ErrFailedPrecondition)
		}
		if d.HasManagedSave() {
			return fmt.Errorf("domain %s has a managed-save image, remove it first: %w", name, errdefs.ErrFailedPrecondition)
		}
		d.SetPersistent(false)
		q.lifecycle(d, events.LifecycleUndefined, "")
		if d.IsActive() {
			// Keep running as transient; persist nothing further.
			dr.deleteRecord(ctx, d.UUID())
			return nil
		}
		dr.deleteRecord(ctx, d.UUID())
		dr.registry.Remove(d)
		return nil
	}()
	d.EndJob()
	if err == nil {
		log.G(ctx).WithField("name", name).Info("domain undefined")
	}
	dr.flush(ctx, q)
	return err
}
