package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"

	"github.com/aledbf/qemubox/manager/internal/domain"
)

// SnapshotRecord is one persisted guest state snapshot.
type SnapshotRecord struct {
	Name      string    `json:"name"`
	Domain    string    `json:"domain"` // owning domain uuid
	StateFile string    `json:"state_file"`
	Quiesced  bool      `json:"quiesced,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func snapshotKey(domainUUID, name string) string {
	return domainUUID + "/" + name
}

func (dr *Driver) snapshotFileFor(domainUUID, name string) string {
	return filepath.Join(dr.cfg.Paths.StateDir, "snapshots", domainUUID, name+".state")
}

// SnapshotCreate captures the guest memory and device state of a running
// domain into a named snapshot. When the guest agent is available the
// filesystems are quiesced around the capture. Runs as an async snapshot
// job.
func (dr *Driver) SnapshotCreate(ctx context.Context, name, snapName string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginAsyncJob(ctx, domain.AsyncSnapshot); err != nil {
		return err
	}
	q := &eventQueue{}
	err = dr.snapshotLocked(ctx, d, snapName, q)
	d.EndAsyncJob()
	dr.flush(ctx, q)
	return err
}

func (dr *Driver) snapshotLocked(ctx context.Context, d *domain.Domain, snapName string, q *eventQueue) error {
	if !d.IsActive() {
		return notRunningErr(d.Name())
	}
	key := snapshotKey(d.UUID().String(), snapName)
	if _, err := dr.snaps.Get(ctx, key); err == nil {
		return fmt.Errorf("snapshot %s already exists for domain %s: %w", snapName, d.Name(), errdefs.ErrAlreadyExists)
	} else if !errdefs.IsNotFound(err) {
		return err
	}

	rt := domainRuntime(d)
	quiesced := dr.quiesceLocked(ctx, d, rt)
	defer func() {
		if quiesced {
			dr.thawLocked(ctx, d, rt)
		}
	}()

	state, _ := d.State()
	wasRunning := state == domain.StateRunning
	if wasRunning {
		if err := dr.pauseLocked(ctx, d, domain.PausedSnapshot, q); err != nil {
			return err
		}
	}

	stateFile := dr.snapshotFileFor(d.UUID().String(), snapName)
	if err := os.MkdirAll(filepath.Dir(stateFile), 0o700); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	err := dr.runMigrationLocked(ctx, d, "exec:cat > "+stateFile)
	if wasRunning && d.IsActive() {
		if rerr := dr.resumeLocked(ctx, d, domain.RunningUnpaused, q); rerr != nil {
			log.G(ctx).WithError(rerr).WithField("name", d.Name()).
				Error("failed to resume after snapshot")
		}
	}
	if err != nil {
		_ = os.Remove(stateFile)
		return err
	}

	rec := &SnapshotRecord{
		Name:      snapName,
		Domain:    d.UUID().String(),
		StateFile: stateFile,
		Quiesced:  quiesced,
		CreatedAt: time.Now(),
	}
	if err := dr.snaps.Set(ctx, key, rec); err != nil {
		_ = os.Remove(stateFile)
		return fmt.Errorf("failed to record snapshot: %w", err)
	}
	log.G(ctx).WithFields(log.Fields{
		"name":     d.Name(),
		"snapshot": snapName,
	}).Info("snapshot created")
	return nil
}

// quiesceLocked freezes guest filesystems when the agent channel exists.
// Failure only degrades snapshot consistency, it does not abort.
func (dr *Driver) quiesceLocked(ctx context.Context, d *domain.Domain, rt *runtime) bool {
	if rt == nil || rt.agent == nil {
		return false
	}
	guard, err := d.EnterAgent()
	if err != nil {
		return false
	}
	cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetAgentCommand())
	n, fErr := rt.agent.FSFreeze(cmdCtx)
	cancel()
	alive := guard.Exit()
	if fErr != nil || !alive {
		if fErr != nil {
			log.G(ctx).WithError(fErr).WithField("name", d.Name()).
				Warn("failed to freeze guest filesystems")
		}
		return false
	}
	log.G(ctx).WithFields(log.Fields{"name": d.Name(), "frozen": n}).
		Debug("guest filesystems frozen")
	return true
}

func (dr *Driver) thawLocked(ctx context.Context, d *domain.Domain, rt *runtime) {
	if rt == nil || rt.agent == nil || !d.IsActive() {
		return
	}
	guard, err := d.EnterAgent()
	if err != nil {
		return
	}
	cmdCtx, cancel := context.WithTimeout(ctx, dr.cfg.Timeouts.GetAgentCommand())
	_, tErr := rt.agent.FSThaw(cmdCtx)
	cancel()
	guard.Exit()
	if tErr != nil {
		log.G(ctx).WithError(tErr).WithField("name", d.Name()).
			Error("failed to thaw guest filesystems")
	}
}

// SnapshotList returns the snapshots recorded for a domain.
func (dr *Driver) SnapshotList(ctx context.Context, name string) ([]SnapshotRecord, error) {
	d, err := dr.lookup(name)
	if err != nil {
		return nil, err
	}
	uid := d.UUID().String()
	d.Release()

	var out []SnapshotRecord
	err = dr.snaps.Scan(ctx, uid+"/", func(key string, rec *SnapshotRecord) error {
		out = append(out, *rec)
		return nil
	})
	return out, err
}

// SnapshotDelete removes a snapshot and its state file.
func (dr *Driver) SnapshotDelete(ctx context.Context, name, snapName string) error {
	d, err := dr.lookup(name)
	if err != nil {
		return err
	}
	defer d.Release()

	if err := d.BeginJob(ctx, domain.JobModify); err != nil {
		return err
	}
	err = func() error {
		key := snapshotKey(d.UUID().String(), snapName)
		rec, err := dr.snaps.Get(ctx, key)
		if err != nil {
			if errdefs.IsNotFound(err) {
				return fmt.Errorf("snapshot %s not found for domain %s: %w", snapName, name, errdefs.ErrNotFound)
			}
			return err
		}
		if err := os.Remove(rec.StateFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove snapshot state file: %w", err)
		}
		return dr.snaps.Delete(ctx, key)
	}()
	d.EndJob()
	return err
}
