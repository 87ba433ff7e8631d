package domain

import (
	"fmt"
	"sync"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/aledbf/qemubox/manager/internal/define"
)

// Registry is the process-wide collection of domains, indexed by name, UUID
// and (while active) numeric id. Its lock is held only for bookkeeping;
// domain locks are acquired after it is released.
type Registry struct {
	mu     sync.Mutex
	byName map[string]*Domain
	byUUID map[uuid.UUID]*Domain
	byID   map[int32]*Domain
	nextID int32
}

// NewRegistry returns an empty registry. The numeric id allocator starts at
// 1 and is reset only at process start.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Domain),
		byUUID: make(map[uuid.UUID]*Domain),
		byID:   make(map[int32]*Domain),
	}
}

// AddFlags controls duplicate handling in Add.
type AddFlags struct {
	// UpdateExisting permits redefining an inactive domain in place.
	UpdateExisting bool
	// Live rejects a duplicate only when the existing domain is active.
	Live bool
}

// lookup finds a domain under the registry lock, takes a reference, drops
// the registry lock, and only then locks the domain. The removing re-check
// covers the window between the two locks.
func (r *Registry) lookup(find func() *Domain, what string) (*Domain, error) {
	r.mu.Lock()
	d := find()
	if d == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("no domain with matching %s: %w", what, errdefs.ErrNotFound)
	}
	d.Ref()
	r.mu.Unlock()

	d.Lock()
	if d.removing {
		d.Release()
		return nil, fmt.Errorf("no domain with matching %s: %w", what, errdefs.ErrNotFound)
	}
	return d, nil
}

// FindByName returns the named domain, locked and referenced. Callers
// release it with Release.
func (r *Registry) FindByName(name string) (*Domain, error) {
	return r.lookup(func() *Domain { return r.byName[name] }, fmt.Sprintf("name %q", name))
}

// FindByUUID returns the domain with the given UUID, locked and referenced.
func (r *Registry) FindByUUID(uid uuid.UUID) (*Domain, error) {
	return r.lookup(func() *Domain { return r.byUUID[uid] }, fmt.Sprintf("uuid %q", uid))
}

// FindByID returns the active domain with the given numeric id, locked and
// referenced.
func (r *Registry) FindByID(id int32) (*Domain, error) {
	return r.lookup(func() *Domain { return r.byID[id] }, fmt.Sprintf("id %d", id))
}

// Add registers a domain for the definition, or updates an existing one when
// flags permit. The returned domain is locked and referenced.
func (r *Registry) Add(def *define.Definition, flags AddFlags) (*Domain, error) {
	r.mu.Lock()

	if existing := r.byUUID[def.UUID]; existing != nil {
		return r.addExisting(existing, def, flags)
	}
	if existing := r.byName[def.Name]; existing != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("domain %q already exists with uuid %s: %w",
			def.Name, existing.uid, errdefs.ErrAlreadyExists)
	}

	d := newDomain(def)
	r.byName[def.Name] = d
	r.byUUID[def.UUID] = d
	r.mu.Unlock()

	d.Ref() // lookup-style reference for the caller, on top of the registry's
	d.Lock()
	return d, nil
}

// addExisting resolves an Add that hit a registered UUID. Called with the
// registry lock held; returns with it released.
func (r *Registry) addExisting(existing *Domain, def *define.Definition, flags AddFlags) (*Domain, error) {
	existing.Ref()
	r.mu.Unlock()

	existing.Lock()
	switch {
	case existing.removing:
		existing.Release()
		return nil, fmt.Errorf("domain %q is being removed: %w", def.Name, errdefs.ErrAlreadyExists)
	case existing.name != def.Name:
		existing.Release()
		return nil, fmt.Errorf("uuid %s already in use by domain %q: %w",
			def.UUID, existing.name, errdefs.ErrAlreadyExists)
	case existing.IsActive():
		existing.Release()
		return nil, fmt.Errorf("domain %q is already active: %w", def.Name, errdefs.ErrAlreadyExists)
	case !flags.UpdateExisting && !flags.Live:
		existing.Release()
		return nil, fmt.Errorf("domain %q already exists: %w", def.Name, errdefs.ErrAlreadyExists)
	}

	// Inactive and updating is allowed: stage the definition so it is
	// swapped in once any in-flight job completes, or immediately when
	// the domain is idle.
	if existing.jobHeld() {
		existing.StageDef(def)
	} else {
		existing.SetDef(def)
	}
	return existing, nil
}

// Remove unregisters the domain. The caller must hold the domain lock; on
// return the domain is still locked but no longer reachable through the
// registry, and its removing flag makes concurrent EndJob calls report the
// object as no longer valid.
//
// Lock ordering requires dropping the domain lock before taking the registry
// lock; the extra reference keeps the object alive across the gap. The
// indexes are updated from a snapshot of the identity so the registry lock
// is never held while waiting on the domain lock (Activate and Deactivate
// acquire in the opposite order).
func (r *Registry) Remove(d *Domain) {
	d.removing = true
	name, uid, id := d.name, d.uid, d.id
	d.Ref()
	d.Unlock()

	r.mu.Lock()
	if r.byName[name] == d {
		delete(r.byName, name)
	}
	if r.byUUID[uid] == d {
		delete(r.byUUID, uid)
	}
	if id != InactiveID && r.byID[id] == d {
		delete(r.byID, id)
	}
	r.mu.Unlock()

	d.Lock()
	d.Unref() // registry's own reference
	d.Unref() // the bridging reference taken above
}

// Activate assigns the next numeric id to the domain and indexes it. The
// caller must hold the domain lock.
func (r *Registry) Activate(d *Domain, pid int) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.byID[id] = d
	r.mu.Unlock()
	d.SetActive(pid, id)
}

// Deactivate removes the domain from the numeric id index and clears its
// process identity. The caller must hold the domain lock.
func (r *Registry) Deactivate(d *Domain) {
	r.mu.Lock()
	if d.id != InactiveID {
		delete(r.byID, d.id)
	}
	r.mu.Unlock()
	d.SetInactive()
}

// ForEach visits a stable snapshot of members, locking one domain at a time.
// Per-item errors are logged by the visitor itself and do not abort the
// iteration; a false return does.
func (r *Registry) ForEach(visit func(d *Domain) bool) {
	r.mu.Lock()
	snapshot := make([]*Domain, 0, len(r.byUUID))
	for _, d := range r.byUUID {
		d.Ref()
		snapshot = append(snapshot, d)
	}
	r.mu.Unlock()

	keepGoing := true
	for _, d := range snapshot {
		if keepGoing {
			d.Lock()
			if !d.removing {
				keepGoing = visit(d)
			}
			d.Unlock()
		}
		d.Unref()
	}
}

// Len reports the number of registered domains.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUUID)
}
