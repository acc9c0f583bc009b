// Package registry implements the in-memory authoritative table of
// machines, their port forwards, and their last-seen activity, with
// validated mutations and atomic JSON persistence.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"wakezilla/internal/model"
	"wakezilla/internal/wol"
)

// ChangeHandler is notified synchronously after every registry
// mutation with the full, post-mutation machine set. Returning an
// error (typically ErrListenerBindFailed) causes the registry to
// roll back the mutation in memory and skip persistence.
type ChangeHandler interface {
	Reconcile(machines []model.Machine) error
}

type noopChangeHandler struct{}

func (noopChangeHandler) Reconcile([]model.Machine) error { return nil }

type record struct {
	machine          model.Machine
	lastRequestNanos atomic.Int64
	shutdownPending  atomic.Bool
}

// Registry is the process-wide machine table. All exported methods are
// safe for concurrent use.
type Registry struct {
	mu            sync.RWMutex
	machines      map[string]*record
	path          string
	changeHandler ChangeHandler
	now           func() time.Time

	persistFailures atomic.Int32
}

// New constructs a Registry that persists to path. Call Load to
// populate it from disk before serving traffic.
func New(path string) *Registry {
	return &Registry{
		machines:      make(map[string]*record),
		path:          path,
		changeHandler: noopChangeHandler{},
		now:           time.Now,
	}
}

// SetChangeHandler installs the Reconfiguration Supervisor (or any
// other ChangeHandler) as the target of post-mutation reconciliation.
func (r *Registry) SetChangeHandler(h ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		h = noopChangeHandler{}
	}
	r.changeHandler = h
}

// List returns a snapshot copy of every machine.
func (r *Registry) List() []model.Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Machine, 0, len(r.machines))
	for _, rec := range r.machines {
		out = append(out, rec.machine.Clone())
	}
	return out
}

// Get returns a copy of one machine by id. It also satisfies
// wake.MachineLookup.
func (r *Registry) Get(id string) (model.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.machines[id]
	if !ok {
		return model.Machine{}, false
	}
	return rec.machine.Clone(), true
}

// Snapshot returns a consistent copy of the whole registry for
// persistence.
func (r *Registry) Snapshot() []model.Machine {
	return r.List()
}

// Insert validates and adds a new machine, assigning it an id if one
// isn't already set, and seeds last_request to the creation time.
// On success the change handler is reconciled and the registry is
// persisted; on validation or reconciliation failure nothing changes.
func (r *Registry) Insert(m model.Machine) (model.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, exists := r.machines[m.ID]; exists {
		return model.Machine{}, fmt.Errorf("%w: machine id %s already exists", model.ErrValidation, m.ID)
	}

	canon, err := r.validateLocked(m.ID, m)
	if err != nil {
		return model.Machine{}, err
	}

	rec := &record{machine: canon}
	rec.lastRequestNanos.Store(r.now().UnixNano())
	r.machines[m.ID] = rec

	if err := r.reconcileAndPersistLocked(); err != nil {
		delete(r.machines, m.ID)
		return model.Machine{}, err
	}

	return canon.Clone(), nil
}

// Update validates and replaces the mutable fields of an existing
// machine (everything but last_request, which only the forwarder
// writes). Rolls back on validation or reconciliation failure.
func (r *Registry) Update(id string, m model.Machine) (model.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.machines[id]
	if !ok {
		return model.Machine{}, fmt.Errorf("%w: machine %s", model.ErrNotFound, id)
	}

	m.ID = id
	canon, err := r.validateLocked(id, m)
	if err != nil {
		return model.Machine{}, err
	}

	previous := rec.machine
	rec.machine = canon

	if err := r.reconcileAndPersistLocked(); err != nil {
		rec.machine = previous
		return model.Machine{}, err
	}

	return canon.Clone(), nil
}

// Remove deletes a machine. Rolls back on reconciliation failure.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.machines[id]
	if !ok {
		return fmt.Errorf("%w: machine %s", model.ErrNotFound, id)
	}

	delete(r.machines, id)
	if err := r.reconcileAndPersistLocked(); err != nil {
		r.machines[id] = rec
		return err
	}
	return nil
}

// Touch records a fresh accepted connection for id. It is O(1), never
// blocks on I/O, and is safe to call from the hot accept path. The
// timestamp only moves forward.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	rec, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	now := r.now().UnixNano()
	for {
		prev := rec.lastRequestNanos.Load()
		if prev >= now || rec.lastRequestNanos.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastRequest returns the last touch time for id.
func (r *Registry) LastRequest(id string) (time.Time, bool) {
	r.mu.RLock()
	rec, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(0, rec.lastRequestNanos.Load()), true
}

// ShutdownPending reports whether a shutdown call is outstanding for
// id, awaiting fresh activity to clear it.
func (r *Registry) ShutdownPending(id string) bool {
	r.mu.RLock()
	rec, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return rec.shutdownPending.Load()
}

// SetShutdownPending sets or clears the shutdown-pending flag for id.
func (r *Registry) SetShutdownPending(id string, pending bool) {
	r.mu.RLock()
	rec, ok := r.machines[id]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rec.shutdownPending.Store(pending)
}

// validateLocked enforces the registry invariants. Callers must hold
// r.mu (write lock).
func (r *Registry) validateLocked(id string, m model.Machine) (model.Machine, error) {
	canonMAC, err := wol.ParseMAC(m.MAC)
	if err != nil {
		return model.Machine{}, err
	}
	m.MAC = canonMAC

	if m.InactivityPeriodMinutes < 0 {
		return model.Machine{}, fmt.Errorf("%w: inactivity_period_minutes must be >= 0", model.ErrValidation)
	}
	if m.CanTurnOff && m.TurnOffPort == 0 {
		return model.Machine{}, fmt.Errorf("%w: turn_off_port is required when can_turn_off is true", model.ErrValidation)
	}

	seenLocal := make(map[uint16]bool, len(m.PortForwards))
	for _, pf := range m.PortForwards {
		if pf.LocalPort == 0 || pf.TargetPort == 0 {
			return model.Machine{}, fmt.Errorf("%w: ports must be in [1,65535]", model.ErrValidation)
		}
		if seenLocal[pf.LocalPort] {
			return model.Machine{}, fmt.Errorf("%w: duplicate local_port %d within machine", model.ErrValidation, pf.LocalPort)
		}
		seenLocal[pf.LocalPort] = true
	}

	for otherID, rec := range r.machines {
		if otherID == id {
			continue
		}
		for _, pf := range rec.machine.PortForwards {
			if seenLocal[pf.LocalPort] {
				return model.Machine{}, fmt.Errorf("%w: local_port %d already used by machine %s", model.ErrValidation, pf.LocalPort, otherID)
			}
		}
	}

	return m, nil
}

// reconcileAndPersistLocked invokes the change handler with the new
// state, then persists to disk. Persistence failures are logged but do
// not roll back the in-memory mutation; change handler failures do
// roll back, signalled by returning the error to the caller, which
// undoes its own map edit.
func (r *Registry) reconcileAndPersistLocked() error {
	snapshot := r.snapshotLocked()
	if err := r.changeHandler.Reconcile(snapshot); err != nil {
		return err
	}
	if err := writeAtomic(r.path, snapshot); err != nil {
		failures := r.persistFailures.Add(1)
		if failures >= 2 {
			log.Error().Err(err).Str("path", r.path).Int32("consecutive_failures", failures).Msg("registry persistence degraded; disk state is stale")
		} else {
			log.Error().Err(err).Str("path", r.path).Msg("failed to persist machine registry; in-memory state kept")
		}
	} else {
		r.persistFailures.Store(0)
	}
	return nil
}

func (r *Registry) snapshotLocked() []model.Machine {
	out := make([]model.Machine, 0, len(r.machines))
	for _, rec := range r.machines {
		out = append(out, rec.machine.Clone())
	}
	return out
}

// Load reads the registry JSON file at startup. Malformed entries are
// dropped with a warning; a missing file is not an error.
func (r *Registry) Load() error {
	machines, err := readFile(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, m := range machines {
		if _, err := wol.ParseMAC(m.MAC); err != nil {
			log.Warn().Err(err).Str("machine_id", m.ID).Msg("dropping machine with invalid MAC on load")
			continue
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		rec := &record{machine: m}
		rec.lastRequestNanos.Store(now.UnixNano())
		r.machines[m.ID] = rec
	}
	return nil
}

// Persist writes the current registry state to disk immediately,
// used during graceful shutdown to guarantee a final flush.
func (r *Registry) Persist() error {
	r.mu.RLock()
	snapshot := r.snapshotLocked()
	r.mu.RUnlock()
	return writeAtomic(r.path, snapshot)
}
