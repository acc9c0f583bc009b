// Package supervisor reacts to registry mutations by diffing the
// desired set of listeners against the running set, starting new ones,
// stopping removed ones, and restarting the inactivity monitor
// singleton so it always evaluates the current machine set.
package supervisor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"wakezilla/internal/forwarder"
	"wakezilla/internal/model"
)

// Monitor is the restart-on-reconfigure singleton. monitor.Monitor
// satisfies this.
type Monitor interface {
	Start()
	Stop()
}

// listenerKey identifies a running listener by its bound port;
// local_port is unique across the registry, so the port alone is
// enough.
type listenerKey = uint16

// Supervisor owns every live forwarder.Listener and the monitor
// singleton, keeping both in sync with the registry's machine set.
type Supervisor struct {
	toucher forwarder.Toucher
	waker   forwarder.Waker
	monitor Monitor

	mu        sync.Mutex
	listeners map[listenerKey]*forwarder.Listener
}

// New builds a Supervisor. Call Reconcile (directly, or via the
// registry's ChangeHandler hook) with the initial machine set to start
// serving.
func New(toucher forwarder.Toucher, waker forwarder.Waker, mon Monitor) *Supervisor {
	return &Supervisor{
		toucher:   toucher,
		waker:     waker,
		monitor:   mon,
		listeners: make(map[listenerKey]*forwarder.Listener),
	}
}

// Reconcile implements registry.ChangeHandler. It computes the desired
// listener set from machines, starts any missing listeners, and stops
// any that are no longer wanted. If a new listener fails to bind, every
// listener started during this call is rolled back and
// ErrListenerBindFailed is returned so the registry undoes its
// mutation; the monitor is not restarted and no unwanted listener is
// stopped. A listener whose mapping changed was already closed before
// its replacement was bound, and rollback does not reopen it.
func (s *Supervisor) Reconcile(machines []model.Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired := make(map[listenerKey]forwarderSpec, len(machines))
	for _, m := range machines {
		for _, pf := range m.PortForwards {
			desired[pf.LocalPort] = forwarderSpec{
				machineID: m.ID,
				targetIP:  m.IP,
				port:      pf.TargetPort,
			}
		}
	}

	started := make([]listenerKey, 0)
	rollback := func() {
		for _, port := range started {
			if l, ok := s.listeners[port]; ok {
				l.Close()
				delete(s.listeners, port)
			}
		}
	}

	var eg errgroup.Group
	var mu sync.Mutex
	bindErr := make(map[listenerKey]error)

	for port, spec := range desired {
		existing, ok := s.listeners[port]
		if ok && existing.MachineID == spec.machineID && existing.TargetIP == spec.targetIP && existing.TargetPort == spec.port {
			continue
		}
		if ok {
			existing.Close()
			delete(s.listeners, port)
		}

		port, spec := port, spec
		eg.Go(func() error {
			l, err := forwarder.Listen(port, spec.machineID, spec.targetIP, spec.port, s.toucher, s.waker)
			if err != nil {
				mu.Lock()
				bindErr[port] = err
				mu.Unlock()
				return err
			}
			mu.Lock()
			s.listeners[port] = l
			started = append(started, port)
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		rollback()
		for port, bErr := range bindErr {
			log.Error().Err(bErr).Uint16("local_port", port).Msg("failed to bind listener during reconfiguration, rolled back")
		}
		return fmt.Errorf("%w", err)
	}

	for port, l := range s.listeners {
		if _, wanted := desired[port]; !wanted {
			l.Close()
			delete(s.listeners, port)
		}
	}

	s.monitor.Stop()
	s.monitor.Start()

	return nil
}

type forwarderSpec struct {
	machineID string
	targetIP  string
	port      uint16
}

// Shutdown stops every running listener and the monitor. Used for
// graceful process exit.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for port, l := range s.listeners {
		l.Close()
		delete(s.listeners, port)
	}
	s.monitor.Stop()
}
