// Package wake implements the per-target wake coordinator: it
// deduplicates concurrent wake attempts against the same machine so
// that at most one WOL sequence runs per wake budget window, and
// delivers the same outcome to every caller that coalesced onto it.
package wake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wakezilla/internal/model"
	"wakezilla/internal/reachability"
	"wakezilla/internal/wol"
)

const (
	// WakeBudget bounds how long a single wake sequence may run before
	// declaring ErrWakeTimeout.
	WakeBudget = 60 * time.Second

	// AwakeTTL is how long a verified-awake result is cached without
	// reprobing.
	AwakeTTL = 10 * time.Second

	// ProbeTimeout bounds each individual TCP connect attempt during a
	// wake sequence.
	ProbeTimeout = 2 * time.Second

	// ProbeInterval is the spacing between re-probes.
	ProbeInterval = 2 * time.Second

	// MaxWolPackets bounds how many magic packets a single EnsureAwake
	// call may emit.
	MaxWolPackets = 2
)

type wakeState int

const (
	stateIdle wakeState = iota
	stateWaking
	stateAwake
)

// MachineLookup resolves a machine id to its current record. The
// registry satisfies this trivially.
type MachineLookup interface {
	Get(machineID string) (model.Machine, bool)
}

// Emitter sends a single WOL magic packet.
type Emitter interface {
	Send(mac string, port int) error
}

// Prober reports whether host:port is reachable within timeout.
type Prober func(host string, port uint16, timeout time.Duration) bool

type entry struct {
	mu         sync.Mutex
	state      wakeState
	deadline   time.Time
	verifiedAt time.Time
	waiters    []chan error
}

// Coordinator is the process-wide, per-machine wake state machine.
type Coordinator struct {
	lookup  MachineLookup
	emitter Emitter
	prober  Prober
	now     func() time.Time

	wakeBudget    time.Duration
	awakeTTL      time.Duration
	probeTimeout  time.Duration
	probeInterval time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// Option configures a Coordinator; used by tests to shrink the
// timing constants instead of waiting out real minutes.
type Option func(*Coordinator)

// WithClock overrides the coordinator's notion of "now".
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTimings overrides the wake budget, awake TTL, probe timeout, and
// probe interval together, for deterministic tests.
func WithTimings(wakeBudget, awakeTTL, probeTimeout, probeInterval time.Duration) Option {
	return func(c *Coordinator) {
		c.wakeBudget = wakeBudget
		c.awakeTTL = awakeTTL
		c.probeTimeout = probeTimeout
		c.probeInterval = probeInterval
	}
}

// NewCoordinator builds a Coordinator. A nil prober defaults to the
// real TCP probe, reachability.IsReachable.
func NewCoordinator(lookup MachineLookup, emitter Emitter, prober Prober, opts ...Option) *Coordinator {
	if prober == nil {
		prober = reachability.IsReachable
	}
	c := &Coordinator{
		lookup:        lookup,
		emitter:       emitter,
		prober:        prober,
		now:           time.Now,
		wakeBudget:    WakeBudget,
		awakeTTL:      AwakeTTL,
		probeTimeout:  ProbeTimeout,
		probeInterval: ProbeInterval,
		entries:       make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureAwake asks the coordinator to guarantee machineID is reachable,
// waking it if necessary. Concurrent callers for the same machine
// coalesce onto a single wake sequence and receive the same outcome in
// FIFO order of enqueue. If ctx is cancelled while waiting, this
// returns ctx.Err() and removes the caller from the waiter list without
// aborting the wake attempt for other waiters.
func (c *Coordinator) EnsureAwake(ctx context.Context, machineID string) error {
	e := c.entryFor(machineID)

	e.mu.Lock()
	switch e.state {
	case stateAwake:
		if c.now().Sub(e.verifiedAt) < c.awakeTTL {
			e.mu.Unlock()
			return nil
		}
		e.state = stateIdle
		fallthrough
	case stateIdle:
		ch := make(chan error, 1)
		e.state = stateWaking
		e.deadline = c.now().Add(c.wakeBudget)
		e.waiters = []chan error{ch}
		e.mu.Unlock()
		go c.runWakeSequence(machineID, e)
		return c.waitFor(ctx, e, ch)
	default: // stateWaking
		ch := make(chan error, 1)
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()
		return c.waitFor(ctx, e, ch)
	}
}

func (c *Coordinator) entryFor(machineID string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[machineID]
	if !ok {
		e = &entry{state: stateIdle}
		c.entries[machineID] = e
	}
	return e
}

func (c *Coordinator) waitFor(ctx context.Context, e *entry, ch chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		e.mu.Lock()
		for i, w := range e.waiters {
			if w == ch {
				e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
				break
			}
		}
		e.mu.Unlock()
		return ctx.Err()
	}
}

func (c *Coordinator) runWakeSequence(machineID string, e *entry) {
	machine, ok := c.lookup.Get(machineID)
	if !ok {
		c.finish(e, fmt.Errorf("%w: %s", model.ErrMachineUnknown, machineID))
		return
	}

	probePort, ok := machine.FirstTargetPort()
	if !ok {
		log.Warn().Str("machine_id", machineID).Msg("machine has no port forward or turn-off port to probe; cannot verify wake")
		c.finish(e, fmt.Errorf("%w: machine %s has no probe target", model.ErrWakeTimeout, machineID))
		return
	}

	probe := func() bool { return c.prober(machine.IP, probePort, c.probeTimeout) }

	if probe() {
		c.finish(e, nil)
		return
	}

	wolSent := 0
	sendWol := func() {
		if err := c.emitter.Send(machine.MAC, wol.Port); err != nil {
			log.Warn().Err(err).Str("machine_id", machineID).Msg("WOL send failed, proceeding to probe anyway")
			return
		}
		wolSent++
	}
	sendWol()

	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	extended := false
	for range ticker.C {
		if probe() {
			c.finish(e, nil)
			return
		}

		e.mu.Lock()
		deadline := e.deadline
		e.mu.Unlock()

		if !c.now().Before(deadline) {
			if !extended && wolSent < MaxWolPackets {
				extended = true
				sendWol()
				e.mu.Lock()
				e.deadline = c.now().Add(c.probeInterval)
				e.mu.Unlock()
				continue
			}
			c.finish(e, fmt.Errorf("%w: %s", model.ErrWakeTimeout, machineID))
			return
		}
	}
}

func (c *Coordinator) finish(e *entry, err error) {
	e.mu.Lock()
	waiters := e.waiters
	e.waiters = nil
	if err == nil {
		e.state = stateAwake
		e.verifiedAt = c.now()
	} else {
		e.state = stateIdle
	}
	e.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

// IsWakeTimeout reports whether err is (or wraps) ErrWakeTimeout.
func IsWakeTimeout(err error) bool { return errors.Is(err, model.ErrWakeTimeout) }
