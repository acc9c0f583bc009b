// Package monitor implements the inactivity monitor: a single global
// ticking task that evaluates every machine's idle time against its
// configured threshold and asks a shutdown-capable machine to turn
// itself off once it has been idle long enough.
package monitor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"wakezilla/internal/model"
)

// TickInterval is how often the monitor evaluates every machine.
const TickInterval = 1 * time.Second

// ShutdownCallTimeout bounds the HTTP POST used to ask a machine to
// turn itself off.
const ShutdownCallTimeout = 5 * time.Second

// MachineSource supplies the current machine set and per-machine
// activity/pending state. The registry satisfies this.
type MachineSource interface {
	List() []model.Machine
	LastRequest(machineID string) (time.Time, bool)
	ShutdownPending(machineID string) bool
	SetShutdownPending(machineID string, pending bool)
}

// Monitor is the single process-wide inactivity evaluator.
type Monitor struct {
	source MachineSource
	client *http.Client
	now    func() time.Time
	tick   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Monitor for deterministic tests.
type Option func(*Monitor)

// WithClock overrides the monitor's notion of "now".
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithTickInterval overrides the evaluation period.
func WithTickInterval(d time.Duration) Option {
	return func(m *Monitor) { m.tick = d }
}

// WithHTTPClient overrides the HTTP client used for shutdown calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// New builds a Monitor. Call Start to begin ticking.
func New(source MachineSource, opts ...Option) *Monitor {
	m := &Monitor{
		source: source,
		client: &http.Client{Timeout: ShutdownCallTimeout},
		now:    time.Now,
		tick:   TickInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the ticking goroutine. Calling Start while already
// running is a no-op; the supervisor restarts the monitor singleton by
// calling Stop then Start again whenever the registry changes.
func (m *Monitor) Start() {
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx)
}

// Stop halts the ticking goroutine and waits for it to exit.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateAll()
		}
	}
}

func (m *Monitor) evaluateAll() {
	for _, machine := range m.source.List() {
		m.evaluate(machine)
	}
}

// evaluate applies the per-machine rule: inactivity_period_minutes of
// 0 disables the check entirely; a machine that cannot turn itself off
// is never asked to; a shutdown call already pending is not repeated
// until fresh activity clears it.
func (m *Monitor) evaluate(machine model.Machine) {
	if !machine.CanTurnOff || machine.InactivityPeriodMinutes <= 0 {
		return
	}

	lastRequest, ok := m.source.LastRequest(machine.ID)
	if !ok {
		return
	}

	if m.source.ShutdownPending(machine.ID) {
		if m.now().Sub(lastRequest) < time.Duration(machine.InactivityPeriodMinutes)*time.Minute {
			m.source.SetShutdownPending(machine.ID, false)
		}
		return
	}

	threshold := time.Duration(machine.InactivityPeriodMinutes) * time.Minute
	if m.now().Sub(lastRequest) < threshold {
		return
	}

	m.source.SetShutdownPending(machine.ID, true)
	go m.callShutdown(machine)
}

func (m *Monitor) callShutdown(machine model.Machine) {
	url := fmt.Sprintf("http://%s:%d/turn-off", machine.IP, machine.TurnOffPort)
	req, err := http.NewRequest(http.MethodPost, url, nil)
	if err != nil {
		log.Error().Err(err).Str("machine_id", machine.ID).Msg("failed to build shutdown request")
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("machine_id", machine.ID).Str("url", url).Msg("shutdown call failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		log.Warn().Str("machine_id", machine.ID).Int("status", resp.StatusCode).Msg("shutdown call returned non-2xx")
		return
	}

	log.Info().Str("machine_id", machine.ID).Msg("shutdown call accepted")
}
