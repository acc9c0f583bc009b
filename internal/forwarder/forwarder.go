// Package forwarder implements the port forwarder: one TCP listener
// per configured local_port, wake-gating every accepted connection
// before dialing the machine's target port and splicing the two halves
// together.
package forwarder

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"wakezilla/internal/model"
	"wakezilla/internal/stream"
)

// DialTimeout bounds how long dialing a machine's target port may take
// once it has been verified awake.
const DialTimeout = 5 * time.Second

// Toucher records fresh activity for a machine. The registry satisfies
// this.
type Toucher interface {
	Touch(machineID string)
}

// Waker guarantees a machine is reachable before the forwarder dials
// it, waking it on demand. wake.Coordinator satisfies this.
type Waker interface {
	EnsureAwake(ctx context.Context, machineID string) error
}

// Listener is one running (local_port, machine_id, target_port)
// binding. It owns an accept loop goroutine and can be stopped once.
type Listener struct {
	LocalPort  uint16
	MachineID  string
	TargetIP   string
	TargetPort uint16

	ln      net.Listener
	toucher Toucher
	waker   Waker

	stop chan struct{}
	done chan struct{}
}

// Listen binds local_port and starts accepting connections for
// machineID, dialing targetIP:targetPort once the machine is verified
// awake. Bind failures are returned directly so the supervisor can
// surface ErrListenerBindFailed and roll back the registry mutation
// that requested this listener.
func Listen(localPort uint16, machineID, targetIP string, targetPort uint16, toucher Toucher, waker Waker) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("%w: port %d: %v", model.ErrListenerBindFailed, localPort, err)
	}

	l := &Listener{
		LocalPort:  localPort,
		MachineID:  machineID,
		TargetIP:   targetIP,
		TargetPort: targetPort,
		ln:         ln,
		toucher:    toucher,
		waker:      waker,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

// Close stops accepting new connections on this listener. In-flight
// connections are left to finish on their own; Close does not wait for
// them.
func (l *Listener) Close() error {
	close(l.stop)
	err := l.ln.Close()
	<-l.done
	return err
}

func (l *Listener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.stop:
				return
			default:
				log.Warn().Err(err).Uint16("local_port", l.LocalPort).Msg("accept failed")
				return
			}
		}
		// touch() and EnsureAwake() both run per-connection so a slow or
		// waking machine never blocks the accept loop for other clients.
		go l.handle(conn)
	}
}

func (l *Listener) handle(client net.Conn) {
	defer client.Close()

	l.toucher.Touch(l.MachineID)

	ctx, cancel := context.WithTimeout(context.Background(), wakeCtxBudget)
	defer cancel()

	if err := l.waker.EnsureAwake(ctx, l.MachineID); err != nil {
		log.Warn().Err(err).Str("machine_id", l.MachineID).Uint16("local_port", l.LocalPort).Msg("wake failed, dropping connection")
		return
	}

	l.toucher.Touch(l.MachineID)

	targetAddr := fmt.Sprintf("%s:%d", l.TargetIP, l.TargetPort)
	target, err := net.DialTimeout("tcp", targetAddr, DialTimeout)
	if err != nil {
		log.Warn().Err(err).Str("machine_id", l.MachineID).Str("target", targetAddr).Msg("dial failed after wake, dropping connection")
		return
	}
	defer target.Close()

	stream.Splice(client, target)
}

// wakeCtxBudget bounds how long a single accepted connection will wait
// for its machine to wake before giving up (mirrors the coordinator's
// own wake budget so neither side times out first).
const wakeCtxBudget = 65 * time.Second
