// Package stream implements the full-duplex byte copy between a client
// connection and a target connection.
package stream

import (
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// BufferSize is the per-direction copy buffer.
const BufferSize = 32 * 1024

// halfCloser is satisfied by *net.TCPConn; Splice uses it to shut down
// the write half of a connection on EOF from the other side while
// still draining the reverse direction.
type halfCloser interface {
	CloseWrite() error
}

// Splice copies bytes bidirectionally between client and target until
// both directions have observed EOF or one side errors. On EOF from
// client, target's write half is half-closed while the reverse
// direction keeps draining. Splice blocks until both directions
// terminate; the outcome is never surfaced to the client application
// layer, only logged.
func Splice(client, target net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		copyDirection(target, client, "client->target")
	}()

	go func() {
		defer wg.Done()
		copyDirection(client, target, "target->client")
	}()

	wg.Wait()
}

func copyDirection(dst, src net.Conn, direction string) {
	buf := make([]byte, BufferSize)
	_, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		log.Debug().Err(err).Str("direction", direction).Msg("splice direction ended with error")
	}
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	}
}
