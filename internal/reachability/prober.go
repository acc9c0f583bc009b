// Package reachability implements the single-operation TCP reachability
// probe used by the wake coordinator and the port forwarder.
package reachability

import (
	"net"
	"strconv"
	"time"
)

// IsReachable attempts a single TCP connect to host:port, bounded by
// timeout. Any completed handshake counts as reachable, even if the
// peer immediately closes. Connection refused, unreachable, and
// timeout all return false. This never panics and never retries.
func IsReachable(host string, port uint16, timeout time.Duration) bool {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
