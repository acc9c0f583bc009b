// Package wol builds and broadcasts Wake-on-LAN magic packets.
package wol

import (
	"fmt"
	"net"

	"github.com/rs/zerolog/log"
	gowol "github.com/sabhiram/go-wol/wol"

	"wakezilla/internal/model"
)

const (
	// BroadcastAddr is the limited broadcast address used for WOL
	// emission. Container and VM network isolation can silently swallow
	// packets sent here.
	BroadcastAddr = "255.255.255.255"

	// Port is the standard WOL UDP port.
	Port = 9
)

// ParseMAC validates and canonicalizes a MAC address string to
// lowercase colon-separated hex. The all-zero MAC is rejected; no NIC
// answers to it.
func ParseMAC(s string) (string, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", fmt.Errorf("%w: invalid MAC %q: %v", model.ErrValidation, s, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("%w: MAC %q is not 6 bytes", model.ErrValidation, s)
	}
	if isZeroMAC(hw) {
		return "", fmt.Errorf("%w: MAC %q is the all-zero address", model.ErrValidation, s)
	}
	return hw.String(), nil
}

func isZeroMAC(hw net.HardwareAddr) bool {
	for _, b := range hw {
		if b != 0 {
			return false
		}
	}
	return true
}

// BuildMagicPacket builds the standard 102-byte WOL payload: 6 bytes of
// 0xFF followed by 16 repetitions of the 6-byte MAC.
func BuildMagicPacket(mac string) ([]byte, error) {
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) != 6 {
		return nil, fmt.Errorf("%w: invalid MAC %q", model.ErrValidation, mac)
	}

	mp, err := gowol.New(hw.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrValidation, err)
	}
	packet, err := mp.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal magic packet: %v", model.ErrWolSendFailed, err)
	}
	return packet, nil
}

// Emitter sends WOL magic packets over UDP broadcast.
type Emitter struct{}

// NewEmitter constructs a WOL Emitter.
func NewEmitter() *Emitter { return &Emitter{} }

// Send builds and broadcasts one magic packet for mac on the given UDP
// port. The socket is bound to 0.0.0.0:0; Go's UDP sockets allow
// broadcast writes without an explicit SO_BROADCAST setsockopt on the
// platforms this targets. Failure is reported as ErrWolSendFailed; the
// caller owns retry policy, this never retries internally.
func (e *Emitter) Send(mac string, port int) error {
	packet, err := BuildMagicPacket(mac)
	if err != nil {
		return err
	}

	addr := &net.UDPAddr{IP: net.IPv4bcast, Port: port}
	conn, err := net.DialUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0}, addr)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", model.ErrWolSendFailed, err)
	}
	defer conn.Close()

	n, err := conn.Write(packet)
	if err != nil {
		return fmt.Errorf("%w: write: %v", model.ErrWolSendFailed, err)
	}
	if n != len(packet) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", model.ErrWolSendFailed, n, len(packet))
	}

	log.Debug().Str("mac", mac).Int("port", port).Msg("sent WOL magic packet")
	return nil
}
