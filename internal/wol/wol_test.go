package wol

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakezilla/internal/model"
)

func TestParseMAC_Valid(t *testing.T) {
	mac, err := ParseMAC("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", mac)
}

func TestParseMAC_RejectsAllZero(t *testing.T) {
	_, err := ParseMAC("00:00:00:00:00:00")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestParseMAC_RejectsMalformed(t *testing.T) {
	_, err := ParseMAC("not-a-mac")
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestBuildMagicPacket_Layout(t *testing.T) {
	packet, err := BuildMagicPacket("aa:bb:cc:dd:ee:ff")
	require.NoError(t, err)
	require.Len(t, packet, 102)

	for i := 0; i < 6; i++ {
		assert.Equal(t, byte(0xFF), packet[i])
	}

	hw, _ := net.ParseMAC("aa:bb:cc:dd:ee:ff")
	for rep := 0; rep < 16; rep++ {
		start := 6 + rep*6
		assert.Equal(t, []byte(hw), packet[start:start+6])
	}
}

func TestBuildMagicPacket_RejectsInvalidMAC(t *testing.T) {
	_, err := BuildMagicPacket("zz:zz:zz:zz:zz:zz")
	require.Error(t, err)
}

func TestEmitter_Send_FailsOnInvalidMAC(t *testing.T) {
	e := NewEmitter()
	err := e.Send("garbage", Port)
	require.Error(t, err)
}
