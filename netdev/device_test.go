package netdev

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHardwareAddress_Default(t *testing.T) {
	addr, err := parseHardwareAddress("")
	require.NoError(t, err)
	assert.Equal(t, defaultHardwareAddress, addr)
}

func TestParseHardwareAddress_Explicit(t *testing.T) {
	addr, err := parseHardwareAddress("de:ad:be:ef:00:01")
	require.NoError(t, err)
	assert.Equal(t, net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}, addr)
}

func TestParseHardwareAddress_Invalid(t *testing.T) {
	_, err := parseHardwareAddress("not-a-mac")
	assert.Error(t, err)
}
