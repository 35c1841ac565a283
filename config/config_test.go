package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestC_LoadString(t *testing.T) {
	c := NewC()
	require.NoError(t, c.LoadString(`
tap:
  name: tap0
queue:
  size: 256
stats:
  type: none
interval: 5s
enabled: yes
`))

	assert.Equal(t, "tap0", c.GetString("tap.name", ""))
	assert.Equal(t, 256, c.GetInt("queue.size", 0))
	assert.Equal(t, 5*time.Second, c.GetDuration("interval", 0))
	assert.True(t, c.GetBool("enabled", false))
	assert.True(t, c.IsSet("tap.name"))
	assert.False(t, c.IsSet("tap.missing"))
}

func TestC_DefaultsWhenMissing(t *testing.T) {
	c := NewC()
	require.NoError(t, c.LoadString("top: value"))

	assert.Equal(t, "fallback", c.GetString("missing", "fallback"))
	assert.Equal(t, 42, c.GetInt("missing", 42))
	assert.False(t, c.GetBool("missing", false))
}

func TestC_LoadString_Empty(t *testing.T) {
	c := NewC()
	assert.Error(t, c.LoadString(""))
}
