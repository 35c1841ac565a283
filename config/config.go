// Package config implements a small yaml-backed settings container for the
// driver and its cmd/virtio-netd binary. Unlike a long-running daemon's
// configuration, this driver has no use for hot reload: queues, once
// registered with vhost-net, cannot be resized or renegotiated without
// tearing the device down, so there is nothing a SIGHUP could usefully
// change.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// C holds configuration loaded from a yaml document, read through typed
// accessors that fall back to a caller-supplied default.
type C struct {
	Settings map[string]any
}

// NewC returns an empty [C] with no settings loaded.
func NewC() *C {
	return &C{Settings: make(map[string]any)}
}

// Load reads and parses the yaml file at path.
func (c *C) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.LoadString(string(b))
}

// LoadString parses raw as a yaml document and replaces the current settings.
func (c *C) LoadString(raw string) error {
	if raw == "" {
		return errors.New("empty configuration")
	}

	var m map[string]any
	if err := yaml.Unmarshal([]byte(raw), &m); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	c.Settings = m
	return nil
}

// GetString returns the string value for k, or d if not found or invalid.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprintf("%v", r)
}

// GetInt returns the int value for k, or d if not found or invalid.
func (c *C) GetInt(k string, d int) int {
	r := c.GetString(k, strconv.Itoa(d))
	v, err := strconv.Atoi(r)
	if err != nil {
		return d
	}
	return v
}

// GetUint32 returns the uint32 value for k, or d if not found, invalid, or
// out of range.
func (c *C) GetUint32(k string, d uint32) uint32 {
	r := c.GetInt(k, int(d))
	if r < 0 || uint64(r) > uint64(math.MaxUint32) {
		return d
	}
	return uint32(r)
}

// GetBool returns the bool value for k, or d if not found or invalid.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, fmt.Sprintf("%v", d)))
	v, err := strconv.ParseBool(r)
	if err != nil {
		switch r {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
		return d
	}
	return v
}

// GetDuration returns the duration value for k, or d if not found or invalid.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	r := c.GetString(k, "")
	v, err := time.ParseDuration(r)
	if err != nil {
		return d
	}
	return v
}

// Get returns the raw value for the dotted key k, or nil if not found.
func (c *C) Get(k string) any {
	return get(k, c.Settings)
}

// IsSet reports whether the dotted key k is present.
func (c *C) IsSet(k string) bool {
	return get(k, c.Settings) != nil
}

func get(k string, v any) any {
	parts := strings.Split(k, ".")
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[p]
		if !ok {
			return nil
		}
	}
	return v
}
