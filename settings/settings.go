// go-peerfinder - Peer location and connection establishment
// Copyright (c) 2020 Péter Szilágyi. All rights reserved.

// Package settings contains the operator tunables consumed by the connection
// subsystems. Values are owned by whoever embeds the library; the protocol code
// only ever reads them through a Provider.
package settings

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the set of operator tunables. Durations are expressed in whole
// seconds in the configuration file.
type Settings struct {
	MaxClientKeepAlive uint64 `yaml:"max_client_keepalive"` // Upper bound of finder renewals in seconds, 0 = unlimited
	RelayRetryMin      uint64 `yaml:"relay_retry_min"`      // Initial reconnect backoff in seconds
	RelayRetryMax      uint64 `yaml:"relay_retry_max"`      // Maximum reconnect backoff in seconds
	RefindAfter        uint64 `yaml:"refind_after"`         // Seconds without connectivity before a refind is requested
}

// Default is the configuration used when no operator overrides are given.
var Default = Settings{
	MaxClientKeepAlive: 0,
	RelayRetryMin:      1,
	RelayRetryMax:      60,
	RefindAfter:        30,
}

// MaxKeepAlive returns the renewal upper bound as a duration, 0 if unlimited.
func (s Settings) MaxKeepAlive() time.Duration {
	return time.Duration(s.MaxClientKeepAlive) * time.Second
}

// RetryBounds returns the reconnect backoff bounds as durations.
func (s Settings) RetryBounds() (time.Duration, time.Duration) {
	return time.Duration(s.RelayRetryMin) * time.Second, time.Duration(s.RelayRetryMax) * time.Second
}

// RefindTimeout returns the time a peer location may stay unconnected before
// the find cycle is restarted, 0 if refinding is disabled.
func (s Settings) RefindTimeout() time.Duration {
	return time.Duration(s.RefindAfter) * time.Second
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	if s.RelayRetryMin == 0 {
		return fmt.Errorf("relay_retry_min must be positive")
	}
	if s.RelayRetryMax < s.RelayRetryMin {
		return fmt.Errorf("relay_retry_max (%d) below relay_retry_min (%d)", s.RelayRetryMax, s.RelayRetryMin)
	}
	return nil
}

// Provider is the source of live settings. Implementations must be safe for
// concurrent use; consumers re-read on every decision.
type Provider interface {
	Settings() Settings
}

// Static is a Provider holding a replaceable settings value.
type Static struct {
	current Settings
	lock    sync.RWMutex
}

// NewStatic creates a provider serving the given settings.
func NewStatic(s Settings) *Static {
	return &Static{current: s}
}

// Settings implements Provider.
func (p *Static) Settings() Settings {
	p.lock.RLock()
	defer p.lock.RUnlock()

	return p.current
}

// Update replaces the served settings.
func (p *Static) Update(s Settings) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.current = s
}

// LoadFile reads a YAML settings file. Fields missing from the file retain
// their default values.
func LoadFile(path string) (Settings, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := Default
	if err := yaml.Unmarshal(blob, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid settings %s: %w", path, err)
	}
	return s, nil
}
