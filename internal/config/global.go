package config

import "sync/atomic"

var cfg atomic.Value

// Init installs the default configuration.
func Init() {
	c := defaultConfig()
	cfg.Store(&c)
}

// Load returns the current config (treat as read-only).
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies a mutation on a copy and swaps it atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}
