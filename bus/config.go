// Copyright 2026 The Meshbus Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshbus-foundation/meshbus/lib/clock"
	"github.com/meshbus-foundation/meshbus/wire"
)

// Config configures an Attachment. The zero value works for
// in-process use; LoadConfig reads the YAML form from disk.
type Config struct {
	// ConnectSpec is the default router address, e.g.
	// "tcp:addr=127.0.0.1,port=9955" or "unix:abstract=alljoyn".
	ConnectSpec string `yaml:"connect_spec"`

	// Concurrency is the dispatcher worker count (default 4).
	Concurrency int `yaml:"concurrency"`

	// MaxInFlight bounds queued remote messages (default 64).
	MaxInFlight int `yaml:"max_in_flight"`

	// KeyStorePath backs the peer key table; empty keeps keys in
	// memory.
	KeyStorePath string `yaml:"key_store_path"`

	// PermissionDBPath persists the claim state; empty keeps it in
	// memory.
	PermissionDBPath string `yaml:"permission_db_path"`

	// Marshaller decodes wire bodies; nil suits in-process use
	// where messages carry decoded arguments.
	Marshaller wire.Marshaller `yaml:"-"`

	// Clock drives deadlines. Nil means the real clock.
	Clock clock.Clock `yaml:"-"`

	// Logger receives diagnostics. Nil means slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// LoadConfig reads a YAML config file. There is no search path and
// no fallback: the caller names exactly one file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if config.Concurrency < 0 {
		return Config{}, fmt.Errorf("config %s: concurrency must be non-negative", path)
	}
	return config, nil
}
