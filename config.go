// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package asynchttp holds the environment-driven configuration shared by
// the listener and connector binaries.
package asynchttp

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds one listener's (or connector's) configuration. Fields are
// populated from the environment; pass env.Options with a Prefix to keep
// several instances apart.
type Config struct {
	Host string `env:"HOST" envDefault:""`
	Port string `env:"PORT" envDefault:""`

	// TLS is enabled when both CertFile and KeyFile are set.
	CertFile string `env:"CERT_FILE" envDefault:""`
	KeyFile  string `env:"KEY_FILE"  envDefault:""`

	// Outbound target for the client role.
	Target string `env:"TARGET" envDefault:""`

	// Limits.
	MaxConnections    int   `env:"MAX_CONNECTIONS"     envDefault:"10000"`
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"0"`

	// Timeouts.
	DialTimeout     time.Duration `env:"DIAL_TIMEOUT"     envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// NewConfig reads a Config from the environment.
func NewConfig(opts ...env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, mergeOptions(opts)); err != nil {
		return Config{}, err
	}
	return c, nil
}

func mergeOptions(opts []env.Options) env.Options {
	if len(opts) == 0 {
		return env.Options{}
	}
	return opts[0]
}
