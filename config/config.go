// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the subsystem configuration.  All values are
// fixed at process start; nothing here is mutable per-request.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/forloop/veil/identity"
	"github.com/forloop/veil/shaping"
)

const (
	defaultLogLevel = "NOTICE"

	defaultRetryBound       = 3
	defaultBackoffBaseMsec  = 500
	defaultBackoffCapMsec   = 10000
	defaultHandshakeTimeout = 30
	defaultWarmEntries      = 2

	defaultJitterMaxMsec = 250

	defaultSubmitTimeout = 60
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Circuit is the circuit manager configuration.
type Circuit struct {
	// RetryBound is the maximum number of path construction attempts per
	// allocation, inclusive of the first.
	RetryBound int

	// BackoffBaseMsec is the backoff base delay in milliseconds.
	BackoffBaseMsec int

	// BackoffCapMsec caps the backoff delay, in milliseconds.
	BackoffCapMsec int

	// HandshakeTimeout is the per-attempt handshake timeout in seconds.
	HandshakeTimeout int

	// WarmEntries is the number of entry guards to keep warm.
	WarmEntries int
}

func (cCfg *Circuit) fixup() {
	if cCfg.RetryBound == 0 {
		cCfg.RetryBound = defaultRetryBound
	}
	if cCfg.BackoffBaseMsec == 0 {
		cCfg.BackoffBaseMsec = defaultBackoffBaseMsec
	}
	if cCfg.BackoffCapMsec == 0 {
		cCfg.BackoffCapMsec = defaultBackoffCapMsec
	}
	if cCfg.HandshakeTimeout == 0 {
		cCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cCfg.WarmEntries == 0 {
		cCfg.WarmEntries = defaultWarmEntries
	}
}

func (cCfg *Circuit) validate() error {
	if cCfg.RetryBound < 1 {
		return fmt.Errorf("config: Circuit: RetryBound %d is invalid", cCfg.RetryBound)
	}
	if cCfg.BackoffBaseMsec < 0 || cCfg.BackoffCapMsec < cCfg.BackoffBaseMsec {
		return fmt.Errorf("config: Circuit: backoff bounds are invalid")
	}
	if cCfg.HandshakeTimeout < 1 {
		return fmt.Errorf("config: Circuit: HandshakeTimeout %d is invalid", cCfg.HandshakeTimeout)
	}
	if cCfg.WarmEntries < 0 {
		return fmt.Errorf("config: Circuit: WarmEntries %d is invalid", cCfg.WarmEntries)
	}
	return nil
}

// BackoffBase returns the backoff base delay as a Duration.
func (cCfg *Circuit) BackoffBase() time.Duration {
	return time.Duration(cCfg.BackoffBaseMsec) * time.Millisecond
}

// BackoffCap returns the backoff delay cap as a Duration.
func (cCfg *Circuit) BackoffCap() time.Duration {
	return time.Duration(cCfg.BackoffCapMsec) * time.Millisecond
}

// HandshakeDeadline returns the per-attempt handshake timeout as a
// Duration.
func (cCfg *Circuit) HandshakeDeadline() time.Duration {
	return time.Duration(cCfg.HandshakeTimeout) * time.Second
}

// Shaping is the traffic shaper configuration.
type Shaping struct {
	// JitterMaxMsec is the upper per-packet jitter bound in milliseconds.
	JitterMaxMsec int

	// SizeBuckets is the ascending frame size bucket table, in bytes.
	// If omitted the built-in table is used.
	SizeBuckets []int
}

func (sCfg *Shaping) fixup() {
	if sCfg.JitterMaxMsec == 0 {
		sCfg.JitterMaxMsec = defaultJitterMaxMsec
	}
	if len(sCfg.SizeBuckets) == 0 {
		sCfg.SizeBuckets = append([]int{}, shaping.DefaultBuckets...)
	}
}

func (sCfg *Shaping) validate() error {
	if sCfg.JitterMaxMsec < 0 {
		return fmt.Errorf("config: Shaping: JitterMaxMsec %d is invalid", sCfg.JitterMaxMsec)
	}
	prev := 0
	for _, b := range sCfg.SizeBuckets {
		if b <= prev {
			return fmt.Errorf("config: Shaping: SizeBuckets must be strictly ascending")
		}
		prev = b
	}
	return nil
}

// JitterMax returns the jitter bound as a Duration.
func (sCfg *Shaping) JitterMax() time.Duration {
	return time.Duration(sCfg.JitterMaxMsec) * time.Millisecond
}

// Identity is the identity synthesizer configuration.
type Identity struct {
	// Profiles optionally replaces the built-in profile allow-list.
	Profiles []identity.Profile
}

// Table returns the configured profile table, falling back to the
// built-in one.
func (iCfg *Identity) Table() []identity.Profile {
	if len(iCfg.Profiles) == 0 {
		return identity.DefaultTable()
	}
	return iCfg.Profiles
}

// Debug is the debug configuration.
type Debug struct {
	// SubmitTimeout is the number of seconds a submitted request may take
	// end to end before it is aborted fail-closed.
	SubmitTimeout int
}

func (dCfg *Debug) fixup() {
	if dCfg.SubmitTimeout == 0 {
		dCfg.SubmitTimeout = defaultSubmitTimeout
	}
}

// SubmitDeadline returns the end to end request deadline as a Duration.
func (dCfg *Debug) SubmitDeadline() time.Duration {
	return time.Duration(dCfg.SubmitTimeout) * time.Second
}

// Config is the top level configuration.
type Config struct {
	Logging  *Logging
	Circuit  *Circuit
	Shaping  *Shaping
	Identity *Identity
	Debug    *Debug
}

// FixupAndValidate applies defaults to missing sections and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{Level: defaultLogLevel}
	}
	if c.Circuit == nil {
		c.Circuit = new(Circuit)
	}
	if c.Shaping == nil {
		c.Shaping = new(Shaping)
	}
	if c.Identity == nil {
		c.Identity = new(Identity)
	}
	if c.Debug == nil {
		c.Debug = new(Debug)
	}

	c.Circuit.fixup()
	c.Shaping.fixup()
	c.Debug.fixup()

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Circuit.validate(); err != nil {
		return err
	}
	return c.Shaping.validate()
}

// Load parses and validates the provided buffer b as a config body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Default returns the all-defaults configuration.
func Default() *Config {
	cfg := new(Config)
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}
