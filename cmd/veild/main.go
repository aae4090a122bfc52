// SPDX-FileCopyrightText: Copyright (C) 2025 the forloop developers
// SPDX-License-Identifier: AGPL-3.0-only

// veild submits one anonymized request through the full per-request
// isolation pipeline over a loopback transport, for local smoke testing.
package main

import (
	"crypto/rand"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forloop/veil/circuit"
	"github.com/forloop/veil/config"
	"github.com/forloop/veil/core/log"
	"github.com/forloop/veil/identity"
	"github.com/forloop/veil/relay"
	"github.com/forloop/veil/session"
	"github.com/forloop/veil/shaping"
	"github.com/forloop/veil/transport"
)

func main() {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "veild [url]",
		Short: "Submit one anonymized request over a loopback transport",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "https://example.com/"
			if len(args) == 1 {
				target = args[0]
			}
			return run(cfgFile, target)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "f", "", "path to the config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgFile, target string) error {
	var cfg *config.Config
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		return err
	}

	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return err
	}

	dir := demoDirectory()
	client := transport.NewLoopback()

	circuits, err := circuit.New(cfg.Circuit, client, dir, logBackend)
	if err != nil {
		return err
	}
	defer circuits.Halt()

	synthesizer, err := identity.NewSynthesizer(cfg.Identity.Table(), rand.Reader, logBackend)
	if err != nil {
		return err
	}

	shaper, err := shaping.New(cfg.Shaping.SizeBuckets, cfg.Shaping.JitterMax(), logBackend)
	if err != nil {
		return err
	}

	s := session.New(cfg, circuits, synthesizer, shaper, logBackend)
	defer s.Halt()

	h, err := s.Submit(target, "nav-1", true)
	if err != nil {
		return err
	}

	if bundle, ok := <-h.Identity(); ok {
		fmt.Printf("identity: %s\n", bundle.Identity)
	}

	switch ev := (<-h.Events()).(type) {
	case *session.CompletedEvent:
		fmt.Printf("completed: %d payload bytes\n", len(ev.Payload))
	case *session.FailedEvent:
		return ev.Err
	case *session.CancelledEvent:
		fmt.Println("cancelled")
	}
	return nil
}

// demoDirectory builds a small synthetic relay directory.
func demoDirectory() *relay.Directory {
	mk := func(name, country string, flags relay.Flags, bw uint64) *relay.Descriptor {
		d := &relay.Descriptor{
			Name:        name,
			Addresses:   []string{"127.0.0.1:9001"},
			Bandwidth:   bw,
			Stability:   0.95,
			Flags:       flags,
			CountryCode: country,
		}
		if flags.IsExit() {
			d.ExitPolicy = relay.ExitPolicy{
				AcceptPorts: []relay.PortRange{{Low: 80, High: 80}, {Low: 443, High: 443}},
			}
		}
		if _, err := rand.Read(d.IdentityHash[:]); err != nil {
			panic(err)
		}
		return d
	}

	return &relay.Directory{
		Epoch: 1,
		Relays: []*relay.Descriptor{
			mk("guard1", "DE", relay.FlagGuard, 8000),
			mk("guard2", "NL", relay.FlagGuard, 6000),
			mk("middle1", "FR", 0, 9000),
			mk("middle2", "SE", 0, 5000),
			mk("middle3", "CH", 0, 4000),
			mk("exit1", "CH", relay.FlagExit, 7000),
			mk("exit2", "AT", relay.FlagExit, 3000),
		},
	}
}
