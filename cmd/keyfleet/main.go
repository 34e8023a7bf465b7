// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package main implements the keyfleet CLI. It manages the
// shared authentication key of an HPC cluster: distribution to
// the node fleets, guarded rotation and transactional cluster
// updates.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hpcshed/keyfleet/fleetconf"
	"github.com/hpcshed/keyfleet/internal/cli"
	"github.com/hpcshed/keyfleet/internal/distribute"
	"github.com/hpcshed/keyfleet/internal/fleet"
	"github.com/hpcshed/keyfleet/internal/metric"
	"github.com/hpcshed/keyfleet/internal/rotate"
	"github.com/hpcshed/keyfleet/internal/secret"
	"github.com/hpcshed/keyfleet/internal/update"
	flag "github.com/spf13/pflag"
)

// version is set at build time via:
//
//	go build -ldflags "-X main.version=v1.0.0"
var version = "0.0.0-dev"

const usage = `Usage:
    keyfleet <command>

Commands:
    server               Start the keyfleet command API server.

    rotate               Rotate the cluster key.
    remove               Remove a custom key and switch to a generated one.
    distribute           Distribute the cluster key to all fleets.
    verify               Verify key consistency across fleets.

    update               Apply a cluster configuration update.
    fleet                Inspect and transition node fleets.

Options:
    -v, --version        Print version information.
    -h, --help           Print command line options.
`

func main() {
	cmd := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	var showVersion bool
	cmd.BoolVarP(&showVersion, "version", "v", false, "Print version information")
	cmd.SetInterspersed(false)
	if err := cmd.Parse(os.Args[1:]); err != nil {
		if err == flag.ErrHelp {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet --help'", err)
	}
	if showVersion {
		cli.Println("keyfleet", version)
		return
	}

	args := cmd.Args()
	if len(args) < 1 {
		cmd.Usage()
		os.Exit(2)
	}
	switch args[0] {
	case "server":
		serverCmd(args)
	case "rotate":
		rotateCmd(args)
	case "remove":
		removeCmd(args)
	case "distribute":
		distributeCmd(args)
	case "verify":
		verifyCmd(args)
	case "update":
		updateCmd(args)
	case "fleet":
		fleetCmd(args)
	default:
		cmd.Usage()
		os.Exit(2)
	}
}

// configFile resolves the cluster configuration file: the
// -f/--file flag, the KEYFLEET_CONFIG env variable or the
// default location.
func configFile(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if file, ok := os.LookupEnv(cli.EnvConfig); ok {
		return file
	}
	return "/etc/keyfleet/config.yaml"
}

// stack is the wired set of cluster components a command
// operates on.
type stack struct {
	file        *fleetconf.File
	fleets      *fleet.FileSource
	dist        *distribute.Distributor
	store       secret.Store
	coordinator *update.Coordinator
	executor    *rotate.Executor
	metrics     *metric.Metrics
}

// openStack reads the configuration and wires the cluster
// components. The coordinator holds the cluster's exclusive
// file lock until closed.
func openStack(ctx context.Context, filename string) (*stack, error) {
	file, err := fleetconf.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	store, err := file.SecretStore(ctx)
	if err != nil {
		return nil, err
	}

	fleets := file.FleetSource()
	dist := file.Distributor()
	metrics := metric.New()
	coordinator, err := update.Open(file.StateDir, &update.Options{
		Cluster:      file.Cluster,
		Distributor:  dist,
		Fleet:        fleets,
		Store:        store,
		Metrics:      metrics,
		PollInterval: file.Rotation.PollInterval,
		WaitBound:    loginWaitBound(file),
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		file:        file,
		fleets:      fleets,
		dist:        dist,
		store:       store,
		coordinator: coordinator,
		metrics:     metrics,
		executor: &rotate.Executor{
			Guard:       fleet.NewGuard(fleets),
			Resolver:    &secret.Resolver{Ref: file.Key.Ref, Store: store},
			Distributor: dist,
			Lock:        coordinator.ClusterLock(),
			Recorder:    coordinator,
			Metrics:     metrics,
		},
	}, nil
}

func (s *stack) Close() error { return s.coordinator.Close() }

// loginWaitBound bounds how long updates wait for login nodes
// to drain. The configured grace period takes precedence over
// the rotation wait bound.
func loginWaitBound(file *fleetconf.File) time.Duration {
	if file.LoginNodes.GracePeriod > 0 {
		return file.LoginNodes.GracePeriod
	}
	return file.Rotation.WaitBound
}
