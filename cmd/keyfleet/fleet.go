// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	tui "github.com/charmbracelet/lipgloss"
	"github.com/hpcshed/keyfleet"
	"github.com/hpcshed/keyfleet/fleetconf"
	"github.com/hpcshed/keyfleet/internal/cli"
	"github.com/hpcshed/keyfleet/internal/fleet"
	flag "github.com/spf13/pflag"
)

const fleetCmdUsage = `Usage:
    keyfleet fleet <command>

Commands:
    status               Print the state of all node fleets.
    login-stopped        Exit with code 0 iff the login fleet is stopped.
    wait-stopped         Wait until a fleet reports stopped.
    stop                 Record a stop directive for a fleet.
    start                Record a start directive for a fleet.

Options:
    -h, --help           Print command line options.
`

func fleetCmd(args []string) {
	if len(args) < 2 {
		fmt.Fprint(os.Stderr, fleetCmdUsage)
		os.Exit(2)
	}
	switch args[1] {
	case "status":
		fleetStatusCmd(args[1:])
	case "login-stopped":
		fleetLoginStoppedCmd(args[1:])
	case "wait-stopped":
		fleetWaitStoppedCmd(args[1:])
	case "stop":
		fleetDirectiveCmd(args[1:], keyfleet.FleetStopped)
	case "start":
		fleetDirectiveCmd(args[1:], keyfleet.FleetRunning)
	default:
		fmt.Fprint(os.Stderr, fleetCmdUsage)
		os.Exit(2)
	}
}

const fleetStatusCmdUsage = `Usage:
    keyfleet fleet status [options]

Options:
    -f, --file <path>        Path to the cluster configuration file.
    -h, --help               Print command line options.
`

func fleetStatusCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, fleetStatusCmdUsage) }

	var filename string
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet fleet status --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'keyfleet fleet status --help'")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	file, err := fleetconf.ReadFile(configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	src := file.FleetSource()

	states := make(map[keyfleet.NodeRole]keyfleet.FleetState, 3)
	for _, role := range []keyfleet.NodeRole{keyfleet.RoleHead, keyfleet.RoleCompute, keyfleet.RoleLogin} {
		state, err := src.State(ctx, role)
		if err != nil {
			cli.Fatal(err)
		}
		states[role] = state
	}

	if !cli.IsTerminal() {
		json.NewEncoder(os.Stdout).Encode(states)
		return
	}
	for _, role := range []keyfleet.NodeRole{keyfleet.RoleHead, keyfleet.RoleCompute, keyfleet.RoleLogin} {
		cli.Println(fmt.Sprintf("%-8s %s", role, renderState(states[role])))
	}
}

// renderState colors a fleet state for terminal output.
func renderState(state keyfleet.FleetState) string {
	switch state {
	case keyfleet.FleetRunning:
		return cli.Fg(tui.ANSIColor(2), string(state)).String()
	case keyfleet.FleetStopped:
		return cli.Fg(tui.ANSIColor(1), string(state)).String()
	default:
		return cli.Fg(tui.ANSIColor(3), string(state)).String()
	}
}

const fleetLoginStoppedCmdUsage = `Usage:
    keyfleet fleet login-stopped [options]

Options:
    -f, --file <path>        Path to the cluster configuration file.
    -h, --help               Print command line options.

Exits with code 0 if the login fleet is stopped and code 1
otherwise. Clusters without login nodes report stopped.
`

func fleetLoginStoppedCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, fleetLoginStoppedCmdUsage) }

	var filename string
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet fleet login-stopped --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'keyfleet fleet login-stopped --help'")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	file, err := fleetconf.ReadFile(configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	state, err := file.FleetSource().State(ctx, keyfleet.RoleLogin)
	if err != nil {
		cli.Fatal(err)
	}
	if state != keyfleet.FleetStopped {
		cli.Println("Login nodes are running.")
		os.Exit(1)
	}
	cli.Println("Login nodes are stopped.")
}

const fleetWaitStoppedCmdUsage = `Usage:
    keyfleet fleet wait-stopped [options] <role>

Options:
    -f, --file <path>        Path to the cluster configuration file.
        --interval <dur>     Poll interval. Defaults to 20s.
        --bound <dur>        Max. time to wait. Defaults to 15m.
    -h, --help               Print command line options.

Polls the fleet with the given role until it reports stopped.
Exits with code 1 if the fleet does not stop within the bound.
`

func fleetWaitStoppedCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, fleetWaitStoppedCmdUsage) }

	var (
		filename string
		interval time.Duration
		bound    time.Duration
	)
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	cmd.DurationVar(&interval, "interval", 0, "Poll interval")
	cmd.DurationVar(&bound, "bound", 0, "Max. time to wait")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet fleet wait-stopped --help'", err)
	}
	if cmd.NArg() != 1 {
		cli.Fatal("expected one fleet role. See 'keyfleet fleet wait-stopped --help'")
	}
	role, err := keyfleet.ParseRole(cmd.Arg(0))
	if err != nil {
		cli.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	file, err := fleetconf.ReadFile(configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	if interval <= 0 {
		interval = file.Rotation.PollInterval
	}
	if bound <= 0 {
		bound = file.Rotation.WaitBound
	}
	if err = fleet.WaitStopped(ctx, file.FleetSource(), role, interval, bound); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(1)
		}
		cli.Fatal(err)
	}
	cli.Printf("The %s fleet is stopped.\n", role)
}

func fleetDirectiveCmd(args []string, state keyfleet.FleetState) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage:\n    keyfleet fleet %s [options] <role>\n", args[0])
	}

	var filename string
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet fleet %s --help'", err, args[0])
	}
	if cmd.NArg() != 1 {
		cli.Fatalf("expected one fleet role. See 'keyfleet fleet %s --help'", args[0])
	}
	role, err := keyfleet.ParseRole(cmd.Arg(0))
	if err != nil {
		cli.Fatal(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	file, err := fleetconf.ReadFile(configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	src := file.FleetSource()
	if state == keyfleet.FleetStopped {
		err = src.Stop(ctx, role)
	} else {
		err = src.Start(ctx, role)
	}
	if err != nil {
		cli.Fatal(err)
	}
}
