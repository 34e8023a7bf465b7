// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/hpcshed/keyfleet/fleetconf"
	"github.com/hpcshed/keyfleet/internal/cli"
	"github.com/hpcshed/keyfleet/internal/secret"
	flag "github.com/spf13/pflag"
)

const distributeCmdUsage = `Usage:
    keyfleet distribute [options]

Options:
    -f, --file <path>        Path to the cluster configuration file.
    -h, --help               Print command line options.

Resolves the cluster key, either from the configured secret
store or by generating one, and places it on all shared copies
and fleet key files. Distribution is all-or-nothing: the command
fails if any role cannot be updated.
`

func distributeCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, distributeCmdUsage) }

	var filename string
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet distribute --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'keyfleet distribute --help'")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	s, err := openStack(ctx, configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	defer s.Close()

	resolver := &secret.Resolver{Ref: s.file.Key.Ref, Store: s.store}
	key, err := resolver.Resolve(ctx)
	if err != nil {
		cli.Fatal(err)
	}
	result, err := s.dist.Distribute(ctx, key)
	if err != nil {
		cli.Fatal(err)
	}
	if err = s.coordinator.RecordKey(key); err != nil {
		cli.Fatal(err)
	}

	if len(result.Updated) == 0 {
		cli.Println("Key is already in place, nothing to do.")
		return
	}
	for _, role := range result.Updated {
		cli.Println("Updated", role)
	}
}

const verifyCmdUsage = `Usage:
    keyfleet verify [options]

Options:
    -f, --file <path>        Path to the cluster configuration file.
    -h, --help               Print command line options.

Verifies that every fleet holds the same cluster key as the
shared copy. Exits with code 1 if any role diverges.
`

func verifyCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, verifyCmdUsage) }

	var filename string
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet verify --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'keyfleet verify --help'")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	file, err := fleetconf.ReadFile(configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	dist := file.Distributor()

	key, err := dist.Canonical(ctx)
	if err != nil {
		cli.Fatal(err)
	}
	if key.IsZero() {
		cli.Fatal("no key has been distributed")
	}
	if err = dist.VerifyAll(ctx, key); err != nil {
		cli.Fatal(err)
	}
	cli.Println("Key is consistent across all fleets.")
}
