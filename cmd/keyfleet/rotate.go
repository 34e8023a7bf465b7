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

	"github.com/hpcshed/keyfleet"
	"github.com/hpcshed/keyfleet/internal/cli"
	flag "github.com/spf13/pflag"
)

const rotateCmdUsage = `Usage:
    keyfleet rotate [options]

Options:
    -f, --file <path>        Path to the cluster configuration file.
    -h, --help               Print command line options.

Rotates the cluster key and distributes it to all fleets. The
rotation is refused while the compute fleet is not stopped or
login nodes are running. A refusal prints the reason and exits
with code 1.
`

func rotateCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, rotateCmdUsage) }

	var filename string
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet rotate --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'keyfleet rotate --help'")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	s, err := openStack(ctx, configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	defer s.Close()

	if err = s.executor.Rotate(ctx); err != nil {
		var denied *keyfleet.RotationDeniedError
		if errors.As(err, &denied) {
			// The refusal reason is the command output, not an
			// error. Callers parse it from stdout.
			cli.Println(denied.Reason)
			os.Exit(1)
		}
		cli.Fatal(err)
	}
	cli.Println("Rotated cluster key.")
}

const removeCmdUsage = `Usage:
    keyfleet remove [options]

Options:
    -f, --file <path>        Path to the cluster configuration file.
    -h, --help               Print command line options.

Removes a custom cluster key: a new key is generated and
distributed to all fleets. The same fleet restrictions as for
'keyfleet rotate' apply.
`

func removeCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, removeCmdUsage) }

	var filename string
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet remove --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'keyfleet remove --help'")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	s, err := openStack(ctx, configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	defer s.Close()

	if err = s.executor.RemoveCustomKey(ctx); err != nil {
		var denied *keyfleet.RotationDeniedError
		if errors.As(err, &denied) {
			cli.Println(denied.Reason)
			os.Exit(1)
		}
		cli.Fatal(err)
	}
	cli.Println("Removed custom key.")
}
