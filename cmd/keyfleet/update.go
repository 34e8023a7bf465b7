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

	"github.com/hpcshed/keyfleet/internal/cli"
	flag "github.com/spf13/pflag"
)

const updateCmdUsage = `Usage:
    keyfleet update [options]

Options:
    -f, --file <path>        Path to the cluster configuration file.
    -h, --help               Print command line options.

Applies the cluster configuration: the login fleet directive,
a key change if the key reference changed, and the lifecycle
hooks, in order. A failing step rolls the cluster back to the
previous configuration. The command exits with code 1 when the
update failed and was rolled back.
`

func updateCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, updateCmdUsage) }

	var filename string
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet update --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'keyfleet update --help'")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	s, err := openStack(ctx, configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	defer s.Close()

	if err = s.coordinator.Apply(ctx, s.file.UpdateConfig()); err != nil {
		cli.Fatal(err)
	}
	cli.Println("Update applied.")
}
