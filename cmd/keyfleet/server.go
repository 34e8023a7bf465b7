// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/hpcshed/keyfleet/internal/api"
	"github.com/hpcshed/keyfleet/internal/cli"
	flag "github.com/spf13/pflag"
)

const serverCmdUsage = `Usage:
    keyfleet server [options]

Options:
    -f, --file <path>        Path to the cluster configuration file.
        --addr <addr>        Address to listen on. Overrides the config file.
    -h, --help               Print command line options.

Starts the keyfleet command API server on the head node. The
server exposes key rotation, fleet status and cluster updates
over HTTP.
`

func serverCmd(args []string) {
	cmd := flag.NewFlagSet(args[0], flag.ContinueOnError)
	cmd.Usage = func() { fmt.Fprint(os.Stderr, serverCmdUsage) }

	var (
		filename string
		addr     string
	)
	cmd.StringVarP(&filename, "file", "f", "", "Path to the cluster configuration file")
	cmd.StringVar(&addr, "addr", "", "Address to listen on")
	if err := cmd.Parse(args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		cli.Fatalf("%v. See 'keyfleet server --help'", err)
	}
	if cmd.NArg() > 0 {
		cli.Fatal("too many arguments. See 'keyfleet server --help'")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	defer cancel()

	s, err := openStack(ctx, configFile(filename))
	if err != nil {
		cli.Fatal(err)
	}
	defer s.Close()

	if addr == "" {
		if s.file.API == nil {
			cli.Fatal("no API address configured. Set 'api.address' or pass --addr")
		}
		addr = s.file.API.Addr
	}

	server := &http.Server{
		Addr: addr,
		Handler: api.New(&api.Config{
			Version:     version,
			Cluster:     s.file.Cluster,
			Executor:    s.executor,
			Coordinator: s.coordinator,
			Distributor: s.dist,
			Fleets:      s.fleets,
			Metrics:     s.metrics,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	cli.Println("Starting keyfleet server on", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cli.Fatal(err)
	}
}
