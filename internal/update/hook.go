// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package update

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hpcshed/keyfleet/internal/cli"
)

// runHook executes a lifecycle script. The script inherits the
// process environment plus KEYFLEET_CLUSTER and KEYFLEET_PHASE.
// Combined output is captured and returned as part of the error
// when the script exits non-zero.
func (c *Coordinator) runHook(ctx context.Context, script, phase string) error {
	cmd := exec.CommandContext(ctx, script)
	cmd.Env = append(os.Environ(),
		cli.EnvCluster+"="+c.cluster,
		cli.EnvPhase+"="+phase,
	)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		if out := strings.TrimSpace(output.String()); out != "" {
			return fmt.Errorf("%v: %s", err, out)
		}
		return err
	}
	return nil
}
