// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package fleet

import (
	"context"
	"time"

	"github.com/hpcshed/keyfleet"
)

// Reference values for waiting on fleet transitions. Stopping
// a fleet drains nodes and may take several minutes.
const (
	DefaultPollInterval = 20 * time.Second
	DefaultWaitBound    = 15 * time.Minute
)

// WaitStopped polls src at a fixed interval until the fleet
// with the given role reports the stopped state.
//
// It returns a *keyfleet.TimeoutError if the fleet does not
// stop within bound, and the context error if ctx expires
// first. A non-positive interval or bound selects the default.
func WaitStopped(ctx context.Context, src Source, role keyfleet.NodeRole, interval, bound time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if bound <= 0 {
		bound = DefaultWaitBound
	}

	deadline := time.Now().Add(bound)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		state, err := src.State(ctx, role)
		if err != nil {
			return err
		}
		if state == keyfleet.FleetStopped {
			return nil
		}
		if !time.Now().Add(interval).Before(deadline) {
			return &keyfleet.TimeoutError{Role: role, State: keyfleet.FleetStopped, Bound: bound}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
