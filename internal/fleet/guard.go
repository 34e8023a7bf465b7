// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package fleet

import (
	"context"

	"github.com/hpcshed/keyfleet"
)

// NewGuard returns a Guard that reads fleet states from src.
func NewGuard(src Source) *Guard { return &Guard{src: src} }

// A Guard decides whether the cluster's fleets are in a state
// safe for key rotation.
type Guard struct {
	src Source
}

// RotationAllowed returns nil if the key may be rotated and a
// *keyfleet.RotationDeniedError otherwise.
//
// Rotation requires both the compute and the login fleet to be
// stopped. The compute fleet is checked first: even when both
// fleets are running, the denial reason names the compute
// fleet.
func (g *Guard) RotationAllowed(ctx context.Context) error {
	compute, err := g.src.State(ctx, keyfleet.RoleCompute)
	if err != nil {
		return err
	}
	if compute != keyfleet.FleetStopped {
		return &keyfleet.RotationDeniedError{Reason: keyfleet.DenyComputeNotStopped}
	}

	login, err := g.src.State(ctx, keyfleet.RoleLogin)
	if err != nil {
		return err
	}
	if login != keyfleet.FleetStopped {
		return &keyfleet.RotationDeniedError{Reason: keyfleet.DenyLoginRunning}
	}
	return nil
}
