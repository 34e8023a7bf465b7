// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package keyfleet

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Rotation denial reasons. Operational tooling greps for these
// exact strings. Do not reword them.
const (
	// DenyComputeNotStopped is reported when the compute fleet
	// has not been stopped. It takes precedence over any other
	// denial reason.
	DenyComputeNotStopped = "Compute fleet is not stopped."

	// DenyLoginRunning is reported when the compute fleet is
	// stopped but login nodes are still running.
	DenyLoginRunning = "Login nodes are running."
)

// ErrClusterBusy is returned when an update or rotation is
// requested while another one is in progress on the same
// cluster.
var ErrClusterBusy = errors.New("keyfleet: cluster is busy: another update or rotation is in progress")

// ErrWedged is returned when a rollback failed to restore the
// last-known-good configuration. The cluster refuses further
// updates and rotations until an operator intervenes.
var ErrWedged = errors.New("keyfleet: rollback failed: operator intervention required")

// RotationDeniedError is a policy rejection of a key rotation.
// It is not a crash: callers surface Reason on stdout and exit
// with code 1.
type RotationDeniedError struct {
	Reason string
}

func (e *RotationDeniedError) Error() string { return e.Reason }

// SecretFetchError reports that key material could not be
// fetched, or was fetched but is malformed, from an external
// secret store.
type SecretFetchError struct {
	Ref string // The secret reference that failed to resolve
	Err error
}

func (e *SecretFetchError) Error() string {
	return "keyfleet: failed to fetch secret '" + e.Ref + "': " + e.Err.Error()
}

func (e *SecretFetchError) Unwrap() error { return e.Err }

// DistributionError reports that the key could not be
// propagated to one or more roles. Distribution is all-succeed:
// a partial distribution is a failure.
type DistributionError struct {
	Errors map[NodeRole]error
}

// Roles returns the roles that failed to receive the key,
// in stable order.
func (e *DistributionError) Roles() []NodeRole {
	roles := make([]NodeRole, 0, len(e.Errors))
	for role := range e.Errors {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func (e *DistributionError) Error() string {
	names := make([]string, 0, len(e.Errors))
	for _, role := range e.Roles() {
		names = append(names, string(role))
	}
	return "keyfleet: key distribution failed for: " + strings.Join(names, ", ")
}

// TimeoutError reports that a fleet did not reach the awaited
// state within the configured bound.
type TimeoutError struct {
	Role  NodeRole
	State FleetState
	Bound time.Duration
}

func (e *TimeoutError) Error() string {
	return "keyfleet: " + string(e.Role) + " fleet did not reach state " + string(e.State) + " within " + e.Bound.String()
}

// UpdateFailedError reports that a configuration update failed
// mid-apply. If RolledBack is true the cluster has been restored
// to the configuration in effect before the update.
type UpdateFailedError struct {
	Step       string // The update step that failed
	Err        error
	RolledBack bool
}

func (e *UpdateFailedError) Error() string {
	msg := "keyfleet: update failed at " + e.Step + ": " + e.Err.Error()
	if e.RolledBack {
		return msg + " (rolled back to previous configuration)"
	}
	return msg
}

func (e *UpdateFailedError) Unwrap() error { return e.Err }
