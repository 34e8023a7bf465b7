// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package keyfleet

import "errors"

// NodeRole identifies a group of cluster nodes that is managed
// as a unit.
type NodeRole string

// Supported node roles.
const (
	RoleHead    NodeRole = "head"
	RoleCompute NodeRole = "compute"
	RoleLogin   NodeRole = "login"
)

// ParseRole parses s as node role.
func ParseRole(s string) (NodeRole, error) {
	switch role := NodeRole(s); role {
	case RoleHead, RoleCompute, RoleLogin:
		return role, nil
	default:
		return "", errors.New("keyfleet: invalid node role '" + s + "'")
	}
}

func (r NodeRole) String() string { return string(r) }

// FleetState is the lifecycle state of a node fleet. It is
// owned by the node-lifecycle subsystem; keyfleet only reads it.
type FleetState string

// Fleet states.
const (
	FleetRunning       FleetState = "RUNNING"
	FleetStopped       FleetState = "STOPPED"
	FleetTransitioning FleetState = "TRANSITIONING"
)

// ParseFleetState parses s as fleet state. The in-between
// states reported by the node-lifecycle subsystem, like
// "STOPPING" or "START_REQUESTED", all parse as
// FleetTransitioning.
func ParseFleetState(s string) (FleetState, error) {
	switch s {
	case "RUNNING":
		return FleetRunning, nil
	case "STOPPED":
		return FleetStopped, nil
	case "TRANSITIONING", "STARTING", "STOPPING", "START_REQUESTED", "STOP_REQUESTED":
		return FleetTransitioning, nil
	default:
		return "", errors.New("keyfleet: invalid fleet state '" + s + "'")
	}
}

func (s FleetState) String() string { return string(s) }
