// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package cli

// Environment variables used by the keyfleet CLI.
const (
	// EnvConfig is the cluster configuration file used when
	// no -f/--file flag is given.
	EnvConfig = "KEYFLEET_CONFIG"

	// EnvCluster is the cluster name exported to lifecycle
	// hooks.
	EnvCluster = "KEYFLEET_CLUSTER"

	// EnvPhase is the update phase under which a lifecycle
	// hook runs, exported to the hook's environment.
	EnvPhase = "KEYFLEET_PHASE"
)
