// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package keyfleet provides the domain types of the keyfleet
// cluster key distribution and rotation subsystem.
//
// A cluster shares one authentication key across its head,
// compute and login nodes. The key either gets generated on
// the head node or is fetched from an external secret store.
// The keyfleet machinery distributes the key to all node
// roles, rotates it when the fleets are stopped and applies
// declarative configuration updates with automatic rollback.
package keyfleet
