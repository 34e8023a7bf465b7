// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package fleet observes the lifecycle state of the cluster's
// node fleets and guards key rotation against fleets that are
// not in a rotation-safe state.
//
// Fleet states are owned by the node-lifecycle subsystem, which
// publishes them as JSON status files in the cluster state
// directory. This package only reads them - except for the
// Controller interface, which records stop/start directives
// using the same contract.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/hpcshed/keyfleet"
)

// A Source reports the lifecycle state of node fleets.
type Source interface {
	// State returns the current state of the fleet with the
	// given role.
	State(ctx context.Context, role keyfleet.NodeRole) (keyfleet.FleetState, error)
}

// A Controller transitions node fleets between lifecycle
// states. Fleet transitions are owned by the node-lifecycle
// subsystem; a Controller only records the directive.
type Controller interface {
	// Stop requests that the fleet with the given role stops.
	Stop(ctx context.Context, role keyfleet.NodeRole) error

	// Start requests that the fleet with the given role starts.
	Start(ctx context.Context, role keyfleet.NodeRole) error
}

// statusFile is the on-disk representation of a fleet status,
// as published by the node-lifecycle subsystem.
type statusFile struct {
	Status      string    `json:"status"`
	LastUpdated time.Time `json:"lastStatusUpdatedTime"`
}

// NewFileSource returns a fleet Source and Controller that
// reads and writes per-fleet JSON status files within dir.
func NewFileSource(dir string) *FileSource { return &FileSource{dir: dir} }

// FileSource reads fleet states from JSON status files within
// the cluster state directory. It also implements Controller
// by writing the requested state to the same files.
type FileSource struct {
	dir string
}

var (
	_ Source     = (*FileSource)(nil)
	_ Controller = (*FileSource)(nil)
)

// State returns the state of the fleet with the given role.
//
// A fleet without a status file is reported as stopped. In
// particular, clusters without login nodes never block key
// rotation on the login fleet.
func (s *FileSource) State(_ context.Context, role keyfleet.NodeRole) (keyfleet.FleetState, error) {
	raw, err := os.ReadFile(s.filename(role))
	if errors.Is(err, os.ErrNotExist) {
		return keyfleet.FleetStopped, nil
	}
	if err != nil {
		return "", err
	}

	var status statusFile
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", errors.New("fleet: malformed status file for " + string(role) + " fleet: " + err.Error())
	}
	return keyfleet.ParseFleetState(status.Status)
}

// Stop records a stop directive for the fleet with the given
// role.
func (s *FileSource) Stop(_ context.Context, role keyfleet.NodeRole) error {
	return s.write(role, keyfleet.FleetStopped)
}

// Start records a start directive for the fleet with the given
// role.
func (s *FileSource) Start(_ context.Context, role keyfleet.NodeRole) error {
	return s.write(role, keyfleet.FleetRunning)
}

func (s *FileSource) write(role keyfleet.NodeRole, state keyfleet.FleetState) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	raw, err := json.Marshal(statusFile{
		Status:      state.String(),
		LastUpdated: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	// Write-then-rename so that readers never observe a
	// partially written status file.
	tmp, err := os.CreateTemp(s.dir, "."+string(role)+"-fleet-*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.filename(role))
}

func (s *FileSource) filename(role keyfleet.NodeRole) string {
	return filepath.Join(s.dir, string(role)+"-fleet.json")
}
