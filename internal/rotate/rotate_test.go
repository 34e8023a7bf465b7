// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package rotate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hpcshed/keyfleet"
	"github.com/hpcshed/keyfleet/internal/distribute"
	"github.com/hpcshed/keyfleet/internal/fleet"
	"github.com/hpcshed/keyfleet/internal/secret"
)

func testExecutor(t *testing.T, states *fleet.FileSource) *Executor {
	t.Helper()
	root := t.TempDir()
	return &Executor{
		Guard:    fleet.NewGuard(states),
		Resolver: &secret.Resolver{},
		Distributor: &distribute.Distributor{
			Shared: []string{filepath.Join(root, "shared", ".cluster.key")},
			Targets: []distribute.Target{
				{Role: keyfleet.RoleHead, Path: filepath.Join(root, "head.key")},
				{Role: keyfleet.RoleCompute, Path: filepath.Join(root, "compute.key")},
				{Role: keyfleet.RoleLogin, Path: filepath.Join(root, "login.key")},
			},
		},
		Lock: &sync.Mutex{},
	}
}

var rotateDeniedTests = []struct {
	Compute keyfleet.FleetState
	Login   keyfleet.FleetState
	Reason  string
}{
	{Compute: keyfleet.FleetRunning, Login: keyfleet.FleetRunning, Reason: keyfleet.DenyComputeNotStopped}, // 0
	{Compute: keyfleet.FleetStopped, Login: keyfleet.FleetRunning, Reason: keyfleet.DenyLoginRunning},      // 1
}

func TestRotateDenied(t *testing.T) {
	for i, test := range rotateDeniedTests {
		states := fleet.NewFileSource(t.TempDir())
		setFleet(t, states, keyfleet.RoleCompute, test.Compute)
		setFleet(t, states, keyfleet.RoleLogin, test.Login)

		exec := testExecutor(t, states)
		err := exec.Rotate(context.Background())

		var denied *keyfleet.RotationDeniedError
		if !errors.As(err, &denied) {
			t.Fatalf("Test %d: got %T - want *keyfleet.RotationDeniedError", i, err)
		}
		if denied.Reason != test.Reason {
			t.Fatalf("Test %d: got reason '%s' - want '%s'", i, denied.Reason, test.Reason)
		}

		// A denied rotation must not have distributed anything.
		key, err := exec.Distributor.Canonical(context.Background())
		if err != nil {
			t.Fatalf("Test %d: failed to read canonical key: %v", i, err)
		}
		if !key.IsZero() {
			t.Fatalf("Test %d: denied rotation distributed a key", i)
		}
	}
}

func TestRotate(t *testing.T) {
	states := fleet.NewFileSource(t.TempDir())
	setFleet(t, states, keyfleet.RoleCompute, keyfleet.FleetStopped)
	setFleet(t, states, keyfleet.RoleLogin, keyfleet.FleetStopped)

	exec := testExecutor(t, states)
	ctx := context.Background()

	if err := exec.Rotate(ctx); err != nil {
		t.Fatalf("Failed to rotate key: %v", err)
	}
	before, err := exec.Distributor.Canonical(ctx)
	if err != nil {
		t.Fatalf("Failed to read canonical key: %v", err)
	}
	if err = exec.Distributor.VerifyAll(ctx, before); err != nil {
		t.Fatalf("Rotated key is not identical at every role: %v", err)
	}

	// Rotating again replaces the key everywhere.
	if err = exec.Rotate(ctx); err != nil {
		t.Fatalf("Failed to rotate key: %v", err)
	}
	after, err := exec.Distributor.Canonical(ctx)
	if err != nil {
		t.Fatalf("Failed to read canonical key: %v", err)
	}
	if after.Equal(before) {
		t.Fatal("Rotation did not change the cluster key")
	}
	if err = exec.Distributor.VerifyAll(ctx, after); err != nil {
		t.Fatalf("Rotated key is not identical at every role: %v", err)
	}
}

func TestRotateDistributionFailure(t *testing.T) {
	states := fleet.NewFileSource(t.TempDir())
	setFleet(t, states, keyfleet.RoleCompute, keyfleet.FleetStopped)
	setFleet(t, states, keyfleet.RoleLogin, keyfleet.FleetStopped)

	exec := testExecutor(t, states)
	ctx := context.Background()

	if err := exec.Rotate(ctx); err != nil {
		t.Fatalf("Failed to rotate key: %v", err)
	}
	before, err := exec.Distributor.Canonical(ctx)
	if err != nil {
		t.Fatalf("Failed to read canonical key: %v", err)
	}

	// Make the login target unwritable by turning it into a non-empty
	// directory. The next rotation must fail there.
	loginPath := exec.Distributor.Targets[2].Path
	if err = os.Remove(loginPath); err != nil {
		t.Fatalf("Failed to remove login key file: %v", err)
	}
	if err = os.MkdirAll(filepath.Join(loginPath, "sub"), 0o755); err != nil {
		t.Fatalf("Failed to block login key file: %v", err)
	}

	err = exec.Rotate(ctx)
	var distErr *keyfleet.DistributionError
	if !errors.As(err, &distErr) {
		t.Fatalf("Got %T - want *keyfleet.DistributionError", err)
	}

	// A failed rotation must not leave roles with mixed key material.
	// The roles that received the new key get the previous one back.
	for _, role := range []keyfleet.NodeRole{keyfleet.RoleHead, keyfleet.RoleCompute} {
		ok, err := exec.Distributor.Verify(ctx, role, before)
		if err != nil {
			t.Fatalf("Failed to verify %s role: %v", role, err)
		}
		if !ok {
			t.Fatalf("Role %s no longer holds the previous key after a failed rotation", role)
		}
	}
	key, err := exec.Distributor.Canonical(ctx)
	if err != nil {
		t.Fatalf("Failed to read canonical key: %v", err)
	}
	if !key.Equal(before) {
		t.Fatal("Canonical key changed after a failed rotation")
	}
}

func TestRemoveCustomKey(t *testing.T) {
	states := fleet.NewFileSource(t.TempDir())
	setFleet(t, states, keyfleet.RoleCompute, keyfleet.FleetStopped)
	setFleet(t, states, keyfleet.RoleLogin, keyfleet.FleetStopped)

	custom, err := keyfleet.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	exec := testExecutor(t, states)
	exec.Resolver = &secret.Resolver{
		Ref:   "cluster-key",
		Store: constStore(custom.String()),
	}
	ctx := context.Background()

	// Distribute the custom key, then remove it.
	if err := exec.Rotate(ctx); err != nil {
		t.Fatalf("Failed to rotate to the custom key: %v", err)
	}
	if err := exec.Distributor.VerifyAll(ctx, custom); err != nil {
		t.Fatalf("Custom key is not identical at every role: %v", err)
	}

	if err := exec.RemoveCustomKey(ctx); err != nil {
		t.Fatalf("Failed to remove the custom key: %v", err)
	}
	for _, role := range []keyfleet.NodeRole{keyfleet.RoleHead, keyfleet.RoleCompute, keyfleet.RoleLogin} {
		ok, err := exec.Distributor.Verify(ctx, role, custom)
		if err != nil {
			t.Fatalf("Failed to verify %s role: %v", role, err)
		}
		if ok {
			t.Fatalf("Role %s still holds the removed custom key", role)
		}
	}
	key, err := exec.Distributor.Canonical(ctx)
	if err != nil {
		t.Fatalf("Failed to read canonical key: %v", err)
	}
	if err = exec.Distributor.VerifyAll(ctx, key); err != nil {
		t.Fatalf("Replacement key is not identical at every role: %v", err)
	}
}

func TestRotateBusy(t *testing.T) {
	states := fleet.NewFileSource(t.TempDir())
	setFleet(t, states, keyfleet.RoleCompute, keyfleet.FleetStopped)
	setFleet(t, states, keyfleet.RoleLogin, keyfleet.FleetStopped)

	exec := testExecutor(t, states)
	lock := exec.Lock.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	if err := exec.Rotate(context.Background()); !errors.Is(err, keyfleet.ErrClusterBusy) {
		t.Fatalf("Got %v - want %v", err, keyfleet.ErrClusterBusy)
	}
}

// constStore is a secret.Store returning a fixed value.
type constStore string

func (s constStore) Get(context.Context, string) (string, error) { return string(s), nil }

func (s constStore) String() string { return "const" }

func setFleet(t *testing.T, src *fleet.FileSource, role keyfleet.NodeRole, state keyfleet.FleetState) {
	t.Helper()
	var err error
	if state == keyfleet.FleetStopped {
		err = src.Stop(context.Background(), role)
	} else {
		err = src.Start(context.Background(), role)
	}
	if err != nil {
		t.Fatalf("Failed to set %s fleet to %s: %v", role, state, err)
	}
}
