// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package update

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hpcshed/keyfleet"
	"github.com/hpcshed/keyfleet/internal/distribute"
	"github.com/hpcshed/keyfleet/internal/fleet"
	"github.com/hpcshed/keyfleet/internal/secret"
)

func TestApplyGenerated(t *testing.T) {
	coordinator, dist := testCoordinator(t, nil)
	ctx := context.Background()

	if err := coordinator.Apply(ctx, Config{}); err != nil {
		t.Fatalf("Failed to apply configuration: %v", err)
	}
	if state := coordinator.State(); state != StateIdle {
		t.Fatalf("Coordinator state: got '%s' - want '%s'", state, StateIdle)
	}

	key, err := dist.Canonical(ctx)
	if err != nil {
		t.Fatalf("Failed to read canonical key: %v", err)
	}
	if key.IsZero() {
		t.Fatal("No key was distributed")
	}
	if err = dist.VerifyAll(ctx, key); err != nil {
		t.Fatalf("Key is not consistent across roles: %v", err)
	}

	config, found, err := coordinator.Current()
	if err != nil {
		t.Fatalf("Failed to read current configuration: %v", err)
	}
	if !found {
		t.Fatal("No configuration was persisted")
	}
	if config.KeyRef != "" {
		t.Fatalf("Persisted key ref: got '%s' - want ''", config.KeyRef)
	}
}

func TestApplyCustomKey(t *testing.T) {
	custom, err := keyfleet.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	store := constStore{"cluster/key": custom.String()}

	coordinator, dist := testCoordinator(t, store)
	ctx := context.Background()

	if err := coordinator.Apply(ctx, Config{KeyRef: "cluster/key"}); err != nil {
		t.Fatalf("Failed to apply configuration: %v", err)
	}
	if err := dist.VerifyAll(ctx, custom); err != nil {
		t.Fatalf("Custom key was not distributed: %v", err)
	}
}

func TestApplyHookRollback(t *testing.T) {
	custom, err := keyfleet.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	store := constStore{"cluster/key": custom.String()}

	coordinator, dist := testCoordinator(t, store)
	ctx := context.Background()

	if err := coordinator.Apply(ctx, Config{}); err != nil {
		t.Fatalf("Failed to apply initial configuration: %v", err)
	}
	prior, err := dist.Canonical(ctx)
	if err != nil {
		t.Fatalf("Failed to read canonical key: %v", err)
	}

	hook := failingHook(t)
	err = coordinator.Apply(ctx, Config{KeyRef: "cluster/key", Hooks: []string{hook}})
	if err == nil {
		t.Fatal("Apply succeeded despite failing hook")
	}
	var updateErr *keyfleet.UpdateFailedError
	if !errors.As(err, &updateErr) {
		t.Fatalf("Apply returned %T - want *keyfleet.UpdateFailedError", err)
	}
	if !updateErr.RolledBack {
		t.Fatalf("Update was not rolled back: %v", updateErr)
	}

	if state := coordinator.State(); state != StateIdle {
		t.Fatalf("Coordinator state: got '%s' - want '%s'", state, StateIdle)
	}
	if err = dist.VerifyAll(ctx, prior); err != nil {
		t.Fatalf("Rollback did not restore the previous key: %v", err)
	}
	if err = dist.VerifyAll(ctx, custom); err == nil {
		t.Fatal("Roles still hold the key of the failed update")
	}

	config, _, err := coordinator.Current()
	if err != nil {
		t.Fatalf("Failed to read current configuration: %v", err)
	}
	if config.KeyRef != "" {
		t.Fatalf("Persisted key ref: got '%s' - want ''", config.KeyRef)
	}
}

func TestApplyRollbackWedged(t *testing.T) {
	dir, dist := testLayout(t)
	coordinator, err := Open(filepath.Join(dir, "state"), testOptions(dir, dist, nil))
	if err != nil {
		t.Fatalf("Failed to open coordinator: %v", err)
	}
	t.Cleanup(func() { coordinator.Close() })
	ctx := context.Background()

	if err := coordinator.Apply(ctx, Config{}); err != nil {
		t.Fatalf("Failed to apply initial configuration: %v", err)
	}

	// The hook replaces the login key file with a non-empty
	// directory and fails. The rollback cannot restore the key
	// there either, so the coordinator has to wedge.
	loginPath := dist.Targets[2].Path
	hook := writeHook(t, fmt.Sprintf("#!/bin/sh\nrm -rf %q\nmkdir -p %q\nexit 1\n", loginPath, filepath.Join(loginPath, "sub")))

	err = coordinator.Apply(ctx, Config{Hooks: []string{hook}})
	if !errors.Is(err, keyfleet.ErrWedged) {
		t.Fatalf("Apply returned '%v' - want '%v'", err, keyfleet.ErrWedged)
	}
	var updateErr *keyfleet.UpdateFailedError
	if !errors.As(err, &updateErr) {
		t.Fatalf("Apply returned %T - want *keyfleet.UpdateFailedError", err)
	}
	if updateErr.RolledBack {
		t.Fatal("Failed rollback was reported as rolled back")
	}
	if state := coordinator.State(); state != StateWedged {
		t.Fatalf("Coordinator state: got '%s' - want '%s'", state, StateWedged)
	}

	// A wedged coordinator refuses further updates.
	if err = coordinator.Apply(ctx, Config{}); !errors.Is(err, keyfleet.ErrWedged) {
		t.Fatalf("Apply returned '%v' - want '%v'", err, keyfleet.ErrWedged)
	}

	// The wedged marker survives reopening the state.
	if err = coordinator.Close(); err != nil {
		t.Fatalf("Failed to close coordinator: %v", err)
	}
	reopened, err := Open(filepath.Join(dir, "state"), testOptions(dir, dist, nil))
	if err != nil {
		t.Fatalf("Failed to reopen coordinator: %v", err)
	}
	defer reopened.Close()
	if state := reopened.State(); state != StateWedged {
		t.Fatalf("Reopened coordinator state: got '%s' - want '%s'", state, StateWedged)
	}
}

func TestApplySnapshotFailure(t *testing.T) {
	coordinator, dist := testCoordinator(t, nil)
	ctx := context.Background()

	if err := coordinator.Apply(ctx, Config{}); err != nil {
		t.Fatalf("Failed to apply initial configuration: %v", err)
	}

	// The hook succeeds but destroys the shared copy, so the
	// post-apply snapshot fails and the rollback cannot write
	// the shared copy back.
	sharedPath := dist.Shared[0]
	hook := writeHook(t, fmt.Sprintf("#!/bin/sh\nrm -rf %q\nmkdir -p %q\nexit 0\n", sharedPath, filepath.Join(sharedPath, "sub")))

	err := coordinator.Apply(ctx, Config{Hooks: []string{hook}})
	if err == nil {
		t.Fatal("Apply succeeded despite broken shared copy")
	}
	var updateErr *keyfleet.UpdateFailedError
	if !errors.As(err, &updateErr) {
		t.Fatalf("Apply returned %T - want *keyfleet.UpdateFailedError", err)
	}
	if updateErr.Step != "snapshot commit" {
		t.Fatalf("Failed step: got '%s' - want 'snapshot commit'", updateErr.Step)
	}
	if state := coordinator.State(); state == StateApplying {
		t.Fatalf("Coordinator is stuck in state '%s'", state)
	}
	if state := coordinator.State(); state != StateWedged {
		t.Fatalf("Coordinator state: got '%s' - want '%s'", state, StateWedged)
	}
}

func TestApplyHookEnv(t *testing.T) {
	coordinator, _ := testCoordinator(t, nil)
	ctx := context.Background()

	out := filepath.Join(t.TempDir(), "env.txt")
	hook := writeHook(t, fmt.Sprintf("#!/bin/sh\necho \"$KEYFLEET_CLUSTER:$KEYFLEET_PHASE\" > %q\n", out))

	if err := coordinator.Apply(ctx, Config{Hooks: []string{hook}}); err != nil {
		t.Fatalf("Failed to apply configuration: %v", err)
	}
	env, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("Failed to read hook output: %v", err)
	}
	if got := strings.TrimSpace(string(env)); got != "integ-cluster:apply" {
		t.Fatalf("Hook environment: got '%s' - want 'integ-cluster:apply'", got)
	}
}

func TestApplyStopsLoginNodes(t *testing.T) {
	coordinator, _ := testCoordinator(t, nil)
	ctx := context.Background()

	if err := coordinator.Apply(ctx, Config{StopLoginNodes: true}); err != nil {
		t.Fatalf("Failed to apply configuration: %v", err)
	}
	state, err := coordinator.fleets.State(ctx, keyfleet.RoleLogin)
	if err != nil {
		t.Fatalf("Failed to read login fleet state: %v", err)
	}
	if state != keyfleet.FleetStopped {
		t.Fatalf("Login fleet state: got '%s' - want '%s'", state, keyfleet.FleetStopped)
	}

	if err := coordinator.Apply(ctx, Config{StopLoginNodes: false}); err != nil {
		t.Fatalf("Failed to apply configuration: %v", err)
	}
	state, err = coordinator.fleets.State(ctx, keyfleet.RoleLogin)
	if err != nil {
		t.Fatalf("Failed to read login fleet state: %v", err)
	}
	if state != keyfleet.FleetRunning {
		t.Fatalf("Login fleet state: got '%s' - want '%s'", state, keyfleet.FleetRunning)
	}
}

func TestApplyBusy(t *testing.T) {
	coordinator, _ := testCoordinator(t, nil)

	coordinator.ClusterLock().Lock()
	defer coordinator.ClusterLock().Unlock()

	err := coordinator.Apply(context.Background(), Config{})
	if !errors.Is(err, keyfleet.ErrClusterBusy) {
		t.Fatalf("Apply returned '%v' - want '%v'", err, keyfleet.ErrClusterBusy)
	}
}

func TestRecordKey(t *testing.T) {
	coordinator, _ := testCoordinator(t, nil)
	ctx := context.Background()

	key, err := keyfleet.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	if err = coordinator.RecordKey(key); err != nil {
		t.Fatalf("Failed to record key: %v", err)
	}

	// No shared copy exists yet. The snapshot has to serve the key.
	snapshot, err := coordinator.canonicalKey(ctx)
	if err != nil {
		t.Fatalf("Failed to read canonical key: %v", err)
	}
	if !snapshot.Equal(key) {
		t.Fatal("Snapshot key does not match the recorded key")
	}
}

// testCoordinator creates a coordinator over a throw-away
// cluster layout with one shared copy and one key file per role.
func testCoordinator(t *testing.T, store secret.Store) (*Coordinator, *distribute.Distributor) {
	t.Helper()

	dir, dist := testLayout(t)
	coordinator, err := Open(filepath.Join(dir, "state"), testOptions(dir, dist, store))
	if err != nil {
		t.Fatalf("Failed to open coordinator: %v", err)
	}
	t.Cleanup(func() { coordinator.Close() })
	return coordinator, dist
}

// testLayout creates a throw-away cluster layout with one shared
// copy and one key file per role.
func testLayout(t *testing.T) (string, *distribute.Distributor) {
	t.Helper()

	dir := t.TempDir()
	for _, sub := range []string{"shared", "head", "compute", "login"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("Failed to create '%s': %v", sub, err)
		}
	}
	dist := &distribute.Distributor{
		Shared: []string{filepath.Join(dir, "shared", ".fleet.key")},
		Targets: []distribute.Target{
			{Role: keyfleet.RoleHead, Path: filepath.Join(dir, "head", "fleet.key")},
			{Role: keyfleet.RoleCompute, Path: filepath.Join(dir, "compute", "fleet.key")},
			{Role: keyfleet.RoleLogin, Path: filepath.Join(dir, "login", "fleet.key")},
		},
	}
	return dir, dist
}

func testOptions(dir string, dist *distribute.Distributor, store secret.Store) *Options {
	return &Options{
		Cluster:     "integ-cluster",
		Distributor: dist,
		Fleet:       fleet.NewFileSource(filepath.Join(dir, "state")),
		Store:       store,
	}
}

// failingHook writes an executable script that exits non-zero.
func failingHook(t *testing.T) string {
	return writeHook(t, "#!/bin/sh\necho 'post-update check failed' >&2\nexit 1\n")
}

// writeHook writes script as an executable lifecycle hook.
func writeHook(t *testing.T, script string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write hook script: %v", err)
	}
	return path
}

type constStore map[string]string

func (s constStore) Get(_ context.Context, ref string) (string, error) {
	value, ok := s[ref]
	if !ok {
		return "", secret.ErrNotFound
	}
	return value, nil
}

func (s constStore) String() string { return "Const" }
