// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package distribute propagates the cluster key to every node
// role through shared-storage locations.
//
// Distribution is all-succeed: it only reports success once
// every role holds a byte-identical copy of the key. A partial
// distribution is surfaced as *keyfleet.DistributionError,
// never silently ignored.
package distribute

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"aead.dev/mem"
	"github.com/hpcshed/keyfleet"
	"golang.org/x/sync/errgroup"
)

// A Target is a role's key file location.
type Target struct {
	Role keyfleet.NodeRole // The role reading the key from Path
	Path string            // The role's key file path
}

// A Distributor writes the cluster key to the shared-storage
// copies and to every role target.
type Distributor struct {
	// Shared are the canonical shared-storage copies of the
	// key: one per shared mount, e.g. the compute-shared and
	// login-shared directories.
	Shared []string

	// Targets are the per-role key file locations. Every
	// active role of the cluster must be listed.
	Targets []Target
}

// Result reports the roles a Distribute call updated and the
// roles that already held the key and were skipped.
type Result struct {
	Updated []keyfleet.NodeRole
	Skipped []keyfleet.NodeRole
}

// Distribute writes key to the shared-storage copies and then
// ensures that every role target holds the identical bytes.
//
// Targets that already hold the key are not rewritten. The
// role targets are written concurrently; Distribute returns
// only once every target is confirmed. If any target fails,
// it returns a *keyfleet.DistributionError naming the failed
// roles while still writing all others.
func (d *Distributor) Distribute(ctx context.Context, key keyfleet.Key) (Result, error) {
	if key.IsZero() {
		return Result{}, errors.New("distribute: refusing to distribute an empty key")
	}

	// The shared copies are the canonical form everything else
	// is compared against. Write them first, sequentially: a
	// failure here means nothing has changed yet.
	for _, path := range d.Shared {
		if _, err := writeKeyFile(path, key); err != nil {
			return Result{}, err
		}
	}

	var (
		lock    sync.Mutex
		result  Result
		failed  = make(map[keyfleet.NodeRole]error)
		g, gctx = errgroup.WithContext(ctx)
	)
	for _, target := range d.Targets {
		target := target
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			updated, err := writeKeyFile(target.Path, key)

			lock.Lock()
			defer lock.Unlock()
			switch {
			case err != nil:
				failed[target.Role] = err
			case updated:
				result.Updated = append(result.Updated, target.Role)
			default:
				result.Skipped = append(result.Skipped, target.Role)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if len(failed) > 0 {
		return Result{}, &keyfleet.DistributionError{Errors: failed}
	}

	sortRoles(result.Updated)
	sortRoles(result.Skipped)
	return result, nil
}

// Verify reports whether the target of the given role holds
// exactly the given key.
func (d *Distributor) Verify(ctx context.Context, role keyfleet.NodeRole, key keyfleet.Key) (bool, error) {
	for _, target := range d.Targets {
		if target.Role != role {
			continue
		}
		current, err := readKeyFile(target.Path)
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return current.Equal(key), nil
	}
	return false, errors.New("distribute: no target for role '" + string(role) + "'")
}

// VerifyAll returns nil if every shared copy and every role
// target holds exactly the given key. Otherwise it returns a
// *keyfleet.DistributionError naming the divergent roles.
func (d *Distributor) VerifyAll(ctx context.Context, key keyfleet.Key) error {
	failed := make(map[keyfleet.NodeRole]error)
	for _, path := range d.Shared {
		if err := verifyKeyFile(path, key); err != nil {
			failed[keyfleet.RoleHead] = err // shared copies are owned by the head node
		}
	}
	for _, target := range d.Targets {
		if err := verifyKeyFile(target.Path, key); err != nil {
			failed[target.Role] = err
		}
	}
	if len(failed) > 0 {
		return &keyfleet.DistributionError{Errors: failed}
	}
	return nil
}

// Canonical returns the currently distributed key as read from
// the first shared copy. It returns a zero key and no error if
// no key has been distributed yet.
func (d *Distributor) Canonical(ctx context.Context) (keyfleet.Key, error) {
	if len(d.Shared) == 0 {
		return keyfleet.Key{}, errors.New("distribute: no shared key location configured")
	}
	key, err := readKeyFile(d.Shared[0])
	if errors.Is(err, os.ErrNotExist) {
		return keyfleet.Key{}, nil
	}
	return key, err
}

func verifyKeyFile(path string, key keyfleet.Key) error {
	current, err := readKeyFile(path)
	if err != nil {
		return err
	}
	if !current.Equal(key) {
		return errors.New("distribute: '" + path + "' does not match the distributed key")
	}
	return nil
}

// writeKeyFile writes the raw key bytes to path. It reports
// whether the file actually changed: a path that already holds
// the key is left untouched.
//
// Writes are atomic: the key is written to a temporary file in
// the same directory, synced and then renamed over path. A
// reader never observes a partially written key.
func writeKeyFile(path string, key keyfleet.Key) (updated bool, err error) {
	switch current, err := readKeyFile(path); {
	case err == nil && current.Equal(key):
		return false, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".key-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())

	if err = tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return false, err
	}
	n, err := tmp.Write(key.Bytes())
	if err != nil {
		tmp.Close()
		return false, err
	}
	if n != keyfleet.KeySize {
		tmp.Close()
		return false, io.ErrShortWrite
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return false, err
	}
	if err = tmp.Close(); err != nil {
		return false, err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return false, err
	}
	return true, nil
}

func readKeyFile(path string) (keyfleet.Key, error) {
	const MaxSize = 1 * mem.MiB

	file, err := os.Open(path)
	if err != nil {
		return keyfleet.Key{}, err
	}
	defer file.Close()

	raw, err := io.ReadAll(mem.LimitReader(file, MaxSize))
	if err != nil {
		return keyfleet.Key{}, err
	}
	return keyfleet.NewKey(raw)
}

func sortRoles(roles []keyfleet.NodeRole) {
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
}
