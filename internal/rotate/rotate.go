// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package rotate replaces the cluster key and re-propagates it
// cluster-wide.
package rotate

import (
	"context"
	"errors"

	"github.com/hpcshed/keyfleet"
	"github.com/hpcshed/keyfleet/internal/distribute"
	"github.com/hpcshed/keyfleet/internal/fleet"
	"github.com/hpcshed/keyfleet/internal/metric"
	"github.com/hpcshed/keyfleet/internal/secret"
)

// A TryLocker is a lock that rejects instead of blocking when
// it is already held. *sync.Mutex implements TryLocker.
type TryLocker interface {
	TryLock() bool
	Unlock()
}

// A Recorder is notified about the new cluster key after a
// successful rotation. The update coordinator implements
// Recorder to keep its last-known-good snapshot current.
type Recorder interface {
	RecordKey(key keyfleet.Key) error
}

// An Executor performs key rotations.
//
// The Executor re-validates the fleet state guard on every
// call: callers are not trusted to have checked it themselves.
type Executor struct {
	// Guard decides whether the fleets are in a rotation-safe
	// state.
	Guard *fleet.Guard

	// Resolver supplies the new key material: a fresh fetch
	// of the configured secret reference, or newly generated
	// random bytes if no reference is configured.
	Resolver *secret.Resolver

	// Distributor propagates the new key to all roles.
	Distributor *distribute.Distributor

	// Lock serializes rotations against configuration updates
	// on the same cluster. Optional.
	Lock TryLocker

	// Recorder is notified about the new key. Optional.
	Recorder Recorder

	// Metrics records rotation outcomes. Optional.
	Metrics *metric.Metrics
}

// Rotate replaces the cluster key and re-distributes it to all
// roles.
//
// It returns *keyfleet.RotationDeniedError if a fleet is not
// stopped and keyfleet.ErrClusterBusy if another rotation or
// update is in progress. On success, either the new key is
// fully distributed or - on failure - the previous key remains
// valid everywhere; roles never hold mixed keys.
func (e *Executor) Rotate(ctx context.Context) error {
	return e.rotate(ctx, e.Resolver)
}

// RemoveCustomKey replaces the externally supplied cluster key
// with a freshly generated one, regardless of the configured
// secret reference. The key observed at every role afterwards
// differs from the previously distributed custom key.
func (e *Executor) RemoveCustomKey(ctx context.Context) error {
	return e.rotate(ctx, &secret.Resolver{})
}

func (e *Executor) rotate(ctx context.Context, resolver *secret.Resolver) error {
	if e.Lock != nil {
		if !e.Lock.TryLock() {
			return keyfleet.ErrClusterBusy
		}
		defer e.Lock.Unlock()
	}

	if err := e.Guard.RotationAllowed(ctx); err != nil {
		var denied *keyfleet.RotationDeniedError
		if errors.As(err, &denied) {
			e.Metrics.RotationDenied()
		}
		return err
	}

	prior, err := e.Distributor.Canonical(ctx)
	if err != nil {
		return err
	}

	key, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}
	if _, err = e.Distributor.Distribute(ctx, key); err != nil {
		e.Metrics.DistributionFailed()

		// Roles must never hold mixed key material. If some roles
		// received the new key before the failure, put the previous
		// key back on them. The failed role still holds it, so the
		// write is skipped there.
		var distErr *keyfleet.DistributionError
		if errors.As(err, &distErr) && !prior.IsZero() {
			_, _ = e.Distributor.Distribute(ctx, prior)
		}
		return err
	}
	e.Metrics.Distributed()

	if e.Recorder != nil {
		if err = e.Recorder.RecordKey(key); err != nil {
			return err
		}
	}
	e.Metrics.RotationSucceeded()
	return nil
}
