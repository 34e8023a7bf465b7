// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package secret resolves cluster key material from its
// configured origin: either an external secret store or a
// cryptographically secure random source.
package secret

import (
	"context"
	"errors"
	"strings"

	"github.com/hpcshed/keyfleet"
)

// ErrNotFound is returned by a Store when no secret exists
// for the requested reference.
var ErrNotFound = errors.New("secret: secret does not exist")

// Store is an external secret store holding base64-encoded
// key material under opaque string references.
type Store interface {
	// Get fetches the value stored under ref.
	//
	// It returns ErrNotFound if no secret exists for ref.
	Get(ctx context.Context, ref string) (string, error)

	// String describes the store for diagnostics. It must not
	// contain any credentials.
	String() string
}

// A Resolver resolves the cluster key from its configured
// origin.
//
// With an empty Ref the Resolver generates a fresh random key
// on every Resolve call. Otherwise it fetches and decodes the
// externally stored key.
type Resolver struct {
	// Ref is the opaque secret reference, e.g. an AWS
	// Secrets Manager ARN. Empty means auto-generate.
	Ref string

	// Store is the external secret store used to resolve
	// a non-empty Ref.
	Store Store
}

// Generated reports whether the Resolver generates key
// material instead of fetching it from an external store.
func (r *Resolver) Generated() bool { return r.Ref == "" }

// Resolve returns the cluster key.
//
// If no reference is configured, Resolve generates new random
// key material. Otherwise it fetches the secret, decodes it
// and returns the key. Fetch and decode failures are reported
// as *keyfleet.SecretFetchError.
func (r *Resolver) Resolve(ctx context.Context) (keyfleet.Key, error) {
	if r.Ref == "" {
		return keyfleet.GenerateKey()
	}
	if r.Store == nil {
		return keyfleet.Key{}, &keyfleet.SecretFetchError{Ref: r.Ref, Err: errors.New("no secret store configured")}
	}

	value, err := r.Store.Get(ctx, r.Ref)
	if err != nil {
		return keyfleet.Key{}, &keyfleet.SecretFetchError{Ref: r.Ref, Err: err}
	}
	key, err := keyfleet.ParseKey(strings.TrimSpace(value))
	if err != nil {
		return keyfleet.Key{}, &keyfleet.SecretFetchError{Ref: r.Ref, Err: err}
	}
	return key, nil
}
