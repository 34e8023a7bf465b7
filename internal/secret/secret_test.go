// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package secret

import (
	"context"
	"errors"
	"testing"

	"github.com/hpcshed/keyfleet"
)

// storeFunc implements the Store interface for testing.
type storeFunc func(ctx context.Context, ref string) (string, error)

func (f storeFunc) Get(ctx context.Context, ref string) (string, error) { return f(ctx, ref) }

func (f storeFunc) String() string { return "store-func" }

func TestResolveGenerated(t *testing.T) {
	resolver := &Resolver{}
	if !resolver.Generated() {
		t.Fatal("Resolver with empty reference is not in generate mode")
	}

	a, err := resolver.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Failed to resolve key: %v", err)
	}
	if len(a.Bytes()) != keyfleet.KeySize {
		t.Fatalf("Resolved key has %d bytes - want %d", len(a.Bytes()), keyfleet.KeySize)
	}

	b, err := resolver.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Failed to resolve key: %v", err)
	}
	if a.Equal(b) {
		t.Fatal("Two generated keys are equal")
	}
}

func TestResolveFetched(t *testing.T) {
	want, err := keyfleet.GenerateKey()
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	resolver := &Resolver{
		Ref: "cluster-key",
		Store: storeFunc(func(_ context.Context, ref string) (string, error) {
			if ref != "cluster-key" {
				return "", ErrNotFound
			}
			return want.String() + "\n", nil // stores may append a trailing newline
		}),
	}
	got, err := resolver.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Failed to resolve key: %v", err)
	}
	if !got.Equal(want) {
		t.Fatalf("Resolved key does not match stored key: got %s - want %s", got, want)
	}
}

var resolveFailTests = []struct {
	Ref   string
	Value string
	Err   error
}{
	{Ref: "a", Err: ErrNotFound},               // 0 - secret does not exist
	{Ref: "b", Value: "not base64!"},           // 1 - malformed secret
	{Ref: "c", Value: "AAAA"},                  // 2 - wrong key size
	{Ref: "d", Err: errors.New("unreachable")}, // 3 - store unreachable
}

func TestResolveFails(t *testing.T) {
	for i, test := range resolveFailTests {
		test := test
		resolver := &Resolver{
			Ref: test.Ref,
			Store: storeFunc(func(context.Context, string) (string, error) {
				return test.Value, test.Err
			}),
		}
		_, err := resolver.Resolve(context.Background())
		if err == nil {
			t.Fatalf("Test %d: resolving should have failed but it succeeded", i)
		}
		var fetchErr *keyfleet.SecretFetchError
		if !errors.As(err, &fetchErr) {
			t.Fatalf("Test %d: got %T - want *keyfleet.SecretFetchError", i, err)
		}
		if fetchErr.Ref != test.Ref {
			t.Fatalf("Test %d: got reference '%s' - want '%s'", i, fetchErr.Ref, test.Ref)
		}
	}
}

func TestResolveNoStore(t *testing.T) {
	resolver := &Resolver{Ref: "cluster-key"}
	if _, err := resolver.Resolve(context.Background()); err == nil {
		t.Fatal("Resolving with a reference but no store should have failed")
	}
}
