// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package keyfleet

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strconv"
)

// KeySize is the size of a cluster authentication key in bytes.
const KeySize = 64

// GenerateKey returns a new cluster key read from a
// cryptographically secure random source.
func GenerateKey() (Key, error) {
	bytes := make([]byte, KeySize)
	if _, err := rand.Read(bytes); err != nil {
		return Key{}, err
	}
	return Key{bytes: bytes}, nil
}

// NewKey returns a new Key from the given raw bytes. It returns
// an error if bytes is not a valid key of exactly KeySize bytes.
func NewKey(bytes []byte) (Key, error) {
	if len(bytes) != KeySize {
		return Key{}, errors.New("keyfleet: invalid key size " + strconv.Itoa(len(bytes)))
	}
	key := Key{bytes: make([]byte, KeySize)}
	copy(key.bytes, bytes)
	return key, nil
}

// ParseKey parses s as base64-encoded key material.
//
// It is the inverse of Key.String and accepts the textual
// at-rest representation used by external secret stores.
func ParseKey(s string) (Key, error) {
	bytes, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, errors.New("keyfleet: invalid key: " + err.Error())
	}
	return NewKey(bytes)
}

// Key is a cluster authentication key. All nodes of a cluster
// hold byte-identical copies of the same Key once distribution
// has completed.
//
// The zero value is an empty, unusable key. Use IsZero to test
// for it.
type Key struct {
	bytes []byte
}

// Bytes returns a copy of the raw key material.
func (k Key) Bytes() []byte {
	bytes := make([]byte, len(k.bytes))
	copy(bytes, k.bytes)
	return bytes
}

// IsZero reports whether k is the zero, i.e. empty, key.
func (k Key) IsZero() bool { return len(k.bytes) == 0 }

// Equal reports whether k and other contain the same key
// material. It compares in constant time.
func (k Key) Equal(other Key) bool {
	if len(k.bytes) != len(other.bytes) {
		return false
	}
	return subtle.ConstantTimeCompare(k.bytes, other.bytes) == 1
}

// String returns the base64 at-rest representation of the key.
// It is the textual form stored at external secret stores.
func (k Key) String() string { return base64.StdEncoding.EncodeToString(k.bytes) }
