// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package vault implements a secret store backed by the
// Hashicorp Vault K/V secret engine.
//
// Vault is a KMS implementation with many features. This
// package only leverages the key-value store.
// For an introduction to Vault see: https://www.vaultproject.io/
package vault

import (
	"context"
	"errors"
	"fmt"
	"os"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/hpcshed/keyfleet/internal/secret"
)

// K/V engine API versions.
const (
	APIv1 = "v1"
	APIv2 = "v2"
)

// AppRole contains the Vault AppRole authentication
// credentials.
type AppRole struct {
	Engine string // The AppRole engine path
	ID     string // The AppRole ID
	Secret string // The AppRole secret ID
}

// Config is the configuration of a Vault secret store.
type Config struct {
	// Endpoint is the HTTP Vault server endpoint.
	Endpoint string

	// Engine is the path of the K/V engine, e.g. "secret".
	Engine string

	// APIVersion is the API version of the K/V engine,
	// either APIv1 or APIv2. Defaults to APIv1.
	APIVersion string

	// Namespace is an optional Vault enterprise namespace.
	Namespace string

	// Field is the entry within the Vault secret that holds
	// the base64 key material. Defaults to "value".
	Field string

	// Token is a static Vault authentication token. Used when
	// no AppRole is configured.
	Token string

	// AppRole contains the optional AppRole authentication
	// credentials.
	AppRole *AppRole

	// CAPath is an optional path to the root CA certificate(s)
	// used to verify the TLS certificate of the Vault server.
	CAPath string
}

// Connect connects and authenticates to a Vault server with
// the given configuration.
func Connect(ctx context.Context, config *Config) (*Store, error) {
	if config.Endpoint == "" {
		return nil, errors.New("vault: endpoint is empty")
	}
	engine := config.Engine
	if engine == "" {
		engine = "secret"
	}
	apiVersion := config.APIVersion
	if apiVersion == "" {
		apiVersion = APIv1
	}
	if apiVersion != APIv1 && apiVersion != APIv2 {
		return nil, fmt.Errorf("vault: invalid engine API version '%s'", config.APIVersion)
	}
	field := config.Field
	if field == "" {
		field = "value"
	}

	tlsConfig := &vaultapi.TLSConfig{}
	if config.CAPath != "" {
		stat, err := os.Stat(config.CAPath)
		if err != nil {
			return nil, fmt.Errorf("vault: failed to open '%s': %v", config.CAPath, err)
		}
		if stat.IsDir() {
			tlsConfig.CAPath = config.CAPath
		} else {
			tlsConfig.CACert = config.CAPath
		}
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = config.Endpoint
	if err := apiConfig.ConfigureTLS(tlsConfig); err != nil {
		return nil, err
	}
	client, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, err
	}
	if config.Namespace != "" {
		// We must only set the namespace if it is not empty.
		// Otherwise the client sends an empty namespace HTTP
		// header.
		client.SetNamespace(config.Namespace)
	}

	switch {
	case config.AppRole != nil && (config.AppRole.ID != "" || config.AppRole.Secret != ""):
		authEngine := config.AppRole.Engine
		if authEngine == "" {
			authEngine = "approle"
		}
		auth, err := client.Logical().WriteWithContext(ctx, authEngine+"/login", map[string]interface{}{
			"role_id":   config.AppRole.ID,
			"secret_id": config.AppRole.Secret,
		})
		if err != nil {
			return nil, fmt.Errorf("vault: approle authentication failed: %v", err)
		}
		token, err := auth.TokenID()
		if err != nil {
			return nil, fmt.Errorf("vault: approle authentication failed: %v", err)
		}
		client.SetToken(token)
	case config.Token != "":
		client.SetToken(config.Token)
	default:
		return nil, errors.New("vault: no authentication method specified")
	}

	return &Store{
		client:     client,
		endpoint:   config.Endpoint,
		engine:     engine,
		apiVersion: apiVersion,
		field:      field,
	}, nil
}

// Store is a Hashicorp Vault secret store.
type Store struct {
	client     *vaultapi.Client
	endpoint   string
	engine     string
	apiVersion string
	field      string
}

var _ secret.Store = (*Store)(nil)

// Get fetches the secret value stored under ref, which is the
// path of a K/V entry relative to the engine path. It returns
// secret.ErrNotFound if no such entry exists.
func (s *Store) Get(ctx context.Context, ref string) (string, error) {
	var (
		entry *vaultapi.KVSecret
		err   error
	)
	if s.apiVersion == APIv2 {
		entry, err = s.client.KVv2(s.engine).Get(ctx, ref)
	} else {
		entry, err = s.client.KVv1(s.engine).Get(ctx, ref)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if errors.Is(err, vaultapi.ErrSecretNotFound) {
			return "", secret.ErrNotFound
		}
		return "", fmt.Errorf("vault: failed to read '%s': %v", ref, err)
	}
	if entry == nil || entry.Data == nil {
		return "", secret.ErrNotFound
	}

	value, ok := entry.Data[s.field]
	if !ok {
		return "", fmt.Errorf("vault: secret '%s' has no '%s' entry", ref, s.field)
	}
	v, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("vault: secret '%s' has an invalid '%s' entry", ref, s.field)
	}
	return v, nil
}

func (s *Store) String() string { return "vault: " + s.endpoint }
