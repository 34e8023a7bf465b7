// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package gcp implements a secret store backed by the GCP
// Secret Manager.
package gcp

import (
	"context"
	"errors"
	"fmt"
	"path"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"github.com/hpcshed/keyfleet/internal/secret"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	secretmanagerpb "google.golang.org/genproto/googleapis/cloud/secretmanager/v1"
)

// Config is the configuration of a GCP Secret Manager
// secret store.
type Config struct {
	// ProjectID is the GCP project ID.
	ProjectID string

	// Endpoint is an optional GCP endpoint. If empty, the SDK
	// uses the GCP default endpoint.
	Endpoint string

	// CredentialsFile is an optional path to a GCP service
	// account credentials file. When running inside GCP, e.g.
	// on a GCE head node, the credentials are provided by the
	// environment and this field can be left empty.
	CredentialsFile string
}

// Connect connects and authenticates to a GCP Secret Manager
// with the given configuration.
func Connect(ctx context.Context, config *Config) (*SecretManager, error) {
	if config.ProjectID == "" {
		return nil, errors.New("gcp: no project ID provided")
	}

	var options []option.ClientOption
	if config.Endpoint != "" {
		options = append(options, option.WithEndpoint(config.Endpoint))
	}
	if config.CredentialsFile != "" {
		options = append(options, option.WithCredentialsFile(config.CredentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, options...)
	if err != nil {
		return nil, err
	}
	return &SecretManager{
		config: *config,
		client: client,
	}, nil
}

// SecretManager is a secret store that fetches cluster key
// material from the GCP Secret Manager.
type SecretManager struct {
	config Config
	client *secretmanager.Client
}

var _ secret.Store = (*SecretManager)(nil)

// Get fetches the latest version of the secret stored under
// ref, which is the GCP secret ID within the configured
// project. It returns secret.ErrNotFound if no such secret
// exists.
func (s *SecretManager) Get(ctx context.Context, ref string) (string, error) {
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: path.Join("projects", s.config.ProjectID, "secrets", ref, "versions", "latest"),
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		if status.Code(err) == codes.NotFound {
			return "", secret.ErrNotFound
		}
		return "", fmt.Errorf("gcp: failed to read '%s': %v", ref, err)
	}
	return string(result.Payload.Data), nil
}

// Close closes the connection to the GCP Secret Manager.
func (s *SecretManager) Close() error { return s.client.Close() }

func (s *SecretManager) String() string {
	return "gcp-secret-manager: " + s.config.ProjectID
}
