// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package fleetconf reads and parses keyfleet cluster
// configuration files.
package fleetconf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hpcshed/keyfleet"
	"github.com/hpcshed/keyfleet/internal/distribute"
	"github.com/hpcshed/keyfleet/internal/fleet"
	"github.com/hpcshed/keyfleet/internal/secret"
	"github.com/hpcshed/keyfleet/internal/secret/aws"
	"github.com/hpcshed/keyfleet/internal/secret/gcp"
	"github.com/hpcshed/keyfleet/internal/secret/vault"
	"github.com/hpcshed/keyfleet/internal/update"
	yaml "gopkg.in/yaml.v3"
)

// ReadFile opens the given file and reads the cluster
// configuration from it by calling ReadFrom.
func ReadFile(filename string) (*File, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close() // make sure to close file in case of panic

	file, err := ReadFrom(f)
	if cErr := f.Close(); err == nil {
		err = cErr
	}
	return file, err
}

// ReadFrom parses and returns a new cluster configuration
// from r.
func ReadFrom(r io.Reader) (*File, error) {
	var node yaml.Node
	if err := yaml.NewDecoder(r).Decode(&node); err != nil {
		return nil, err
	}

	version, err := findVersion(&node)
	if err != nil {
		return nil, err
	}
	const Version = "v1"
	if version != "" && version != Version {
		return nil, fmt.Errorf("fleetconf: invalid config version '%s'", version)
	}

	var y ymlFile
	if err := node.Decode(&y); err != nil {
		return nil, err
	}
	return ymlToConfig(&y)
}

// File is a structure that holds the content of a keyfleet
// cluster configuration file.
type File struct {
	// Cluster is the cluster name. It is exported to lifecycle
	// hooks as KEYFLEET_CLUSTER.
	Cluster string

	// StateDir is the directory holding the coordinator state
	// and the fleet status files.
	StateDir string

	// API contains the command API configuration, if a server
	// should be run.
	API *APIConfig

	// Key describes the cluster key: an optional external
	// secret reference, the shared storage copies and the
	// per-role key file locations.
	Key KeyConfig

	// LoginNodes contains the login fleet directive applied
	// during updates.
	LoginNodes LoginNodesConfig

	// Rotation tunes how fleet transitions are awaited.
	Rotation RotationConfig

	// Hooks are lifecycle scripts run, in order, after an
	// update has been applied.
	Hooks []string

	// Secret is the external secret store configuration. It is
	// nil when the cluster key is generated.
	Secret SecretStoreConfig
}

// APIConfig is the command API configuration.
type APIConfig struct {
	// Addr is the network interface address and port the server
	// listens on, e.g. "127.0.0.1:7473".
	Addr string
}

// KeyConfig describes where the cluster key comes from and
// where it is placed.
type KeyConfig struct {
	// Ref is the secret reference of an externally supplied
	// key. Empty means the key is generated.
	Ref string

	// Shared are the shared storage copies. Every mount that
	// serves a fleet gets one.
	Shared []string

	// Roles maps each node role to its local key file path.
	Roles map[keyfleet.NodeRole]string
}

// LoginNodesConfig is the login fleet directive.
type LoginNodesConfig struct {
	// Stop requests that the login fleet is stopped during
	// updates.
	Stop bool

	// GracePeriod bounds how long the coordinator waits for
	// login nodes to drain. Zero selects the default.
	GracePeriod time.Duration
}

// RotationConfig tunes fleet transition polling.
type RotationConfig struct {
	PollInterval time.Duration
	WaitBound    time.Duration
}

// SecretStoreConfig is a configuration for a secret store
// holding externally supplied cluster keys.
type SecretStoreConfig interface {
	// Connect establishes a connection to the secret store.
	Connect(ctx context.Context) (secret.Store, error)
}

// Distributor returns a key distributor over the configured
// shared copies and role key files.
func (f *File) Distributor() *distribute.Distributor {
	targets := make([]distribute.Target, 0, len(f.Key.Roles))
	for _, role := range []keyfleet.NodeRole{keyfleet.RoleHead, keyfleet.RoleCompute, keyfleet.RoleLogin} {
		if path, ok := f.Key.Roles[role]; ok {
			targets = append(targets, distribute.Target{Role: role, Path: path})
		}
	}
	return &distribute.Distributor{Shared: f.Key.Shared, Targets: targets}
}

// FleetSource returns the fleet status source rooted at the
// cluster state directory.
func (f *File) FleetSource() *fleet.FileSource {
	return fleet.NewFileSource(f.StateDir)
}

// SecretStore connects to the configured secret store. It
// returns nil if the configuration does not define one.
func (f *File) SecretStore(ctx context.Context) (secret.Store, error) {
	if f.Secret == nil {
		return nil, nil
	}
	return f.Secret.Connect(ctx)
}

// UpdateConfig returns the declarative cluster configuration
// submitted to the update coordinator.
func (f *File) UpdateConfig() update.Config {
	return update.Config{
		KeyRef:         f.Key.Ref,
		StopLoginNodes: f.LoginNodes.Stop,
		Hooks:          f.Hooks,
	}
}

// AWSSecretsManagerConfig is a configuration for AWS Secrets
// Manager.
type AWSSecretsManagerConfig struct {
	// Endpoint is an optional service endpoint override.
	Endpoint string

	// Region is the AWS region.
	Region string

	// AccessKey, SecretKey and SessionToken are static AWS
	// credentials. If empty, credentials are taken from the
	// environment, e.g. an IAM instance role.
	AccessKey    string
	SecretKey    string
	SessionToken string
}

// Connect establishes a connection to AWS Secrets Manager.
func (c *AWSSecretsManagerConfig) Connect(context.Context) (secret.Store, error) {
	return aws.Connect(&aws.Config{
		Addr:   c.Endpoint,
		Region: c.Region,
		Login: aws.Credentials{
			AccessKey:    c.AccessKey,
			SecretKey:    c.SecretKey,
			SessionToken: c.SessionToken,
		},
	})
}

// VaultConfig is a configuration for Hashicorp Vault.
type VaultConfig struct {
	// Endpoint is the Vault server endpoint.
	Endpoint string

	// Engine is the KV engine path. Defaults to "kv".
	Engine string

	// APIVersion is the KV engine API version, "v1" or "v2".
	APIVersion string

	// Namespace is an optional Vault namespace.
	Namespace string

	// Field is the secret field holding the key material.
	Field string

	// Token is a static Vault auth token.
	Token string

	// AppRole contains AppRole auth credentials.
	AppRole *VaultAppRoleAuth

	// CAPath is a path to the CA certificate(s) used to verify
	// the Vault TLS certificate.
	CAPath string
}

// VaultAppRoleAuth is Vault AppRole authentication configuration.
type VaultAppRoleAuth struct {
	Engine string
	ID     string
	Secret string
}

// Connect establishes a connection to a Hashicorp Vault server.
func (c *VaultConfig) Connect(ctx context.Context) (secret.Store, error) {
	config := &vault.Config{
		Endpoint:   c.Endpoint,
		Engine:     c.Engine,
		APIVersion: c.APIVersion,
		Namespace:  c.Namespace,
		Field:      c.Field,
		Token:      c.Token,
		CAPath:     c.CAPath,
	}
	if c.AppRole != nil {
		config.AppRole = &vault.AppRole{
			Engine: c.AppRole.Engine,
			ID:     c.AppRole.ID,
			Secret: c.AppRole.Secret,
		}
	}
	return vault.Connect(ctx, config)
}

// GCPSecretManagerConfig is a configuration for GCP Secret
// Manager.
type GCPSecretManagerConfig struct {
	// ProjectID is the GCP project ID.
	ProjectID string

	// Endpoint is an optional service endpoint override.
	Endpoint string

	// CredentialsFile is a path to a GCP credentials file. If
	// empty, application default credentials are used.
	CredentialsFile string
}

// Connect establishes a connection to GCP Secret Manager.
func (c *GCPSecretManagerConfig) Connect(ctx context.Context) (secret.Store, error) {
	return gcp.Connect(ctx, &gcp.Config{
		ProjectID:       c.ProjectID,
		Endpoint:        c.Endpoint,
		CredentialsFile: c.CredentialsFile,
	})
}

func validate(f *File) error {
	if f.Cluster == "" {
		return errors.New("fleetconf: no cluster name specified")
	}
	if f.StateDir == "" {
		return errors.New("fleetconf: no state directory specified")
	}
	if len(f.Key.Shared) == 0 {
		return errors.New("fleetconf: no shared key copy specified")
	}
	if _, ok := f.Key.Roles[keyfleet.RoleHead]; !ok {
		return errors.New("fleetconf: no key file for the head node specified")
	}
	if _, ok := f.Key.Roles[keyfleet.RoleCompute]; !ok {
		return errors.New("fleetconf: no key file for the compute fleet specified")
	}
	if f.Key.Ref != "" && f.Secret == nil {
		return fmt.Errorf("fleetconf: key ref '%s' specified but no secret store configured", f.Key.Ref)
	}
	return nil
}
