// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package fleetconf

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hpcshed/keyfleet"
	"gopkg.in/yaml.v3"
)

type ymlFile struct {
	Version string `yaml:"version"`

	Cluster  env[string] `yaml:"cluster"`
	StateDir env[string] `yaml:"state_dir"`

	API struct {
		Addr env[string] `yaml:"address"`
	} `yaml:"api"`

	Key struct {
		Ref    env[string]            `yaml:"ref"`
		Shared []env[string]          `yaml:"shared"`
		Roles  map[string]env[string] `yaml:"roles"`
	} `yaml:"key"`

	LoginNodes struct {
		Stop        env[bool]          `yaml:"stop"`
		GracePeriod env[time.Duration] `yaml:"grace_period"`
	} `yaml:"login_nodes"`

	Rotation struct {
		PollInterval env[time.Duration] `yaml:"poll_interval"`
		WaitBound    env[time.Duration] `yaml:"wait_bound"`
	} `yaml:"rotation"`

	Hooks []env[string] `yaml:"hooks"`

	Secret struct {
		AWS *struct {
			Endpoint env[string] `yaml:"endpoint"`
			Region   env[string] `yaml:"region"`

			Login struct {
				AccessKey    env[string] `yaml:"access_key"`
				SecretKey    env[string] `yaml:"secret_key"`
				SessionToken env[string] `yaml:"session_token"`
			} `yaml:"credentials"`
		} `yaml:"aws"`

		Vault *struct {
			Endpoint   env[string] `yaml:"endpoint"`
			Engine     env[string] `yaml:"engine"`
			APIVersion env[string] `yaml:"version"`
			Namespace  env[string] `yaml:"namespace"`
			Field      env[string] `yaml:"field"`
			Token      env[string] `yaml:"token"`

			AppRole *struct {
				Engine env[string] `yaml:"engine"`
				ID     env[string] `yaml:"id"`
				Secret env[string] `yaml:"secret"`
			} `yaml:"approle"`

			TLS struct {
				CAPath env[string] `yaml:"ca"`
			} `yaml:"tls"`
		} `yaml:"vault"`

		GCP *struct {
			ProjectID       env[string] `yaml:"project_id"`
			Endpoint        env[string] `yaml:"endpoint"`
			CredentialsFile env[string] `yaml:"credentials_file"`
		} `yaml:"gcp"`
	} `yaml:"secret"`
}

func ymlToConfig(y *ymlFile) (*File, error) {
	file := &File{
		Cluster:  y.Cluster.Value,
		StateDir: y.StateDir.Value,
		Key: KeyConfig{
			Ref:   y.Key.Ref.Value,
			Roles: make(map[keyfleet.NodeRole]string, len(y.Key.Roles)),
		},
		LoginNodes: LoginNodesConfig{
			Stop:        y.LoginNodes.Stop.Value,
			GracePeriod: y.LoginNodes.GracePeriod.Value,
		},
		Rotation: RotationConfig{
			PollInterval: y.Rotation.PollInterval.Value,
			WaitBound:    y.Rotation.WaitBound.Value,
		},
	}
	if addr := y.API.Addr.Value; addr != "" {
		file.API = &APIConfig{Addr: addr}
	}
	for _, shared := range y.Key.Shared {
		file.Key.Shared = append(file.Key.Shared, shared.Value)
	}
	for name, path := range y.Key.Roles {
		role, err := keyfleet.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("fleetconf: invalid key role '%s'", name)
		}
		file.Key.Roles[role] = path.Value
	}
	for _, hook := range y.Hooks {
		file.Hooks = append(file.Hooks, hook.Value)
	}

	count := 0
	if y.Secret.AWS != nil {
		count++
		file.Secret = &AWSSecretsManagerConfig{
			Endpoint:     y.Secret.AWS.Endpoint.Value,
			Region:       y.Secret.AWS.Region.Value,
			AccessKey:    y.Secret.AWS.Login.AccessKey.Value,
			SecretKey:    y.Secret.AWS.Login.SecretKey.Value,
			SessionToken: y.Secret.AWS.Login.SessionToken.Value,
		}
	}
	if y.Secret.Vault != nil {
		count++
		config := &VaultConfig{
			Endpoint:   y.Secret.Vault.Endpoint.Value,
			Engine:     y.Secret.Vault.Engine.Value,
			APIVersion: y.Secret.Vault.APIVersion.Value,
			Namespace:  y.Secret.Vault.Namespace.Value,
			Field:      y.Secret.Vault.Field.Value,
			Token:      y.Secret.Vault.Token.Value,
			CAPath:     y.Secret.Vault.TLS.CAPath.Value,
		}
		if approle := y.Secret.Vault.AppRole; approle != nil {
			config.AppRole = &VaultAppRoleAuth{
				Engine: approle.Engine.Value,
				ID:     approle.ID.Value,
				Secret: approle.Secret.Value,
			}
		}
		file.Secret = config
	}
	if y.Secret.GCP != nil {
		count++
		file.Secret = &GCPSecretManagerConfig{
			ProjectID:       y.Secret.GCP.ProjectID.Value,
			Endpoint:        y.Secret.GCP.Endpoint.Value,
			CredentialsFile: y.Secret.GCP.CredentialsFile.Value,
		}
	}
	if count > 1 {
		return nil, errors.New("fleetconf: more than one secret store specified")
	}

	if err := validate(file); err != nil {
		return nil, err
	}
	return file, nil
}

func findVersion(root *yaml.Node) (string, error) {
	if root == nil {
		return "", errors.New("fleetconf: invalid config")
	}
	if root.Kind != yaml.DocumentNode {
		return "", errors.New("fleetconf: invalid config format")
	}
	if len(root.Content) != 1 {
		return "", errors.New("fleetconf: invalid config format")
	}

	doc := root.Content[0]
	for i, n := range doc.Content {
		if n.Value == "version" {
			if n.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("fleetconf: invalid config version at line '%d'", n.Line)
			}
			if i == len(doc.Content)-1 {
				return "", fmt.Errorf("fleetconf: invalid config version at line '%d'", n.Line)
			}
			v := doc.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return "", fmt.Errorf("fleetconf: invalid config version at line '%d'", v.Line)
			}
			return v.Value, nil
		}
	}
	return "", nil
}

// env is either a value of type T or a reference to an
// environment variable holding one, e.g. "${MY_VAR}".
type env[T any] struct {
	Var   string
	Value T
}

func (r env[T]) MarshalYAML() (any, error) {
	if env := strings.TrimSpace(r.Var); env != "" {
		switch p, s := strings.HasPrefix(env, "${"), strings.HasSuffix(env, "}"); {
		case p && s:
			return env, nil
		case !p && !s:
			return "${" + env + "}", nil
		default:
			return nil, fmt.Errorf("fleetconf: invalid env. variable reference '%s'", r.Var)
		}
	}
	return r.Value, nil
}

func (r *env[T]) UnmarshalYAML(node *yaml.Node) error {
	var env string
	if v := strings.TrimSpace(node.Value); strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		env = strings.TrimSpace(v[2 : len(v)-1])
		v, ok := os.LookupEnv(env)
		if !ok {
			return fmt.Errorf("fleetconf: referenced env. variable '%s' in line '%d' not found", env, node.Line)
		}
		node.Value = v
	}

	var v T
	if err := node.Decode(&v); err != nil {
		return err
	}
	r.Var = env
	r.Value = v
	return nil
}
