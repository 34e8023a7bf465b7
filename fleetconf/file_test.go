// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package fleetconf

import (
	"strings"
	"testing"
	"time"

	"github.com/hpcshed/keyfleet"
)

const testConfig = `
version: v1

cluster: integ-tests-cluster
state_dir: /var/run/keyfleet

api:
  address: 127.0.0.1:7473

key:
  ref: munge-key
  shared:
    - /opt/shared/.munge/.munge.key
    - /opt/shared_login_nodes/.munge/.munge.key
  roles:
    head: /etc/munge/munge.key
    compute: /etc/munge/munge.key
    login: /etc/munge/munge.key

login_nodes:
  stop: true
  grace_period: 2m

rotation:
  poll_interval: 20s
  wait_bound: 15m

hooks:
  - /opt/hooks/post-update.sh

secret:
  aws:
    region: us-east-1
`

func TestReadFrom(t *testing.T) {
	file, err := ReadFrom(strings.NewReader(testConfig))
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}

	if file.Cluster != "integ-tests-cluster" {
		t.Fatalf("Cluster: got '%s' - want 'integ-tests-cluster'", file.Cluster)
	}
	if file.StateDir != "/var/run/keyfleet" {
		t.Fatalf("State dir: got '%s' - want '/var/run/keyfleet'", file.StateDir)
	}
	if file.API == nil || file.API.Addr != "127.0.0.1:7473" {
		t.Fatalf("API config: got '%+v' - want address '127.0.0.1:7473'", file.API)
	}
	if file.Key.Ref != "munge-key" {
		t.Fatalf("Key ref: got '%s' - want 'munge-key'", file.Key.Ref)
	}
	if n := len(file.Key.Shared); n != 2 {
		t.Fatalf("Shared copies: got %d - want 2", n)
	}
	if n := len(file.Key.Roles); n != 3 {
		t.Fatalf("Key roles: got %d - want 3", n)
	}
	if path := file.Key.Roles[keyfleet.RoleLogin]; path != "/etc/munge/munge.key" {
		t.Fatalf("Login key file: got '%s' - want '/etc/munge/munge.key'", path)
	}
	if !file.LoginNodes.Stop {
		t.Fatal("Login nodes stop directive not set")
	}
	if file.LoginNodes.GracePeriod != 2*time.Minute {
		t.Fatalf("Grace period: got %v - want %v", file.LoginNodes.GracePeriod, 2*time.Minute)
	}
	if file.Rotation.PollInterval != 20*time.Second {
		t.Fatalf("Poll interval: got %v - want %v", file.Rotation.PollInterval, 20*time.Second)
	}
	if file.Rotation.WaitBound != 15*time.Minute {
		t.Fatalf("Wait bound: got %v - want %v", file.Rotation.WaitBound, 15*time.Minute)
	}
	if n := len(file.Hooks); n != 1 {
		t.Fatalf("Hooks: got %d - want 1", n)
	}

	store, ok := file.Secret.(*AWSSecretsManagerConfig)
	if !ok {
		t.Fatalf("Secret store: got %T - want *AWSSecretsManagerConfig", file.Secret)
	}
	if store.Region != "us-east-1" {
		t.Fatalf("AWS region: got '%s' - want 'us-east-1'", store.Region)
	}
}

func TestReadFromEnv(t *testing.T) {
	t.Setenv("TEST_KEY_REF", "env-key-ref")

	config := strings.Replace(testConfig, "ref: munge-key", "ref: ${TEST_KEY_REF}", 1)
	file, err := ReadFrom(strings.NewReader(config))
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if file.Key.Ref != "env-key-ref" {
		t.Fatalf("Key ref: got '%s' - want 'env-key-ref'", file.Key.Ref)
	}
}

func TestReadFromInvalid(t *testing.T) {
	for i, test := range readFromInvalidTests {
		if _, err := ReadFrom(strings.NewReader(test.Config)); err == nil {
			t.Fatalf("Test %d: config was accepted: %s", i, test.Reason)
		}
	}
}

var readFromInvalidTests = []struct {
	Config string
	Reason string
}{
	{
		Config: strings.Replace(testConfig, "version: v1", "version: v2", 1),
		Reason: "unsupported config version",
	},
	{
		Config: strings.Replace(testConfig, "cluster: integ-tests-cluster", "", 1),
		Reason: "no cluster name",
	},
	{
		Config: strings.Replace(testConfig, "state_dir: /var/run/keyfleet", "", 1),
		Reason: "no state directory",
	},
	{
		Config: strings.Replace(testConfig, "head:", "headnode:", 1),
		Reason: "invalid key role",
	},
	{
		Config: strings.Replace(testConfig, "secret:\n  aws:\n    region: us-east-1\n", "", 1),
		Reason: "key ref without a secret store",
	},
	{
		Config: testConfig + "  vault:\n    endpoint: https://127.0.0.1:8200\n",
		Reason: "more than one secret store",
	},
}
