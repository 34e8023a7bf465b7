// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package update applies declarative configuration changes to
// a cluster and rolls back to the last-known-good configuration
// when an update fails mid-apply.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hpcshed/keyfleet"
	"github.com/hpcshed/keyfleet/internal/distribute"
	"github.com/hpcshed/keyfleet/internal/fleet"
	"github.com/hpcshed/keyfleet/internal/metric"
	"github.com/hpcshed/keyfleet/internal/secret"
	bolt "go.etcd.io/bbolt"
)

const dbFile = "keyfleet.db"

var (
	dbBucket     = []byte("update")
	dbConfig     = []byte("config")
	dbCanonical  = []byte("canonical-key")
	dbWedgedFlag = []byte("wedged")
)

// State is the coordinator's position in the update state
// machine.
type State string

// Coordinator states.
const (
	StateIdle        State = "idle"
	StateApplying    State = "applying"
	StateRollingBack State = "rolling-back"

	// StateWedged is terminal: a rollback failed to restore
	// the last-known-good configuration and an operator has
	// to intervene.
	StateWedged State = "wedged"
)

// Config is a declarative cluster configuration submitted
// against a running cluster.
type Config struct {
	// KeyRef is the secret reference of an externally supplied
	// cluster key. Empty means the key is generated.
	KeyRef string `json:"keyRef"`

	// StopLoginNodes requests that the login fleet is stopped.
	StopLoginNodes bool `json:"stopLoginNodes"`

	// Hooks are external lifecycle scripts executed, in order,
	// after the configuration has been applied. A hook exiting
	// non-zero fails the update.
	Hooks []string `json:"hooks,omitempty"`
}

// FleetControl observes and transitions node fleets.
type FleetControl interface {
	fleet.Source
	fleet.Controller
}

// Options configures a Coordinator.
type Options struct {
	// Cluster is the cluster name, passed to lifecycle hooks.
	Cluster string

	// Distributor propagates key changes to all roles.
	Distributor *distribute.Distributor

	// Fleet observes and transitions the cluster's fleets.
	Fleet FleetControl

	// Store resolves external secret references. May be nil
	// for clusters that only use generated keys.
	Store secret.Store

	// Metrics records update outcomes. Optional.
	Metrics *metric.Metrics

	// PollInterval and WaitBound tune how long the coordinator
	// waits for the login fleet to stop. Zero selects the
	// fleet package defaults.
	PollInterval time.Duration
	WaitBound    time.Duration
}

// Open opens the coordinator state under the given cluster
// state directory, creating it if necessary.
//
// The underlying DB holds an exclusive file lock for the
// lifetime of the Coordinator. It serializes update and
// rotation operations across processes: a concurrent Open on
// the same directory fails with keyfleet.ErrClusterBusy.
func Open(dir string, opts *Options) (*Coordinator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, dbFile), 0o640, &bolt.Options{
		Timeout:      3 * time.Second,
		FreelistType: bolt.FreelistMapType,
	})
	if errors.Is(err, bolt.ErrTimeout) {
		return nil, keyfleet.ErrClusterBusy
	}
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		db:           db,
		cluster:      opts.Cluster,
		dist:         opts.Distributor,
		fleets:       opts.Fleet,
		store:        opts.Store,
		metrics:      opts.Metrics,
		pollInterval: opts.PollInterval,
		waitBound:    opts.WaitBound,
		state:        StateIdle,
	}
	wedged, err := c.loadWedged()
	if err != nil {
		db.Close()
		return nil, err
	}
	if wedged {
		c.state = StateWedged
	}
	return c, nil
}

// A Coordinator applies declarative configuration changes and
// owns the cluster's single-writer lock for key mutations.
type Coordinator struct {
	db           *bolt.DB
	cluster      string
	dist         *distribute.Distributor
	fleets       FleetControl
	store        secret.Store
	metrics      *metric.Metrics
	pollInterval time.Duration
	waitBound    time.Duration

	lock sync.Mutex // cluster lock, shared with the rotation executor

	stateLock sync.Mutex
	state     State
}

// Close releases the coordinator state and its file lock.
func (c *Coordinator) Close() error { return c.db.Close() }

// ClusterLock returns the in-process cluster lock. A rotation
// executor running in the same process must use it to exclude
// rotations against in-flight updates.
func (c *Coordinator) ClusterLock() *sync.Mutex { return &c.lock }

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *Coordinator) setState(state State) {
	c.stateLock.Lock()
	c.state = state
	c.stateLock.Unlock()
}

// Current returns the configuration currently in effect. The
// second return value is false if no configuration has been
// applied yet.
func (c *Coordinator) Current() (Config, bool, error) {
	var (
		config Config
		found  bool
	)
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dbBucket)
		if bucket == nil {
			return nil
		}
		raw := bucket.Get(dbConfig)
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &config)
	})
	return config, found, err
}

// RecordKey persists key as the canonical cluster key of the
// last-known-good configuration. The rotation executor calls
// it after a successful rotation so that a later rollback does
// not restore a stale key.
func (c *Coordinator) RecordKey(key keyfleet.Key) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(dbBucket)
		if err != nil {
			return err
		}
		return bucket.Put(dbCanonical, key.Bytes())
	})
}

// Apply applies the given configuration to the cluster.
//
// Apply is transactional: if any step fails, the cluster is
// rolled back to the configuration in effect before the call,
// including re-distribution of the previous key, and Apply
// returns a *keyfleet.UpdateFailedError. If the rollback
// itself fails the coordinator becomes wedged and refuses
// further updates and rotations.
func (c *Coordinator) Apply(ctx context.Context, config Config) error {
	if !c.lock.TryLock() {
		return keyfleet.ErrClusterBusy
	}
	defer c.lock.Unlock()

	if c.State() == StateWedged {
		return keyfleet.ErrWedged
	}

	prior, _, err := c.Current()
	if err != nil {
		return err
	}
	priorKey, err := c.canonicalKey(ctx)
	if err != nil {
		return err
	}

	c.setState(StateApplying)
	step, err := c.apply(ctx, config, prior, priorKey)
	if err == nil {
		var newKey keyfleet.Key
		if newKey, err = c.canonicalKey(ctx); err == nil {
			if err = c.commit(config, newKey); err == nil {
				c.setState(StateIdle)
				c.metrics.UpdateApplied()
				return nil
			}
		}
		// A failed snapshot leaves the persisted configuration
		// behind the cluster. Roll back like any other failed
		// step instead of reporting a stale last-known-good.
		step = "snapshot commit"
	}

	c.setState(StateRollingBack)
	if rbErr := c.rollback(ctx, prior, priorKey); rbErr != nil {
		c.wedge()
		return &keyfleet.UpdateFailedError{
			Step: step,
			Err:  errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr), keyfleet.ErrWedged),
		}
	}
	c.setState(StateIdle)
	c.metrics.UpdateRolledBack()
	return &keyfleet.UpdateFailedError{Step: step, Err: err, RolledBack: true}
}

// apply executes the update steps in order. It returns the
// name of the failed step alongside the error.
func (c *Coordinator) apply(ctx context.Context, config, prior Config, priorKey keyfleet.Key) (string, error) {
	if err := c.applyLoginDirective(ctx, config); err != nil {
		return "login fleet transition", err
	}

	if config.KeyRef != prior.KeyRef || priorKey.IsZero() {
		resolver := &secret.Resolver{Ref: config.KeyRef, Store: c.store}
		key, err := resolver.Resolve(ctx)
		if err != nil {
			return "key distribution", err
		}
		if _, err = c.dist.Distribute(ctx, key); err != nil {
			c.metrics.DistributionFailed()
			return "key distribution", err
		}
		c.metrics.Distributed()
	}

	for _, hook := range config.Hooks {
		if err := c.runHook(ctx, hook, "apply"); err != nil {
			return "hook '" + hook + "'", err
		}
	}
	return "", nil
}

// rollback re-asserts the prior configuration: the login fleet
// directive and the previously distributed key. Hooks are
// update-time actions, not configuration state, and are not
// re-run.
func (c *Coordinator) rollback(ctx context.Context, prior Config, priorKey keyfleet.Key) error {
	if err := c.applyLoginDirective(ctx, prior); err != nil {
		return err
	}
	if !priorKey.IsZero() {
		if _, err := c.dist.Distribute(ctx, priorKey); err != nil {
			c.metrics.DistributionFailed()
			return err
		}
		c.metrics.Distributed()
	}
	return c.commit(prior, priorKey)
}

func (c *Coordinator) applyLoginDirective(ctx context.Context, config Config) error {
	if config.StopLoginNodes {
		if err := c.fleets.Stop(ctx, keyfleet.RoleLogin); err != nil {
			return err
		}
		// Login nodes drain within a grace period. Wait until
		// the fleet actually reports stopped.
		return fleet.WaitStopped(ctx, c.fleets, keyfleet.RoleLogin, c.pollInterval, c.waitBound)
	}
	return c.fleets.Start(ctx, keyfleet.RoleLogin)
}

// canonicalKey returns the currently distributed key, falling
// back to the persisted snapshot if the shared copy is gone.
func (c *Coordinator) canonicalKey(ctx context.Context) (keyfleet.Key, error) {
	key, err := c.dist.Canonical(ctx)
	if err != nil || !key.IsZero() {
		return key, err
	}

	err = c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dbBucket)
		if bucket == nil {
			return nil
		}
		raw := bucket.Get(dbCanonical)
		if raw == nil {
			return nil
		}
		key, err = keyfleet.NewKey(raw)
		return err
	})
	return key, err
}

// commit persists config and key as the new last-known-good
// snapshot.
func (c *Coordinator) commit(config Config, key keyfleet.Key) error {
	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(dbBucket)
		if err != nil {
			return err
		}
		if err = bucket.Put(dbConfig, raw); err != nil {
			return err
		}
		if !key.IsZero() {
			return bucket.Put(dbCanonical, key.Bytes())
		}
		return nil
	})
}

func (c *Coordinator) wedge() {
	c.setState(StateWedged)

	// Best effort: persist the wedged marker so that a new
	// process refuses updates as well.
	c.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(dbBucket)
		if err != nil {
			return err
		}
		return bucket.Put(dbWedgedFlag, []byte("1"))
	})
}

func (c *Coordinator) loadWedged() (bool, error) {
	var wedged bool
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dbBucket)
		if bucket == nil {
			return nil
		}
		wedged = bucket.Get(dbWedgedFlag) != nil
		return nil
	})
	return wedged, err
}
