// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hpcshed/keyfleet"
	"github.com/hpcshed/keyfleet/internal/distribute"
	"github.com/hpcshed/keyfleet/internal/fleet"
	"github.com/hpcshed/keyfleet/internal/metric"
	"github.com/hpcshed/keyfleet/internal/rotate"
	"github.com/hpcshed/keyfleet/internal/update"
	"github.com/prometheus/common/expfmt"
)

// Config is the keyfleet server configuration.
type Config struct {
	// Version is the binary version reported by /version.
	Version string

	// Cluster is the cluster name.
	Cluster string

	// Executor performs key rotations.
	Executor *rotate.Executor

	// Coordinator applies configuration updates.
	Coordinator *update.Coordinator

	// Distributor verifies key consistency across roles.
	Distributor *distribute.Distributor

	// Fleets reports fleet states.
	Fleets fleet.Source

	// Metrics is served at /v1/metrics. Optional.
	Metrics *metric.Metrics
}

// Server is an http.Handler serving the keyfleet command API.
type Server struct {
	mux  *http.ServeMux
	apis []API
}

// New returns a new Server for the given configuration.
func New(config *Config) *Server {
	s := &Server{mux: http.NewServeMux()}
	for _, a := range []API{
		version(config),
		status(config),
		metrics(config),
		keyRotate(config),
		keyRemove(config),
		keyVerify(config),
		fleetStatus(config),
		fleetLoginStopped(config),
		clusterUpdate(config),
	} {
		s.apis = append(s.apis, a)
		s.mux.Handle(a.Path, a)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// API returns the APIs the server exposes.
func (s *Server) API() []API { return s.apis }

func version(config *Config) API {
	const (
		Method  = http.MethodGet
		MaxBody = 0
		Timeout = 15 * time.Second
	)
	type Response struct {
		Version string `json:"version"`
		Cluster string `json:"cluster"`
	}
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{
			Version: config.Version,
			Cluster: config.Cluster,
		})
	}
	return API{Method: Method, Path: PathVersion, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}

func status(config *Config) API {
	const (
		Method  = http.MethodGet
		MaxBody = 0
		Timeout = 15 * time.Second
	)
	type Response struct {
		State  update.State                              `json:"state"`
		UpTime time.Duration                             `json:"uptime"`
		Fleets map[keyfleet.NodeRole]keyfleet.FleetState `json:"fleets"`
	}
	startTime := time.Now().UTC()
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		fleets := make(map[keyfleet.NodeRole]keyfleet.FleetState, 3)
		for _, role := range []keyfleet.NodeRole{keyfleet.RoleHead, keyfleet.RoleCompute, keyfleet.RoleLogin} {
			state, err := config.Fleets.State(r.Context(), role)
			if err != nil {
				failErr(w, err)
				return
			}
			fleets[role] = state
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{
			State:  config.Coordinator.State(),
			UpTime: time.Since(startTime).Round(time.Second),
			Fleets: fleets,
		})
	}
	return API{Method: Method, Path: PathStatus, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}

func metrics(config *Config) API {
	const (
		Method  = http.MethodGet
		MaxBody = 0
		Timeout = 15 * time.Second
	)
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		contentType := expfmt.Negotiate(r.Header)
		w.Header().Set("Content-Type", string(contentType))
		w.WriteHeader(http.StatusOK)
		config.Metrics.EncodeTo(expfmt.NewEncoder(w, contentType))
	}
	return API{Method: Method, Path: PathMetrics, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}

func keyRotate(config *Config) API {
	const (
		Method  = http.MethodPost
		MaxBody = 0
		Timeout = 0 // rotation may wait on slow shared storage
	)
	type Response struct {
		Message string `json:"message"`
	}
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		if err := config.Executor.Rotate(r.Context()); err != nil {
			failErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Message: "key rotated"})
	}
	return API{Method: Method, Path: PathKeyRotate, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}

func keyRemove(config *Config) API {
	const (
		Method  = http.MethodPost
		MaxBody = 0
		Timeout = 0
	)
	type Response struct {
		Message string `json:"message"`
	}
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		if err := config.Executor.RemoveCustomKey(r.Context()); err != nil {
			failErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Message: "custom key removed"})
	}
	return API{Method: Method, Path: PathKeyRemove, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}

func keyVerify(config *Config) API {
	const (
		Method  = http.MethodGet
		MaxBody = 0
		Timeout = 15 * time.Second
	)
	type Response struct {
		Consistent bool `json:"consistent"`
	}
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		key, err := config.Distributor.Canonical(r.Context())
		if err != nil {
			failErr(w, err)
			return
		}
		if key.IsZero() {
			Fail(w, http.StatusNotFound, "no key has been distributed")
			return
		}
		if err = config.Distributor.VerifyAll(r.Context(), key); err != nil {
			Fail(w, http.StatusConflict, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Consistent: true})
	}
	return API{Method: Method, Path: PathKeyVerify, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}

func fleetStatus(config *Config) API {
	const (
		Method  = http.MethodGet
		MaxBody = 0
		Timeout = 15 * time.Second
	)
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		states := make(map[keyfleet.NodeRole]keyfleet.FleetState, 3)
		for _, role := range []keyfleet.NodeRole{keyfleet.RoleHead, keyfleet.RoleCompute, keyfleet.RoleLogin} {
			state, err := config.Fleets.State(r.Context(), role)
			if err != nil {
				failErr(w, err)
				return
			}
			states[role] = state
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(states)
	}
	return API{Method: Method, Path: PathFleetStatus, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}

func fleetLoginStopped(config *Config) API {
	const (
		Method  = http.MethodGet
		MaxBody = 0
		Timeout = 15 * time.Second
	)
	type Response struct {
		Stopped bool `json:"stopped"`
	}
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		state, err := config.Fleets.State(r.Context(), keyfleet.RoleLogin)
		if err != nil {
			failErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Stopped: state == keyfleet.FleetStopped})
	}
	return API{Method: Method, Path: PathFleetLoginStopped, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}

func clusterUpdate(config *Config) API {
	const (
		Method  = http.MethodPost
		MaxBody = 1 << 20
		Timeout = 0 // updates wait for fleet transitions
	)
	type Response struct {
		Message string `json:"message"`
	}
	var handler http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		var cfg update.Config
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			Failf(w, http.StatusBadRequest, "invalid update request: %v", err)
			return
		}
		if err := config.Coordinator.Apply(r.Context(), cfg); err != nil {
			failErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Response{Message: "update applied"})
	}
	return API{Method: Method, Path: PathUpdate, MaxBody: MaxBody, Timeout: Timeout, Handler: handler}
}
