// Copyright 2023 - HPCShed, Inc. All rights reserved.
// Use of this source code is governed by the AGPLv3
// license that can be found in the LICENSE file.

// Package api implements the keyfleet command API served by
// the keyfleet server on the head node.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hpcshed/keyfleet"
)

// API paths exposed by the keyfleet server.
const (
	PathVersion = "/version"
	PathStatus  = "/v1/status"
	PathMetrics = "/v1/metrics"

	PathKeyRotate = "/v1/key/rotate"
	PathKeyRemove = "/v1/key/remove"
	PathKeyVerify = "/v1/key/verify"

	PathFleetStatus       = "/v1/fleet/status"
	PathFleetLoginStopped = "/v1/fleet/login/stopped"

	PathUpdate = "/v1/update"
)

// API describes a keyfleet server API.
type API struct {
	Method  string        // The HTTP method
	Path    string        // The URI API path
	MaxBody int64         // The max. body size the API accepts
	Timeout time.Duration // The duration after which an API request times out. 0 means no timeout

	// Handler implements the API.
	//
	// When invoked by the API's ServeHTTP method, the handler
	// can rely upon:
	//  - the request method matching the API's HTTP method.
	//  - the request body being limited to the API's MaxBody size.
	//  - the request timing out after the duration specified for the API.
	Handler http.Handler
}

// ServeHTTP takes an HTTP Request and ResponseWriter and executes
// the API's Handler.
func (a API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != a.Method {
		w.Header().Set("Accept", a.Method)
		Fail(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, a.MaxBody)

	if a.Timeout > 0 {
		switch err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(a.Timeout)); {
		case errors.Is(err, http.ErrNotSupported):
			Fail(w, http.StatusInternalServerError, "internal error: HTTP connection does not accept a timeout")
			return
		case err != nil:
			Failf(w, http.StatusInternalServerError, "internal error: %v", err)
			return
		}
	}
	a.Handler.ServeHTTP(w, r)
}

// Fail responds to the client with the given status code and
// error message. Handlers should return after calling Fail.
func Fail(w http.ResponseWriter, code int, msg string) {
	type Error struct {
		Message string `json:"message"`
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(Error{Message: msg})
}

// Failf responds to the client with the given status code and
// formatted error message. Handlers should return after calling
// Failf.
func Failf(w http.ResponseWriter, code int, format string, a ...any) {
	Fail(w, code, fmt.Sprintf(format, a...))
}

// failErr responds to the client with the status code matching
// the error's kind.
func failErr(w http.ResponseWriter, err error) {
	var denied *keyfleet.RotationDeniedError
	if errors.As(err, &denied) {
		Fail(w, http.StatusConflict, denied.Reason)
		return
	}
	if errors.Is(err, keyfleet.ErrClusterBusy) {
		Fail(w, http.StatusLocked, err.Error())
		return
	}
	if errors.Is(err, keyfleet.ErrWedged) {
		Fail(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var fetchErr *keyfleet.SecretFetchError
	if errors.As(err, &fetchErr) {
		Fail(w, http.StatusBadGateway, err.Error())
		return
	}
	var timeoutErr *keyfleet.TimeoutError
	if errors.As(err, &timeoutErr) {
		Fail(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	var updateErr *keyfleet.UpdateFailedError
	if errors.As(err, &updateErr) {
		Fail(w, http.StatusConflict, err.Error())
		return
	}
	Fail(w, http.StatusInternalServerError, err.Error())
}
