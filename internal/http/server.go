// Copyright 2024 Google LLC. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http serves the device's local diagnostics endpoints.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gaslyt/device-updates/api"
	"github.com/gaslyt/device-updates/internal/history"
	"github.com/gaslyt/device-updates/internal/orchestrator"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultHistory is the number of events returned when none is requested.
const DefaultHistory = 20

// Device reports on the update subsystems.
type Device interface {
	// Status returns a snapshot of both subsystems.
	Status() orchestrator.Status
}

// History gives access to recorded events.
type History interface {
	// Latest returns up to n entries, newest first.
	Latest(ctx context.Context, n int) ([]history.Entry, error)
	// Last returns the newest entry of the given kind, or a NotFound status.
	Last(ctx context.Context, k api.EventKind) (history.Entry, error)
}

// Server is the handler implementation of the diagnostics endpoints.
type Server struct {
	d Device
	h History
}

// NewServer creates a new server. h may be nil if no history is kept.
func NewServer(d Device, h History) *Server {
	return &Server{
		d: d,
		h: h,
	}
}

// getStatus returns the orchestrator's status snapshot.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.d.Status())
}

// getHistory returns the latest recorded events.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.h == nil {
		http.Error(w, "history is not enabled", http.StatusNotFound)
		return
	}
	n := DefaultHistory
	if v := r.URL.Query().Get("n"); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, fmt.Sprintf("failed to parse n: %v", err), http.StatusBadRequest)
			return
		}
		n = i
	}
	es, err := s.h.Latest(r.Context(), n)
	if err != nil {
		glog.Warningf("failed to read history: %v", err)
		http.Error(w, "failed to read history", httpForCode(status.Code(err)))
		return
	}
	writeJSON(w, es)
}

// getLastEvent returns the newest event of the requested kind.
func (s *Server) getLastEvent(w http.ResponseWriter, r *http.Request) {
	if s.h == nil {
		http.Error(w, "history is not enabled", http.StatusNotFound)
		return
	}
	k := api.EventKind(mux.Vars(r)["kind"])
	e, err := s.h.Last(r.Context(), k)
	if err != nil {
		glog.V(1).Infof("failed to get last %s event: %v", k, err)
		http.Error(w, fmt.Sprintf("failed to get last %s event", k), httpForCode(status.Code(err)))
		return
	}
	writeJSON(w, e)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	bs, err := json.Marshal(v)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to convert to JSON: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(bs); err != nil {
		glog.Errorf("w.Write(): %v", err)
	}
}

// RegisterHandlers registers HTTP handlers for the diagnostics endpoints.
func (s *Server) RegisterHandlers(r *mux.Router) {
	kindStr := fmt.Sprintf("{kind:%s|%s|%s|%s}", api.KindStatus, api.KindProgress, api.KindConfirmation, api.KindError)
	r.HandleFunc(api.HTTPStatus, s.getStatus).Methods("GET")
	r.HandleFunc(api.HTTPHistory, s.getHistory).Methods("GET")
	r.HandleFunc(fmt.Sprintf(api.HTTPLastEvent, kindStr), s.getLastEvent).Methods("GET")
}

func httpForCode(c codes.Code) int {
	switch c {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.FailedPrecondition, codes.InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
