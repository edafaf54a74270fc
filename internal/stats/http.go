// Copyright (c) 2025 PeerCrypt Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file.

package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// startTime records process start for uptime reporting.
var startTime = time.Now()

// Version is set via -ldflags -X at build time.
var Version = "dev"

// healthResponse mirrors the teacher's observability health payload:
// process uptime, version, and a handful of Go runtime stats, useful for a
// liveness probe without requiring a full metrics scrape.
type healthResponse struct {
	Status  string       `json:"status"`
	Uptime  string       `json:"uptime"`
	Version string       `json:"version"`
	Go      string       `json:"go"`
	Stats   runtimeStats `json:"stats"`
}

type runtimeStats struct {
	GoRoutines  int     `json:"go_routines"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	HeapSysMB   float64 `json:"heap_sys_mb"`
	CPUCores    int     `json:"cpu_cores"`
}

// sessionResponse is the JSON shape of one Registry.Snapshot entry.
type sessionResponse struct {
	Nonce      string `json:"nonce"`
	Peer       string `json:"peer"`
	PolicyName string `json:"policy"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"size"`
	BytesSent  int64  `json:"bytes_sent"`
	StartedAt  string `json:"started_at"`
}

// NewRouter builds an HTTP handler exposing a Registry's live session state
// for operators: GET /healthz for a liveness probe, GET /metrics in
// Prometheus text exposition format, and GET /api/v1/sessions for the raw
// JSON session list. It carries no authentication of its own, the same way
// the teacher's router left ACL enforcement to a wrapping middleware — a
// caller that needs access control should wrap the returned handler rather
// than this package growing one.
func NewRouter(registry *Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /metrics", makePrometheusHandler(registry))
	mux.HandleFunc("GET /api/v1/sessions", makeSessionsHandler(registry))
	return mux
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := healthResponse{
		Status:  "ok",
		Uptime:  time.Since(startTime).String(),
		Version: Version,
		Go:      runtime.Version(),
		Stats: runtimeStats{
			GoRoutines:  runtime.NumGoroutine(),
			HeapAllocMB: float64(mem.HeapAlloc) / (1024 * 1024),
			HeapSysMB:   float64(mem.HeapSys) / (1024 * 1024),
			CPUCores:    runtime.NumCPU(),
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func makeSessionsHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := registry.Active()
		out := make([]sessionResponse, len(active))
		for i, s := range active {
			out[i] = sessionResponse{
				Nonce:      s.Nonce,
				Peer:       s.Peer,
				PolicyName: s.PolicyName,
				FileName:   s.FileName,
				Size:       s.Size,
				BytesSent:  s.BytesSent,
				StartedAt:  s.StartedAt.UTC().Format(time.RFC3339),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// makePrometheusHandler renders Registry state as Prometheus text exposition
// format, without depending on client_golang — the same no-dependency
// approach the teacher's own Prometheus handler took.
func makePrometheusHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active := registry.Active()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(w, "# HELP peercrypt_active_sessions Number of in-flight transfer sessions.\n")
		fmt.Fprintf(w, "# TYPE peercrypt_active_sessions gauge\n")
		fmt.Fprintf(w, "peercrypt_active_sessions %d\n", len(active))

		fmt.Fprintf(w, "# HELP peercrypt_session_bytes_sent Bytes sent so far per in-flight session.\n")
		fmt.Fprintf(w, "# TYPE peercrypt_session_bytes_sent gauge\n")
		for _, s := range active {
			fmt.Fprintf(w, "peercrypt_session_bytes_sent{nonce=%q,file=%q} %d\n", s.Nonce, s.FileName, s.BytesSent)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
