// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"net/http"
	"strconv"
)

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

// handleAdminEvents devolve os eventos operacionais recentes do ring.
func (s *Server) handleAdminEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []any{}})
		return
	}
	events := s.events.Recent(parseLimit(r, 100))
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// handleAdminHistory devolve o histórico de jobs terminados.
func (s *Server) handleAdminHistory(w http.ResponseWriter, r *http.Request) {
	if s.jobsHist == nil {
		writeJSON(w, http.StatusOK, map[string]any{"jobs": []any{}})
		return
	}
	jobs := s.jobsHist.Recent(parseLimit(r, 100))
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// handleAdminGates expõe a ocupação atual dos gates.
func (s *Server) handleAdminGates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"gates": s.gates.Status()})
}
