// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"net/http"
)

// writeJSON serializa a resposta com o status dado.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError é o envelope de erro da API.
type apiError struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Kinds de erro expostos pela API HTTP.
const (
	kindInputInvalid  = "input_invalid"
	kindNotFound      = "not_found"
	kindStateConflict = "state_conflict"
	kindInternal      = "internal"
)

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, apiError{Error: msg, Kind: kind})
}

// decodeBody decodifica JSON do request, limitado a 1MB.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1024*1024))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, kindInputInvalid, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
