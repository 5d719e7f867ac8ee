// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/datagate-io/datagate/pkg/auth"
	"github.com/datagate-io/datagate/pkg/httperr"
	"github.com/datagate-io/datagate/pkg/logger"
)

// requestIDHeader echoes the request id so clients can quote it when
// reporting problems.
func requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			w.Header().Set("X-Request-ID", id)
		}
		next.ServeHTTP(w, r)
	})
}

// hostFilter rejects requests addressed to a host outside AllowedHosts.
func (s *Server) hostFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.settings.HostAllowed(r.Host) {
			httperr.WriteError(w, http.StatusBadRequest, "Host not allowed", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// trafficLogging writes one line per request: method, path, status, size,
// duration, request id, and the verified principal. The username slot is
// armed here and filled by the gate further down the chain.
func trafficLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		r = r.WithContext(auth.WithUsernameRecorder(r.Context()))

		next.ServeHTTP(ww, r)

		logger.Infof("%s %s %d %dB %s user=%s reqid=%s",
			r.Method,
			r.URL.Path,
			ww.Status(),
			ww.BytesWritten(),
			time.Since(start).Round(time.Millisecond),
			auth.RecordedUsername(r.Context()),
			middleware.GetReqID(r.Context()),
		)
	})
}

// readBody drains a capped request body, answering 413 when the cap is hit.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httperr.WriteError(w, http.StatusRequestEntityTooLarge, "Request body too large", map[string]any{
				"limit": tooLarge.Limit,
			})
			return nil, false
		}
		httperr.WriteError(w, http.StatusBadRequest, "Failed to read request body", nil)
		return nil, false
	}
	return body, true
}

// readJSONBody decodes the capped body into a JSON object.
func readJSONBody(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return nil, false
	}
	decoded := make(map[string]any)
	if err := json.Unmarshal(body, &decoded); err != nil {
		httperr.WriteError(w, http.StatusBadRequest, "Invalid JSON body", nil)
		return nil, false
	}
	return decoded, true
}

// writeJSON writes payload with a 200-range status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to write response: %v", err)
	}
}

func writeNotFound(w http.ResponseWriter, message string) {
	httperr.WriteError(w, http.StatusNotFound, message, nil)
}

func writeMethodNotAllowed(w http.ResponseWriter, method string) {
	httperr.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed", map[string]any{
		"method": method,
	})
}
