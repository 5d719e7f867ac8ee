// SPDX-FileCopyrightText: Copyright 2025 Datagate Contributors
// SPDX-License-Identifier: Apache-2.0

// Package httperr associates HTTP status codes with errors and writes the
// gateway's JSON error envelope: { "error": ..., "success": false } plus
// any handler-specific context fields.
package httperr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/datagate-io/datagate/pkg/logger"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// WithCode attaches an HTTP status code to err.
func WithCode(err error, code int) error {
	return &codedError{err: err, code: code}
}

// Code returns the status code attached to err, or fallback when none is.
func Code(err error, fallback int) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return fallback
}

// WriteError writes the JSON error envelope. Extra fields are merged into
// the body next to "error" and "success".
func WriteError(w http.ResponseWriter, status int, message string, extra map[string]any) {
	payload := make(map[string]any, len(extra)+2)
	for key, value := range extra {
		payload[key] = value
	}
	payload["error"] = message
	payload["success"] = false

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to write error response: %v", err)
	}
}

// WriteFromError maps err to the envelope using its attached code.
func WriteFromError(w http.ResponseWriter, err error, fallback int) {
	WriteError(w, Code(err, fallback), err.Error(), nil)
}
