// Package httputil contains the JSON and JSON:API response helpers used by
// the incidents HTTP handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const (
	contentTypeJSON    = "application/json"
	contentTypeJSONAPI = "application/vnd.api+json"

	// MaxBodyBytes caps request bodies decoded by DecodeJSON.
	MaxBodyBytes = 1 << 20
)

func write(w http.ResponseWriter, status int, contentType string, data any) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", slog.String("content_type", contentType), slog.String("error", err.Error()))
	}
}

// WriteJSON writes a plain JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	write(w, status, contentTypeJSON, data)
}

// WriteJSONAPI writes a JSON:API document with the given status code.
func WriteJSONAPI(w http.ResponseWriter, status int, data any) {
	write(w, status, contentTypeJSONAPI, data)
}

// DecodeJSON decodes a size-limited request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
