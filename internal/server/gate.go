package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/valetd/valet/internal/core"
)

// checkOrigin requires an Origin header whose exact string is allow-listed.
// Defense in depth only; it is mandatory but never sufficient.
func (s *Server) checkOrigin(r *http.Request) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return core.E(core.KindOriginDenied, "missing Origin header")
	}
	if !s.cfg.Origins.Contains(origin) {
		return core.E(core.KindOriginDenied, "origin not allowed")
	}
	return nil
}

// tokenMatches compares the presented path token against the configured one
// in constant time. Comparing digests hides length as well as content.
func (s *Server) tokenMatches(presented string) bool {
	digest := sha256.Sum256([]byte(presented))
	return subtle.ConstantTimeCompare(digest[:], s.tokenDigest[:]) == 1
}

type plainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writePlainError short-circuits a gate failure to a plain HTTP error body.
func writePlainError(w http.ResponseWriter, err error) int64 {
	kind := core.KindOf(err)
	return writeJSON(w, core.HTTPStatus(kind), plainError{
		Code:    string(kind),
		Message: err.Error(),
	})
}

// writeJSON writes a JSON body and returns the number of bytes sent.
func writeJSON(w http.ResponseWriter, status int, v any) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		zap.L().Error("failed to marshal response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return 0
	}
	data = append(data, '\n')
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	n, writeErr := w.Write(data)
	if writeErr != nil {
		zap.L().Debug("failed to write response", zap.Error(writeErr))
	}
	return int64(n)
}
