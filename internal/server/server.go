// Package server implements valet's HTTP surface: the layered request gate,
// the JSON-RPC envelope, the NDJSON stream encoder, and the audit wiring.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/valetd/valet/internal/config"
	"github.com/valetd/valet/internal/core"
	"github.com/valetd/valet/internal/ratelimit"
	"github.com/valetd/valet/internal/tools"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownGrace     = 5 * time.Second

	// requestDeadlineSlack is added to the exec timeout to bound a whole
	// tools/call request, catching stuck pipe drainage.
	requestDeadlineSlack = 5 * time.Second
)

// Server wires the gate, registry, limiter, and audit sink together. All
// fields are read-only after New.
type Server struct {
	cfg         *config.Config
	registry    *tools.Registry
	limiter     *ratelimit.Limiter
	audit       *core.Audit
	tokenDigest [sha256.Size]byte
	tokenHash   string
}

func New(cfg *config.Config, registry *tools.Registry, limiter *ratelimit.Limiter, audit *core.Audit) *Server {
	return &Server{
		cfg:         cfg,
		registry:    registry,
		limiter:     limiter,
		audit:       audit,
		tokenDigest: sha256.Sum256([]byte(cfg.Auth.BearerToken)),
		tokenHash:   core.TokenHash(cfg.Auth.BearerToken),
	}
}

// Handler builds the route table. The token travels in the URL path; only
// /healthz is exempt.
func (s *Server) Handler() http.Handler {
	base := s.cfg.Server.BasePath
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET "+base, s.handleBaseHint)
	mux.HandleFunc("GET "+base+"/{token}", s.handleInfo)
	mux.HandleFunc("POST "+base+"/{token}", s.handleRPC)
	return mux
}

// ListenAndServe binds the loopback socket, emits the readiness line, and
// serves until ctx is canceled. Shutdown waits for in-flight requests up to
// a grace window, then force-closes remaining connections, which cancels
// their request contexts and with them any running children.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.BindAddr, s.cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	// The readiness line is the startup contract: exactly one line on
	// stdout, only after the socket is bound and the registry built.
	fmt.Printf("valet ready addr=%s base_path=%s tools=[%s]\n",
		listener.Addr().String(),
		s.cfg.Server.BasePath,
		strings.Join(s.registry.Names(), ","))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("graceful shutdown expired, closing connections", zap.Error(err))
			if closeErr := httpServer.Close(); closeErr != nil {
				zap.L().Error("server close error", zap.Error(closeErr))
			}
		}
	}()

	zap.L().Info("server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("base_path", s.cfg.Server.BasePath),
		zap.Strings("tools", s.registry.Names()))

	if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rec := s.newAuditRecord("healthz")
	defer s.finish(rec)

	if err := s.checkOrigin(r); err != nil {
		rec.Outcome = core.KindOf(err)
		writePlainError(w, err)
		return
	}
	rec.BytesOut = writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBaseHint answers a bare GET on the base path with a pointer at the
// tokened endpoint, mirroring what a browser poking the tunnel would see.
func (s *Server) handleBaseHint(w http.ResponseWriter, r *http.Request) {
	rec := s.newAuditRecord("info")
	defer s.finish(rec)

	rec.Outcome = core.KindUnauthorized
	rec.BytesOut = writeJSON(w, http.StatusBadRequest, rpcResponse{
		JSONRPC: "2.0",
		Error: &rpcError{
			Code:    core.RPCInvalidRequest,
			Message: fmt.Sprintf("token required; POST to %s/<token>", s.cfg.Server.BasePath),
		},
		ID: json.RawMessage("null"),
	})
}

// handleInfo serves server info on GET with a valid token. Origin is only
// enforced when the header is present: browsers omit it on direct
// navigation.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	rec := s.newAuditRecord("info")
	defer s.finish(rec)

	if !s.tokenMatches(r.PathValue("token")) {
		rec.Outcome = core.KindUnauthorized
		writePlainError(w, core.E(core.KindUnauthorized, "invalid token"))
		return
	}
	rec.TokenHash = s.tokenHash

	if r.Header.Get("Origin") != "" {
		if err := s.checkOrigin(r); err != nil {
			rec.Outcome = core.KindOf(err)
			writePlainError(w, err)
			return
		}
	}

	rec.BytesOut = writeJSON(w, http.StatusOK, rpcResponse{
		JSONRPC: "2.0",
		Result:  serverInfoResult(),
		ID:      json.RawMessage(`"info"`),
	})
}

func (s *Server) newAuditRecord(method string) *core.AuditRecord {
	return &core.AuditRecord{
		RequestID: core.NewRequestID(),
		Arrival:   time.Now(),
		Method:    method,
	}
}

func (s *Server) finish(rec *core.AuditRecord) {
	rec.Duration = time.Since(rec.Arrival)
	s.audit.Write(rec)
}
