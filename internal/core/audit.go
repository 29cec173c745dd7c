package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AuditRecord is the per-request record written after the response has been
// fully sent or aborted. File contents and argument values are never recorded;
// for exec only the resolved program path and argument count appear.
type AuditRecord struct {
	RequestID string
	Arrival   time.Time
	Duration  time.Duration
	Method    string
	Tool      string // empty when no tool was dispatched
	TokenHash string // opaque identity hash, never the token itself
	BytesIn   int64
	BytesOut  int64 // pre-truncation byte count for exec
	Outcome   Kind  // "" means success
	Program   string
	ArgCount  int
	Streaming bool
	Aborted   bool
}

// Audit is the append-only audit sink. zap serializes writes internally, so
// records may be emitted from concurrent request handlers.
type Audit struct {
	logger *zap.Logger
}

func NewAudit() *Audit {
	return &Audit{logger: zap.L().Named("audit")}
}

// NewRequestID generates the identifier carried by a request context.
func NewRequestID() string {
	return uuid.NewString()
}

// TokenHash derives the opaque token identity recorded in audit entries and
// used as the per-token rate limit key.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// Write emits one audit record.
func (a *Audit) Write(rec *AuditRecord) {
	outcome := "ok"
	if rec.Outcome != "" {
		outcome = string(rec.Outcome)
	}

	fields := []zap.Field{
		zap.String("request_id", rec.RequestID),
		zap.Time("arrival", rec.Arrival),
		zap.Int64("duration_ms", rec.Duration.Milliseconds()),
		zap.String("method", rec.Method),
		zap.String("token_hash", rec.TokenHash),
		zap.Int64("bytes_in", rec.BytesIn),
		zap.Int64("bytes_out", rec.BytesOut),
		zap.String("outcome", outcome),
	}
	if rec.Tool != "" {
		fields = append(fields, zap.String("tool", rec.Tool))
	}
	if rec.Program != "" {
		fields = append(fields,
			zap.String("program", rec.Program),
			zap.Int("arg_count", rec.ArgCount))
	}
	if rec.Streaming {
		fields = append(fields, zap.Bool("streaming", true))
	}
	if rec.Aborted {
		fields = append(fields, zap.Bool("aborted", true))
	}

	a.logger.Info("audit", fields...)
}
