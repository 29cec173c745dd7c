package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(E(KindNotFound, "gone")))
	assert.Equal(t, KindIo, KindOf(errors.New("plain")))

	// Classification survives wrapping.
	wrapped := fmt.Errorf("outer: %w", E(KindRateLimited, "slow down"))
	assert.Equal(t, KindRateLimited, KindOf(wrapped))
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "gone", E(KindNotFound, "gone").Error())

	inner := errors.New("disk full")
	err := Wrap(KindIo, inner, "write failed")
	assert.Equal(t, "write failed: disk full", err.Error())
	assert.True(t, errors.Is(err, inner))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindUnauthorized))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindOriginDenied))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindPathOutsideRoot))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindExecDenied))
	assert.Equal(t, http.StatusRequestEntityTooLarge, HTTPStatus(KindRequestTooLarge))
	assert.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindRateLimited))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindToolNotFound))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindInvalidParams))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(KindParse))
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(KindExecTimeout))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindIo))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindResponseTooLarge))
}

func TestRPCCode(t *testing.T) {
	assert.Equal(t, RPCParseError, RPCCode(KindParse))
	assert.Equal(t, RPCInvalidParams, RPCCode(KindInvalidParams))
	assert.Equal(t, RPCMethodNotFound, RPCCode(KindToolNotFound))
	assert.Equal(t, RPCServerError, RPCCode(KindExecTimeout))
	assert.Equal(t, RPCServerError, RPCCode(KindIo))
}

func TestTokenHash(t *testing.T) {
	hash := TokenHash("sekrit")
	assert.Len(t, hash, 12)
	assert.Equal(t, hash, TokenHash("sekrit"))
	assert.NotEqual(t, hash, TokenHash("other"))
	assert.NotContains(t, hash, "sekrit")
}

func TestNewRequestID(t *testing.T) {
	assert.NotEqual(t, NewRequestID(), NewRequestID())
}
