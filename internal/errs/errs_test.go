package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := NotFound("registry.Get", "tenant %q not found", "ghost")
	wrapped := fmt.Errorf("resolve: %w", base)

	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindNotFound))
	assert.False(t, IsKind(wrapped, KindAuth))
	assert.False(t, IsKind(nil, KindNotFound))
}

func TestKindOf_PlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestError_MessageIncludesOpAndCause(t *testing.T) {
	err := Connection("broker.Resolve", errors.New("dial tcp: refused"), "connect tenant %s", "t1")
	assert.Equal(t, "broker.Resolve: connect tenant t1: dial tcp: refused", err.Error())
	assert.Equal(t, "dial tcp: refused", errors.Unwrap(err).Error())
}

func TestAuthReason(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Auth("tokens.Validate", ReasonExpired, "token expired"))
	assert.Equal(t, ReasonExpired, ReasonOf(err))
	assert.Equal(t, "", ReasonOf(errors.New("x")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{NotFound("op", "x"), http.StatusNotFound},
		{Auth("op", ReasonInvalid, "x"), http.StatusUnauthorized},
		{Forbidden("op", "x"), http.StatusForbidden},
		{Conflict("op", "x"), http.StatusConflict},
		{BadRequest("op", "x"), http.StatusBadRequest},
		{Connection("op", nil, "x"), http.StatusServiceUnavailable},
		{Configuration("op", "x"), http.StatusInternalServerError},
		{errors.New("x"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

func TestGRPCStatus(t *testing.T) {
	err := fmt.Errorf("outer: %w", Conflict("clients.Create", "client already exists"))
	st, ok := status.FromError(err)
	assert.True(t, ok)
	assert.Equal(t, codes.AlreadyExists, st.Code())
}

func TestMessageOf_MasksInternal(t *testing.T) {
	assert.Equal(t, "internal server error", MessageOf(Internal("op", errors.New("pq: secret detail"), "query failed")))
	assert.Equal(t, "tenant not found", MessageOf(NotFound("op", "tenant not found")))
}
