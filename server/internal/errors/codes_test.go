package errors

import (
	"net/http"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/hrygo/synthr/store"
)

func TestFromError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		code   ErrorCode
		status int
	}{
		{"not found", pkgerrors.Wrap(store.ErrNotFound, "agent 7"), ErrCodeNotFound, http.StatusNotFound},
		{"conflict", pkgerrors.Wrap(store.ErrConflict, "wallet"), ErrCodeConflict, http.StatusConflict},
		{"transition", pkgerrors.Wrap(store.ErrInvalidTransition, "draft to listed"), ErrCodeInvalidTransition, http.StatusConflict},
		{"protected", pkgerrors.Wrap(store.ErrProtectedField, "status"), ErrCodeInvalidArgument, http.StatusBadRequest},
		{"argument", store.ErrInvalidArgument, ErrCodeInvalidArgument, http.StatusBadRequest},
		{"coded", Forbidden("not the owner"), ErrCodeForbidden, http.StatusForbidden},
		{"wrapped coded", pkgerrors.Wrap(Unauthorized("expired"), "auth"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{"unknown", pkgerrors.New("boom"), ErrCodeInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := FromError(tt.err)
			assert.Equal(t, tt.code, apiErr.Code)
			assert.Equal(t, tt.status, apiErr.Code.HTTPStatus())
		})
	}
}

func TestInternalHidesCause(t *testing.T) {
	apiErr := FromError(pkgerrors.New("dial tcp 10.0.0.1:5432: refused"))
	assert.Equal(t, "internal error", apiErr.Message)
	assert.ErrorContains(t, apiErr, "refused")
}

func TestIsCode(t *testing.T) {
	err := pkgerrors.Wrap(NotFound("agent %d", 3), "handler")
	assert.True(t, IsCode(err, ErrCodeNotFound))
	assert.False(t, IsCode(err, ErrCodeConflict))
	assert.Equal(t, "agent 3", NotFound("agent %d", 3).Message)
	assert.Equal(t, "x", InvalidArgument("bad").WithDetail("field", "x").Details["field"])
}
