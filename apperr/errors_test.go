package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{Validation("missing %s", "email"), http.StatusBadRequest},
		{InvalidArgument("self"), http.StatusBadRequest},
		{Unauthorized("bad token"), http.StatusUnauthorized},
		{Forbidden("not a contact"), http.StatusForbidden},
		{NotFound("no request"), http.StatusNotFound},
		{Conflict("taken"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
		{fmt.Errorf("outer: %w", Conflict("taken")), http.StatusConflict},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("ctx: %w", NotFound("pending request not found"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrConflict))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "Email already exists", PublicMessage(Conflict("Email already exists")))
	assert.Equal(t, "internal server error", PublicMessage(errors.New("sql: connection refused")))
	assert.Equal(t, "internal server error", PublicMessage(Wrap(KindInternal, "db down", errors.New("x"))))
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, "save file", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, KindInternal, KindOf(err))
}
