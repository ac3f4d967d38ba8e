package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindsSurviveWrapping(t *testing.T) {
	err := fmt.Errorf("start session: %w", Validation("session not connected"))
	assert.True(t, errors.Is(err, ErrValidation))
	assert.False(t, errors.Is(err, ErrConflict))
	assert.Equal(t, "start session: session not connected", err.Error())
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(ErrProviderUnavailable, cause, "create session")
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
	assert.True(t, errors.Is(err, cause))
	assert.Nil(t, Wrap(ErrInternal, nil, "noop"))
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(NotFound("token")))
	assert.True(t, IsNotFound(&Error{Kind: ErrProviderNotFound}))
	assert.False(t, IsNotFound(Validation("x")))
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "validation", KindName(fmt.Errorf("x: %w", Validation("bad"))))
	assert.Equal(t, "not_found", KindName(NotFound("t")))
	assert.Equal(t, "provider_unavailable", KindName(Wrap(ErrProviderUnavailable, errors.New("eof"), "get")))
	assert.Equal(t, "internal", KindName(errors.New("boom")))
	assert.Equal(t, "", KindName(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&Error{Kind: ErrRateLimited}))
	assert.True(t, IsTransient(Wrap(ErrProviderUnavailable, errors.New("eof"), "send")))
	assert.False(t, IsTransient(Validation("session not connected")))
}
