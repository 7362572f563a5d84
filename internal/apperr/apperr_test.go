package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("cast vote: %w", Conflict("user %s already voted", "u1"))

	assert.Equal(t, KindConflict, KindOf(err))
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "user u1 already voted", Message(err))
}

func TestKindOf_PlainError(t *testing.T) {
	err := errors.New("disk on fire")

	assert.Equal(t, KindInternal, KindOf(err))
	assert.Equal(t, "internal error", Message(err))
}

func TestUnavailable_Unwraps(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Unavailable(cause, "weather channel")

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, "weather channel: dial tcp: timeout", err.Error())
}
