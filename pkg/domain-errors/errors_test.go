package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_CodeMatching(t *testing.T) {
	t.Run("wrapped domain error keeps its code through fmt wrapping", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := fmt.Errorf("save patient: %w", Wrap(cause, CodeInternal, "failed to persist"))

		assert.True(t, HasCode(err, CodeInternal))
		assert.False(t, HasCode(err, CodeNotFound))
		assert.Equal(t, CodeInternal, GetCode(err))
		assert.ErrorIs(t, err, cause)
	})

	t.Run("errors.Is compares code and message", func(t *testing.T) {
		err := New(CodeUnauthorized, "token has expired")

		require.ErrorIs(t, err, New(CodeUnauthorized, "token has expired"))
		assert.NotErrorIs(t, err, New(CodeUnauthorized, "invalid token"))
		assert.ErrorIs(t, err, &Error{Code: CodeUnauthorized})
	})

	t.Run("plain errors default to internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, GetCode(errors.New("boom")))
		assert.False(t, Is(errors.New("boom"), CodeInternal))
	})

	t.Run("message includes the cause", func(t *testing.T) {
		err := Wrap(errors.New("eof"), CodeUnavailable, "broker unavailable")
		assert.Equal(t, "broker unavailable: eof", err.Error())
	})
}
