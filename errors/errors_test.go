package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestIs(t *testing.T) {
	err1 := New("error 1")
	err2 := New("error 2")
	wrapped := Wrap(err1, "wrapped")

	assert.True(t, Is(wrapped, err1))
	assert.False(t, Is(wrapped, err2))
	assert.False(t, Is(nil, err1))
}

func TestSentinelErrors(t *testing.T) {
	t.Run("ErrRunNotFound wraps ErrNotFound", func(t *testing.T) {
		assert.True(t, Is(ErrRunNotFound, ErrNotFound))
	})

	t.Run("ErrStepNotFound wraps ErrNotFound", func(t *testing.T) {
		assert.True(t, Is(ErrStepNotFound, ErrNotFound))
	})

	t.Run("wrapped sentinel survives additional context", func(t *testing.T) {
		err := Wrapf(ErrRunNotFound, "run %s", "abc123")
		assert.True(t, Is(err, ErrRunNotFound))
		assert.True(t, IsNotFoundError(err))
	})
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsNotFoundError(New("other error")))
	assert.True(t, IsNotFoundError(ErrNotFound))
	assert.True(t, IsNotFoundError(NewNotFoundError("run %s does not exist", "r1")))
}
