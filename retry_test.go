package workitems

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithRetryAbsorbsTransientFailures(t *testing.T) {
	var calls int
	var err = WithRetry("op", func() error {
		calls++
		if calls < 3 {
			return Transient("op", errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestWithRetryGivesUpAfterAttempts(t *testing.T) {
	var calls int
	var err = WithRetry("op", func() error {
		calls++
		return Transient("op", errors.New("connection reset"))
	})
	require.Error(t, err)
	require.True(t, IsTransient(err))
	require.Equal(t, 3, calls)
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	var calls int
	var err = WithRetry("op", func() error {
		calls++
		return ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 1, calls)
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(Transient("op", errors.New("x"))))

	// Wrapping preserves the classification.
	var wrapped = errors.Join(errors.New("context"), Transient("op", errors.New("x")))
	require.True(t, IsTransient(wrapped))

	require.False(t, IsTransient(ErrEmptyQueue))
	require.False(t, IsTransient(ErrPoolExhausted))
	require.False(t, IsTransient(nil))
}
