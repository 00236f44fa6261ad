package chain

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRetryReader() *Reader {
	return &Reader{
		callTimeout:  time.Second,
		retryMax:     3,
		retryBackoff: time.Millisecond,
	}
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	r := testRetryReader()
	calls := 0

	err := r.do(context.Background(), "headers", func(context.Context) error {
		calls++
		if calls < 3 {
			return errTimeout{}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls, "two transient failures then success")
}

func TestDoSurfacesTransientAfterBudget(t *testing.T) {
	r := testRetryReader()
	calls := 0

	err := r.do(context.Background(), "headers", func(context.Context) error {
		calls++
		return errTimeout{}
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, r.retryMax+1, calls, "initial call plus the full retry budget")
}

func TestDoDoesNotRetryPermanent(t *testing.T) {
	r := testRetryReader()
	calls := 0

	err := r.do(context.Background(), "logs", func(context.Context) error {
		calls++
		return errors.New("execution reverted")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, 1, calls, "permanent failures must not burn the retry budget")
}

func TestDoBailsOutOfBackoffOnCancel(t *testing.T) {
	r := testRetryReader()
	r.retryBackoff = time.Hour // the cancel must win, not the timer

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0

	err := r.do(ctx, "headers", func(context.Context) error {
		calls++
		return errTimeout{}
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
