package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(3, time.Millisecond), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := Do(context.Background(), Fixed(2, time.Millisecond), func() error {
		calls++
		return boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

func TestDoNonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Fixed(5, time.Millisecond), func() error {
		calls++
		return NonRetryable(errors.New("bad input"))
	})
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, calls)
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Fixed(10, 50*time.Millisecond), func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDoSupersededStopsRetrying(t *testing.T) {
	var token Token
	gen := token.Next()

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- DoSuperseded(context.Background(), Fixed(50, 10*time.Millisecond),
			&token, gen, func() error {
				calls++
				return errors.New("transient")
			})
	}()

	time.Sleep(25 * time.Millisecond)
	token.Next() // newer call supersedes

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrSuperseded)
		assert.Less(t, calls, 50)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop after being superseded")
	}
}

func TestDoWithResult(t *testing.T) {
	v, err := DoWithResult(context.Background(), Fixed(2, time.Millisecond), func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
