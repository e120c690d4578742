package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"marked transient", Transient(errors.New("429")), true},
		{"marked permanent", Permanent(errors.New("403")), false},
		{"permanent wins over deadline", Permanent(context.DeadlineExceeded), false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("refused")}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTransient(tc.err))
		})
	}
}

func TestClassifiedKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Transient(cause)
	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, "boom", err.Error())
	assert.Nil(t, Permanent(nil))
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	var notified []error
	p := Policy{Attempts: 3, Delay: time.Millisecond, OnRetry: func(err error, _ time.Duration) {
		notified = append(notified, err)
	}}

	got, err := Do(context.Background(), p, nil, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", Transient(errors.New("flaky"))
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
	assert.Len(t, notified, 2)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	cause := errors.New("unauthorized")
	_, err := Do(context.Background(), Policy{Attempts: 5, Delay: time.Millisecond}, nil, func(context.Context) (int, error) {
		calls++
		return 0, cause
	})
	require.ErrorIs(t, err, cause)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 2, Delay: time.Millisecond}, func(error) bool { return true }, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("still down")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{}, func(error) bool { return true }, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
