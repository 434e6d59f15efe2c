package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vherrors "github.com/vaulthalla/vaulthalla/pkg/errors"
)

func TestExecuteTripsOpenAfterThreshold(t *testing.T) {
	b := New("vault-a", Config{FailureThreshold: 2, Interval: time.Minute, Timeout: time.Minute})

	boom := errors.New("boom")
	require.Error(t, b.Execute(func() error { return boom }))
	require.Error(t, b.Execute(func() error { return boom }))
	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(func() error { return nil })
	require.Error(t, err)
	var vErr *vherrors.VaultError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, vherrors.CodeTransient, vErr.Code)
}

func TestExecuteTripsOpenImmediatelyOnFatal(t *testing.T) {
	b := New("vault-b", Config{FailureThreshold: 10, Interval: time.Minute, Timeout: time.Minute})

	err := b.Execute(func() error {
		return vherrors.New(vherrors.CodeFatal, "sigv4 rejected")
	})
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenRecoversToClosedOnSuccess(t *testing.T) {
	b := New("vault-c", Config{FailureThreshold: 1, Interval: time.Minute, Timeout: time.Millisecond})

	boom := errors.New("boom")
	require.Error(t, b.Execute(func() error { return boom }))
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
}

func TestOnStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New("vault-d", Config{
		FailureThreshold: 1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = b.Execute(func() error { return errors.New("boom") })
	require.Len(t, transitions, 1)
	assert.Equal(t, "vault-d:CLOSED->OPEN", transitions[0])
}
