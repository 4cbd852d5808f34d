package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, m *Manager, ctx context.Context, opts PairingOptions) []PairingUpdate {
	t.Helper()
	var updates []PairingUpdate
	for u := range m.LoginWithPin(ctx, opts) {
		updates = append(updates, u)
	}
	return updates
}

func TestLoginWithPinSucceedsOnLastAttempt(t *testing.T) {
	dir, disc := defaultFakes()
	dir.tokenOn = 150
	m := newTestManager(t, dir, disc, nil)

	updates := collect(t, m, context.Background(), PairingOptions{})
	require.NotEmpty(t, updates)

	assert.Equal(t, StageRequesting, updates[0].Stage)
	assert.Equal(t, StagePin, updates[1].Stage)
	assert.Equal(t, "ABCD", updates[1].Pin.Code)
	assert.Equal(t, "https://plex.tv/link/?pin=ABCD", updates[1].ActivationURL)

	last := updates[len(updates)-1]
	assert.Equal(t, StageDone, last.Stage)
	assert.True(t, last.Terminal())
	assert.Equal(t, 150, last.Attempt)
	require.NotNil(t, last.Session)
	assert.Equal(t, "token-from-pin", last.Session.AccessToken)
	assert.Equal(t, 150, dir.checks())
	assert.Equal(t, StateAuthenticated, m.State())
}

func TestLoginWithPinTimesOut(t *testing.T) {
	dir, disc := defaultFakes()
	m := newTestManager(t, dir, disc, nil)

	updates := collect(t, m, context.Background(), PairingOptions{})
	last := updates[len(updates)-1]
	assert.Equal(t, StageFailed, last.Stage)
	assert.ErrorIs(t, last.Err, ErrPairingTimedOut)
	assert.Equal(t, 150, dir.checks(), "no poll after the last attempt")
	assert.Equal(t, StateUnauthenticated, m.State())

	var waiting []PairingUpdate
	for _, u := range updates {
		if u.Stage == StageWaiting {
			waiting = append(waiting, u)
		}
	}
	require.Len(t, waiting, 30)
	assert.Equal(t, 300*time.Second, waiting[0].Remaining)
	assert.Equal(t, 1, waiting[0].Attempt)
	assert.Equal(t, 10*time.Second, waiting[29].Remaining)
}

func TestLoginWithPinTreatsPollErrorsAsPending(t *testing.T) {
	dir, disc := defaultFakes()
	dir.checkErr = errors.New("plex pin check failed: 502 Bad Gateway")
	m := newTestManager(t, dir, disc, nil)

	updates := collect(t, m, context.Background(), PairingOptions{MaxAttempts: 3, Interval: time.Millisecond})
	last := updates[len(updates)-1]
	assert.ErrorIs(t, last.Err, ErrPairingTimedOut)
	assert.Equal(t, 3, dir.checks())
}

func TestLoginWithPinStopsWhenConsumerBreaks(t *testing.T) {
	dir, disc := defaultFakes()
	m := newTestManager(t, dir, disc, nil)

	for u := range m.LoginWithPin(context.Background(), PairingOptions{}) {
		if u.Stage == StagePin {
			assert.Equal(t, StatePairing, m.State())
			break
		}
	}
	assert.Zero(t, dir.checks())
	assert.Equal(t, StateUnauthenticated, m.State())
}

func TestLoginWithPinCancelled(t *testing.T) {
	dir, disc := defaultFakes()
	m := newTestManager(t, dir, disc, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var last PairingUpdate
	for u := range m.LoginWithPin(ctx, PairingOptions{}) {
		if u.Stage == StageWaiting && u.Attempt == 6 {
			cancel()
		}
		last = u
	}
	assert.Equal(t, StageFailed, last.Stage)
	assert.ErrorIs(t, last.Err, context.Canceled)
	assert.Equal(t, 6, dir.checks())
}

func TestLoginWithPinIsLazy(t *testing.T) {
	dir, disc := defaultFakes()
	m := newTestManager(t, dir, disc, nil)

	_ = m.LoginWithPin(context.Background(), PairingOptions{})
	assert.Zero(t, dir.checks())
	assert.Equal(t, StateUnauthenticated, m.State())
}
