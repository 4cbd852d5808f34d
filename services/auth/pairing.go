package auth

import (
	"context"
	"iter"
	"time"

	"yhmv/models"
)

// Stage identifies a step of the pairing sequence.
type Stage string

const (
	StageRequesting Stage = "requesting"
	StagePin        Stage = "pin"
	StageWaiting    Stage = "waiting"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// PairingUpdate is one element of the sequence produced by LoginWithPin.
// Done and Failed are terminal: Session is set on Done, Err on Failed.
type PairingUpdate struct {
	Stage         Stage
	Pin           models.PinChallenge
	ActivationURL string
	Attempt       int
	Remaining     time.Duration
	Session       *models.AuthSession
	Err           error
}

// Terminal reports whether u ends the sequence.
func (u PairingUpdate) Terminal() bool {
	return u.Stage == StageDone || u.Stage == StageFailed
}

// PairingOptions override the manager's polling defaults for one login.
type PairingOptions struct {
	Interval    time.Duration
	MaxAttempts int
}

// LoginWithPin runs the PIN pairing flow as a lazy sequence. Nothing happens
// until the caller ranges over it; breaking out of the loop or cancelling
// ctx stops polling. The directory is polled at most MaxAttempts times and
// the last poll may still succeed.
func (m *Manager) LoginWithPin(ctx context.Context, opts PairingOptions) iter.Seq[PairingUpdate] {
	interval := opts.Interval
	if interval <= 0 {
		interval = m.opts.PairingInterval
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = m.opts.PairingAttempts
	}

	return func(yield func(PairingUpdate) bool) {
		finished := false
		defer func() {
			if !finished {
				m.abandonLogin()
			}
		}()
		fail := func(err error) {
			finished = true
			m.abandonLogin()
			yield(PairingUpdate{Stage: StageFailed, Err: err})
		}

		if !yield(PairingUpdate{Stage: StageRequesting}) {
			return
		}
		pin, err := m.RequestPin(ctx)
		if err != nil {
			fail(err)
			return
		}
		activation := m.ActivationURL(pin.Code)
		if !yield(PairingUpdate{Stage: StagePin, Pin: pin, ActivationURL: activation}) {
			return
		}

		for attempt := 0; attempt < maxAttempts; attempt++ {
			if err := m.opts.Sleep(ctx, interval); err != nil {
				fail(err)
				return
			}

			token, err := m.PollPin(ctx, pin.ID)
			if err != nil {
				if ctx.Err() != nil {
					fail(ctx.Err())
					return
				}
				m.log.Warn("PIN poll failed", "attempt", attempt+1, "error", err)
			}
			if token != "" {
				m.log.Info("PIN authorized", "attempt", attempt+1)
				session, err := m.LoginWithToken(ctx, token)
				if err != nil {
					fail(err)
					return
				}
				finished = true
				yield(PairingUpdate{Stage: StageDone, Pin: pin, Attempt: attempt + 1, Session: &session})
				return
			}

			if attempt%5 == 0 {
				remaining := time.Duration(maxAttempts-attempt) * interval
				if !yield(PairingUpdate{Stage: StageWaiting, Pin: pin, ActivationURL: activation, Attempt: attempt + 1, Remaining: remaining}) {
					return
				}
			}
		}

		m.log.Warn("PIN authorization timed out", "attempts", maxAttempts)
		fail(ErrPairingTimedOut)
	}
}
