package domain

import (
	"crypto/rand"
	"encoding/base64"
	"time"
)

// NewProofToken mints an opaque, unguessable token bound to one lobby.
func NewProofToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; a zero token
		// would be worse than a panic here.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Redeem validates a presented proof token for a participant and records the
// redemption. It returns first=true only on the transition of the redeemed
// set from empty to non-empty; that single transition is what triggers the
// payout. Re-redeeming by the same user is a harmless no-op.
//
// Any one participant confirming is proof enough that the meeting happened;
// in practice not every phone is free to scan at once.
func (l *Lobby) Redeem(userID, presentedToken string, now time.Time) (first bool, err error) {
	l.Advance(now)

	switch l.State {
	case LobbyStateExpired:
		return false, ErrLobbyExpired
	case LobbyStateForming, LobbyStateCountingDown:
		return false, ErrLobbyNotStarted
	}
	if presentedToken != l.ProofToken {
		return false, ErrTokenMismatch
	}
	if !l.IsParticipant(userID) {
		return false, ErrNotAParticipant
	}

	if l.Redeemed == nil {
		l.Redeemed = make(map[string]time.Time)
	}
	if _, already := l.Redeemed[userID]; already {
		return false, nil
	}

	first = len(l.Redeemed) == 0
	l.Redeemed[userID] = now
	l.UpdatedAt = now

	if first {
		l.RewardsIssued = true
		l.State = LobbyStateCompleted
	}
	return first, nil
}
