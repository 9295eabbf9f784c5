// Package domain defines the business logic for the rendezvous service.
package domain

import (
	"slices"
	"time"
)

// LobbyState is the coordination state of a single rendezvous attempt.
type LobbyState string

const (
	LobbyStateForming      LobbyState = "forming"
	LobbyStateCountingDown LobbyState = "counting_down"
	LobbyStateStarted      LobbyState = "started"
	LobbyStateCompleted    LobbyState = "completed"
	LobbyStateExpired      LobbyState = "expired"
)

// ActivityTemplate is the immutable catalog definition a lobby is built from.
// Templates are seeded by the catalog service and read-only here.
type ActivityTemplate struct {
	ID              string
	Title           string
	Description     string
	DurationMin     int
	MinParticipants int
	MaxParticipants int
	Difficulty      string
	BaseReward      int
	Category        string
	Icon            string
}

// Participant is one member of a lobby. A user appears at most once.
type Participant struct {
	UserID      string
	DisplayName string
	Ready       bool
	Host        bool
	JoinedAt    time.Time
}

// Lobby is the authoritative aggregate for one rendezvous instance.
// All state advances are computed lazily against a caller-supplied clock;
// there are no background timers.
type Lobby struct {
	ID             string
	HubID          string
	Template       ActivityTemplate
	Location       string
	ScheduledStart time.Time
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Countdown      time.Duration
	State          LobbyState
	Participants   []Participant
	// CountdownDeadline is absolute so every polling client derives the
	// same remaining time regardless of poll jitter. Set iff State is
	// counting_down.
	CountdownDeadline *time.Time
	// ProofToken is minted exactly once, on the transition into started.
	ProofToken string
	Redeemed   map[string]time.Time
	// RewardsIssued flips false->true exactly once, on the first
	// successful redemption.
	RewardsIssued bool
	UpdatedAt     time.Time
}

// Advance applies lazy, clock-driven transitions: countdown elapse mints the
// proof token and starts the lobby; sitting past the expiry deadline while
// never started expires it. It returns true when any transition fired, so
// callers know to persist the aggregate even on reads.
func (l *Lobby) Advance(now time.Time) bool {
	changed := false

	// Transitions apply in the order their deadlines elapsed, so an expiry
	// that chronologically preceded the countdown deadline still wins.
	if l.State == LobbyStateCountingDown && l.CountdownDeadline != nil &&
		!now.Before(*l.CountdownDeadline) && l.CountdownDeadline.Before(l.ExpiresAt) {
		l.State = LobbyStateStarted
		l.CountdownDeadline = nil
		if l.ProofToken == "" {
			l.ProofToken = NewProofToken()
		}
		l.UpdatedAt = now
		changed = true
	}

	if (l.State == LobbyStateForming || l.State == LobbyStateCountingDown) && !now.Before(l.ExpiresAt) {
		l.State = LobbyStateExpired
		l.CountdownDeadline = nil
		l.UpdatedAt = now
		changed = true
	}

	return changed
}

// Join adds a user with ready=false. Re-joining is a no-op. A join during
// the countdown reverts the lobby to forming because the new participant is
// not ready yet.
func (l *Lobby) Join(userID, displayName string, now time.Time) error {
	l.Advance(now)

	if l.State == LobbyStateExpired {
		return ErrLobbyExpired
	}
	if l.State == LobbyStateStarted || l.State == LobbyStateCompleted {
		return ErrLobbyAlreadyStarted
	}
	if l.participant(userID) != nil {
		return nil
	}
	if len(l.Participants) >= l.Template.MaxParticipants {
		return ErrLobbyFull
	}

	l.Participants = append(l.Participants, Participant{
		UserID:      userID,
		DisplayName: displayName,
		Host:        len(l.Participants) == 0,
		JoinedAt:    now,
	})
	l.UpdatedAt = now
	l.evaluateReadiness(now)
	return nil
}

// Leave removes a user if present; absent users are a harmless no-op.
// Leaving during the countdown always reverts to forming first: the pending
// start was agreed by a group that no longer exists, so a remaining group
// that still qualifies re-enters the countdown with a fresh deadline.
func (l *Lobby) Leave(userID string, now time.Time) bool {
	l.Advance(now)

	for i, p := range l.Participants {
		if p.UserID == userID {
			l.Participants = append(l.Participants[:i], l.Participants[i+1:]...)
			l.UpdatedAt = now
			switch l.State {
			case LobbyStateCountingDown:
				l.State = LobbyStateForming
				l.CountdownDeadline = nil
				l.evaluateReadiness(now)
			case LobbyStateForming:
				l.evaluateReadiness(now)
			}
			return true
		}
	}
	return false
}

// SetReady updates a participant's ready flag and re-evaluates the all-ready
// condition from the full participant list.
func (l *Lobby) SetReady(userID string, ready bool, now time.Time) error {
	l.Advance(now)

	if l.State == LobbyStateExpired {
		return ErrLobbyExpired
	}
	p := l.participant(userID)
	if p == nil {
		return ErrNotAParticipant
	}
	if l.State == LobbyStateStarted || l.State == LobbyStateCompleted {
		// Readiness is meaningless after start; treat as a no-op so
		// late client retries stay harmless.
		return nil
	}

	if p.Ready != ready {
		p.Ready = ready
		l.UpdatedAt = now
	}
	l.evaluateReadiness(now)
	return nil
}

// AllReady reports whether the lobby meets the start condition: at least
// the template minimum joined, and every participant ready.
func (l *Lobby) AllReady() bool {
	if len(l.Participants) < l.Template.MinParticipants {
		return false
	}
	for _, p := range l.Participants {
		if !p.Ready {
			return false
		}
	}
	return len(l.Participants) > 0
}

// evaluateReadiness recomputes the forming/counting_down boundary from the
// full participant list. Always computed fresh, never incrementally, so a
// missed update can never leave the countdown running with an unready
// participant.
func (l *Lobby) evaluateReadiness(now time.Time) {
	switch l.State {
	case LobbyStateForming:
		if l.AllReady() {
			deadline := now.Add(l.Countdown)
			l.State = LobbyStateCountingDown
			l.CountdownDeadline = &deadline
			l.UpdatedAt = now
		}
	case LobbyStateCountingDown:
		if !l.AllReady() {
			l.State = LobbyStateForming
			l.CountdownDeadline = nil
			l.UpdatedAt = now
		}
	}
}

// lobbySnapshot captures the persisted coordination state of a lobby.
// Change detection compares snapshots structurally; timestamps are not part
// of it, so two mutations landing on the same clock reading are still seen.
type lobbySnapshot struct {
	state        LobbyState
	deadline     time.Time
	token        string
	rewards      bool
	redemptions  int
	participants []Participant
}

func (l *Lobby) snapshot() lobbySnapshot {
	s := lobbySnapshot{
		state:        l.State,
		token:        l.ProofToken,
		rewards:      l.RewardsIssued,
		redemptions:  len(l.Redeemed),
		participants: append([]Participant(nil), l.Participants...),
	}
	if l.CountdownDeadline != nil {
		s.deadline = *l.CountdownDeadline
	}
	return s
}

func (s lobbySnapshot) equal(o lobbySnapshot) bool {
	if s.state != o.state || !s.deadline.Equal(o.deadline) ||
		s.token != o.token || s.rewards != o.rewards || s.redemptions != o.redemptions {
		return false
	}
	return slices.Equal(s.participants, o.participants)
}

// IsParticipant reports whether the user is currently in the lobby.
func (l *Lobby) IsParticipant(userID string) bool {
	return l.participant(userID) != nil
}

func (l *Lobby) participant(userID string) *Participant {
	for i := range l.Participants {
		if l.Participants[i].UserID == userID {
			return &l.Participants[i]
		}
	}
	return nil
}
