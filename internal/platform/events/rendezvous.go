// Package events defines shared cross-service event payloads.
package events

import "time"

// LobbyStateChanged tracks lobby state machine transitions
// (forming, counting_down, started, completed, expired).
type LobbyStateChanged struct {
	LobbyID           string     `json:"lobby_id"`
	HubID             string     `json:"hub_id"`
	TemplateID        string     `json:"template_id"`
	State             string     `json:"state"`
	ParticipantCount  int        `json:"participant_count"`
	CountdownDeadline *time.Time `json:"countdown_deadline,omitempty"`
	OccurredAt        time.Time  `json:"occurred_at"`
}

// CheckinRedeemed is emitted for every successful proof-token redemption.
type CheckinRedeemed struct {
	LobbyID    string    `json:"lobby_id"`
	HubID      string    `json:"hub_id"`
	UserID     string    `json:"user_id"`
	First      bool      `json:"first"`
	RedeemedAt time.Time `json:"redeemed_at"`
}

// RewardsIssued is emitted exactly once per lobby, when the first
// redemption triggers the payout for all participants.
type RewardsIssued struct {
	LobbyID    string    `json:"lobby_id"`
	HubID      string    `json:"hub_id"`
	UserIDs    []string  `json:"user_ids"`
	Crystals   int       `json:"crystals"`
	Coins      int       `json:"coins"`
	GroupBonus bool      `json:"group_bonus"`
	IssuedAt   time.Time `json:"issued_at"`
}

// ProgressionAdvanced is emitted when a credit pushes a user across a
// stage threshold.
type ProgressionAdvanced struct {
	UserID     string    `json:"user_id"`
	HubID      string    `json:"hub_id"`
	Stage      string    `json:"stage"`
	Level      int       `json:"level"`
	Traits     []string  `json:"traits"`
	OccurredAt time.Time `json:"occurred_at"`
}

// LobbyEmote is a best-effort broadcast with no delivery or ordering
// guarantees; it never goes through the outbox.
type LobbyEmote struct {
	LobbyID     string    `json:"lobby_id"`
	HubID       string    `json:"hub_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Emote       string    `json:"emote"`
	SentAt      time.Time `json:"sent_at"`
}
