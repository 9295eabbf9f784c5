package domain

import "time"

// groupBonus multiplies the base reward when more than one person showed up.
// Expressed as a ratio to keep the arithmetic in integers (x1.5, floored).
const (
	groupBonusNum = 3
	groupBonusDen = 2
	minCoinReward = 10
)

// Payout is the per-participant reward for one completed lobby.
type Payout struct {
	LobbyID    string
	HubID      string
	Category   string
	GroupSize  int
	Crystals   int
	Coins      int
	GroupBonus bool
	IssuedAt   time.Time
}

// PayoutFor computes the reward every participant of the lobby receives.
// All participants get the same amount; the group bonus applies whenever
// more than one person committed to the rendezvous.
func PayoutFor(l *Lobby, now time.Time) Payout {
	size := len(l.Participants)
	crystals := l.Template.BaseReward
	group := size > 1
	if group {
		crystals = crystals * groupBonusNum / groupBonusDen
	}

	coins := crystals / 2
	if coins < minCoinReward {
		coins = minCoinReward
	}

	return Payout{
		LobbyID:    l.ID,
		HubID:      l.HubID,
		Category:   l.Template.Category,
		GroupSize:  size,
		Crystals:   crystals,
		Coins:      coins,
		GroupBonus: group,
		IssuedAt:   now,
	}
}
