package domain

import (
	"time"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/platform/events"
)

func lobbyStateChangedPayload(l *Lobby, now time.Time) events.LobbyStateChanged {
	return events.LobbyStateChanged{
		LobbyID:           l.ID,
		HubID:             l.HubID,
		TemplateID:        l.Template.ID,
		State:             string(l.State),
		ParticipantCount:  len(l.Participants),
		CountdownDeadline: l.CountdownDeadline,
		OccurredAt:        now,
	}
}

func checkinRedeemedPayload(l *Lobby, userID string, first bool, now time.Time) events.CheckinRedeemed {
	return events.CheckinRedeemed{
		LobbyID:    l.ID,
		HubID:      l.HubID,
		UserID:     userID,
		First:      first,
		RedeemedAt: now,
	}
}

func rewardsIssuedPayload(l *Lobby, p Payout) events.RewardsIssued {
	ids := make([]string, 0, len(l.Participants))
	for _, part := range l.Participants {
		ids = append(ids, part.UserID)
	}
	return events.RewardsIssued{
		LobbyID:    l.ID,
		HubID:      l.HubID,
		UserIDs:    ids,
		Crystals:   p.Crystals,
		Coins:      p.Coins,
		GroupBonus: p.GroupBonus,
		IssuedAt:   p.IssuedAt,
	}
}

// ProgressionAdvancedPayload builds the event emitted when a credit crosses a
// stage threshold. Exported because the repository discovers the crossing
// inside the payout transaction.
func ProgressionAdvancedPayload(rec *ProgressionRecord, d StageDecision, now time.Time) events.ProgressionAdvanced {
	return events.ProgressionAdvanced{
		UserID:     rec.UserID,
		HubID:      rec.HubID,
		Stage:      string(d.Stage),
		Level:      rec.Level,
		Traits:     d.Traits,
		OccurredAt: now,
	}
}
