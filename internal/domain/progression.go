package domain

import "time"

// Stage is a user's long-lived progression tier. Ordering is
// baby < teen < (adult | leader | support); the teen split is decided once
// from activity history and never revisited.
type Stage string

const (
	StageBaby    Stage = "baby"
	StageTeen    Stage = "teen"
	StageAdult   Stage = "adult"
	StageLeader  Stage = "leader"
	StageSupport Stage = "support"
)

// Thresholds and branch parameters for stage transitions.
const (
	crystalsPerLevel = 100
	teenLevel        = 10
	adultLevel       = 20

	// leaderGroupRatio is the share of group activities above which the
	// teen split picks the leader branch.
	leaderGroupRatio = 0.7
	// supportCategory / supportCategoryCount select the support branch.
	supportCategory      = "help_neighbor"
	supportCategoryCount = 5
)

// ProgressionRecord holds a user's lifetime progression state. It is mutated
// only through Credit; every field needed by the stage decision lives here so
// the decision can be computed server-side from authoritative history.
type ProgressionRecord struct {
	UserID          string
	HubID           string
	Crystals        int
	Coins           int
	Level           int
	Stage           Stage
	Traits          []string
	QuestsCompleted int
	GroupQuests     int
	SocialScore     int
	CategoryCounts  map[string]int
	UpdatedAt       time.Time
}

// NewProgressionRecord returns the zero-state record for a fresh user.
func NewProgressionRecord(userID, hubID string, now time.Time) *ProgressionRecord {
	return &ProgressionRecord{
		UserID:         userID,
		HubID:          hubID,
		Level:          1,
		Stage:          StageBaby,
		Traits:         []string{},
		CategoryCounts: map[string]int{},
		UpdatedAt:      now,
	}
}

// LevelFor derives a level from cumulative crystals.
func LevelFor(crystals int) int {
	return crystals/crystalsPerLevel + 1
}

// Credit applies one completed-activity payout to the record: additive
// crystal/coin deltas, history counters, and the social score bump
// (+10 group, +3 solo). Callers must serialize credits per user.
func (r *ProgressionRecord) Credit(p Payout) {
	r.Crystals += p.Crystals
	r.Coins += p.Coins
	r.Level = LevelFor(r.Crystals)
	r.QuestsCompleted++
	if p.GroupSize > 1 {
		r.GroupQuests++
		r.SocialScore += 10
	} else {
		r.SocialScore += 3
	}
	if r.CategoryCounts == nil {
		r.CategoryCounts = map[string]int{}
	}
	r.CategoryCounts[p.Category]++
	r.UpdatedAt = p.IssuedAt
}

// StageDecision is the outcome of a transition check.
type StageDecision struct {
	Stage  Stage
	Traits []string
}

// NextStage is the pure transition rule. It inspects a snapshot of the record
// and reports whether a new stage has been reached. It is idempotent (no
// threshold newly crossed means no decision) and re-entrant safe: once the
// stage has advanced, re-running the check for the same crossing is a no-op,
// and the teen split is never recomputed after it has been taken.
func NextStage(r ProgressionRecord) (StageDecision, bool) {
	switch r.Stage {
	case StageBaby:
		if r.Level >= teenLevel {
			return StageDecision{Stage: StageTeen, Traits: []string{"Growing"}}, true
		}
	case StageTeen:
		if r.Level >= adultLevel {
			return teenSplit(r), true
		}
	}
	return StageDecision{}, false
}

// teenSplit picks the branch from the full history available at the instant
// of crossing. The decision is permanent even if later history would imply a
// different branch.
func teenSplit(r ProgressionRecord) StageDecision {
	if r.QuestsCompleted > 0 {
		ratio := float64(r.GroupQuests) / float64(r.QuestsCompleted)
		if ratio > leaderGroupRatio {
			return StageDecision{Stage: StageLeader, Traits: []string{"Social Leader"}}
		}
	}
	if r.CategoryCounts[supportCategory] > supportCategoryCount {
		return StageDecision{Stage: StageSupport, Traits: []string{"Community Helper"}}
	}
	return StageDecision{Stage: StageAdult, Traits: []string{"Mature"}}
}

// ApplyStage advances the record to the decided stage, appending its traits.
// Stages only move forward.
func (r *ProgressionRecord) ApplyStage(d StageDecision, now time.Time) {
	r.Stage = d.Stage
	r.Traits = append(r.Traits, d.Traits...)
	r.UpdatedAt = now
}
