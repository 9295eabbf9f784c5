package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/domain"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/observability"
)

// Repository provides Postgres-backed persistence for lobbies, progression,
// and outbox events. All tenant-scoped statements run inside a transaction
// that sets app.hub_id so row-level security applies.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ domain.Repository = (*Repository)(nil)

// GetTemplate fetches a catalog template by id.
func (r *Repository) GetTemplate(ctx context.Context, hubID, templateID string) (*domain.ActivityTemplate, error) {
	const query = `SELECT template_id, title, description, duration_min, min_participants, max_participants, difficulty, base_reward, category, icon
        FROM activity_templates WHERE hub_id=$1 AND template_id=$2`

	tx, err := r.beginHubTx(ctx, hubID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, query, hubID, templateID)
	var tpl domain.ActivityTemplate
	if err := row.Scan(&tpl.ID, &tpl.Title, &tpl.Description, &tpl.DurationMin, &tpl.MinParticipants, &tpl.MaxParticipants, &tpl.Difficulty, &tpl.BaseReward, &tpl.Category, &tpl.Icon); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &tpl, nil
}

// CreateLobby persists a new lobby and its outbox events in one transaction.
func (r *Repository) CreateLobby(ctx context.Context, lobby *domain.Lobby, events ...domain.Event) error {
	tx, err := r.beginHubTx(ctx, lobby.HubID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const insertLobby = `INSERT INTO lobbies (lobby_id, hub_id, template_id, location, scheduled_start, created_at, expires_at, countdown_ms, state, countdown_deadline, proof_token, rewards_issued, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`

	if _, err := tx.Exec(ctx, insertLobby,
		lobby.ID,
		lobby.HubID,
		lobby.Template.ID,
		lobby.Location,
		lobby.ScheduledStart,
		lobby.CreatedAt,
		lobby.ExpiresAt,
		lobby.Countdown.Milliseconds(),
		lobby.State,
		lobby.CountdownDeadline,
		lobby.ProofToken,
		lobby.RewardsIssued,
		lobby.UpdatedAt,
	); err != nil {
		return err
	}

	if err := writeParticipants(ctx, tx, lobby); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, lobby, events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordLobbyPersisted(lobby.UpdatedAt)
	return nil
}

// GetLobby loads the lobby aggregate with its participants and redemptions.
// Returns (nil, nil) when the lobby does not exist in the hub.
func (r *Repository) GetLobby(ctx context.Context, hubID, lobbyID string) (*domain.Lobby, error) {
	tx, err := r.beginHubTx(ctx, hubID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	lobby, err := loadLobby(ctx, tx, hubID, lobbyID)
	if err != nil {
		return nil, err
	}
	if lobby == nil {
		return nil, tx.Commit(ctx)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return lobby, nil
}

// SaveLobby overwrites the lobby aggregate and records outbox events atomically.
func (r *Repository) SaveLobby(ctx context.Context, lobby *domain.Lobby, events ...domain.Event) error {
	tx, err := r.beginHubTx(ctx, lobby.HubID)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := updateLobby(ctx, tx, lobby); err != nil {
		return err
	}
	if err := insertEvents(ctx, tx, lobby, events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordLobbyPersisted(lobby.UpdatedAt)
	return nil
}

// IssueRewards commits the completed lobby, every participant's credit, the
// history and connection rows, and all outbox events as one transaction.
// Progression rows are locked FOR UPDATE in sorted user order so concurrent
// payouts touching overlapping users cannot deadlock.
func (r *Repository) IssueRewards(ctx context.Context, lobby *domain.Lobby, payout domain.Payout, events ...domain.Event) ([]domain.CreditResult, error) {
	tx, err := r.beginHubTx(ctx, lobby.HubID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := updateLobby(ctx, tx, lobby); err != nil {
		return nil, err
	}

	userIDs := make([]string, 0, len(lobby.Participants))
	for _, p := range lobby.Participants {
		userIDs = append(userIDs, p.UserID)
	}
	sort.Strings(userIDs)

	results := make([]domain.CreditResult, 0, len(userIDs))
	for _, userID := range userIDs {
		rec, err := lockProgression(ctx, tx, lobby.HubID, userID, payout.IssuedAt)
		if err != nil {
			return nil, err
		}
		rec.Credit(payout)

		result := domain.CreditResult{UserID: userID, Record: *rec}
		if decision, ok := domain.NextStage(*rec); ok {
			rec.ApplyStage(decision, payout.IssuedAt)
			d := decision
			result.Advanced = &d
			result.Record = *rec
			events = append(events, domain.Event{
				Type:    domain.EventProgressionAdvanced,
				Payload: domain.ProgressionAdvancedPayload(rec, decision, payout.IssuedAt),
			})
		}
		results = append(results, result)

		if err := saveProgression(ctx, tx, rec); err != nil {
			return nil, err
		}
		if err := insertHistory(ctx, tx, lobby, payout, userID); err != nil {
			return nil, err
		}
	}

	if err := upsertConnections(ctx, tx, lobby, userIDs, payout.IssuedAt); err != nil {
		return nil, err
	}
	if err := insertEvents(ctx, tx, lobby, events); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	observability.RecordRewardsIssued(payout.IssuedAt)
	return results, nil
}

// GetProgression fetches a progression record. Returns (nil, nil) when the
// user has never been credited.
func (r *Repository) GetProgression(ctx context.Context, hubID, userID string) (*domain.ProgressionRecord, error) {
	tx, err := r.beginHubTx(ctx, hubID)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := scanProgression(tx.QueryRow(ctx, progressionSelect+` WHERE hub_id=$1 AND user_id=$2`, hubID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, tx.Commit(ctx)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListHistory returns completed activities newest first with keyset pagination
// on (completed_at, entry_id).
func (r *Repository) ListHistory(ctx context.Context, hubID, userID string, cursor *domain.Cursor, limit int) ([]domain.HistoryEntry, *domain.Cursor, error) {
	args := []interface{}{hubID, userID, limit}
	query := `SELECT entry_id, lobby_id, title, category, group_size, crystals, completed_at
        FROM quest_history WHERE hub_id=$1 AND user_id=$2`

	if cursor != nil {
		query += ` AND (completed_at, entry_id) < ($4, $5)`
		args = append(args, cursor.CompletedAt, cursor.ID)
	}
	query += ` ORDER BY completed_at DESC, entry_id DESC LIMIT $3`

	tx, err := r.beginHubTx(ctx, hubID)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	entries := make([]domain.HistoryEntry, 0, limit)
	lastID := ""
	for rows.Next() {
		var entry domain.HistoryEntry
		var entryID string
		if err := rows.Scan(&entryID, &entry.LobbyID, &entry.Title, &entry.Category, &entry.GroupSize, &entry.Crystals, &entry.CompletedAt); err != nil {
			return nil, nil, err
		}
		entries = append(entries, entry)
		lastID = entryID
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if len(entries) == limit {
		next = &domain.Cursor{CompletedAt: entries[len(entries)-1].CompletedAt, ID: lastID}
	}
	return entries, next, nil
}

func (r *Repository) beginHubTx(ctx context.Context, hubID string) (pgx.Tx, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('app.hub_id', $1, true)", hubID); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	return tx, nil
}

func loadLobby(ctx context.Context, tx pgx.Tx, hubID, lobbyID string) (*domain.Lobby, error) {
	const query = `SELECT l.lobby_id, l.hub_id, l.location, l.scheduled_start, l.created_at, l.expires_at, l.countdown_ms, l.state, l.countdown_deadline, l.proof_token, l.rewards_issued, l.updated_at,
            t.template_id, t.title, t.description, t.duration_min, t.min_participants, t.max_participants, t.difficulty, t.base_reward, t.category, t.icon
        FROM lobbies l JOIN activity_templates t ON t.template_id = l.template_id
        WHERE l.hub_id=$1 AND l.lobby_id=$2`

	var (
		lobby       domain.Lobby
		countdownMS int64
		deadline    *time.Time
	)
	row := tx.QueryRow(ctx, query, hubID, lobbyID)
	if err := row.Scan(
		&lobby.ID, &lobby.HubID, &lobby.Location, &lobby.ScheduledStart, &lobby.CreatedAt, &lobby.ExpiresAt, &countdownMS, &lobby.State, &deadline, &lobby.ProofToken, &lobby.RewardsIssued, &lobby.UpdatedAt,
		&lobby.Template.ID, &lobby.Template.Title, &lobby.Template.Description, &lobby.Template.DurationMin, &lobby.Template.MinParticipants, &lobby.Template.MaxParticipants, &lobby.Template.Difficulty, &lobby.Template.BaseReward, &lobby.Template.Category, &lobby.Template.Icon,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	lobby.Countdown = time.Duration(countdownMS) * time.Millisecond
	lobby.CountdownDeadline = deadline

	rows, err := tx.Query(ctx,
		`SELECT user_id, display_name, ready, host, joined_at FROM lobby_participants WHERE lobby_id=$1 ORDER BY joined_at, user_id`,
		lobbyID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.Ready, &p.Host, &p.JoinedAt); err != nil {
			return nil, err
		}
		lobby.Participants = append(lobby.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	lobby.Redeemed = map[string]time.Time{}
	checkins, err := tx.Query(ctx, `SELECT user_id, redeemed_at FROM lobby_checkins WHERE lobby_id=$1`, lobbyID)
	if err != nil {
		return nil, err
	}
	defer checkins.Close()
	for checkins.Next() {
		var userID string
		var at time.Time
		if err := checkins.Scan(&userID, &at); err != nil {
			return nil, err
		}
		lobby.Redeemed[userID] = at
	}
	if err := checkins.Err(); err != nil {
		return nil, err
	}
	return &lobby, nil
}

func updateLobby(ctx context.Context, tx pgx.Tx, lobby *domain.Lobby) error {
	const stmt = `UPDATE lobbies SET state=$3, countdown_deadline=$4, proof_token=$5, rewards_issued=$6, updated_at=$7
        WHERE hub_id=$1 AND lobby_id=$2`

	tag, err := tx.Exec(ctx, stmt,
		lobby.HubID, lobby.ID,
		lobby.State, lobby.CountdownDeadline, lobby.ProofToken, lobby.RewardsIssued, lobby.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lobby %s vanished during save", lobby.ID)
	}
	return writeParticipants(ctx, tx, lobby)
}

// writeParticipants replaces the membership and redemption rows with the
// aggregate's current view. The aggregate is small so full replacement is
// cheaper than diffing.
func writeParticipants(ctx context.Context, tx pgx.Tx, lobby *domain.Lobby) error {
	if _, err := tx.Exec(ctx, `DELETE FROM lobby_participants WHERE lobby_id=$1`, lobby.ID); err != nil {
		return err
	}
	for _, p := range lobby.Participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO lobby_participants (lobby_id, hub_id, user_id, display_name, ready, host, joined_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			lobby.ID, lobby.HubID, p.UserID, p.DisplayName, p.Ready, p.Host, p.JoinedAt,
		); err != nil {
			return err
		}
	}
	for userID, at := range lobby.Redeemed {
		if _, err := tx.Exec(ctx,
			`INSERT INTO lobby_checkins (lobby_id, hub_id, user_id, redeemed_at) VALUES ($1,$2,$3,$4)
             ON CONFLICT (lobby_id, user_id) DO NOTHING`,
			lobby.ID, lobby.HubID, userID, at,
		); err != nil {
			return err
		}
	}
	return nil
}

const progressionSelect = `SELECT user_id, hub_id, crystals, coins, level, stage, traits, quests_completed, group_quests, social_score, category_counts, updated_at
    FROM progression_records`

// lockProgression fetches the user's record FOR UPDATE, inserting the
// zero-state row first when the user is new. The row lock serializes
// concurrent credits for the same user.
func lockProgression(ctx context.Context, tx pgx.Tx, hubID, userID string, now time.Time) (*domain.ProgressionRecord, error) {
	fresh := domain.NewProgressionRecord(userID, hubID, now)
	traits, counts, err := marshalProgressionJSON(fresh)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO progression_records (user_id, hub_id, crystals, coins, level, stage, traits, quests_completed, group_quests, social_score, category_counts, updated_at)
         VALUES ($1,$2,0,0,$3,$4,$5,0,0,0,$6,$7)
         ON CONFLICT (hub_id, user_id) DO NOTHING`,
		userID, hubID, fresh.Level, fresh.Stage, traits, counts, now,
	); err != nil {
		return nil, err
	}

	return scanProgression(tx.QueryRow(ctx, progressionSelect+` WHERE hub_id=$1 AND user_id=$2 FOR UPDATE`, hubID, userID))
}

func saveProgression(ctx context.Context, tx pgx.Tx, rec *domain.ProgressionRecord) error {
	traits, counts, err := marshalProgressionJSON(rec)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE progression_records
           SET crystals=$3, coins=$4, level=$5, stage=$6, traits=$7, quests_completed=$8, group_quests=$9, social_score=$10, category_counts=$11, updated_at=$12
         WHERE hub_id=$1 AND user_id=$2`,
		rec.HubID, rec.UserID,
		rec.Crystals, rec.Coins, rec.Level, rec.Stage, traits, rec.QuestsCompleted, rec.GroupQuests, rec.SocialScore, counts, rec.UpdatedAt,
	)
	return err
}

func marshalProgressionJSON(rec *domain.ProgressionRecord) ([]byte, []byte, error) {
	traits, err := json.Marshal(rec.Traits)
	if err != nil {
		return nil, nil, err
	}
	counts, err := json.Marshal(rec.CategoryCounts)
	if err != nil {
		return nil, nil, err
	}
	return traits, counts, nil
}

func scanProgression(row pgx.Row) (*domain.ProgressionRecord, error) {
	var (
		rec    domain.ProgressionRecord
		traits []byte
		counts []byte
	)
	if err := row.Scan(&rec.UserID, &rec.HubID, &rec.Crystals, &rec.Coins, &rec.Level, &rec.Stage, &traits, &rec.QuestsCompleted, &rec.GroupQuests, &rec.SocialScore, &counts, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(traits, &rec.Traits); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(counts, &rec.CategoryCounts); err != nil {
		return nil, err
	}
	return &rec, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, lobby *domain.Lobby, payout domain.Payout, userID string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO quest_history (entry_id, hub_id, user_id, lobby_id, title, category, group_size, crystals, completed_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		uuid.NewString(), lobby.HubID, userID, lobby.ID,
		lobby.Template.Title, payout.Category, payout.GroupSize, payout.Crystals, payout.IssuedAt,
	)
	return err
}

// upsertConnections strengthens the pairwise bond between everyone who met.
// Pairs are stored with user_a < user_b so each pair has one row.
func upsertConnections(ctx context.Context, tx pgx.Tx, lobby *domain.Lobby, userIDs []string, metAt time.Time) error {
	for i := 0; i < len(userIDs); i++ {
		for j := i + 1; j < len(userIDs); j++ {
			if _, err := tx.Exec(ctx,
				`INSERT INTO connections (hub_id, user_a, user_b, met_count, last_met_at)
                 VALUES ($1,$2,$3,1,$4)
                 ON CONFLICT (hub_id, user_a, user_b) DO UPDATE
                   SET met_count = connections.met_count + 1, last_met_at = EXCLUDED.last_met_at`,
				lobby.HubID, userIDs[i], userIDs[j], metAt,
			); err != nil {
				return err
			}
		}
	}
	return nil
}

func insertEvents(ctx context.Context, tx pgx.Tx, lobby *domain.Lobby, events []domain.Event) error {
	for i, event := range events {
		meta, ok := eventCatalog[event.Type]
		if !ok {
			return fmt.Errorf("unknown event type: %s", event.Type)
		}

		body, err := json.Marshal(event.Payload)
		if err != nil {
			return err
		}

		dedupeKey := fmt.Sprintf("%s:%s:%d:%d", lobby.ID, event.Type, lobby.UpdatedAt.UnixNano(), i)

		const stmt = `INSERT INTO outbox (hub_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
		if _, err := tx.Exec(ctx, stmt,
			lobby.HubID,
			"lobby",
			lobby.ID,
			event.Type,
			meta.Topic,
			meta.SchemaSubject,
			meta.PartitionKeyFn(lobby),
			body,
			dedupeKey,
		); err != nil {
			return err
		}

		if event.Type == domain.EventLobbyStateChanged {
			observability.RecordLobbyTransition(string(lobby.State))
		}
	}
	return nil
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(*domain.Lobby) string
}

var eventCatalog = map[string]EventMetadata{
	domain.EventLobbyStateChanged: {
		Topic:         "lobby_state_changed",
		SchemaSubject: "lobby_state_changed-value",
		PartitionKeyFn: func(l *domain.Lobby) string {
			return l.ID
		},
	},
	domain.EventCheckinRedeemed: {
		Topic:         "checkin_events",
		SchemaSubject: "checkin_events-value",
		PartitionKeyFn: func(l *domain.Lobby) string {
			return l.ID
		},
	},
	domain.EventRewardsIssued: {
		Topic:         "reward_events",
		SchemaSubject: "reward_events-value",
		PartitionKeyFn: func(l *domain.Lobby) string {
			return l.ID
		},
	},
	domain.EventProgressionAdvanced: {
		Topic:         "progression_events",
		SchemaSubject: "progression_events-value",
		PartitionKeyFn: func(l *domain.Lobby) string {
			return fmt.Sprintf("%s:%s", l.HubID, l.ID)
		},
	},
}
