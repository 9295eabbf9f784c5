//go:build integration

package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/domain"
)

func TestRepositoryRoundTripAndHubIsolation(t *testing.T) {
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("rendezvous"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	repo := NewRepository(pool)
	hubID := uuid.NewString()
	seedTemplate(t, ctx, pool, hubID, "tpl-picnic")

	now := time.Now().UTC().Truncate(time.Microsecond)
	lobby := &domain.Lobby{
		ID:             uuid.NewString(),
		HubID:          hubID,
		Template:       mustTemplate(t, ctx, repo, hubID, "tpl-picnic"),
		Location:       "North Gate",
		ScheduledStart: now,
		CreatedAt:      now,
		ExpiresAt:      now.Add(15 * time.Minute),
		Countdown:      5 * time.Second,
		State:          domain.LobbyStateForming,
		Redeemed:       map[string]time.Time{},
		UpdatedAt:      now,
	}
	require.NoError(t, lobby.Join("alice", "Alice", now))
	require.NoError(t, lobby.Join("bob", "Bob", now))

	require.NoError(t, repo.CreateLobby(ctx, lobby))

	stored, err := repo.GetLobby(ctx, hubID, lobby.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, domain.LobbyStateForming, stored.State)
	require.Len(t, stored.Participants, 2)
	require.True(t, stored.Participants[0].Host)
	require.Equal(t, 5*time.Second, stored.Countdown)

	otherHub, err := repo.GetLobby(ctx, uuid.NewString(), lobby.ID)
	require.NoError(t, err)
	require.Nil(t, otherHub, "RLS should prevent cross-hub access")
}

func TestIssueRewardsCommitsCreditsAtomically(t *testing.T) {
	ctx := context.Background()

	pg, err := postgrescontainer.RunContainer(ctx,
		postgrescontainer.WithDatabase("rendezvous"),
		postgrescontainer.WithUsername("platform"),
		postgrescontainer.WithPassword("platform"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pg.Terminate(ctx) })

	connStr, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, waitForDatabase(ctx, connStr))
	runMigrations(t, ctx, connStr)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	repo := NewRepository(pool)
	hubID := uuid.NewString()
	seedTemplate(t, ctx, pool, hubID, "tpl-picnic")

	now := time.Now().UTC().Truncate(time.Microsecond)
	lobby := &domain.Lobby{
		ID:             uuid.NewString(),
		HubID:          hubID,
		Template:       mustTemplate(t, ctx, repo, hubID, "tpl-picnic"),
		ScheduledStart: now,
		CreatedAt:      now,
		ExpiresAt:      now.Add(15 * time.Minute),
		Countdown:      5 * time.Second,
		State:          domain.LobbyStateForming,
		Redeemed:       map[string]time.Time{},
		UpdatedAt:      now,
	}
	require.NoError(t, lobby.Join("alice", "Alice", now))
	require.NoError(t, lobby.Join("bob", "Bob", now))
	require.NoError(t, repo.CreateLobby(ctx, lobby))

	require.NoError(t, lobby.SetReady("alice", true, now))
	require.NoError(t, lobby.SetReady("bob", true, now))
	started := now.Add(6 * time.Second)
	require.True(t, lobby.Advance(started))

	redeemedAt := started.Add(time.Minute)
	first, err := lobby.Redeem("alice", lobby.ProofToken, redeemedAt)
	require.NoError(t, err)
	require.True(t, first)

	payout := domain.PayoutFor(lobby, redeemedAt)
	credits, err := repo.IssueRewards(ctx, lobby, payout,
		domain.Event{Type: domain.EventRewardsIssued, Payload: map[string]string{"lobby_id": lobby.ID, "hub_id": hubID}},
	)
	require.NoError(t, err)
	require.Len(t, credits, 2)

	for _, userID := range []string{"alice", "bob"} {
		rec, err := repo.GetProgression(ctx, hubID, userID)
		require.NoError(t, err)
		require.NotNil(t, rec)
		require.Equal(t, 30, rec.Crystals)
		require.Equal(t, 1, rec.QuestsCompleted)

		entries, next, err := repo.ListHistory(ctx, hubID, userID, nil, 10)
		require.NoError(t, err)
		require.Nil(t, next)
		require.Len(t, entries, 1)
		require.Equal(t, lobby.ID, entries[0].LobbyID)
	}

	var outboxCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE aggregate_id=$1`, lobby.ID).Scan(&outboxCount))
	require.GreaterOrEqual(t, outboxCount, 2, "create + payout events should be queued")

	var metCount int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT met_count FROM connections WHERE user_a='alice' AND user_b='bob'`).Scan(&metCount))
	require.Equal(t, 1, metCount)
}

func mustTemplate(t *testing.T, ctx context.Context, repo *Repository, hubID, templateID string) domain.ActivityTemplate {
	t.Helper()
	tpl, err := repo.GetTemplate(ctx, hubID, templateID)
	require.NoError(t, err)
	require.NotNil(t, tpl)
	return *tpl
}

func seedTemplate(t *testing.T, ctx context.Context, pool *pgxpool.Pool, hubID, templateID string) {
	t.Helper()
	_, err := pool.Exec(ctx,
		`INSERT INTO activity_templates (template_id, hub_id, title, min_participants, max_participants, base_reward, category)
         VALUES ($1,$2,'Park Picnic',2,4,20,'outdoor')`,
		templateID, hubID,
	)
	require.NoError(t, err)
}

func runMigrations(t *testing.T, ctx context.Context, connStr string) {
	files := []string{
		"../../../db/postgres/migrations/0001_init.up.sql",
		"../../../db/postgres/migrations/0002_outbox_dlq_retry.up.sql",
	}

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	defer pool.Close()

	for _, rel := range files {
		path := resolvePath(t, rel)
		contents, readErr := os.ReadFile(path)
		require.NoError(t, readErr)

		_, execErr := pool.Exec(ctx, string(contents))
		require.NoError(t, execErr)
	}
}

func resolvePath(t *testing.T, rel string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok)
	return filepath.Join(filepath.Dir(file), rel)
}

func waitForDatabase(ctx context.Context, connStr string) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		pool, err := pgxpool.New(ctx, connStr)
		if err == nil {
			err = pool.Ping(ctx)
			pool.Close()
			if err == nil {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(time.Second)
	}
}
