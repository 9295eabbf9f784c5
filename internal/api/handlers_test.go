package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/auth"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/domain"
)

func TestJoinLobbyReturnsView(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(formingLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodPost, "/v1/lobbies/lob-1/join", "", "bob", auth.ScopeLobbiesWrite)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var view LobbyView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.State != "forming" {
		t.Fatalf("expected forming got %s", view.State)
	}
	if len(view.Participants) != 2 {
		t.Fatalf("expected 2 participants got %d", len(view.Participants))
	}
	if view.ProofToken != "" {
		t.Fatalf("forming lobby must not expose a proof token")
	}
}

func TestJoinFullLobbyConflict(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	lobby := formingLobby(now)
	lobby.Template.MaxParticipants = 1
	repo := newMockRepo(lobby)
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodPost, "/v1/lobbies/lob-1/join", "", "bob", auth.ScopeLobbiesWrite)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rr.Code)
	}
	if typ := errorType(t, rr); typ != "lobby_full" {
		t.Fatalf("expected lobby_full got %s", typ)
	}
}

func TestGetLobbyHidesTokenFromNonParticipants(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(startedLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodGet, "/v1/lobbies/lob-1", "", "stranger", auth.ScopeLobbiesRead)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var view LobbyView
	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.ProofToken != "" {
		t.Fatalf("non-participant must not see the proof token")
	}
	if !view.HasProofToken {
		t.Fatalf("everyone must see that a proof token exists")
	}

	req = authedRequest(http.MethodGet, "/v1/lobbies/lob-1", "", "alice", auth.ScopeLobbiesRead)
	rr = httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if err := json.Unmarshal(rr.Body.Bytes(), &view); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if view.ProofToken == "" {
		t.Fatalf("participant should see the proof token")
	}
	if !view.HasProofToken {
		t.Fatalf("participant view must also carry the presence flag")
	}
}

func TestCheckinIssuesRewards(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(startedLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodPost, "/v1/lobbies/lob-1/checkin", `{"token":"tok-1"}`, "alice", auth.ScopeLobbiesWrite)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rr.Code, rr.Body.String())
	}

	var resp CheckinResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.AlreadyIssued {
		t.Fatalf("first redemption must not report already_issued")
	}
	// base 20, two participants: floor(20*3/2) = 30 crystals, 15 coins.
	if resp.CrystalsEarned != 30 {
		t.Fatalf("expected 30 crystals got %d", resp.CrystalsEarned)
	}
	if resp.CoinsEarned != 15 {
		t.Fatalf("expected 15 coins got %d", resp.CoinsEarned)
	}
	if resp.NewLevel != 1 {
		t.Fatalf("expected level 1 got %d", resp.NewLevel)
	}
}

func TestCheckinWrongTokenConflict(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(startedLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodPost, "/v1/lobbies/lob-1/checkin", `{"token":"nope"}`, "alice", auth.ScopeLobbiesWrite)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rr.Code)
	}
	if typ := errorType(t, rr); typ != "token_mismatch" {
		t.Fatalf("expected token_mismatch got %s", typ)
	}
}

func TestCheckinBeforeStartConflict(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(formingLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodPost, "/v1/lobbies/lob-1/checkin", `{"token":"tok-1"}`, "alice", auth.ScopeLobbiesWrite)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rr.Code)
	}
	if typ := errorType(t, rr); typ != "lobby_not_started" {
		t.Fatalf("expected lobby_not_started got %s", typ)
	}
}

func TestEmoteAccepted(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(formingLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodPost, "/v1/lobbies/lob-1/emote", `{"emote":"wave"}`, "alice", auth.ScopeLobbiesWrite)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestEmoteRequiresBody(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(formingLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodPost, "/v1/lobbies/lob-1/emote", `{"emote":""}`, "alice", auth.ScopeLobbiesWrite)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestLeaveReturnsNoContent(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(formingLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodDelete, "/v1/lobbies/lob-1/leave", "", "alice", auth.ScopeLobbiesWrite)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestUnknownLobbyNotFound(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(nil)
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodGet, "/v1/lobbies/missing", "", "alice", auth.ScopeLobbiesRead)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func TestJoinRequiresWriteScope(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(formingLobby(now))
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodPost, "/v1/lobbies/lob-1/join", "", "bob", auth.ScopeLobbiesRead)
	rr := httptest.NewRecorder()
	handler.lobbyByID(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rr.Code)
	}
}

func TestHistoryRejectsMalformedCursor(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(nil)
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodGet, "/v1/progression/alice/history?cursor=not-a-cursor", "", "alice", auth.ScopeProgressionRead)
	rr := httptest.NewRecorder()
	handler.progression(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}

func TestProgressionNotFound(t *testing.T) {
	now := time.Date(2025, time.November, 3, 18, 0, 0, 0, time.UTC)
	repo := newMockRepo(nil)
	handler := newTestHandler(repo, now)

	req := authedRequest(http.MethodGet, "/v1/progression/ghost", "", "alice", auth.ScopeProgressionRead)
	rr := httptest.NewRecorder()
	handler.progression(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rr.Code)
	}
}

func newTestHandler(repo *mockRepo, now time.Time) *Handler {
	service := domain.NewService(repo, noopEmotes{}, domain.Rules{
		Countdown:   5 * time.Second,
		GracePeriod: 15 * time.Minute,
	}, domain.WithClock(func() time.Time { return now }))
	return NewHandler(service)
}

func authedRequest(method, target, body, subject string, scopes ...string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)

	scopeSet := make(map[string]struct{}, len(scopes))
	for _, scope := range scopes {
		scopeSet[scope] = struct{}{}
	}
	claims := &auth.Claims{
		Subject:     subject,
		HubID:       "hub-1",
		DisplayName: strings.ToUpper(subject[:1]) + subject[1:],
		Scopes:      scopeSet,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return payload["type"]
}

func formingLobby(now time.Time) *domain.Lobby {
	return &domain.Lobby{
		ID:    "lob-1",
		HubID: "hub-1",
		Template: domain.ActivityTemplate{
			ID:              "tmpl-1",
			Title:           "Sunset Walk",
			MinParticipants: 2,
			MaxParticipants: 4,
			BaseReward:      20,
			Category:        "outdoor",
		},
		State:     domain.LobbyStateForming,
		CreatedAt: now.Add(-time.Minute),
		ExpiresAt: now.Add(14 * time.Minute),
		Countdown: 5 * time.Second,
		Participants: []domain.Participant{
			{UserID: "alice", DisplayName: "Alice", Host: true, JoinedAt: now.Add(-time.Minute)},
		},
		Redeemed:  map[string]time.Time{},
		UpdatedAt: now.Add(-time.Minute),
	}
}

func startedLobby(now time.Time) *domain.Lobby {
	lobby := formingLobby(now)
	lobby.State = domain.LobbyStateStarted
	lobby.ProofToken = "tok-1"
	lobby.Participants = append(lobby.Participants, domain.Participant{
		UserID: "bob", DisplayName: "Bob", Ready: true, JoinedAt: now.Add(-30 * time.Second),
	})
	return lobby
}

type noopEmotes struct{}

func (noopEmotes) PublishEmote(ctx context.Context, lobbyID, hubID, userID, displayName, emote string) error {
	return nil
}

type mockRepo struct {
	lobby       *domain.Lobby
	progression map[string]*domain.ProgressionRecord
	history     []domain.HistoryEntry
}

func newMockRepo(lobby *domain.Lobby) *mockRepo {
	return &mockRepo{
		lobby:       lobby,
		progression: make(map[string]*domain.ProgressionRecord),
	}
}

func (m *mockRepo) GetTemplate(ctx context.Context, hubID, templateID string) (*domain.ActivityTemplate, error) {
	if m.lobby == nil || m.lobby.Template.ID != templateID {
		return nil, nil
	}
	tmpl := m.lobby.Template
	return &tmpl, nil
}

func (m *mockRepo) CreateLobby(ctx context.Context, lobby *domain.Lobby, events ...domain.Event) error {
	m.lobby = lobby
	return nil
}

func (m *mockRepo) GetLobby(ctx context.Context, hubID, lobbyID string) (*domain.Lobby, error) {
	if m.lobby == nil || m.lobby.ID != lobbyID || m.lobby.HubID != hubID {
		return nil, nil
	}
	return m.lobby, nil
}

func (m *mockRepo) SaveLobby(ctx context.Context, lobby *domain.Lobby, events ...domain.Event) error {
	m.lobby = lobby
	return nil
}

func (m *mockRepo) IssueRewards(ctx context.Context, lobby *domain.Lobby, payout domain.Payout, events ...domain.Event) ([]domain.CreditResult, error) {
	m.lobby = lobby
	results := make([]domain.CreditResult, 0, len(lobby.Participants))
	for _, p := range lobby.Participants {
		rec, ok := m.progression[p.UserID]
		if !ok {
			rec = domain.NewProgressionRecord(p.UserID, lobby.HubID, payout.IssuedAt)
			m.progression[p.UserID] = rec
		}
		rec.Credit(payout)
		result := domain.CreditResult{UserID: p.UserID, Record: *rec}
		if decision, ok := domain.NextStage(*rec); ok {
			rec.ApplyStage(decision, payout.IssuedAt)
			result.Record = *rec
			result.Advanced = &decision
		}
		results = append(results, result)
	}
	return results, nil
}

func (m *mockRepo) GetProgression(ctx context.Context, hubID, userID string) (*domain.ProgressionRecord, error) {
	rec, ok := m.progression[userID]
	if !ok {
		return nil, nil
	}
	return rec, nil
}

func (m *mockRepo) ListHistory(ctx context.Context, hubID, userID string, cursor *domain.Cursor, limit int) ([]domain.HistoryEntry, *domain.Cursor, error) {
	return m.history, nil, nil
}
