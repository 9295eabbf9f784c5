// Package api exposes HTTP handlers for the rendezvous service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/auth"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/domain"
	"github.com/alyssahx-wong/BuddyBeasts-sub000/internal/persistence"
)

// Handler coordinates HTTP requests with the domain service.
type Handler struct {
	service *domain.Service
}

// NewHandler builds a Handler.
func NewHandler(service *domain.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/lobbies", h.lobbies)
	mux.HandleFunc("/v1/lobbies/", h.lobbyByID)
	mux.HandleFunc("/v1/progression/", h.progression)
	mux.HandleFunc("/healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) lobbies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createLobby(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

// lobbyByID dispatches /v1/lobbies/{id} and /v1/lobbies/{id}/{action}.
func (h *Handler) lobbyByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/lobbies/")
	if rest == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing lobby id")
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	switch {
	case action == "" && r.Method == http.MethodGet:
		h.getLobby(w, r, id)
	case action == "join" && r.Method == http.MethodPost:
		h.joinLobby(w, r, id)
	case action == "leave" && (r.Method == http.MethodDelete || r.Method == http.MethodPost):
		h.leaveLobby(w, r, id)
	case action == "ready" && r.Method == http.MethodPut:
		h.setReady(w, r, id)
	case action == "emote" && r.Method == http.MethodPost:
		h.emote(w, r, id)
	case action == "checkin" && r.Method == http.MethodPost:
		h.checkin(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
	}
}

func (h *Handler) progression(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeProgressionRead) {
		writeError(w, http.StatusForbidden, "forbidden", "scope progression:read required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/progression/")
	userID, sub, _ := strings.Cut(rest, "/")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing user id")
		return
	}

	switch sub {
	case "":
		h.getProgression(w, r, claims.HubID, userID)
	case "history":
		h.listHistory(w, r, claims.HubID, userID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown resource")
	}
}

func (h *Handler) createLobby(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireScope(w, r, auth.ScopeLobbiesWrite)
	if !ok {
		return
	}

	var req CreateLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.TemplateID) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "template_id is required")
		return
	}

	lobby, err := h.service.CreateLobby(r.Context(), domain.CreateLobbyInput{
		HubID:          claims.HubID,
		TemplateID:     req.TemplateID,
		Location:       req.Location,
		ScheduledStart: req.ScheduledStart,
		CreatorID:      claims.Subject,
		CreatorName:    claims.DisplayName,
	})
	if err != nil {
		writeLobbyError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toLobbyView(lobby, claims.Subject))
}

func (h *Handler) getLobby(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeLobbiesRead, auth.ScopeLobbiesWrite)
	if !ok {
		return
	}

	lobby, err := h.service.GetLobby(r.Context(), claims.HubID, id)
	if err != nil {
		writeLobbyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLobbyView(lobby, claims.Subject))
}

func (h *Handler) joinLobby(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeLobbiesWrite)
	if !ok {
		return
	}

	lobby, err := h.service.JoinLobby(r.Context(), claims.HubID, id, claims.Subject, claims.DisplayName)
	if err != nil {
		writeLobbyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLobbyView(lobby, claims.Subject))
}

func (h *Handler) leaveLobby(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeLobbiesWrite)
	if !ok {
		return
	}

	if err := h.service.LeaveLobby(r.Context(), claims.HubID, id, claims.Subject); err != nil {
		writeLobbyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setReady(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeLobbiesWrite)
	if !ok {
		return
	}

	var req SetReadyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	lobby, err := h.service.SetReady(r.Context(), claims.HubID, id, claims.Subject, req.Ready)
	if err != nil {
		writeLobbyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLobbyView(lobby, claims.Subject))
}

func (h *Handler) emote(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeLobbiesWrite)
	if !ok {
		return
	}

	var req EmoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.Emote) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "emote is required")
		return
	}

	if err := h.service.Emote(r.Context(), claims.HubID, id, claims.Subject, claims.DisplayName, req.Emote); err != nil {
		writeLobbyError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) checkin(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := requireScope(w, r, auth.ScopeLobbiesWrite)
	if !ok {
		return
	}

	var req CheckinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "token is required")
		return
	}

	result, err := h.service.RedeemCheckIn(r.Context(), claims.HubID, id, claims.Subject, req.Token)
	if err != nil {
		writeLobbyError(w, err)
		return
	}

	resp := CheckinResponse{
		LobbyState:     string(result.Lobby.State),
		CrystalsEarned: result.Crystals,
		CoinsEarned:    result.Coins,
		NewLevel:       result.NewLevel,
		AlreadyIssued:  result.AlreadyIssued,
	}
	if result.NewStage != nil {
		stage := string(*result.NewStage)
		resp.NewStage = &stage
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getProgression(w http.ResponseWriter, r *http.Request, hubID, userID string) {
	rec, err := h.service.GetProgression(r.Context(), hubID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrProgressionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "progression not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toProgressionView(rec))
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request, hubID, userID string) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	entries, next, err := h.service.ListHistory(r.Context(), hubID, userID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	items := make([]HistoryView, 0, len(entries))
	for _, entry := range entries {
		items = append(items, HistoryView{
			LobbyID:     entry.LobbyID,
			Title:       entry.Title,
			Category:    entry.Category,
			GroupSize:   entry.GroupSize,
			Crystals:    entry.Crystals,
			CompletedAt: entry.CompletedAt,
		})
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Items:      items,
		NextCursor: persistence.EncodeCursor(next),
	})
}

// requireScope authorizes the request against any of the provided scopes.
func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) (*auth.Claims, bool) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil, false
	}
	for _, scope := range scopes {
		if claims.HasScope(scope) {
			return claims, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
	return nil, false
}

// writeLobbyError maps domain errors onto the HTTP error taxonomy.
func writeLobbyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrLobbyNotFound):
		writeError(w, http.StatusNotFound, "not_found", "lobby not found")
	case errors.Is(err, domain.ErrTemplateNotFound):
		writeError(w, http.StatusNotFound, "not_found", "template not found")
	case errors.Is(err, domain.ErrLobbyFull):
		writeError(w, http.StatusConflict, "lobby_full", "lobby is at capacity")
	case errors.Is(err, domain.ErrLobbyExpired):
		writeError(w, http.StatusConflict, "lobby_expired", "lobby expired before starting")
	case errors.Is(err, domain.ErrLobbyAlreadyStarted):
		writeError(w, http.StatusConflict, "lobby_started", "lobby already started")
	case errors.Is(err, domain.ErrLobbyNotStarted):
		writeError(w, http.StatusConflict, "lobby_not_started", "activity has not started")
	case errors.Is(err, domain.ErrTokenMismatch):
		writeError(w, http.StatusConflict, "token_mismatch", "proof token does not match")
	case errors.Is(err, domain.ErrNotAParticipant):
		writeError(w, http.StatusConflict, "not_a_participant", "user is not in the lobby")
	default:
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

// CreateLobbyRequest is the payload for POST /v1/lobbies.
type CreateLobbyRequest struct {
	TemplateID     string    `json:"template_id"`
	Location       string    `json:"location"`
	ScheduledStart time.Time `json:"scheduled_start"`
}

// SetReadyRequest toggles the caller's readiness.
type SetReadyRequest struct {
	Ready bool `json:"ready"`
}

// EmoteRequest carries one gesture broadcast.
type EmoteRequest struct {
	Emote string `json:"emote"`
}

// CheckinRequest presents the shared proof token.
type CheckinRequest struct {
	Token string `json:"token"`
}

// CheckinResponse reports the outcome of a redemption.
type CheckinResponse struct {
	LobbyState     string  `json:"lobby_state"`
	CrystalsEarned int     `json:"crystals_earned"`
	CoinsEarned    int     `json:"coins_earned"`
	NewLevel       int     `json:"new_level"`
	NewStage       *string `json:"new_stage,omitempty"`
	AlreadyIssued  bool    `json:"already_issued"`
}

// ParticipantView is one lobby member.
type ParticipantView struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Ready       bool      `json:"ready"`
	Host        bool      `json:"host"`
	JoinedAt    time.Time `json:"joined_at"`
}

// LobbyView exposes lobby details. Everyone sees whether a proof token
// exists; the token value itself is only populated for requests made by a
// current participant.
type LobbyView struct {
	LobbyID           string            `json:"lobby_id"`
	TemplateID        string            `json:"template_id"`
	Title             string            `json:"title"`
	Location          string            `json:"location,omitempty"`
	State             string            `json:"state"`
	Participants      []ParticipantView `json:"participants"`
	CountdownDeadline *time.Time        `json:"countdown_deadline,omitempty"`
	ExpiresAt         time.Time         `json:"expires_at"`
	HasProofToken     bool              `json:"has_proof_token"`
	ProofToken        string            `json:"proof_token,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// ProgressionView exposes a user's progression record.
type ProgressionView struct {
	UserID          string         `json:"user_id"`
	Crystals        int            `json:"crystals"`
	Coins           int            `json:"coins"`
	Level           int            `json:"level"`
	Stage           string         `json:"stage"`
	Traits          []string       `json:"traits"`
	QuestsCompleted int            `json:"quests_completed"`
	GroupQuests     int            `json:"group_quests"`
	SocialScore     int            `json:"social_score"`
	CategoryCounts  map[string]int `json:"category_counts"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// HistoryView is one completed activity.
type HistoryView struct {
	LobbyID     string    `json:"lobby_id"`
	Title       string    `json:"title"`
	Category    string    `json:"category"`
	GroupSize   int       `json:"group_size"`
	Crystals    int       `json:"crystals"`
	CompletedAt time.Time `json:"completed_at"`
}

// HistoryResponse packages history results.
type HistoryResponse struct {
	Items      []HistoryView `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func toLobbyView(l *domain.Lobby, viewerID string) LobbyView {
	view := LobbyView{
		LobbyID:           l.ID,
		TemplateID:        l.Template.ID,
		Title:             l.Template.Title,
		Location:          l.Location,
		State:             string(l.State),
		Participants:      make([]ParticipantView, 0, len(l.Participants)),
		CountdownDeadline: l.CountdownDeadline,
		ExpiresAt:         l.ExpiresAt,
		HasProofToken:     l.ProofToken != "",
		UpdatedAt:         l.UpdatedAt,
	}
	for _, p := range l.Participants {
		view.Participants = append(view.Participants, ParticipantView{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Ready:       p.Ready,
			Host:        p.Host,
			JoinedAt:    p.JoinedAt,
		})
	}
	if l.IsParticipant(viewerID) {
		view.ProofToken = l.ProofToken
	}
	return view
}

func toProgressionView(rec *domain.ProgressionRecord) ProgressionView {
	return ProgressionView{
		UserID:          rec.UserID,
		Crystals:        rec.Crystals,
		Coins:           rec.Coins,
		Level:           rec.Level,
		Stage:           string(rec.Stage),
		Traits:          rec.Traits,
		QuestsCompleted: rec.QuestsCompleted,
		GroupQuests:     rec.GroupQuests,
		SocialScore:     rec.SocialScore,
		CategoryCounts:  rec.CategoryCounts,
		UpdatedAt:       rec.UpdatedAt,
	}
}
