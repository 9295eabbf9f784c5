// Package reconciler implements a polling client for lobby state. Clients
// never hold authority: every view is reduced from a confirmed server
// response, and writes are immediately followed by a fresh read so the local
// view only ever reflects what the server acknowledged.
package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ParticipantStatus is one lobby member as confirmed by the server.
type ParticipantStatus struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Ready       bool   `json:"ready"`
	Host        bool   `json:"host"`
}

// View is the reduced client-side picture of a lobby. CountdownRemaining is
// derived from the server's absolute deadline at reduction time, so two
// clients polling at different moments still agree on when the countdown
// ends.
type View struct {
	LobbyID            string
	State              string
	Participants       []ParticipantStatus
	CountdownRemaining time.Duration
	HasProofToken      bool
	ProofToken         string
	ObservedAt         time.Time
}

type lobbyResponse struct {
	LobbyID           string              `json:"lobby_id"`
	State             string              `json:"state"`
	Participants      []ParticipantStatus `json:"participants"`
	CountdownDeadline *time.Time          `json:"countdown_deadline"`
	HasProofToken     bool                `json:"has_proof_token"`
	ProofToken        string              `json:"proof_token"`
}

type apiError struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// Client talks to the lobby API on behalf of one user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	now     func() time.Time
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithClock overrides the clock used to compute countdown remainders.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient builds a Client for the given API base URL and bearer token.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*lobbyResponse, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Type != "" {
			return nil, fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Type, apiErr.Detail)
		}
		return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
		return nil, nil
	}

	var lobby lobbyResponse
	if err := json.NewDecoder(resp.Body).Decode(&lobby); err != nil {
		return nil, err
	}
	return &lobby, nil
}

func (c *Client) getLobby(ctx context.Context, lobbyID string) (*lobbyResponse, error) {
	return c.do(ctx, http.MethodGet, "/v1/lobbies/"+lobbyID, nil)
}

// Reconciler keeps the last server-confirmed view of one lobby. A failed poll
// leaves the previous view in place rather than guessing.
type Reconciler struct {
	client  *Client
	lobbyID string

	mu   sync.Mutex
	view *View
}

// NewReconciler builds a Reconciler for one lobby.
func NewReconciler(client *Client, lobbyID string) *Reconciler {
	return &Reconciler{client: client, lobbyID: lobbyID}
}

// Poll fetches the lobby and reduces the response into the confirmed view.
// On failure the previous confirmed view is returned alongside the error.
func (r *Reconciler) Poll(ctx context.Context) (*View, error) {
	resp, err := r.client.getLobby(ctx, r.lobbyID)
	if err != nil {
		return r.View(), err
	}
	return r.reduce(resp), nil
}

// View returns the last confirmed view, or nil before the first successful
// poll.
func (r *Reconciler) View() *View {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view == nil {
		return nil
	}
	copied := *r.view
	copied.Participants = append([]ParticipantStatus(nil), r.view.Participants...)
	return &copied
}

func (r *Reconciler) reduce(resp *lobbyResponse) *View {
	now := r.client.now()
	view := &View{
		LobbyID:       resp.LobbyID,
		State:         resp.State,
		Participants:  resp.Participants,
		HasProofToken: resp.HasProofToken || resp.ProofToken != "",
		ProofToken:    resp.ProofToken,
		ObservedAt:    now,
	}
	if resp.CountdownDeadline != nil {
		if remaining := resp.CountdownDeadline.Sub(now); remaining > 0 {
			view.CountdownRemaining = remaining
		}
	}

	r.mu.Lock()
	r.view = view
	r.mu.Unlock()
	return r.View()
}

// refresh re-reads the lobby after a write so the view reflects the state the
// server settled on, not the state the write implied.
func (r *Reconciler) refresh(ctx context.Context) (*View, error) {
	return r.Poll(ctx)
}

// Join joins the lobby and returns the re-read confirmed view.
func (r *Reconciler) Join(ctx context.Context) (*View, error) {
	if _, err := r.client.do(ctx, http.MethodPost, "/v1/lobbies/"+r.lobbyID+"/join", struct{}{}); err != nil {
		return r.View(), err
	}
	return r.refresh(ctx)
}

// Leave leaves the lobby and returns the re-read confirmed view.
func (r *Reconciler) Leave(ctx context.Context) (*View, error) {
	if _, err := r.client.do(ctx, http.MethodDelete, "/v1/lobbies/"+r.lobbyID+"/leave", nil); err != nil {
		return r.View(), err
	}
	return r.refresh(ctx)
}

// SetReady toggles readiness and returns the re-read confirmed view.
func (r *Reconciler) SetReady(ctx context.Context, ready bool) (*View, error) {
	body := map[string]bool{"ready": ready}
	if _, err := r.client.do(ctx, http.MethodPut, "/v1/lobbies/"+r.lobbyID+"/ready", body); err != nil {
		return r.View(), err
	}
	return r.refresh(ctx)
}

// Emote broadcasts a gesture. Emotes are fire-and-forget so no re-read
// follows.
func (r *Reconciler) Emote(ctx context.Context, emote string) error {
	_, err := r.client.do(ctx, http.MethodPost, "/v1/lobbies/"+r.lobbyID+"/emote", map[string]string{"emote": emote})
	return err
}

// CheckinResult reports a redemption made through the client.
type CheckinResult struct {
	CrystalsEarned int     `json:"crystals_earned"`
	CoinsEarned    int     `json:"coins_earned"`
	NewLevel       int     `json:"new_level"`
	NewStage       *string `json:"new_stage"`
	AlreadyIssued  bool    `json:"already_issued"`
}

// CheckIn redeems the proof token from the current confirmed view and then
// re-reads the lobby.
func (r *Reconciler) CheckIn(ctx context.Context) (*CheckinResult, error) {
	view := r.View()
	if view == nil || !view.HasProofToken {
		return nil, fmt.Errorf("no proof token in confirmed view")
	}

	body := map[string]string{"token": view.ProofToken}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.client.baseURL+"/v1/lobbies/"+r.lobbyID+"/checkin", bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.client.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Type != "" {
			return nil, fmt.Errorf("checkin: %s (%s)", apiErr.Type, apiErr.Detail)
		}
		return nil, fmt.Errorf("checkin: status %d", resp.StatusCode)
	}

	var result CheckinResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	if _, err := r.refresh(ctx); err != nil {
		return &result, err
	}
	return &result, nil
}

// Watch polls on the given interval until the context ends, invoking fn with
// each confirmed view. Poll failures are reported through fn's err argument
// while the last confirmed view is kept.
func (r *Reconciler) Watch(ctx context.Context, interval time.Duration, fn func(view *View, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		view, err := r.Poll(ctx)
		fn(view, err)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
