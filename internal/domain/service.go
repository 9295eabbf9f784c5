package domain

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event couples an outbox event type with its payload. The repository is
// responsible for routing it to a topic and persisting it atomically with
// the aggregate change that produced it.
type Event struct {
	Type    string
	Payload interface{}
}

// Outbox event types emitted by the service.
const (
	EventLobbyStateChanged   = "lobby.state_changed"
	EventCheckinRedeemed     = "checkin.redeemed"
	EventRewardsIssued       = "rewards.issued"
	EventProgressionAdvanced = "progression.advanced"
)

// CreditResult reports the outcome of crediting one participant.
type CreditResult struct {
	UserID   string
	Record   ProgressionRecord
	Advanced *StageDecision
}

// HistoryEntry is one completed activity in a user's history.
type HistoryEntry struct {
	LobbyID     string
	Title       string
	Category    string
	GroupSize   int
	Crystals    int
	CompletedAt time.Time
}

// Cursor models the pagination token for history listings.
type Cursor struct {
	CompletedAt time.Time
	ID          string
}

// Repository captures persistence operations. Implementations must make
// IssueRewards a single atomic unit: the rewards-issued flip, every
// participant's credit, and the emitted events commit together or not at all.
type Repository interface {
	GetTemplate(ctx context.Context, hubID, templateID string) (*ActivityTemplate, error)
	CreateLobby(ctx context.Context, lobby *Lobby, events ...Event) error
	GetLobby(ctx context.Context, hubID, lobbyID string) (*Lobby, error)
	SaveLobby(ctx context.Context, lobby *Lobby, events ...Event) error
	IssueRewards(ctx context.Context, lobby *Lobby, payout Payout, events ...Event) ([]CreditResult, error)
	GetProgression(ctx context.Context, hubID, userID string) (*ProgressionRecord, error)
	ListHistory(ctx context.Context, hubID, userID string, cursor *Cursor, limit int) ([]HistoryEntry, *Cursor, error)
}

// EmotePublisher delivers best-effort lobby broadcasts. Implementations sit
// outside the consistency guarantees of the rest of the core.
type EmotePublisher interface {
	PublishEmote(ctx context.Context, lobbyID, hubID, userID, displayName, emote string) error
}

// Rules carries the tunables of the lobby state machine.
type Rules struct {
	Countdown   time.Duration
	GracePeriod time.Duration
}

// Service orchestrates lobby coordination, check-in, and reward workflows.
// All mutating operations on one lobby are serialized through a per-id lock;
// per-user credit serialization is the repository's responsibility.
type Service struct {
	repo   Repository
	emotes EmotePublisher
	rules  Rules
	logger *log.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// ServiceOption configures optional service behaviour.
type ServiceOption func(*Service)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithServiceLogger overrides the logger used for swallowed emote failures.
func WithServiceLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService constructs a Service.
func NewService(repo Repository, emotes EmotePublisher, rules Rules, opts ...ServiceOption) *Service {
	s := &Service{
		repo:   repo,
		emotes: emotes,
		rules:  rules,
		logger: log.New(log.Writer(), "[lobby] ", log.LstdFlags),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lockFor returns the mutex serializing writes for one lobby id.
func (s *Service) lockFor(lobbyID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[lobbyID]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[lobbyID] = l
	return l
}

// CreateLobbyInput captures the payload for opening a new lobby.
type CreateLobbyInput struct {
	HubID          string
	TemplateID     string
	Location       string
	ScheduledStart time.Time
	CreatorID      string
	CreatorName    string
}

// CreateLobby opens a lobby for an activity template. The creator joins
// immediately as host.
func (s *Service) CreateLobby(ctx context.Context, input CreateLobbyInput) (*Lobby, error) {
	tpl, err := s.repo.GetTemplate(ctx, input.HubID, input.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil {
		return nil, ErrTemplateNotFound
	}

	now := s.now()
	start := input.ScheduledStart.UTC()
	if start.IsZero() || start.Before(now) {
		start = now
	}

	lobby := &Lobby{
		ID:             uuid.NewString(),
		HubID:          input.HubID,
		Template:       *tpl,
		Location:       input.Location,
		ScheduledStart: start,
		CreatedAt:      now,
		ExpiresAt:      start.Add(s.rules.GracePeriod),
		Countdown:      s.rules.Countdown,
		State:          LobbyStateForming,
		Redeemed:       map[string]time.Time{},
		UpdatedAt:      now,
	}
	if err := lobby.Join(input.CreatorID, input.CreatorName, now); err != nil {
		return nil, err
	}

	if err := s.repo.CreateLobby(ctx, lobby, s.stateEvent(lobby, now)); err != nil {
		return nil, err
	}
	return lobby, nil
}

// JoinLobby adds the user to the lobby. Re-joining is idempotent and returns
// the current state.
func (s *Service) JoinLobby(ctx context.Context, hubID, lobbyID, userID, displayName string) (*Lobby, error) {
	return s.mutate(ctx, hubID, lobbyID, func(l *Lobby, now time.Time) error {
		return l.Join(userID, displayName, now)
	})
}

// LeaveLobby removes the user. Safe to call in any state; never fails for an
// absent participant.
func (s *Service) LeaveLobby(ctx context.Context, hubID, lobbyID, userID string) error {
	_, err := s.mutate(ctx, hubID, lobbyID, func(l *Lobby, now time.Time) error {
		l.Leave(userID, now)
		return nil
	})
	return err
}

// SetReady flips the participant's ready flag and re-evaluates the countdown.
func (s *Service) SetReady(ctx context.Context, hubID, lobbyID, userID string, ready bool) (*Lobby, error) {
	return s.mutate(ctx, hubID, lobbyID, func(l *Lobby, now time.Time) error {
		return l.SetReady(userID, ready, now)
	})
}

// GetLobby returns the lobby after lazily advancing clock-driven transitions;
// stale state self-corrects on read and the correction is persisted.
func (s *Service) GetLobby(ctx context.Context, hubID, lobbyID string) (*Lobby, error) {
	return s.mutate(ctx, hubID, lobbyID, func(l *Lobby, now time.Time) error {
		l.Advance(now)
		return nil
	})
}

// mutate serializes one load-apply-save cycle for a lobby.
func (s *Service) mutate(ctx context.Context, hubID, lobbyID string, apply func(*Lobby, time.Time) error) (*Lobby, error) {
	lock := s.lockFor(lobbyID)
	lock.Lock()
	defer lock.Unlock()

	lobby, err := s.repo.GetLobby(ctx, hubID, lobbyID)
	if err != nil {
		return nil, err
	}
	if lobby == nil {
		return nil, ErrLobbyNotFound
	}

	now := s.now()
	before := lobby.snapshot()

	if err := apply(lobby, now); err != nil {
		return nil, err
	}

	if lobby.snapshot().equal(before) {
		return lobby, nil
	}

	var events []Event
	if lobby.State != before.state {
		events = append(events, s.stateEvent(lobby, now))
	}
	if err := s.repo.SaveLobby(ctx, lobby, events...); err != nil {
		return nil, err
	}
	return lobby, nil
}

// RedeemResult is the response to a check-in redemption.
type RedeemResult struct {
	Lobby         *Lobby
	Crystals      int
	Coins         int
	NewLevel      int
	NewStage      *Stage
	AlreadyIssued bool
}

// RedeemCheckIn validates the proof token and, on the first successful
// redemption for the lobby, issues rewards to every participant in one
// atomic unit. Subsequent redemptions succeed without crediting anything.
func (s *Service) RedeemCheckIn(ctx context.Context, hubID, lobbyID, userID, token string) (*RedeemResult, error) {
	lock := s.lockFor(lobbyID)
	lock.Lock()
	defer lock.Unlock()

	lobby, err := s.repo.GetLobby(ctx, hubID, lobbyID)
	if err != nil {
		return nil, err
	}
	if lobby == nil {
		return nil, ErrLobbyNotFound
	}

	now := s.now()
	prevState := lobby.State
	_, retry := lobby.Redeemed[userID]

	first, err := lobby.Redeem(userID, token, now)
	if err != nil {
		// A failed redeem leaves state unchanged except for lazily
		// advanced transitions, which still need persisting.
		if lobby.State != prevState {
			if saveErr := s.repo.SaveLobby(ctx, lobby, s.stateEvent(lobby, now)); saveErr != nil {
				return nil, saveErr
			}
		}
		return nil, err
	}

	redeemedEvent := Event{Type: EventCheckinRedeemed, Payload: checkinRedeemedPayload(lobby, userID, first, now)}

	if !first {
		// A same-user retry changes nothing; saving would re-emit the
		// original redemption event. Only a participant redeeming for the
		// first time is recorded.
		if !retry {
			if err := s.repo.SaveLobby(ctx, lobby, redeemedEvent); err != nil {
				return nil, err
			}
		}
		rec, err := s.repo.GetProgression(ctx, hubID, userID)
		if err != nil {
			return nil, err
		}
		result := &RedeemResult{Lobby: lobby, AlreadyIssued: true}
		if rec != nil {
			result.NewLevel = rec.Level
		}
		return result, nil
	}

	payout := PayoutFor(lobby, now)
	events := []Event{redeemedEvent}
	if lobby.State != prevState {
		events = append(events, s.stateEvent(lobby, now))
	}
	events = append(events, Event{Type: EventRewardsIssued, Payload: rewardsIssuedPayload(lobby, payout)})

	credits, err := s.repo.IssueRewards(ctx, lobby, payout, events...)
	if err != nil {
		return nil, err
	}

	result := &RedeemResult{Lobby: lobby, Crystals: payout.Crystals, Coins: payout.Coins}
	for _, credit := range credits {
		if credit.UserID != userID {
			continue
		}
		result.NewLevel = credit.Record.Level
		if credit.Advanced != nil {
			stage := credit.Advanced.Stage
			result.NewStage = &stage
		}
	}
	return result, nil
}

// Emote broadcasts an ephemeral gesture to the lobby. Failures are swallowed:
// emotes carry no consistency guarantees and never change persisted state.
func (s *Service) Emote(ctx context.Context, hubID, lobbyID, userID, displayName, emote string) error {
	lobby, err := s.repo.GetLobby(ctx, hubID, lobbyID)
	if err != nil {
		return err
	}
	if lobby == nil {
		return ErrLobbyNotFound
	}
	if !lobby.IsParticipant(userID) {
		return ErrNotAParticipant
	}

	if s.emotes == nil {
		return nil
	}
	if err := s.emotes.PublishEmote(ctx, lobbyID, hubID, userID, displayName, emote); err != nil {
		s.logger.Printf("emote publish failed (lobby=%s): %v", lobbyID, err)
	}
	return nil
}

// GetProgression returns the user's progression record.
func (s *Service) GetProgression(ctx context.Context, hubID, userID string) (*ProgressionRecord, error) {
	rec, err := s.repo.GetProgression(ctx, hubID, userID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrProgressionNotFound
	}
	return rec, nil
}

// ListHistory returns completed activities with cursor pagination.
func (s *Service) ListHistory(ctx context.Context, hubID, userID string, cursor *Cursor, limit int) ([]HistoryEntry, *Cursor, error) {
	return s.repo.ListHistory(ctx, hubID, userID, cursor, limit)
}

func (s *Service) stateEvent(l *Lobby, now time.Time) Event {
	return Event{Type: EventLobbyStateChanged, Payload: lobbyStateChangedPayload(l, now)}
}
