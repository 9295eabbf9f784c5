package domain

import "errors"

var (
	// ErrLobbyNotFound is returned when a lobby id is unknown.
	ErrLobbyNotFound = errors.New("lobby not found")
	// ErrTemplateNotFound is returned when an activity template lookup misses.
	ErrTemplateNotFound = errors.New("activity template not found")
	// ErrLobbyFull indicates the participant cap has been reached.
	ErrLobbyFull = errors.New("lobby is full")
	// ErrLobbyExpired indicates the lobby passed its expiry deadline without starting.
	ErrLobbyExpired = errors.New("lobby has expired")
	// ErrLobbyAlreadyStarted indicates a join after the rendezvous began.
	ErrLobbyAlreadyStarted = errors.New("lobby already started")
	// ErrNotAParticipant indicates the acting user never joined the lobby.
	ErrNotAParticipant = errors.New("not a participant of this lobby")
	// ErrLobbyNotStarted indicates a redemption attempt before a proof token exists.
	ErrLobbyNotStarted = errors.New("lobby has not started")
	// ErrTokenMismatch indicates the presented proof token does not match the minted one.
	ErrTokenMismatch = errors.New("proof token mismatch")
	// ErrProgressionNotFound is returned when a user has no progression record.
	ErrProgressionNotFound = errors.New("progression record not found")
)
