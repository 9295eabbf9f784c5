package auth

// Known OAuth scopes used by the backend services.
const (
	ScopeLobbiesWrite    = "lobbies:write"
	ScopeLobbiesRead     = "lobbies:read"
	ScopeProgressionRead = "progression:read"
)
