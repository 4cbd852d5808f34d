package models

import "time"

// Storage keys used by the auth session manager.
const (
	AuthStateKey      = "plex_auth_state"
	ServersCacheKey   = "plex_servers_cache"
	ClientIdentityKey = "plex_client_identifier"
)

// AuthSession is the persisted sign-in state.
type AuthSession struct {
	IsAuthenticated bool           `json:"isAuthenticated"`
	Username        string         `json:"username,omitempty"`
	Email           string         `json:"email,omitempty"`
	AvatarURL       string         `json:"avatarUrl,omitempty"`
	AccessToken     string         `json:"accessToken,omitempty"`
	Servers         []ServerRecord `json:"servers"`
	SelectedServer  *ServerRecord  `json:"selectedServer,omitempty"`
}

// Clone returns a deep copy so callers can't mutate the manager's state.
func (s AuthSession) Clone() AuthSession {
	out := s
	out.Servers = make([]ServerRecord, len(s.Servers))
	for i, srv := range s.Servers {
		out.Servers[i] = srv.Clone()
	}
	if s.SelectedServer != nil {
		sel := s.SelectedServer.Clone()
		out.SelectedServer = &sel
	}
	return out
}

// PinChallenge is a short-lived pairing code issued by the directory.
type PinChallenge struct {
	ID        int       `json:"id"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AccountIdentity is the account returned by the directory for a token.
type AccountIdentity struct {
	ID       int    `json:"id"`
	UUID     string `json:"uuid"`
	Username string `json:"username"`
	Title    string `json:"title"`
	Email    string `json:"email"`
	Thumb    string `json:"thumb"`
}
