package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"yhmv/internal/apperrors"
	"yhmv/models"
	"yhmv/services/auth"
)

type sessionService interface {
	Session() models.AuthSession
	State() auth.State
	RequestPin(ctx context.Context) (models.PinChallenge, error)
	ActivationURL(code string) string
	PollPin(ctx context.Context, pinID int) (string, error)
	LoginWithToken(ctx context.Context, token string) (models.AuthSession, error)
	Logout(ctx context.Context) error
	SelectServer(ctx context.Context, serverID string) (bool, error)
	RefreshServers(ctx context.Context) (bool, error)
}

var _ sessionService = (*auth.Manager)(nil)

// SessionHandler exposes sign-in and server selection to a local frontend.
// The access token never leaves the process.
type SessionHandler struct {
	Auth sessionService
}

func NewSessionHandler(svc sessionService) *SessionHandler {
	return &SessionHandler{Auth: svc}
}

type serverView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	URI      string `json:"uri"`
	Local    bool   `json:"local"`
	Selected bool   `json:"selected"`
}

type sessionView struct {
	State          auth.State   `json:"state"`
	Username       string       `json:"username,omitempty"`
	Email          string       `json:"email,omitempty"`
	AvatarURL      string       `json:"avatarUrl,omitempty"`
	SelectedServer *serverView  `json:"selectedServer,omitempty"`
	Servers        []serverView `json:"servers"`
}

func (h *SessionHandler) view() sessionView {
	s := h.Auth.Session()
	v := sessionView{
		State:     h.Auth.State(),
		Username:  s.Username,
		Email:     s.Email,
		AvatarURL: s.AvatarURL,
		Servers:   make([]serverView, 0, len(s.Servers)),
	}
	for _, srv := range s.Servers {
		sv := serverView{ID: srv.ID, Name: srv.Name, URI: srv.URI, Local: srv.Local}
		if s.SelectedServer != nil && s.SelectedServer.ID == srv.ID {
			sv.Selected = true
			sv.URI = s.SelectedServer.URI
			sv.Local = s.SelectedServer.Local
			selected := sv
			v.SelectedServer = &selected
		}
		v.Servers = append(v.Servers, sv)
	}
	return v
}

func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.view())
}

// CreatePin starts pairing and returns the code the user enters at the
// activation URL.
func (h *SessionHandler) CreatePin(w http.ResponseWriter, r *http.Request) {
	pin, err := h.Auth.RequestPin(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            pin.ID,
		"code":          pin.Code,
		"expiresAt":     pin.ExpiresAt,
		"activationUrl": h.Auth.ActivationURL(pin.Code),
	})
}

// CheckPin polls the PIN once. While the user has not approved it the
// answer is 202; once approved the session is created and returned.
func (h *SessionHandler) CheckPin(w http.ResponseWriter, r *http.Request) {
	pinID, err := strconv.Atoi(mux.Vars(r)["pinID"])
	if err != nil {
		http.Error(w, "invalid pin id", http.StatusBadRequest)
		return
	}
	token, err := h.Auth.PollPin(r.Context(), pinID)
	if err != nil {
		writeError(w, err)
		return
	}
	if token == "" {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	if _, err := h.Auth.LoginWithToken(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

// LoginWithToken signs in with a token obtained elsewhere.
func (h *SessionHandler) LoginWithToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	token := strings.TrimSpace(body.Token)
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	if _, err := h.Auth.LoginWithToken(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.Auth.Logout(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SelectServer switches the active server. An unreachable server leaves the
// selection unchanged and answers 409.
func (h *SessionHandler) SelectServer(w http.ResponseWriter, r *http.Request) {
	serverID := strings.TrimSpace(mux.Vars(r)["serverID"])
	if serverID == "" {
		http.Error(w, "server id is required", http.StatusBadRequest)
		return
	}
	ok, err := h.Auth.SelectServer(r.Context(), serverID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, errorBody{Error: "server is not reachable"})
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}

func (h *SessionHandler) RefreshServers(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Auth.RefreshServers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperrors.Discovery(apperrors.CodeNoServers, "no servers found", nil))
		return
	}
	writeJSON(w, http.StatusOK, h.view())
}
