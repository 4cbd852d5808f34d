// Package auth owns the sign-in state: device pairing, token validation,
// server selection and the persisted session.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"yhmv/internal/apperrors"
	"yhmv/internal/storage"
	"yhmv/models"
	"yhmv/services/discovery"
	"yhmv/services/plex"
)

// State is the position of the manager in the sign-in state machine.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StatePairing         State = "pairing"
	StateAuthenticated   State = "authenticated"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrNoServerSelected = errors.New("no server selected")
	ErrServerNotFound   = errors.New("server not found")
	ErrPairingTimedOut  = apperrors.New(apperrors.KindAuth, apperrors.CodePairingTimeout, "PIN authorization timed out, please try again")
)

// Directory is the subset of the directory API the manager needs.
type Directory interface {
	CreatePIN(ctx context.Context) (*plex.PINResponse, error)
	CheckPIN(ctx context.Context, pinID int) (*plex.PINResponse, error)
	ActivationURL(code string) string
	GetUserInfo(ctx context.Context, authToken string) (*plex.UserInfo, error)
}

// Discoverer finds servers and confirms connections to them.
type Discoverer interface {
	Discover(ctx context.Context, token string) discovery.Result
	ResolveConnection(ctx context.Context, server models.ServerRecord, token string) (models.ServerRecord, bool)
}

type Options struct {
	Platform        string
	PairingInterval time.Duration
	PairingAttempts int
	Logger          *slog.Logger
	// Sleep waits between pairing polls; it must return early with ctx's
	// error when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

const (
	DefaultPairingInterval = 2 * time.Second
	DefaultPairingAttempts = 150
)

// Manager tracks the current session. Session-mutating calls (login,
// logout, selection, refresh) must not run concurrently with each other;
// reads are safe at any time.
type Manager struct {
	dir   Directory
	disc  Discoverer
	store storage.Store
	opts  Options
	log   *slog.Logger

	mu        sync.RWMutex
	state     State
	session   models.AuthSession
	listeners []func(models.AuthSession)
}

func NewManager(dir Directory, disc Discoverer, store storage.Store, opts Options) *Manager {
	if opts.PairingInterval <= 0 {
		opts.PairingInterval = DefaultPairingInterval
	}
	if opts.PairingAttempts <= 0 {
		opts.PairingAttempts = DefaultPairingAttempts
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		dir:     dir,
		disc:    disc,
		store:   store,
		opts:    opts,
		log:     logger.With("component", "auth"),
		state:   StateUnauthenticated,
		session: models.AuthSession{Servers: []models.ServerRecord{}},
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// OnSessionChange registers fn to run after the session is replaced, the
// selected server changes or the user logs out.
func (m *Manager) OnSessionChange(fn func(models.AuthSession)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) notify() {
	m.mu.RLock()
	snapshot := m.session.Clone()
	listeners := slices.Clone(m.listeners)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Session returns a copy of the current session.
func (m *Manager) Session() models.AuthSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.Clone()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.IsAuthenticated
}

func (m *Manager) SelectedServer() (models.ServerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session.SelectedServer == nil {
		return models.ServerRecord{}, false
	}
	return m.session.SelectedServer.Clone(), true
}

func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session.AccessToken
}

// DeviceIdentity returns the persisted client identifier.
func (m *Manager) DeviceIdentity(ctx context.Context) (string, error) {
	return EnsureDeviceIdentity(ctx, m.store, m.opts.Platform)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// RequestPin asks the directory for a pairing code and moves to Pairing.
func (m *Manager) RequestPin(ctx context.Context) (models.PinChallenge, error) {
	m.log.Info("requesting PIN")
	pin, err := m.dir.CreatePIN(ctx)
	if err != nil {
		m.log.Error("PIN request failed", "error", err)
		return models.PinChallenge{}, fmt.Errorf("request PIN: %w", err)
	}
	m.setState(StatePairing)
	m.log.Info("PIN requested", "code", pin.Code, "id", pin.ID)
	return models.PinChallenge{ID: pin.ID, Code: pin.Code, ExpiresAt: pin.ExpiresAt}, nil
}

// ActivationURL is the page where the user approves code.
func (m *Manager) ActivationURL(code string) string {
	return m.dir.ActivationURL(code)
}

// PollPin performs a single status check. The token is empty until the user
// has approved the code.
func (m *Manager) PollPin(ctx context.Context, pinID int) (string, error) {
	pin, err := m.dir.CheckPIN(ctx, pinID)
	if err != nil {
		return "", fmt.Errorf("poll PIN: %w", err)
	}
	return pin.AuthToken, nil
}

// LoginWithToken validates token, discovers the account's servers, picks a
// reachable one and persists the resulting session.
func (m *Manager) LoginWithToken(ctx context.Context, token string) (models.AuthSession, error) {
	m.log.Info("logging in with token")

	user, err := m.dir.GetUserInfo(ctx, token)
	if err != nil {
		m.abandonLogin()
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return models.AuthSession{}, err
		}
		return models.AuthSession{}, apperrors.Auth("invalid Plex token", err)
	}

	res := m.disc.Discover(ctx, token)
	if len(res.Servers) == 0 {
		m.abandonLogin()
		if res.Err != nil {
			return models.AuthSession{}, res.Err
		}
		return models.AuthSession{}, apperrors.Discovery(apperrors.CodeNoServers, "no Plex servers found, check that your server is running and accessible", nil)
	}

	selected := m.chooseServer(ctx, res, token)
	session := models.AuthSession{
		IsAuthenticated: true,
		Username:        user.Username,
		Email:           user.Email,
		AvatarURL:       user.Thumb,
		AccessToken:     token,
		Servers:         res.Servers,
		SelectedServer:  &selected,
	}

	m.mu.Lock()
	m.session = session
	m.state = StateAuthenticated
	m.mu.Unlock()

	if err := m.save(ctx); err != nil {
		m.log.Error("failed to save auth state", "error", err)
	}
	m.log.Info("login successful", "user", user.Username, "servers", len(res.Servers), "selected", selected.Name)
	m.notify()
	return m.Session(), nil
}

// abandonLogin returns to Unauthenticated unless a previous session is live.
func (m *Manager) abandonLogin() {
	m.mu.Lock()
	if !m.session.IsAuthenticated {
		m.state = StateUnauthenticated
	}
	m.mu.Unlock()
}

// chooseServer confirms the recommended server and falls through the others
// in order. When nothing answers the recommended record is kept.
func (m *Manager) chooseServer(ctx context.Context, res discovery.Result, token string) models.ServerRecord {
	recommended := res.Servers[0]
	if res.Recommended != nil {
		recommended = *res.Recommended
	}
	if rec, ok := m.disc.ResolveConnection(ctx, recommended, token); ok {
		return rec
	}
	m.log.Warn("recommended server connection failed, trying other servers", "server", recommended.Name)
	for _, srv := range res.Servers {
		if srv.ID == recommended.ID {
			continue
		}
		if rec, ok := m.disc.ResolveConnection(ctx, srv, token); ok {
			return rec
		}
	}
	m.log.Warn("no server answered, keeping recommended", "server", recommended.Name)
	return recommended.Clone()
}

// Logout clears the session and its persisted state.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.session = models.AuthSession{Servers: []models.ServerRecord{}}
	m.state = StateUnauthenticated
	m.mu.Unlock()

	err := m.store.Delete(ctx, models.AuthStateKey, models.ServersCacheKey)
	m.notify()
	if err != nil {
		return fmt.Errorf("clear auth state: %w", err)
	}
	m.log.Info("logged out")
	return nil
}

// LoadSession restores the persisted session and re-validates its token.
// A rejected token logs out silently. When the token cannot be checked
// (network failure, directory 5xx) the stored session is restored
// unvalidated and LoadSession still reports true; the next request that
// gets a 401 surfaces the problem.
func (m *Manager) LoadSession(ctx context.Context) (bool, error) {
	return m.loadSession(ctx, true)
}

// loadSession restores the stored session. With notify false the session
// change listeners are not run.
func (m *Manager) loadSession(ctx context.Context, notify bool) (bool, error) {
	raw, ok, err := m.store.Get(ctx, models.AuthStateKey)
	if err != nil {
		return false, fmt.Errorf("read auth state: %w", err)
	}
	if !ok {
		return false, nil
	}

	var session models.AuthSession
	if err := json.Unmarshal(raw, &session); err != nil {
		m.log.Error("failed to load auth state", "error", err)
		return false, nil
	}
	if session.Servers == nil {
		session.Servers = []models.ServerRecord{}
	}
	if session.AccessToken == "" {
		return false, nil
	}

	user, err := m.dir.GetUserInfo(ctx, session.AccessToken)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindAuth) {
			m.log.Warn("stored token rejected, logging out")
			if err := m.Logout(ctx); err != nil {
				m.log.Error("logout failed", "error", err)
			}
			return false, nil
		}
		m.log.Warn("could not validate stored token, keeping session", "error", err)
		m.restore(session, notify)
		return session.IsAuthenticated, nil
	}

	session.IsAuthenticated = true
	session.Username = user.Username
	session.Email = user.Email
	if user.Thumb != "" {
		session.AvatarURL = user.Thumb
	}
	m.restore(session, notify)
	if err := m.save(ctx); err != nil {
		m.log.Error("failed to save auth state", "error", err)
	}
	m.log.Info("loaded authentication state from storage", "user", session.Username)

	if sel := session.SelectedServer; sel != nil && len(sel.Connections) == 0 {
		m.log.Info("refreshing servers to populate connections")
		if _, err := m.RefreshServers(ctx); err != nil {
			m.log.Warn("server refresh failed", "error", err)
		}
	}
	return true, nil
}

func (m *Manager) restore(session models.AuthSession, notify bool) {
	m.mu.Lock()
	m.session = session
	if session.IsAuthenticated {
		m.state = StateAuthenticated
	} else {
		m.state = StateUnauthenticated
	}
	m.mu.Unlock()
	if notify {
		m.notify()
	}
}

// SelectServer switches to the server with the given ID if it answers.
// An unreachable server leaves the current selection untouched.
func (m *Manager) SelectServer(ctx context.Context, serverID string) (bool, error) {
	m.mu.RLock()
	token := m.session.AccessToken
	authenticated := m.session.IsAuthenticated
	idx := -1
	var target models.ServerRecord
	for i, srv := range m.session.Servers {
		if srv.ID == serverID {
			idx, target = i, srv.Clone()
			break
		}
	}
	m.mu.RUnlock()

	if !authenticated {
		return false, ErrNotAuthenticated
	}
	if idx < 0 {
		m.log.Error("server not found", "server", serverID)
		return false, fmt.Errorf("%w: %s", ErrServerNotFound, serverID)
	}

	rec, ok := m.disc.ResolveConnection(ctx, target, token)
	if !ok {
		m.log.Error("failed to connect to selected server", "server", target.Name)
		return false, nil
	}

	m.mu.Lock()
	m.replaceServerLocked(rec)
	m.mu.Unlock()

	if err := m.save(ctx); err != nil {
		return true, err
	}
	m.log.Info("selected server", "server", rec.Name, "uri", rec.URI)
	m.notify()
	return true, nil
}

// replaceServerLocked stores rec as the selection and swaps it into the
// server list so both stay the same record.
func (m *Manager) replaceServerLocked(rec models.ServerRecord) {
	servers := make([]models.ServerRecord, len(m.session.Servers))
	for i, srv := range m.session.Servers {
		if srv.ID == rec.ID {
			servers[i] = rec.Clone()
		} else {
			servers[i] = srv
		}
	}
	m.session.Servers = servers
	sel := rec.Clone()
	m.session.SelectedServer = &sel
}

// RefreshServers rediscovers servers and rebinds the selection by ID,
// falling back to the recommended server. It reports false when discovery
// returned nothing.
func (m *Manager) RefreshServers(ctx context.Context) (bool, error) {
	token := m.AccessToken()
	if token == "" {
		return false, ErrNotAuthenticated
	}

	res := m.disc.Discover(ctx, token)
	if len(res.Servers) == 0 {
		m.log.Error("failed to refresh servers", "error", res.Err)
		return false, res.Err
	}

	m.mu.Lock()
	var selected *models.ServerRecord
	if cur := m.session.SelectedServer; cur != nil {
		for _, srv := range res.Servers {
			if srv.ID == cur.ID {
				rec := srv.Clone()
				selected = &rec
				break
			}
		}
	}
	if selected == nil && res.Recommended != nil {
		rec := res.Recommended.Clone()
		selected = &rec
	}
	m.session.Servers = res.Servers
	m.session.SelectedServer = selected
	m.mu.Unlock()

	if err := m.save(ctx); err != nil {
		return true, err
	}
	m.log.Info("servers refreshed", "servers", len(res.Servers))
	m.notify()
	return true, nil
}

func (m *Manager) save(ctx context.Context) error {
	m.mu.RLock()
	data, err := json.Marshal(m.session)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal auth state: %w", err)
	}
	if err := m.store.Set(ctx, models.AuthStateKey, data); err != nil {
		return fmt.Errorf("save auth state: %w", err)
	}
	return nil
}
