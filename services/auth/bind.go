package auth

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"yhmv/internal/apperrors"
	"yhmv/models"
	"yhmv/services/request"
)

var (
	apiSuffix   = regexp.MustCompile(`/(playlists|library|status).*$`)
	httpURIRule = regexp.MustCompile(`^https?://.+`)
)

// ServerBaseURL derives the API base of a server record. Stored URIs are
// sometimes saved with an API path attached; that is stripped. When the URI
// is unusable the address and port are used instead.
func ServerBaseURL(srv models.ServerRecord) (string, error) {
	uri := strings.TrimSpace(srv.URI)
	if u, err := url.Parse(uri); err == nil && u.Host != "" {
		u.Path = apiSuffix.ReplaceAllString(u.Path, "")
		u.RawPath = ""
		u.RawQuery = ""
		u.Fragment = ""
		uri = u.String()
	}
	uri = strings.TrimRight(uri, "/")
	if httpURIRule.MatchString(uri) {
		return uri, nil
	}
	if srv.Address != "" && srv.Port != 0 {
		scheme := "https"
		if srv.Local {
			scheme = "http"
		}
		return scheme + "://" + net.JoinHostPort(srv.Address, strconv.Itoa(srv.Port)), nil
	}
	return "", apperrors.Construction(fmt.Sprintf("server %q has no valid URI %q, refresh servers", srv.Name, srv.URI), nil)
}

// Bind resolves the request engine's binding from the session. The stored
// session is loaded first when nothing is signed in; that load does not run
// the session change listeners, since the caller is the engine filling its
// cache. The selected server is
// reachability-checked; a working fallback connection replaces the stored
// one, otherwise the stored URI is used anyway.
func (m *Manager) Bind(ctx context.Context) (request.Binding, error) {
	if !m.IsAuthenticated() {
		if _, err := m.loadSession(ctx, false); err != nil {
			return request.Binding{}, err
		}
		if !m.IsAuthenticated() {
			return request.Binding{}, ErrNotAuthenticated
		}
	}

	selected, ok := m.SelectedServer()
	if !ok {
		return request.Binding{}, ErrNoServerSelected
	}
	token := m.AccessToken()

	base, err := ServerBaseURL(selected)
	if err != nil {
		return request.Binding{}, err
	}

	rec, reachable := m.disc.ResolveConnection(ctx, selected, token)
	if !reachable {
		m.log.Warn("no reachable connection found, using stored URI", "server", selected.Name, "uri", base)
		return request.Binding{BaseURL: base, Token: token}, nil
	}

	if rec.URI != selected.URI {
		m.mu.Lock()
		m.replaceServerLocked(rec)
		m.mu.Unlock()
		if err := m.save(ctx); err != nil {
			m.log.Error("failed to save auth state", "error", err)
		}
	}
	resolved, err := ServerBaseURL(rec)
	if err != nil {
		return request.Binding{BaseURL: base, Token: token}, nil
	}
	return request.Binding{BaseURL: resolved, Token: token}, nil
}
