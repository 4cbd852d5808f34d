package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhmv/internal/apperrors"
	"yhmv/models"
)

func TestServerBaseURL(t *testing.T) {
	cases := []struct {
		name string
		rec  models.ServerRecord
		want string
	}{
		{"plain", models.ServerRecord{URI: "https://a.plex.direct:32400"}, "https://a.plex.direct:32400"},
		{"trailing slash", models.ServerRecord{URI: " http://10.0.0.2:32400/ "}, "http://10.0.0.2:32400"},
		{"library path", models.ServerRecord{URI: "http://10.0.0.2:32400/library/sections/1/all?type=1"}, "http://10.0.0.2:32400"},
		{"status path", models.ServerRecord{URI: "http://10.0.0.2:32400/status/sessions"}, "http://10.0.0.2:32400"},
		{"playlists path", models.ServerRecord{URI: "http://10.0.0.2:32400/playlists/12"}, "http://10.0.0.2:32400"},
		{"status host is kept", models.ServerRecord{URI: "https://status.example.com"}, "https://status.example.com"},
		{"local address", models.ServerRecord{URI: "10.0.0.2", Address: "10.0.0.2", Port: 32400, Local: true}, "http://10.0.0.2:32400"},
		{"remote address", models.ServerRecord{Address: "84.1.2.3", Port: 443}, "https://84.1.2.3:443"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ServerBaseURL(tc.rec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ServerBaseURL(models.ServerRecord{Name: "broken", URI: "not a uri"})
	assert.True(t, apperrors.IsKind(err, apperrors.KindConstruction))
}

func TestBindRequiresSession(t *testing.T) {
	dir, disc := defaultFakes()
	m := newTestManager(t, dir, disc, nil)

	_, err := m.Bind(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestBindLoadsStoredSessionAndAdoptsFallback(t *testing.T) {
	dir, disc := defaultFakes()
	m := newTestManager(t, dir, disc, nil)
	_, err := m.LoginWithToken(context.Background(), "tok")
	require.NoError(t, err)

	restored := newTestManager(t, dir, disc, m.store)
	disc.reachable = map[string]bool{"https://a.plex.direct:32400": true}

	b, err := restored.Bind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://a.plex.direct:32400", b.BaseURL)
	assert.Equal(t, "tok", b.Token)

	sel, _ := restored.SelectedServer()
	assert.Equal(t, "https://a.plex.direct:32400", sel.URI)
}

func TestBindUsesStoredURIWhenUnreachable(t *testing.T) {
	dir, disc := defaultFakes()
	m := newTestManager(t, dir, disc, nil)
	_, err := m.LoginWithToken(context.Background(), "tok")
	require.NoError(t, err)

	disc.reachable = nil
	b, err := m.Bind(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.2:32400", b.BaseURL)
}

func TestBindColdStartDoesNotNotify(t *testing.T) {
	dir, disc := defaultFakes()
	m := newTestManager(t, dir, disc, nil)
	_, err := m.LoginWithToken(context.Background(), "tok")
	require.NoError(t, err)

	restored := newTestManager(t, dir, disc, m.store)
	calls := 0
	restored.OnSessionChange(func(models.AuthSession) { calls++ })

	_, err = restored.Bind(context.Background())
	require.NoError(t, err)
	assert.True(t, restored.IsAuthenticated())
	assert.Zero(t, calls)

	_, err = restored.LoadSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
