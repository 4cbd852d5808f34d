package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yhmv/config"
	"yhmv/handlers"
	"yhmv/internal/app"
	"yhmv/internal/plextest"
	"yhmv/internal/storage"
	"yhmv/models"
)

func newTestRouter(t *testing.T) (*mux.Router, *plextest.Server) {
	t.Helper()
	server := plextest.NewServer(t, "tok", plextest.SampleLibrary())
	addr := server.Listener.Addr().(*net.TCPAddr)
	dir := plextest.NewDirectory(t, "tok")
	dir.Resources = plextest.SampleResources(server.URL, addr.IP.String(), addr.Port)

	settings := config.DefaultSettings()
	settings.Directory.BaseURL = dir.URL
	settings.Discovery.ProbeTimeoutMs = 300
	store, err := storage.NewFileStore(afero.NewMemMapFs(), "/state.json")
	require.NoError(t, err)

	a, err := app.New(context.Background(), settings, store, app.Options{})
	require.NoError(t, err)
	return NewRouter(handlers.NewSessionHandler(a.Auth), handlers.NewCatalogHandler(a.Catalog), nil), server
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "127.0.0.1:52000"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRemoteClientsAreRejected(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.RemoteAddr = "192.168.1.20:40000"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/health", "").Code)
}

func TestSignedOutLibraryIsUnauthorized(t *testing.T) {
	r, _ := newTestRouter(t)
	rec := do(t, r, http.MethodGet, "/api/movies", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"unauthenticated"`)
}

func TestSignInBrowseAndPlay(t *testing.T) {
	r, server := newTestRouter(t)

	rec := do(t, r, http.MethodPost, "/api/session/token", `{"token":"tok"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "accessToken")
	assert.Contains(t, rec.Body.String(), `"id":"home"`)

	rec = do(t, r, http.MethodGet, "/api/movies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var movies []models.Movie
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &movies))
	assert.Len(t, movies, 3)

	rec = do(t, r, http.MethodGet, "/api/shows/200/seasons", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Season 2")

	rec = do(t, r, http.MethodGet, "/api/movies/2101", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "an episode is not a movie")

	rec = do(t, r, http.MethodGet, "/api/movies/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "upstream 404 is passed through")

	rec = do(t, r, http.MethodGet, "/api/search?q=arr&type=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Arrival")

	rec = do(t, r, http.MethodPost, "/api/play/100", `{"sessionId":"api-1","maxWidth":1280,"maxHeight":720}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var play struct {
		SessionID string `json:"sessionId"`
		StreamURL string `json:"streamUrl"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &play))
	assert.Equal(t, "api-1", play.SessionID)
	assert.Equal(t, server.URL+"/video/:/transcode/universal/session/api-1/base/index.m3u8?X-Plex-Token=tok", play.StreamURL)

	rec = do(t, r, http.MethodPost, "/api/timeline", `{"ratingKey":"100","state":"paused","positionMs":5000,"durationMs":60000}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	calls := server.Calls("/:/timeline")
	require.Len(t, calls, 1)
	assert.Equal(t, "5000", calls[0].Query.Get("time"))

	rec = do(t, r, http.MethodPost, "/api/timeline", `{"ratingKey":"100","state":"buffering"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/api/scrobble/100", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, r, http.MethodGet, "/api/home", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var home map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &home))
	assert.Contains(t, home, "onDeck")
	assert.NotContains(t, home, "errors")

	rec = do(t, r, http.MethodDelete, "/api/session", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodGet, "/api/shows", "").Code)
}

func TestPreflight(t *testing.T) {
	r, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/movies", bytes.NewReader(nil))
	req.RemoteAddr = "[::1]:5000"
	req.Header.Set("Origin", "http://localhost:8081")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:8081", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestForeignOriginsAreRejected(t *testing.T) {
	r, _ := newTestRouter(t)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/api/session/token", `{"token":"tok"}`).Code)

	for _, origin := range []string{"https://evil.example", "null", "http://localhost.evil.example"} {
		req := httptest.NewRequest(http.MethodDelete, "/api/session", nil)
		req.RemoteAddr = "127.0.0.1:52000"
		req.Header.Set("Origin", origin)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, origin)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"), origin)
	}

	rec := do(t, r, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"authenticated"`, "session survives the rejected requests")

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.RemoteAddr = "127.0.0.1:52000"
	req.Header.Set("Origin", "http://127.0.0.1:3000")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://127.0.0.1:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
