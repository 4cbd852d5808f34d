package api

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"yhmv/handlers"
)

// localhostOnlyMiddleware restricts access to loopback clients.
func localhostOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			http.Error(w, "API only accessible from localhost", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isLocalOrigin reports whether origin is a page served from this machine.
func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// corsMiddleware allows browser calls from localhost pages only. Requests
// carrying any other Origin are refused before they reach a handler.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !isLocalOrigin(origin) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("api request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		})
	}
}

// NewRouter returns a router with the API mounted under /api.
func NewRouter(session *handlers.SessionHandler, catalog *handlers.CatalogHandler, logger *slog.Logger) *mux.Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	Register(r, session, catalog, logger.With("component", "api"))
	return r
}

// Register mounts API endpoints onto the provided router.
func Register(r *mux.Router, session *handlers.SessionHandler, catalog *handlers.CatalogHandler, logger *slog.Logger) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(localhostOnlyMiddleware, corsMiddleware, loggingMiddleware(logger))

	// Session and server selection
	api.HandleFunc("/session", session.Get).Methods(http.MethodGet)
	api.HandleFunc("/session", session.Logout).Methods(http.MethodDelete)
	api.HandleFunc("/session/pin", session.CreatePin).Methods(http.MethodPost)
	api.HandleFunc("/session/pin/{pinID:[0-9]+}", session.CheckPin).Methods(http.MethodGet)
	api.HandleFunc("/session/token", session.LoginWithToken).Methods(http.MethodPost)
	api.HandleFunc("/servers/refresh", session.RefreshServers).Methods(http.MethodPost)
	api.HandleFunc("/servers/{serverID}/select", session.SelectServer).Methods(http.MethodPost)

	// Library
	api.HandleFunc("/home", catalog.Home).Methods(http.MethodGet)
	api.HandleFunc("/ondeck", catalog.OnDeck).Methods(http.MethodGet)
	api.HandleFunc("/search", catalog.Search).Methods(http.MethodGet)
	api.HandleFunc("/colors", catalog.Colors).Methods(http.MethodGet)
	api.HandleFunc("/movies", catalog.Movies).Methods(http.MethodGet)
	api.HandleFunc("/movies/recent", catalog.RecentMovies).Methods(http.MethodGet)
	api.HandleFunc("/movies/{id}", catalog.Movie).Methods(http.MethodGet)
	api.HandleFunc("/shows", catalog.Shows).Methods(http.MethodGet)
	api.HandleFunc("/shows/recent", catalog.RecentShows).Methods(http.MethodGet)
	api.HandleFunc("/shows/{id}/seasons", catalog.Seasons).Methods(http.MethodGet)
	api.HandleFunc("/seasons/{id}/episodes", catalog.Episodes).Methods(http.MethodGet)
	api.HandleFunc("/episodes/{id}", catalog.Episode).Methods(http.MethodGet)

	// Playback
	api.HandleFunc("/play/{id}", catalog.Play).Methods(http.MethodPost)
	api.HandleFunc("/timeline", catalog.Timeline).Methods(http.MethodPost)
	api.HandleFunc("/scrobble/{id}", catalog.Scrobble).Methods(http.MethodPost)

	// Preflight for every API path
	api.PathPrefix("").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodOptions)
}
