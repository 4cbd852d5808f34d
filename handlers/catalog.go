package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"yhmv/models"
	"yhmv/services/catalog"
)

type catalogService interface {
	Home(ctx context.Context) (models.HomeFeed, error)
	Movies(ctx context.Context) ([]models.Movie, error)
	RecentlyAddedMovies(ctx context.Context, limit int) ([]models.Movie, error)
	MovieDetail(ctx context.Context, id string) (*models.Movie, error)
	Shows(ctx context.Context) ([]models.Show, error)
	RecentlyAddedShows(ctx context.Context, limit int) ([]models.Show, error)
	Seasons(ctx context.Context, showID string) ([]models.Season, error)
	Episodes(ctx context.Context, seasonID string) ([]models.Episode, error)
	EpisodeDetail(ctx context.Context, id string) (*models.Episode, error)
	OnDeck(ctx context.Context, limit int) ([]models.OnDeckItem, error)
	Search(ctx context.Context, query, typ string) ([]models.SearchResult, error)
	TranscodeURL(ctx context.Context, ratingKey string, opts models.TranscodeOptions) (string, error)
	ResolveStreamURL(ctx context.Context, startURL string) (string, error)
	UltraBlurColors(ctx context.Context, thumbURL string) []string
	ReportTimeline(ctx context.Context, ratingKey string, state models.PlaybackState, position, duration time.Duration)
	Scrobble(ctx context.Context, ratingKey string) error
}

var _ catalogService = (*catalog.Service)(nil)

// CatalogHandler serves library browsing and playback helpers.
type CatalogHandler struct {
	Catalog catalogService
}

func NewCatalogHandler(svc catalogService) *CatalogHandler {
	return &CatalogHandler{Catalog: svc}
}

func respond[T any](w http.ResponseWriter, v T, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Home answers 200 with whatever rows loaded; failed rows are listed under
// "errors".
func (h *CatalogHandler) Home(w http.ResponseWriter, r *http.Request) {
	feed, err := h.Catalog.Home(r.Context())
	body := struct {
		models.HomeFeed
		Errors []string `json:"errors,omitempty"`
	}{HomeFeed: feed}
	if err != nil {
		body.Errors = strings.Split(err.Error(), "\n")
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *CatalogHandler) Movies(w http.ResponseWriter, r *http.Request) {
	movies, err := h.Catalog.Movies(r.Context())
	respond(w, movies, err)
}

func (h *CatalogHandler) RecentMovies(w http.ResponseWriter, r *http.Request) {
	movies, err := h.Catalog.RecentlyAddedMovies(r.Context(), queryInt(r, "limit"))
	respond(w, movies, err)
}

func (h *CatalogHandler) Movie(w http.ResponseWriter, r *http.Request) {
	movie, err := h.Catalog.MovieDetail(r.Context(), mux.Vars(r)["id"])
	if err == nil && movie == nil {
		http.Error(w, "movie not found", http.StatusNotFound)
		return
	}
	respond(w, movie, err)
}

func (h *CatalogHandler) Shows(w http.ResponseWriter, r *http.Request) {
	shows, err := h.Catalog.Shows(r.Context())
	respond(w, shows, err)
}

func (h *CatalogHandler) RecentShows(w http.ResponseWriter, r *http.Request) {
	shows, err := h.Catalog.RecentlyAddedShows(r.Context(), queryInt(r, "limit"))
	respond(w, shows, err)
}

func (h *CatalogHandler) Seasons(w http.ResponseWriter, r *http.Request) {
	seasons, err := h.Catalog.Seasons(r.Context(), mux.Vars(r)["id"])
	respond(w, seasons, err)
}

func (h *CatalogHandler) Episodes(w http.ResponseWriter, r *http.Request) {
	episodes, err := h.Catalog.Episodes(r.Context(), mux.Vars(r)["id"])
	respond(w, episodes, err)
}

func (h *CatalogHandler) Episode(w http.ResponseWriter, r *http.Request) {
	ep, err := h.Catalog.EpisodeDetail(r.Context(), mux.Vars(r)["id"])
	if err == nil && ep == nil {
		http.Error(w, "episode not found", http.StatusNotFound)
		return
	}
	respond(w, ep, err)
}

func (h *CatalogHandler) OnDeck(w http.ResponseWriter, r *http.Request) {
	items, err := h.Catalog.OnDeck(r.Context(), queryInt(r, "limit"))
	respond(w, items, err)
}

func (h *CatalogHandler) Search(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		http.Error(w, "q is required", http.StatusBadRequest)
		return
	}
	results, err := h.Catalog.Search(r.Context(), query, r.URL.Query().Get("type"))
	respond(w, results, err)
}

func (h *CatalogHandler) Colors(w http.ResponseWriter, r *http.Request) {
	thumb := r.URL.Query().Get("url")
	if thumb == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	colors := h.Catalog.UltraBlurColors(r.Context(), thumb)
	if colors == nil {
		colors = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"colors": colors})
}

type playResponse struct {
	SessionID string `json:"sessionId"`
	StartURL  string `json:"startUrl"`
	StreamURL string `json:"streamUrl"`
}

// Play builds the transcode URL for an item and resolves it to the session
// playlist so the player never sees the redirect.
func (h *CatalogHandler) Play(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var opts models.TranscodeOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
	}
	start, err := h.Catalog.TranscodeURL(r.Context(), id, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	stream, err := h.Catalog.ResolveStreamURL(r.Context(), start)
	if err != nil {
		writeError(w, err)
		return
	}
	session := opts.SessionID
	if u, err := url.Parse(start); err == nil {
		session = u.Query().Get("transcodeSessionId")
	}
	writeJSON(w, http.StatusOK, playResponse{SessionID: session, StartURL: start, StreamURL: stream})
}

type timelineRequest struct {
	RatingKey  string               `json:"ratingKey"`
	State      models.PlaybackState `json:"state"`
	PositionMs int64                `json:"positionMs"`
	DurationMs int64                `json:"durationMs"`
}

// Timeline forwards a player position report. Upstream failures are logged
// by the catalog; a valid body always gets 204.
func (h *CatalogHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	var req timelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	switch req.State {
	case models.PlaybackPlaying, models.PlaybackPaused, models.PlaybackStopped:
	default:
		http.Error(w, "state must be playing, paused or stopped", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RatingKey) == "" {
		http.Error(w, "ratingKey is required", http.StatusBadRequest)
		return
	}
	h.Catalog.ReportTimeline(r.Context(), req.RatingKey, req.State,
		time.Duration(req.PositionMs)*time.Millisecond, time.Duration(req.DurationMs)*time.Millisecond)
	w.WriteHeader(http.StatusNoContent)
}

func (h *CatalogHandler) Scrobble(w http.ResponseWriter, r *http.Request) {
	if err := h.Catalog.Scrobble(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
