// Package catalog maps the media server's library API onto typed entities
// and exposes playback reporting and stream URL helpers.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"yhmv/internal/apperrors"
	"yhmv/models"
	"yhmv/services/request"
)

var (
	ErrNoMovieSection = errors.New("no movie section found in library")
	ErrNoShowSection  = errors.New("no TV show section found in library")
)

const (
	DefaultRecentLimit = 25
	DefaultOnDeckLimit = 20

	reportTimeout       = 10 * time.Second
	connectivityTimeout = 15 * time.Second
	resolveTimeout      = 15 * time.Second
	ultraBlurTimeout    = 5 * time.Second
)

// Requester is the request engine as seen by the catalog.
type Requester interface {
	Initialize(ctx context.Context) (request.Binding, error)
	Request(ctx context.Context, path string, params url.Values, opts ...request.Option) (*request.Response, error)
	URL(path string, params url.Values) (string, error)
	MediaURL(path string) string
	Follow(ctx context.Context, rawURL string, timeout time.Duration) (string, error)
	Reset()
}

type Config struct {
	ClientID  string
	Product   string
	Platform  string
	Transcode models.TranscodeOptions
	Logger    *slog.Logger
}

// Service is the catalog facade over the request engine.
type Service struct {
	engine Requester
	cfg    Config
	log    *slog.Logger

	mu           sync.Mutex
	movieSection string
	showSection  string
}

func NewService(engine Requester, cfg Config) *Service {
	if cfg.Transcode.MaxWidth <= 0 {
		cfg.Transcode.MaxWidth = 1920
	}
	if cfg.Transcode.MaxHeight <= 0 {
		cfg.Transcode.MaxHeight = 1080
	}
	if cfg.Transcode.VideoBitrate <= 0 {
		cfg.Transcode.VideoBitrate = 20000
	}
	if cfg.Transcode.AudioBoost <= 0 {
		cfg.Transcode.AudioBoost = 100
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		engine: engine,
		cfg:    cfg,
		log:    logger.With("component", "catalog"),
	}
}

// Reset drops the engine binding and the cached section keys; call it when
// the selected server changes.
func (s *Service) Reset() {
	s.engine.Reset()
	s.mu.Lock()
	s.movieSection, s.showSection = "", ""
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context, path string, params url.Values, opts ...request.Option) (mediaContainer, error) {
	resp, err := s.engine.Request(ctx, path, params, opts...)
	if err != nil {
		return mediaContainer{}, err
	}
	var env envelope
	if err := resp.Decode(&env); err != nil {
		return mediaContainer{}, fmt.Errorf("%s: %w", path, err)
	}
	return env.MediaContainer, nil
}

// TestConnectivity reports whether the bound server answers.
func (s *Service) TestConnectivity(ctx context.Context) bool {
	resp, err := s.engine.Request(ctx, "/status/sessions", nil, request.WithTimeout(connectivityTimeout), request.WithRetries(1))
	if err != nil {
		s.log.Warn("connectivity check failed", "error", err)
		return false
	}
	return resp.Status == 200
}

func (s *Service) LibrarySections(ctx context.Context) ([]models.LibrarySection, error) {
	mc, err := s.fetch(ctx, "/library/sections", nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.LibrarySection, 0, len(mc.Directory))
	for _, d := range mc.Directory {
		out = append(out, models.LibrarySection{Key: d.Key, Type: d.Type, Title: d.Title})
	}
	return out, nil
}

// sections returns the cached movie and show section keys, discovering them
// on first use. The first section of each type wins.
func (s *Service) sections(ctx context.Context) (movie, show string, err error) {
	s.mu.Lock()
	movie, show = s.movieSection, s.showSection
	s.mu.Unlock()
	if movie != "" || show != "" {
		return movie, show, nil
	}

	list, err := s.LibrarySections(ctx)
	if err != nil {
		return "", "", err
	}
	for _, sec := range list {
		switch {
		case sec.Type == "movie" && movie == "":
			movie = sec.Key
		case sec.Type == "show" && show == "":
			show = sec.Key
		}
	}

	s.mu.Lock()
	s.movieSection, s.showSection = movie, show
	s.mu.Unlock()
	s.log.Debug("library sections discovered", "movie", movie, "show", show)
	return movie, show, nil
}

func containerWindow(limit int) url.Values {
	return url.Values{
		"X-Plex-Container-Start": {"0"},
		"X-Plex-Container-Size":  {strconv.Itoa(limit)},
	}
}

func (s *Service) Movies(ctx context.Context) ([]models.Movie, error) {
	movie, _, err := s.sections(ctx)
	if err != nil {
		return nil, err
	}
	if movie == "" {
		return nil, ErrNoMovieSection
	}
	mc, err := s.fetch(ctx, "/library/sections/"+movie+"/all", url.Values{"type": {"1"}, "sort": {"titleSort:asc"}})
	if err != nil {
		return nil, err
	}
	return s.movies(mc), nil
}

// RecentlyAddedMovies returns an empty list when the library has no movie
// section.
func (s *Service) RecentlyAddedMovies(ctx context.Context, limit int) ([]models.Movie, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	movie, _, err := s.sections(ctx)
	if err != nil {
		return nil, err
	}
	if movie == "" {
		return []models.Movie{}, nil
	}
	params := containerWindow(limit)
	params.Set("type", "1")
	mc, err := s.fetch(ctx, "/library/sections/"+movie+"/recentlyAdded", params)
	if err != nil {
		return nil, err
	}
	return s.movies(mc), nil
}

func (s *Service) movies(mc mediaContainer) []models.Movie {
	out := make([]models.Movie, 0, len(mc.Metadata))
	for _, m := range mc.Metadata {
		out = append(out, formatMovie(m, s.engine.MediaURL))
	}
	return out
}

func (s *Service) Shows(ctx context.Context) ([]models.Show, error) {
	_, show, err := s.sections(ctx)
	if err != nil {
		return nil, err
	}
	if show == "" {
		return nil, ErrNoShowSection
	}
	mc, err := s.fetch(ctx, "/library/sections/"+show+"/all", url.Values{"type": {"2"}, "sort": {"titleSort:asc"}})
	if err != nil {
		return nil, err
	}
	return s.shows(mc), nil
}

func (s *Service) RecentlyAddedShows(ctx context.Context, limit int) ([]models.Show, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	_, show, err := s.sections(ctx)
	if err != nil {
		return nil, err
	}
	if show == "" {
		return []models.Show{}, nil
	}
	params := containerWindow(limit)
	params.Set("type", "2")
	mc, err := s.fetch(ctx, "/library/sections/"+show+"/recentlyAdded", params)
	if err != nil {
		return nil, err
	}
	return s.shows(mc), nil
}

func (s *Service) shows(mc mediaContainer) []models.Show {
	out := make([]models.Show, 0, len(mc.Metadata))
	for _, m := range mc.Metadata {
		out = append(out, formatShow(m, s.engine.MediaURL))
	}
	return out
}

// Seasons lists the seasons of a show. Other children (extras) are skipped.
func (s *Service) Seasons(ctx context.Context, showID string) ([]models.Season, error) {
	mc, err := s.fetch(ctx, "/library/metadata/"+showID+"/children", nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.Season, 0, len(mc.Metadata))
	for _, m := range mc.Metadata {
		if m.Type != "season" {
			continue
		}
		out = append(out, formatSeason(m, showID, s.engine.MediaURL))
	}
	return out, nil
}

func (s *Service) Episodes(ctx context.Context, seasonID string) ([]models.Episode, error) {
	mc, err := s.fetch(ctx, "/library/metadata/"+seasonID+"/children", nil)
	if err != nil {
		return nil, err
	}
	out := make([]models.Episode, 0, len(mc.Metadata))
	for _, m := range mc.Metadata {
		out = append(out, formatEpisode(m, mc.GrandparentRatingKey, seasonID, s.engine.MediaURL))
	}
	return out, nil
}

// AdjacentEpisodes returns the episodes before and after ep within its
// season; either may be nil.
func (s *Service) AdjacentEpisodes(ctx context.Context, ep models.Episode) (prev, next *models.Episode, err error) {
	episodes, err := s.Episodes(ctx, ep.SeasonID)
	if err != nil {
		return nil, nil, err
	}
	for i := range episodes {
		if episodes[i].ID != ep.ID {
			continue
		}
		if i > 0 {
			prev = &episodes[i-1]
		}
		if i+1 < len(episodes) {
			next = &episodes[i+1]
		}
		break
	}
	return prev, next, nil
}

func (s *Service) OnDeck(ctx context.Context, limit int) ([]models.OnDeckItem, error) {
	if limit <= 0 {
		limit = DefaultOnDeckLimit
	}
	mc, err := s.fetch(ctx, "/library/onDeck", containerWindow(limit))
	if err != nil {
		return nil, err
	}
	out := make([]models.OnDeckItem, 0, len(mc.Metadata))
	for _, m := range mc.Metadata {
		if m.Type == "movie" {
			movie := formatMovie(m, s.engine.MediaURL)
			out = append(out, models.OnDeckItem{Type: "movie", Movie: &movie})
			continue
		}
		ep := formatEpisode(m, m.GrandparentRatingKey, m.ParentRatingKey, s.engine.MediaURL)
		out = append(out, models.OnDeckItem{Type: "episode", Episode: &ep})
	}
	return out, nil
}

// Search queries the server-wide search endpoint; typ optionally narrows
// the result (Plex numeric type, "1" movies, "2" shows, "4" episodes).
func (s *Service) Search(ctx context.Context, query, typ string) ([]models.SearchResult, error) {
	params := url.Values{"query": {query}}
	if typ != "" {
		params.Set("type", typ)
	}
	mc, err := s.fetch(ctx, "/search", params)
	if err != nil {
		return nil, err
	}
	out := make([]models.SearchResult, 0, len(mc.Metadata))
	for _, m := range mc.Metadata {
		out = append(out, models.SearchResult{
			ID:    m.RatingKey,
			Type:  m.Type,
			Title: m.Title,
			Year:  m.Year.Int(),
			Thumb: s.engine.MediaURL(m.Thumb),
		})
	}
	return out, nil
}

func (s *Service) detail(ctx context.Context, id string) (*metadata, error) {
	mc, err := s.fetch(ctx, "/library/metadata/"+id, nil)
	if err != nil {
		return nil, err
	}
	if len(mc.Metadata) == 0 {
		return nil, nil
	}
	return &mc.Metadata[0], nil
}

// MovieDetail returns nil without error when id doesn't name a movie.
func (s *Service) MovieDetail(ctx context.Context, id string) (*models.Movie, error) {
	raw, err := s.detail(ctx, id)
	if err != nil || raw == nil || raw.Type != "movie" {
		return nil, err
	}
	movie := formatMovie(*raw, s.engine.MediaURL)
	return &movie, nil
}

// EpisodeDetail returns nil without error when id doesn't name an episode.
func (s *Service) EpisodeDetail(ctx context.Context, id string) (*models.Episode, error) {
	raw, err := s.detail(ctx, id)
	if err != nil || raw == nil || raw.Type != "episode" {
		return nil, err
	}
	ep := formatEpisode(*raw, raw.GrandparentRatingKey, raw.ParentRatingKey, s.engine.MediaURL)
	return &ep, nil
}

// Home fetches the on-deck list and both recently added rows concurrently.
// Rows that fail are left empty and their errors joined.
func (s *Service) Home(ctx context.Context) (models.HomeFeed, error) {
	feed := models.HomeFeed{
		OnDeck:              []models.OnDeckItem{},
		RecentlyAddedMovies: []models.Movie{},
		RecentlyAddedShows:  []models.Show{},
	}
	// Section discovery is shared by both recent rows; do it once up front.
	if _, _, err := s.sections(ctx); err != nil {
		return feed, err
	}

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		items, err := s.OnDeck(ctx, DefaultOnDeckLimit)
		if err != nil {
			return fmt.Errorf("on deck: %w", err)
		}
		feed.OnDeck = items
		return nil
	})
	p.Go(func(ctx context.Context) error {
		movies, err := s.RecentlyAddedMovies(ctx, DefaultRecentLimit)
		if err != nil {
			return fmt.Errorf("recently added movies: %w", err)
		}
		feed.RecentlyAddedMovies = movies
		return nil
	})
	p.Go(func(ctx context.Context) error {
		shows, err := s.RecentlyAddedShows(ctx, DefaultRecentLimit)
		if err != nil {
			return fmt.Errorf("recently added shows: %w", err)
		}
		feed.RecentlyAddedShows = shows
		return nil
	})
	err := p.Wait()
	if err != nil {
		s.log.Warn("home feed incomplete", "error", err)
	}
	return feed, err
}

// ReportTimeline tells the server where playback is. Failures are logged
// and never returned.
func (s *Service) ReportTimeline(ctx context.Context, ratingKey string, state models.PlaybackState, position, duration time.Duration) {
	params := url.Values{
		"ratingKey": {ratingKey},
		"key":       {"/library/metadata/" + ratingKey},
		"state":     {string(state)},
		"time":      {strconv.FormatInt(position.Milliseconds(), 10)},
		"duration":  {strconv.FormatInt(duration.Milliseconds(), 10)},
	}
	if s.cfg.ClientID != "" {
		params.Set("X-Plex-Client-Identifier", s.cfg.ClientID)
	}
	if _, err := s.engine.Request(ctx, "/:/timeline", params, request.WithRetries(0), request.WithTimeout(reportTimeout)); err != nil {
		s.log.Warn("timeline report failed", "ratingKey", ratingKey, "state", state, "error", err)
	}
}

// Scrobble marks an item as watched.
func (s *Service) Scrobble(ctx context.Context, ratingKey string) error {
	params := url.Values{"identifier": {"com.plexapp.plugins.library"}, "key": {ratingKey}}
	if _, err := s.engine.Request(ctx, "/:/scrobble", params, request.WithRetries(0), request.WithTimeout(reportTimeout)); err != nil {
		return fmt.Errorf("scrobble %s: %w", ratingKey, err)
	}
	return nil
}

// TranscodeURL builds the HLS transcode start URL for ratingKey. The URL is
// a pure function of the binding, ratingKey and opts; a session ID is
// generated when opts carries none.
func (s *Service) TranscodeURL(ctx context.Context, ratingKey string, opts models.TranscodeOptions) (string, error) {
	if _, err := s.engine.Initialize(ctx); err != nil {
		return "", err
	}
	o := s.cfg.Transcode
	if opts.MaxWidth > 0 {
		o.MaxWidth = opts.MaxWidth
	}
	if opts.MaxHeight > 0 {
		o.MaxHeight = opts.MaxHeight
	}
	if opts.VideoBitrate > 0 {
		o.VideoBitrate = opts.VideoBitrate
	}
	if opts.AudioBoost > 0 {
		o.AudioBoost = opts.AudioBoost
	}
	if opts.SubtitleStreamIndex != nil {
		o.SubtitleStreamIndex = opts.SubtitleStreamIndex
	}
	session := opts.SessionID
	if session == "" {
		session = "yhmv-" + uuid.NewString()
	}

	params := url.Values{
		"path":                      {"/library/metadata/" + ratingKey},
		"transcodeSessionId":        {session},
		"X-Plex-Session-Identifier": {session},
		"mediaIndex":                {"0"},
		"partIndex":                 {"0"},
		"protocol":                  {"hls"},
		"fastSeek":                  {"1"},
		"directPlay":                {"0"},
		"directStream":              {"1"},
		"subtitleSize":              {"100"},
		"audioBoost":                {strconv.Itoa(o.AudioBoost)},
		"maxVideoBitrate":           {strconv.Itoa(o.VideoBitrate)},
		"videoResolution":           {fmt.Sprintf("%dx%d", o.MaxWidth, o.MaxHeight)},
	}
	if o.SubtitleStreamIndex != nil {
		params.Set("subtitleStreamID", strconv.Itoa(*o.SubtitleStreamIndex))
		params.Set("subtitles", "burn")
	}
	if s.cfg.ClientID != "" {
		params.Set("X-Plex-Client-Identifier", s.cfg.ClientID)
	}
	if s.cfg.Product != "" {
		params.Set("X-Plex-Product", s.cfg.Product)
	}
	if s.cfg.Platform != "" {
		params.Set("X-Plex-Platform", s.cfg.Platform)
	}
	return s.engine.URL("/video/:/transcode/universal/start.m3u8", params)
}

// ResolveStreamURL follows the transcode start redirect and returns the
// session playlist URL, for players that lose auth across redirects.
func (s *Service) ResolveStreamURL(ctx context.Context, startURL string) (string, error) {
	final, err := s.engine.Follow(ctx, startURL, resolveTimeout)
	if err != nil {
		s.log.Error("transcode start failed", "error", err)
		return "", fmt.Errorf("transcode start failed: %w", err)
	}
	return final, nil
}

// UltraBlurColors returns the four corner colors ("#rrggbb") the server
// computes for an artwork URL, or nil when unavailable.
func (s *Service) UltraBlurColors(ctx context.Context, thumbURL string) []string {
	thumbPath := thumbURL
	if u, err := url.Parse(thumbURL); err == nil && u.Path != "" {
		thumbPath = u.Path
	}
	mc, err := s.fetch(ctx, "/services/ultrablur/colors", url.Values{"url": {thumbPath}},
		request.WithTimeout(ultraBlurTimeout), request.WithRetries(1))
	if err != nil {
		if !apperrors.IsKind(err, apperrors.KindClient) {
			s.log.Debug("ultrablur colors unavailable", "error", err)
		}
		return nil
	}
	if len(mc.UltraBlurColors) == 0 {
		return nil
	}
	entry := mc.UltraBlurColors[0]
	var colors []string
	for _, hex := range []string{entry.TopLeft, entry.TopRight, entry.BottomRight, entry.BottomLeft} {
		if len(hex) == 6 {
			colors = append(colors, "#"+hex)
		}
	}
	return colors
}
