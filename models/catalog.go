package models

// Movie is a playable movie from a movie library section.
type Movie struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Year          int      `json:"year,omitempty"`
	Duration      int      `json:"duration"` // milliseconds
	Summary       string   `json:"summary,omitempty"`
	PosterURL     string   `json:"posterUrl,omitempty"`
	BackdropURL   string   `json:"backdropUrl,omitempty"`
	Rating        float64  `json:"rating,omitempty"`
	ContentRating string   `json:"contentRating,omitempty"`
	Genres        []string `json:"genres"`
	Studio        string   `json:"studio,omitempty"`
	AddedAt       int64    `json:"addedAt,omitempty"`
	LastViewedAt  int64    `json:"lastViewedAt,omitempty"`
	ViewOffset    int      `json:"viewOffset,omitempty"`
	ViewCount     int      `json:"viewCount,omitempty"`
	MediaKey      string   `json:"mediaKey,omitempty"`
}

type Show struct {
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	Year          int      `json:"year,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	PosterURL     string   `json:"posterUrl,omitempty"`
	BackdropURL   string   `json:"backdropUrl,omitempty"`
	Rating        float64  `json:"rating,omitempty"`
	ContentRating string   `json:"contentRating,omitempty"`
	Genres        []string `json:"genres"`
	Studio        string   `json:"studio,omitempty"`
	SeasonCount   int      `json:"seasonCount,omitempty"`
	EpisodeCount  int      `json:"episodeCount,omitempty"`
	AddedAt       int64    `json:"addedAt,omitempty"`
	LastViewedAt  int64    `json:"lastViewedAt,omitempty"`
}

type Season struct {
	ID           string `json:"id"`
	ShowID       string `json:"showId"`
	Title        string `json:"title"`
	SeasonNumber int    `json:"seasonNumber"`
	EpisodeCount int    `json:"episodeCount,omitempty"`
	PosterURL    string `json:"posterUrl,omitempty"`
}

type Episode struct {
	ID            string  `json:"id"`
	ShowID        string  `json:"showId"`
	SeasonID      string  `json:"seasonId"`
	Title         string  `json:"title"`
	SeasonNumber  int     `json:"seasonNumber"`
	EpisodeNumber int     `json:"episodeNumber"`
	Duration      int     `json:"duration"`
	Summary       string  `json:"summary,omitempty"`
	ThumbURL      string  `json:"thumbUrl,omitempty"`
	Rating        float64 `json:"rating,omitempty"`
	AddedAt       int64   `json:"addedAt,omitempty"`
	LastViewedAt  int64   `json:"lastViewedAt,omitempty"`
	ViewOffset    int     `json:"viewOffset,omitempty"`
	ViewCount     int     `json:"viewCount,omitempty"`
	MediaKey      string  `json:"mediaKey,omitempty"`
}

// LibrarySection is a top-level library on the server ("movie", "show", ...).
type LibrarySection struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// OnDeckItem is either a movie or an episode; exactly one pointer is set.
type OnDeckItem struct {
	Type    string   `json:"type"`
	Movie   *Movie   `json:"movie,omitempty"`
	Episode *Episode `json:"episode,omitempty"`
}

// Title returns the title of whichever item is set.
func (o OnDeckItem) Title() string {
	switch {
	case o.Movie != nil:
		return o.Movie.Title
	case o.Episode != nil:
		return o.Episode.Title
	}
	return ""
}

// SearchResult is a loosely typed hit from the server search endpoint.
type SearchResult struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	Year  int    `json:"year,omitempty"`
	Thumb string `json:"thumb,omitempty"`
}

// PlaybackState is reported to the server timeline endpoint.
type PlaybackState string

const (
	PlaybackPlaying PlaybackState = "playing"
	PlaybackPaused  PlaybackState = "paused"
	PlaybackStopped PlaybackState = "stopped"
)

// TranscodeOptions controls the HLS transcode start URL. Zero values select
// the defaults (1920x1080, 20000 kbps, audio boost 100).
type TranscodeOptions struct {
	MaxWidth            int    `json:"maxWidth,omitempty"`
	MaxHeight           int    `json:"maxHeight,omitempty"`
	VideoBitrate        int    `json:"videoBitrate,omitempty"`
	AudioBoost          int    `json:"audioBoost,omitempty"`
	SubtitleStreamIndex *int   `json:"subtitleStreamIndex,omitempty"`
	SessionID           string `json:"sessionId,omitempty"`
}

// HomeFeed is the combined payload of the home screen.
type HomeFeed struct {
	OnDeck              []OnDeckItem `json:"onDeck"`
	RecentlyAddedMovies []Movie      `json:"recentlyAddedMovies"`
	RecentlyAddedShows  []Show       `json:"recentlyAddedShows"`
}
