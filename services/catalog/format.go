package catalog

import (
	"fmt"

	"yhmv/internal/jsonx"
	"yhmv/models"
)

// Server payloads send most numbers as strings on some versions and as
// numbers on others, so every numeric field goes through jsonx.

type tag struct {
	Tag string `json:"tag"`
}

type part struct {
	Key string `json:"key"`
}

type media struct {
	Part []part `json:"Part"`
}

type metadata struct {
	RatingKey            string          `json:"ratingKey"`
	Key                  string          `json:"key"`
	Type                 string          `json:"type"`
	Title                string          `json:"title"`
	Summary              string          `json:"summary"`
	Thumb                string          `json:"thumb"`
	Art                  string          `json:"art"`
	ContentRating        string          `json:"contentRating"`
	Studio               string          `json:"studio"`
	Year                 jsonx.FlexInt   `json:"year"`
	Duration             jsonx.FlexInt   `json:"duration"`
	Rating               jsonx.FlexFloat `json:"rating"`
	Index                jsonx.FlexInt   `json:"index"`
	ParentIndex          jsonx.FlexInt   `json:"parentIndex"`
	ChildCount           jsonx.FlexInt   `json:"childCount"`
	LeafCount            jsonx.FlexInt   `json:"leafCount"`
	AddedAt              jsonx.FlexInt   `json:"addedAt"`
	LastViewedAt         jsonx.FlexInt   `json:"lastViewedAt"`
	ViewOffset           jsonx.FlexInt   `json:"viewOffset"`
	ViewCount            jsonx.FlexInt   `json:"viewCount"`
	ParentRatingKey      string          `json:"parentRatingKey"`
	GrandparentRatingKey string          `json:"grandparentRatingKey"`
	Genre                []tag           `json:"Genre"`
	Media                []media         `json:"Media"`
}

type directory struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

type ultraBlur struct {
	TopLeft     string `json:"topLeft"`
	TopRight    string `json:"topRight"`
	BottomRight string `json:"bottomRight"`
	BottomLeft  string `json:"bottomLeft"`
}

type mediaContainer struct {
	GrandparentRatingKey string                     `json:"grandparentRatingKey"`
	Metadata             jsonx.OneOrMany[metadata]  `json:"Metadata"`
	Directory            jsonx.OneOrMany[directory] `json:"Directory"`
	UltraBlurColors      []ultraBlur                `json:"UltraBlurColors"`
}

type envelope struct {
	MediaContainer mediaContainer `json:"MediaContainer"`
}

func (m metadata) mediaKey() string {
	if len(m.Media) == 0 || len(m.Media[0].Part) == 0 {
		return ""
	}
	return m.Media[0].Part[0].Key
}

func (m metadata) genres() []string {
	out := make([]string, 0, len(m.Genre))
	for _, g := range m.Genre {
		out = append(out, g.Tag)
	}
	return out
}

func orUnknown(title string) string {
	if title == "" {
		return "Unknown"
	}
	return title
}

// mediaURL turns a server-relative artwork path into an authenticated URL.
type mediaURL func(path string) string

func (f mediaURL) of(path string) string {
	if path == "" {
		return ""
	}
	return f(path)
}

func formatMovie(raw metadata, url mediaURL) models.Movie {
	return models.Movie{
		ID:            raw.RatingKey,
		Title:         orUnknown(raw.Title),
		Year:          raw.Year.Int(),
		Duration:      raw.Duration.Int(),
		Summary:       raw.Summary,
		PosterURL:     url.of(raw.Thumb),
		BackdropURL:   url.of(raw.Art),
		Rating:        raw.Rating.Float(),
		ContentRating: raw.ContentRating,
		Genres:        raw.genres(),
		Studio:        raw.Studio,
		AddedAt:       int64(raw.AddedAt),
		LastViewedAt:  int64(raw.LastViewedAt),
		ViewOffset:    raw.ViewOffset.Int(),
		ViewCount:     raw.ViewCount.Int(),
		MediaKey:      raw.mediaKey(),
	}
}

func formatShow(raw metadata, url mediaURL) models.Show {
	return models.Show{
		ID:            raw.RatingKey,
		Title:         orUnknown(raw.Title),
		Year:          raw.Year.Int(),
		Summary:       raw.Summary,
		PosterURL:     url.of(raw.Thumb),
		BackdropURL:   url.of(raw.Art),
		Rating:        raw.Rating.Float(),
		ContentRating: raw.ContentRating,
		Genres:        raw.genres(),
		Studio:        raw.Studio,
		SeasonCount:   raw.ChildCount.Int(),
		EpisodeCount:  raw.LeafCount.Int(),
		AddedAt:       int64(raw.AddedAt),
		LastViewedAt:  int64(raw.LastViewedAt),
	}
}

func formatSeason(raw metadata, showID string, url mediaURL) models.Season {
	title := raw.Title
	if title == "" {
		if raw.Index > 0 {
			title = fmt.Sprintf("Season %d", raw.Index)
		} else {
			title = "Season ?"
		}
	}
	return models.Season{
		ID:           raw.RatingKey,
		ShowID:       showID,
		Title:        title,
		SeasonNumber: raw.Index.Int(),
		EpisodeCount: raw.LeafCount.Int(),
		PosterURL:    url.of(raw.Thumb),
	}
}

func formatEpisode(raw metadata, showID, seasonID string, url mediaURL) models.Episode {
	return models.Episode{
		ID:            raw.RatingKey,
		ShowID:        showID,
		SeasonID:      seasonID,
		Title:         orUnknown(raw.Title),
		SeasonNumber:  raw.ParentIndex.Int(),
		EpisodeNumber: raw.Index.Int(),
		Duration:      raw.Duration.Int(),
		Summary:       raw.Summary,
		ThumbURL:      url.of(raw.Thumb),
		Rating:        raw.Rating.Float(),
		AddedAt:       int64(raw.AddedAt),
		LastViewedAt:  int64(raw.LastViewedAt),
		ViewOffset:    raw.ViewOffset.Int(),
		ViewCount:     raw.ViewCount.Int(),
		MediaKey:      raw.mediaKey(),
	}
}
