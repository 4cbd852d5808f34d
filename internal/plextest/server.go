// Package plextest runs an in-process fake media server and directory for
// tests. Library content is plain JSON-shaped maps so fixtures can mimic the
// loose typing of real servers (numbers sent as strings and so on).
package plextest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
)

// Item is one metadata entry as the server would send it.
type Item map[string]any

func (i Item) key() string {
	s, _ := i["ratingKey"].(string)
	return s
}

func (i Item) str(field string) string {
	switch v := i[field].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

type Section struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Title string `json:"title"`
}

// Library is the content served by a Server.
type Library struct {
	Sections     []Section
	Items        map[string]Item
	SectionItems map[string][]string
	Children     map[string][]string
	OnDeck       []string
	UltraBlur    map[string][4]string
}

// Call is a request observed by the server.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

// Server is a fake media server. Every request must carry Token either as
// the X-Plex-Token query parameter or header.
type Server struct {
	*httptest.Server
	Token string

	mu       sync.Mutex
	library  Library
	calls    []Call
	failures map[string][]int
}

// NewServer starts a media server serving lib; it is closed with t.
func NewServer(t testing.TB, token string, lib Library) *Server {
	t.Helper()
	s := &Server{Token: token, library: lib, failures: map[string][]int{}}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)
	return s
}

// FailNext makes the next len(statuses) requests to path answer with the
// given statuses, in order.
func (s *Server) FailNext(path string, statuses ...int) {
	s.mu.Lock()
	s.failures[path] = append(s.failures[path], statuses...)
	s.mu.Unlock()
}

// Calls returns the requests seen so far, optionally filtered by path.
func (s *Server) Calls(path string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if path == "" || c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.record, s.inject, s.authenticate)

	r.HandleFunc("/identity", s.handleIdentity).Methods(http.MethodGet)
	r.HandleFunc("/status/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/library/sections", s.handleSections).Methods(http.MethodGet)
	r.HandleFunc("/library/sections/{key}/all", s.handleSectionAll).Methods(http.MethodGet)
	r.HandleFunc("/library/sections/{key}/recentlyAdded", s.handleRecentlyAdded).Methods(http.MethodGet)
	r.HandleFunc("/library/metadata/{id}", s.handleMetadata).Methods(http.MethodGet)
	r.HandleFunc("/library/metadata/{id}/children", s.handleChildren).Methods(http.MethodGet)
	r.HandleFunc("/library/onDeck", s.handleOnDeck).Methods(http.MethodGet)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/:/timeline", s.handleOK).Methods(http.MethodGet)
	r.HandleFunc("/:/scrobble", s.handleOK).Methods(http.MethodGet)
	r.HandleFunc("/video/:/transcode/universal/start.m3u8", s.handleTranscodeStart).Methods(http.MethodGet)
	r.HandleFunc("/video/:/transcode/universal/session/{session}/base/index.m3u8", s.handlePlaylist).Methods(http.MethodGet)
	r.HandleFunc("/services/ultrablur/colors", s.handleUltraBlur).Methods(http.MethodGet)
	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Header: r.Header.Clone()})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		var status int
		if queued := s.failures[r.URL.Path]; len(queued) > 0 {
			status, s.failures[r.URL.Path] = queued[0], queued[1:]
		}
		s.mu.Unlock()
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("X-Plex-Token")
		if token == "" {
			token = r.Header.Get("X-Plex-Token")
		}
		if token != s.Token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func container(fields map[string]any) map[string]any {
	return map[string]any{"MediaContainer": fields}
}

func (s *Server) items(keys []string) []Item {
	out := make([]Item, 0, len(keys))
	for _, k := range keys {
		if item, ok := s.library.Items[k]; ok {
			out = append(out, item)
		}
	}
	return out
}

func window(r *http.Request, items []Item) []Item {
	q := r.URL.Query()
	start, _ := strconv.Atoi(q.Get("X-Plex-Container-Start"))
	size, err := strconv.Atoi(q.Get("X-Plex-Container-Size"))
	if start > len(items) {
		start = len(items)
	}
	items = items[start:]
	if err == nil && size >= 0 && size < len(items) {
		items = items[:size]
	}
	return items
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, container(map[string]any{"machineIdentifier": "plextest", "version": "1.40.0"}))
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, container(map[string]any{"size": 0}))
}

func (s *Server) handleOK(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sections := slices.Clone(s.library.Sections)
	s.mu.Unlock()
	writeJSON(w, container(map[string]any{"size": len(sections), "Directory": sections}))
}

func (s *Server) handleSectionAll(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s.mu.Lock()
	items := s.items(s.library.SectionItems[key])
	s.mu.Unlock()

	if r.URL.Query().Get("sort") == "titleSort:asc" {
		slices.SortStableFunc(items, func(a, b Item) int {
			return strings.Compare(strings.ToLower(a.str("title")), strings.ToLower(b.str("title")))
		})
	}
	writeJSON(w, container(map[string]any{"size": len(items), "Metadata": items}))
}

func (s *Server) handleRecentlyAdded(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	s.mu.Lock()
	items := s.items(s.library.SectionItems[key])
	s.mu.Unlock()
	slices.Reverse(items)
	items = window(r, items)
	writeJSON(w, container(map[string]any{"size": len(items), "Metadata": items}))
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	item, ok := s.library.Items[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, container(map[string]any{"size": 1, "Metadata": []Item{item}}))
}

func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	parent, ok := s.library.Items[id]
	children := s.items(s.library.Children[id])
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	fields := map[string]any{"size": len(children), "key": id, "Metadata": children}
	if parent.str("type") == "season" {
		fields["grandparentRatingKey"] = parent.str("parentRatingKey")
	}
	writeJSON(w, container(fields))
}

func (s *Server) handleOnDeck(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	items := s.items(s.library.OnDeck)
	s.mu.Unlock()
	items = window(r, items)
	writeJSON(w, container(map[string]any{"size": len(items), "Metadata": items}))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.ToLower(r.URL.Query().Get("query"))
	typ := r.URL.Query().Get("type")
	typeNames := map[string]string{"1": "movie", "2": "show", "3": "season", "4": "episode"}

	s.mu.Lock()
	keys := make([]string, 0, len(s.library.Items))
	for k := range s.library.Items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var hits []Item
	for _, k := range keys {
		item := s.library.Items[k]
		if !strings.Contains(strings.ToLower(item.str("title")), query) {
			continue
		}
		if typ != "" && item.str("type") != typeNames[typ] {
			continue
		}
		hits = append(hits, item)
	}
	s.mu.Unlock()
	writeJSON(w, container(map[string]any{"size": len(hits), "Metadata": hits}))
}

func (s *Server) handleTranscodeStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	s.mu.Lock()
	_, ok := s.library.Items[strings.TrimPrefix(path, "/library/metadata/")]
	s.mu.Unlock()
	if !ok || q.Get("protocol") != "hls" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	target := "/video/:/transcode/universal/session/" + url.PathEscape(q.Get("transcodeSessionId")) + "/base/index.m3u8?X-Plex-Token=" + url.QueryEscape(s.Token)
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = fmt.Fprintf(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=20000000\nsession/%s/base/00000.ts\n", mux.Vars(r)["session"])
}

func (s *Server) handleUltraBlur(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	colors, ok := s.library.UltraBlur[r.URL.Query().Get("url")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	writeJSON(w, container(map[string]any{"size": 1, "UltraBlurColors": []map[string]string{{
		"topLeft": colors[0], "topRight": colors[1], "bottomRight": colors[2], "bottomLeft": colors[3],
	}}}))
}
