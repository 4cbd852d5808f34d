package plextest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
)

// Directory is a fake account directory: PIN pairing, account lookup and
// the resource list.
type Directory struct {
	*httptest.Server
	Token    string
	Username string
	Email    string
	Thumb    string

	// ApproveAfter is the number of PIN checks answered without a token.
	ApproveAfter int
	// Resources is served verbatim from /api/resources.
	Resources   []byte
	ContentType string

	mu        sync.Mutex
	pinChecks int
}

// NewDirectory starts a directory that accepts token; it is closed with t.
func NewDirectory(t testing.TB, token string) *Directory {
	t.Helper()
	d := &Directory{Token: token, Username: "alice", Email: "alice@example.com", ContentType: "application/json"}

	r := mux.NewRouter()
	r.HandleFunc("/api/v2/pins", d.handleCreatePin).Methods(http.MethodPost)
	r.HandleFunc("/api/v2/pins/{id:[0-9]+}", d.handleCheckPin).Methods(http.MethodGet)
	r.HandleFunc("/api/v2/user", d.authenticated(d.handleUser)).Methods(http.MethodGet)
	r.HandleFunc("/api/v2/home/user", d.authenticated(d.handleHomeUser)).Methods(http.MethodGet)
	r.HandleFunc("/api/resources", d.authenticated(d.handleResources)).Methods(http.MethodGet)

	d.Server = httptest.NewServer(r)
	t.Cleanup(d.Close)
	return d
}

// PinChecks returns how many times the PIN status was polled.
func (d *Directory) PinChecks() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pinChecks
}

func (d *Directory) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Plex-Token")
		if token == "" {
			token = r.URL.Query().Get("X-Plex-Token")
		}
		if token != d.Token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (d *Directory) handleCreatePin(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Plex-Client-Identifier") == "" {
		http.Error(w, "X-Plex-Client-Identifier is missing", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":        1001,
		"code":      "WXYZ",
		"expiresAt": time.Now().Add(5 * time.Minute).UTC().Format(time.RFC3339),
	})
}

func (d *Directory) handleCheckPin(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.Atoi(mux.Vars(r)["id"])
	d.mu.Lock()
	d.pinChecks++
	approved := d.pinChecks > d.ApproveAfter
	d.mu.Unlock()

	body := map[string]any{"id": id, "code": "WXYZ"}
	if approved {
		body["authToken"] = d.Token
	}
	writeJSON(w, body)
}

func (d *Directory) handleUser(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"id": 1, "uuid": "u-1", "username": d.Username, "title": d.Username, "email": d.Email})
}

func (d *Directory) handleHomeUser(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"id": 1, "thumb": d.Thumb})
}

func (d *Directory) handleResources(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", d.ContentType)
	_, _ = w.Write(d.Resources)
}
