package reachability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProbeSuccess(t *testing.T) {
	var gotToken, gotProduct string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/identity", r.URL.Path)
		gotToken = r.URL.Query().Get("X-Plex-Token")
		gotProduct = r.Header.Get("X-Plex-Product")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(srv.Client(), WithHeaders(http.Header{"X-Plex-Product": {"yhmv"}}))
	assert.True(t, p.Probe(context.Background(), srv.URL+"/", "tok"))
	assert.Equal(t, "tok", gotToken)
	assert.Equal(t, "yhmv", gotProduct)
}

func TestProbeNon2xxIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	assert.False(t, New(srv.Client()).Probe(context.Background(), srv.URL, "tok"))
}

func TestProbeTimesOutWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p := New(srv.Client(), WithTimeout(50*time.Millisecond))
	start := time.Now()
	assert.False(t, p.Probe(context.Background(), srv.URL, "tok"))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestProbeMalformedURI(t *testing.T) {
	p := New(nil)
	assert.False(t, p.Probe(context.Background(), "not a uri", "tok"))
	assert.False(t, p.Probe(context.Background(), "", "tok"))
}

func TestProbeConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	assert.False(t, New(nil, WithTimeout(time.Second)).Probe(context.Background(), addr, "tok"))
}
