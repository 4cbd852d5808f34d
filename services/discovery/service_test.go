package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"yhmv/internal/apperrors"
	"yhmv/models"
	"yhmv/services/discovery/mocks"
	"yhmv/services/plex"
)

type fakeFetcher struct {
	body        string
	contentType string
	err         error
}

func (f fakeFetcher) FetchResources(ctx context.Context, token string) (*plex.ResourcesResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &plex.ResourcesResponse{Body: []byte(f.body), ContentType: f.contentType}, nil
}

// oracle is a reachability oracle keyed by URI. Unknown URIs are unreachable.
type oracle struct {
	mu        sync.Mutex
	reachable map[string]bool
	delay     map[string]time.Duration
	probed    []string
}

func (o *oracle) Probe(ctx context.Context, uri, token string) bool {
	o.mu.Lock()
	o.probed = append(o.probed, uri)
	d := o.delay[uri]
	ok := o.reachable[uri]
	o.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
	return ok
}

func (o *oracle) calls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.probed...)
}

func TestDiscoverNeverEmitsRecordsWithoutConnections(t *testing.T) {
	body := `[
		{"name":"empty","clientIdentifier":"e","provides":"server","connections":[]},
		{"name":"nulls","clientIdentifier":"n","provides":"server","connections":[null,{},{"uri":"https://x.plex.direct"}]},
		{"name":"bad scheme","clientIdentifier":"s","provides":"server","connections":[{"uri":"ws://1.2.3.4","address":"1.2.3.4"}]},
		{"name":"no host","clientIdentifier":"h","provides":"server","connections":[{"uri":"http://","address":"1.2.3.4"}]},
		{"name":"good","clientIdentifier":"g","provides":"server","connections":[{"address":"1.2.3.4"}]}
	]`
	svc := NewService(fakeFetcher{body: body, contentType: "application/json"}, &oracle{}, Options{})

	res := svc.Discover(context.Background(), "tok")
	require.NoError(t, res.Err)
	require.Len(t, res.Servers, 1)
	for _, s := range res.Servers {
		assert.NotEmpty(t, s.Connections)
	}
	assert.Equal(t, "g", res.Servers[0].ID)
	assert.Equal(t, "https://1.2.3.4:32400", res.Servers[0].URI)
}

func TestDiscoverSelectionFollowsLocalFirstOracle(t *testing.T) {
	body := `[{"name":"srv","clientIdentifier":"id1","provides":"server","connections":[
		{"uri":"https://remote-a.plex.direct:443","address":"84.0.0.1","port":443,"local":false},
		{"uri":"https://local-a.plex.direct:32400","address":"10.0.0.1","port":32400,"local":true},
		{"uri":"https://remote-b.plex.direct:443","address":"84.0.0.2","port":443,"local":false},
		{"uri":"https://local-b.plex.direct:32400","address":"10.0.0.2","port":32400,"local":true}
	]}]`
	order := []string{
		"https://local-a.plex.direct:32400",
		"https://local-b.plex.direct:32400",
		"https://remote-a.plex.direct:443",
		"https://remote-b.plex.direct:443",
	}

	// every subset of reachable candidates
	for mask := 0; mask < 1<<len(order); mask++ {
		reach := map[string]bool{}
		for i, uri := range order {
			if mask&(1<<i) != 0 {
				reach[uri] = true
			}
		}
		t.Run(fmt.Sprintf("mask=%04b", mask), func(t *testing.T) {
			o := &oracle{reachable: reach}
			res := NewService(fakeFetcher{body: body}, o, Options{}).Discover(context.Background(), "tok")
			require.NoError(t, res.Err)
			require.Len(t, res.Servers, 1)

			want := ""
			for _, uri := range order {
				if reach[uri] {
					want = uri
					break
				}
			}
			if want == "" {
				// direct fallbacks are unknown to the oracle, so best effort applies
				want = order[0]
			}
			assert.Equal(t, want, res.Servers[0].URI)
			assert.Len(t, res.Servers[0].Connections, 4)
		})
	}
}

func TestDiscoverDirectHTTPFallbackMarksLocal(t *testing.T) {
	body := `[{"name":"srv","clientIdentifier":"id1","provides":"server","connections":[
		{"uri":"https://84-0-0-1.id1.plex.direct:32400","address":"84.0.0.1","port":32400,"local":false}
	]}]`
	o := &oracle{reachable: map[string]bool{"http://84.0.0.1:32400": true}}

	res := NewService(fakeFetcher{body: body}, o, Options{}).Discover(context.Background(), "tok")
	require.NoError(t, res.Err)
	require.Len(t, res.Servers, 1)
	srv := res.Servers[0]
	assert.Equal(t, "http://84.0.0.1:32400", srv.URI)
	assert.True(t, srv.Local)
	assert.Equal(t, []string{"https://84-0-0-1.id1.plex.direct:32400", "http://84.0.0.1:32400"}, o.calls())
}

func TestDiscoverProbesInOrderWithGomock(t *testing.T) {
	ctrl := gomock.NewController(t)
	prober := mocks.NewMockProber(ctrl)

	body := `<MediaContainer size="1">
  <Device name="Den" clientIdentifier="den" provides="server">
    <Connection address="84.0.0.9" port="32400" uri="https://84-0-0-9.den.plex.direct:32400" local="0"/>
    <Connection address="192.168.0.9" port="32400" uri="https://192-168-0-9.den.plex.direct:32400" local="1"/>
  </Device>
</MediaContainer>`

	gomock.InOrder(
		prober.EXPECT().Probe(gomock.Any(), "https://192-168-0-9.den.plex.direct:32400", "tok").Return(false),
		prober.EXPECT().Probe(gomock.Any(), "https://84-0-0-9.den.plex.direct:32400", "tok").Return(true),
	)

	res := NewService(fakeFetcher{body: body, contentType: "text/xml"}, prober, Options{}).Discover(context.Background(), "tok")
	require.NoError(t, res.Err)
	require.NotNil(t, res.Recommended)
	assert.Equal(t, "https://84-0-0-9.den.plex.direct:32400", res.Recommended.URI)
	assert.False(t, res.Recommended.Local)
}

func TestDiscoverRecommendedIsFirstUsableRecordRegardlessOfLatency(t *testing.T) {
	// first resource only advertises a relay entry without an address, so it
	// cannot be turned into a record; the second answers slowly on LAN
	body := `[
		{"name":"relay-only","clientIdentifier":"r","provides":"server","connections":[
			{"uri":"https://relay.plex.direct:8443","local":false}
		]},
		{"name":"home","clientIdentifier":"h","provides":"server","connections":[
			{"uri":"http://192.168.1.5:32400","address":"192.168.1.5","port":32400,"local":true}
		]},
		{"name":"fast","clientIdentifier":"f","provides":"server","connections":[
			{"uri":"http://192.168.1.6:32400","address":"192.168.1.6","port":32400,"local":true}
		]}
	]`
	o := &oracle{
		reachable: map[string]bool{"http://192.168.1.5:32400": true, "http://192.168.1.6:32400": true},
		delay:     map[string]time.Duration{"http://192.168.1.5:32400": 50 * time.Millisecond},
	}

	res := NewService(fakeFetcher{body: body}, o, Options{}).Discover(context.Background(), "tok")
	require.NoError(t, res.Err)
	require.Len(t, res.Servers, 2)
	require.NotNil(t, res.Recommended)
	assert.Equal(t, "h", res.Recommended.ID)
	assert.Equal(t, []string{"h", "f"}, []string{res.Servers[0].ID, res.Servers[1].ID})
}

func TestDiscoverStrictSkipsUnreachableServers(t *testing.T) {
	body := `[
		{"name":"relay","clientIdentifier":"r","provides":"server","connections":[
			{"uri":"https://relay.plex.direct:8443","address":"84.1.1.1","port":8443,"local":false}
		]},
		{"name":"home","clientIdentifier":"h","provides":"server","connections":[
			{"uri":"http://192.168.1.5:32400","address":"192.168.1.5","port":32400,"local":true}
		]}
	]`
	o := &oracle{reachable: map[string]bool{"http://192.168.1.5:32400": true}}

	best := NewService(fakeFetcher{body: body}, o, Options{}).Discover(context.Background(), "tok")
	require.Len(t, best.Servers, 2)
	assert.Equal(t, "r", best.Recommended.ID, "best effort keeps the unreachable relay")

	strict := NewService(fakeFetcher{body: body}, o, Options{Strict: true}).Discover(context.Background(), "tok")
	require.Len(t, strict.Servers, 1)
	assert.Equal(t, "h", strict.Recommended.ID)
}

func TestDiscoverDirectoryFailures(t *testing.T) {
	cases := map[string]fakeFetcher{
		"transport":   {err: errors.New("dial tcp: connection refused")},
		"status":      {err: apperrors.FromStatus(503, "https://plex.tv/api/resources", "down")},
		"unparseable": {body: "<html", contentType: "text/html"},
		"garbage":     {body: "definitely not a resource list", contentType: "text/plain"},
		"bad json":    {body: `[{"name":`, contentType: "application/json"},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			res := NewService(f, &oracle{}, Options{}).Discover(context.Background(), "tok")
			assert.Empty(t, res.Servers)
			assert.Nil(t, res.Recommended)
			assert.True(t, apperrors.IsKind(res.Err, apperrors.KindDiscovery), "got %v", res.Err)
		})
	}
}

func TestDiscoverEmptyListIsNotAnError(t *testing.T) {
	res := NewService(fakeFetcher{body: `<MediaContainer size="0"></MediaContainer>`}, &oracle{}, Options{}).
		Discover(context.Background(), "tok")
	assert.NoError(t, res.Err)
	assert.Empty(t, res.Servers)
	assert.Nil(t, res.Recommended)
}

func TestResolveConnectionReturnsNewRecord(t *testing.T) {
	server := models.ServerRecord{
		ID: "s", Name: "srv", ServerID: "s",
		URI: "https://a.plex.direct:32400", Address: "84.0.0.1", Port: 32400,
		Connections: []models.Connection{
			{URI: "https://a.plex.direct:32400", Address: "84.0.0.1", Port: 32400},
			{URI: "https://b.plex.direct:32400", Address: "10.0.0.1", Port: 32400, Local: true},
		},
	}
	svc := NewService(fakeFetcher{}, &oracle{reachable: map[string]bool{"https://b.plex.direct:32400": true}}, Options{})

	got, ok := svc.ResolveConnection(context.Background(), server, "tok")
	require.True(t, ok)
	assert.Equal(t, "https://b.plex.direct:32400", got.URI)
	assert.True(t, got.Local)
	assert.Equal(t, "https://a.plex.direct:32400", server.URI, "input record is untouched")

	got.Connections[0].URI = "mutated"
	assert.Equal(t, "https://a.plex.direct:32400", server.Connections[0].URI, "connections are copied")
}

func TestResolveConnectionDirectFallbackAndFailure(t *testing.T) {
	server := models.ServerRecord{
		ID: "s", Name: "srv", URI: "https://a.plex.direct:32400", Address: "84.0.0.1", Port: 32400,
		Connections: []models.Connection{{URI: "https://a.plex.direct:32400", Address: "84.0.0.1", Port: 32400}},
	}

	o := &oracle{reachable: map[string]bool{"http://84.0.0.1:32400": true}}
	got, ok := NewService(fakeFetcher{}, o, Options{}).ResolveConnection(context.Background(), server, "tok")
	require.True(t, ok)
	assert.Equal(t, "http://84.0.0.1:32400", got.URI)
	assert.True(t, got.Local)

	none := &oracle{}
	got, ok = NewService(fakeFetcher{}, none, Options{}).ResolveConnection(context.Background(), server, "tok")
	assert.False(t, ok)
	assert.Equal(t, server.URI, got.URI)
	for _, uri := range none.calls() {
		assert.True(t, strings.HasPrefix(uri, "http"), uri)
	}
	assert.Len(t, none.calls(), 2, "primary then direct, no duplicate probes")
}
