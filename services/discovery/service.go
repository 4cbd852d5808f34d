package discovery

import (
	"context"
	"log/slog"
	"sort"

	"github.com/sourcegraph/conc/iter"

	"yhmv/internal/apperrors"
	"yhmv/models"
	"yhmv/services/plex"
)

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_prober.go -package=mocks yhmv/services/discovery Prober

// Prober reports whether a server endpoint answers an authenticated identity
// request. Implementations must not return errors or retry.
type Prober interface {
	Probe(ctx context.Context, uri, token string) bool
}

// ResourceFetcher returns the raw directory resource list for an account.
type ResourceFetcher interface {
	FetchResources(ctx context.Context, token string) (*plex.ResourcesResponse, error)
}

// Result of a discovery run. Err is set only when the directory itself could
// not be queried or parsed; Servers is empty in that case.
type Result struct {
	Servers     []models.ServerRecord
	Recommended *models.ServerRecord
	Err         error
}

type Options struct {
	// Strict drops servers without any reachable connection instead of
	// keeping the first candidate as a best-effort choice.
	Strict bool
	// MaxConcurrentServers bounds how many servers are probed at once.
	// Connections of a single server are always probed in order.
	MaxConcurrentServers int
	Logger               *slog.Logger
}

// Service discovers servers bound to an account and picks an active
// connection for each.
type Service struct {
	fetcher ResourceFetcher
	prober  Prober
	opts    Options
	log     *slog.Logger
}

func NewService(fetcher ResourceFetcher, prober Prober, opts Options) *Service {
	if opts.MaxConcurrentServers <= 0 {
		opts.MaxConcurrentServers = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher: fetcher,
		prober:  prober,
		opts:    opts,
		log:     logger.With("component", "discovery"),
	}
}

// Discover fetches the account's resources and returns one record per server
// with at least one usable connection, in directory order. Recommended is
// the first record.
func (s *Service) Discover(ctx context.Context, token string) Result {
	s.log.Info("discovering servers")

	res, err := s.fetcher.FetchResources(ctx, token)
	if err != nil {
		s.log.Error("server discovery failed", "error", err)
		return Result{Err: apperrors.Discovery(apperrors.CodeDirectory, "failed to discover servers", err)}
	}

	normalizer := NormalizerFor(res.ContentType, res.Body)
	if normalizer == nil {
		s.log.Error("unrecognized resource list", "contentType", res.ContentType)
		return Result{Err: apperrors.Discovery(apperrors.CodeUnparseable, "failed to parse server list", ErrUnparseable)}
	}
	normalized, err := normalizer.Normalize(res.Body)
	if err != nil {
		s.log.Error("resource list parse failed", "contentType", res.ContentType, "error", err)
		return Result{Err: apperrors.Discovery(apperrors.CodeUnparseable, "failed to parse server list", err)}
	}
	for _, skipped := range normalized.Skipped {
		s.log.Warn("skipping malformed resource", "error", skipped)
	}

	candidates := make([]Resource, 0, len(normalized.Resources))
	for _, r := range normalized.Resources {
		if !r.IsServer() {
			continue
		}
		if len(r.Connections) == 0 {
			s.log.Warn("skipping server without valid connections", "server", r.Name)
			continue
		}
		candidates = append(candidates, r)
	}

	type selection struct {
		record models.ServerRecord
		ok     bool
	}
	mapper := iter.Mapper[Resource, selection]{MaxGoroutines: s.opts.MaxConcurrentServers}
	selected := mapper.Map(candidates, func(r *Resource) selection {
		rec, ok := s.selectConnection(ctx, *r, token)
		return selection{record: rec, ok: ok}
	})

	if err := ctx.Err(); err != nil {
		return Result{Err: apperrors.Discovery(apperrors.CodeDirectory, "server discovery cancelled", err)}
	}

	servers := make([]models.ServerRecord, 0, len(selected))
	for _, sel := range selected {
		if !sel.ok {
			continue
		}
		s.log.Info("added server", "server", sel.record.Name, "uri", sel.record.URI, "local", sel.record.Local)
		servers = append(servers, sel.record)
	}

	result := Result{Servers: servers}
	if len(servers) > 0 {
		rec := servers[0].Clone()
		result.Recommended = &rec
	}
	s.log.Info("discovery finished", "servers", len(servers))
	return result
}

// selectConnection probes r's connections local-first and returns the record
// bound to the first reachable one. When none answers, plain
// http://address:port variants are tried. As a last resort the first
// candidate is used unless the service is strict.
func (s *Service) selectConnection(ctx context.Context, r Resource, token string) (models.ServerRecord, bool) {
	sorted := append([]models.Connection(nil), r.Connections...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Local && !sorted[j].Local
	})

	base := models.ServerRecord{
		ID:          r.ID,
		Name:        r.Name,
		ServerID:    r.ID,
		Connections: append([]models.Connection(nil), r.Connections...),
	}

	tried := make(map[string]bool, len(sorted))
	for _, c := range sorted {
		tried[c.URI] = true
		if s.prober.Probe(ctx, c.URI, token) {
			s.log.Debug("reachable", "server", r.Name, "uri", c.URI)
			return base.WithConnection(c), true
		}
		s.log.Debug("unreachable", "server", r.Name, "uri", c.URI)
	}

	if rec, ok := s.tryDirect(ctx, base, sorted, tried, token); ok {
		return rec, true
	}

	if s.opts.Strict {
		s.log.Warn("skipping unreachable server", "server", r.Name)
		return models.ServerRecord{}, false
	}
	s.log.Warn("no reachable connection, keeping first candidate", "server", r.Name, "uri", sorted[0].URI)
	return base.WithConnection(sorted[0]), true
}

func (s *Service) tryDirect(ctx context.Context, base models.ServerRecord, conns []models.Connection, tried map[string]bool, token string) (models.ServerRecord, bool) {
	for _, c := range conns {
		if c.Address == "" {
			continue
		}
		direct := c.DirectURI()
		if tried[direct] {
			continue
		}
		tried[direct] = true
		s.log.Debug("trying direct http", "server", base.Name, "uri", direct)
		if s.prober.Probe(ctx, direct, token) {
			return base.WithConnection(models.Connection{URI: direct, Address: c.Address, Port: c.Port, Local: true}), true
		}
	}
	return models.ServerRecord{}, false
}

// ResolveConnection confirms server is reachable: its active URI first, then
// every other stored connection, then direct http://address:port variants.
// On fallback success a new record bound to the working endpoint is
// returned; server itself is never modified. The bool is false when nothing
// answered, in which case the returned record equals server.
func (s *Service) ResolveConnection(ctx context.Context, server models.ServerRecord, token string) (models.ServerRecord, bool) {
	if server.URI != "" && s.prober.Probe(ctx, server.URI, token) {
		return server.Clone(), true
	}

	conns := server.Connections
	if len(conns) == 0 && server.Address != "" {
		conns = []models.Connection{server.Active()}
	}

	tried := map[string]bool{server.URI: true}
	for _, c := range conns {
		if tried[c.URI] {
			continue
		}
		tried[c.URI] = true
		if s.prober.Probe(ctx, c.URI, token) {
			s.log.Info("connected via fallback", "server", server.Name, "uri", c.URI)
			return server.WithConnection(c), true
		}
	}

	if rec, ok := s.tryDirect(ctx, server, conns, tried, token); ok {
		s.log.Info("connected via direct http", "server", server.Name, "uri", rec.URI)
		return rec, true
	}

	s.log.Error("connection test failed, all connections exhausted", "server", server.Name)
	return server.Clone(), false
}
