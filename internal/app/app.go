// Package app wires the connectivity layer together from settings: directory
// client, prober, discovery, auth session, request engine and catalog.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"yhmv/config"
	"yhmv/internal/logging"
	"yhmv/internal/storage"
	"yhmv/models"
	"yhmv/services/auth"
	"yhmv/services/catalog"
	"yhmv/services/discovery"
	"yhmv/services/plex"
	"yhmv/services/reachability"
	"yhmv/services/request"
)

// Options carries test seams; production code passes the zero value.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// PairingSleep replaces the wait between PIN polls.
	PairingSleep func(ctx context.Context, d time.Duration) error
	// Timer replaces the engine's retry backoff timer.
	Timer request.Timer
}

// App holds the wired services. Store is owned by the caller.
type App struct {
	Settings  config.Settings
	Store     storage.Store
	Identity  plex.Identity
	Directory *plex.Client
	Discovery *discovery.Service
	Auth      *auth.Manager
	Engine    *request.Engine
	Catalog   *catalog.Service

	log *slog.Logger
}

// New builds the service graph. It creates the device identity on first
// run; it does not touch the network.
func New(ctx context.Context, settings config.Settings, store storage.Store, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(settings.Request.ConnectTimeout())
	}

	clientID, err := auth.EnsureDeviceIdentity(ctx, store, settings.Client.Platform)
	if err != nil {
		return nil, fmt.Errorf("device identity: %w", err)
	}
	identity := plex.Identity{
		ClientID: clientID,
		Product:  settings.Client.Product,
		Version:  settings.Client.Version,
		Platform: settings.Client.Platform,
		Device:   settings.Client.Device,
	}

	directory := plex.NewClient(settings.Directory.BaseURL, identity, httpClient)
	prober := reachability.New(httpClient,
		reachability.WithTimeout(settings.Discovery.ProbeTimeout()),
		reachability.WithHeaders(identity.Headers()),
		reachability.WithLogger(logging.Component(logger, "reachability")),
	)
	disc := discovery.NewService(directory, prober, discovery.Options{
		Strict: settings.Discovery.Strict,
		Logger: logger,
	})
	manager := auth.NewManager(directory, disc, store, auth.Options{
		Platform:        settings.Client.Platform,
		PairingInterval: settings.Pairing.Interval(),
		PairingAttempts: settings.Pairing.MaxAttempts,
		Logger:          logger,
		Sleep:           opts.PairingSleep,
	})

	offline := settings.OfflineMode
	engine := request.NewEngine(manager, request.Config{
		HTTPClient: httpClient,
		Headers:    identity.Headers(),
		Policy: request.Policy{
			MaxRetries: settings.Request.MaxRetries,
			BaseDelay:  settings.Request.BaseDelay(),
			Multiplier: settings.Request.BackoffMultiplier,
			MaxDelay:   settings.Request.MaxDelay(),
			MaxJitter:  settings.Request.MaxJitter(),
		},
		DefaultTimeout:   settings.Request.RequestTimeout(),
		RelaySuffix:      settings.Request.RelaySuffix,
		DisableDowngrade: !settings.Request.AllowInsecureFallback,
		Offline:          func() bool { return offline },
		Logger:           logger,
		Timer:            opts.Timer,
	})

	cat := catalog.NewService(engine, catalog.Config{
		ClientID: clientID,
		Product:  settings.Client.Product,
		Platform: settings.Client.Platform,
		Transcode: models.TranscodeOptions{
			MaxWidth:     settings.Playback.MaxWidth,
			MaxHeight:    settings.Playback.MaxHeight,
			VideoBitrate: settings.Playback.VideoBitrate,
			AudioBoost:   settings.Playback.AudioBoost,
		},
		Logger: logger,
	})

	a := &App{
		Settings:  settings,
		Store:     store,
		Identity:  identity,
		Directory: directory,
		Discovery: disc,
		Auth:      manager,
		Engine:    engine,
		Catalog:   cat,
		log:       logging.Component(logger, "app"),
	}
	// A different server (or no server) invalidates the engine binding and
	// the cached section keys.
	manager.OnSessionChange(func(models.AuthSession) { cat.Reset() })
	return a, nil
}

// Restore loads the persisted session, if any.
func (a *App) Restore(ctx context.Context) (bool, error) {
	ok, err := a.Auth.LoadSession(ctx)
	if err != nil {
		a.log.Warn("restoring session failed", "error", err)
		return ok, err
	}
	if ok {
		if srv, selected := a.Auth.SelectedServer(); selected {
			a.log.Info("session restored", "server", srv.Name, "uri", srv.URI)
		}
	}
	return ok, nil
}

// ProgressReporter starts a reporter for ratingKey with the configured
// interval and threshold.
func (a *App) ProgressReporter(ratingKey string, duration time.Duration) *catalog.ProgressReporter {
	return a.Catalog.NewProgressReporter(ratingKey, duration, catalog.ProgressOptions{
		Interval:         a.Settings.Playback.ReportInterval(),
		WatchedThreshold: a.Settings.Playback.WatchedThreshold,
	})
}

func newHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 15 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = connectTimeout
	return &http.Client{Transport: transport}
}
