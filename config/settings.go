package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Settings represents the client configuration persisted to disk.
type Settings struct {
	Client      ClientSettings    `json:"client"`
	Directory   DirectorySettings `json:"directory"`
	Request     RequestSettings   `json:"request"`
	Discovery   DiscoverySettings `json:"discovery"`
	Pairing     PairingSettings   `json:"pairing"`
	Playback    PlaybackSettings  `json:"playback"`
	Storage     StorageSettings   `json:"storage"`
	Log         LogConfig         `json:"log"`
	OfflineMode bool              `json:"offlineMode"`
}

// ClientSettings is the identification sent with every request.
type ClientSettings struct {
	Product  string `json:"product"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Device   string `json:"device"`
}

type DirectorySettings struct {
	BaseURL string `json:"baseUrl"`
}

// RequestSettings configures the retry policy of the request engine.
type RequestSettings struct {
	MaxRetries            int     `json:"maxRetries"`
	BaseDelayMs           int     `json:"baseDelayMs"`
	MaxDelayMs            int     `json:"maxDelayMs"`
	BackoffMultiplier     float64 `json:"backoffMultiplier"`
	MaxJitterMs           int     `json:"maxJitterMs"`
	RequestTimeoutMs      int     `json:"requestTimeoutMs"`
	ConnectTimeoutMs      int     `json:"connectTimeoutMs"`
	RelaySuffix           string  `json:"relaySuffix"`
	AllowInsecureFallback bool    `json:"allowInsecureFallback"`
}

type DiscoverySettings struct {
	ProbeTimeoutMs int  `json:"probeTimeoutMs"`
	Strict         bool `json:"strict"` // skip servers with no reachable connection
}

type PairingSettings struct {
	IntervalSeconds int `json:"intervalSeconds"`
	MaxAttempts     int `json:"maxAttempts"`
}

// PlaybackSettings holds transcode defaults and progress reporting cadence.
type PlaybackSettings struct {
	MaxWidth              int     `json:"maxWidth"`
	MaxHeight             int     `json:"maxHeight"`
	VideoBitrate          int     `json:"videoBitrate"`
	AudioBoost            int     `json:"audioBoost"`
	ReportIntervalSeconds int     `json:"reportIntervalSeconds"`
	WatchedThreshold      float64 `json:"watchedThreshold"`
}

// StorageSettings selects the durable key-value backend ("file" or "sqlite").
type StorageSettings struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	File       string `json:"file"`
	Level      string `json:"level"`
	MaxSize    int    `json:"maxSize"`
	MaxAge     int    `json:"maxAge"`
	MaxBackups int    `json:"maxBackups"`
	Compress   bool   `json:"compress"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r RequestSettings) BaseDelay() time.Duration      { return ms(r.BaseDelayMs) }
func (r RequestSettings) MaxDelay() time.Duration       { return ms(r.MaxDelayMs) }
func (r RequestSettings) MaxJitter() time.Duration      { return ms(r.MaxJitterMs) }
func (r RequestSettings) RequestTimeout() time.Duration { return ms(r.RequestTimeoutMs) }
func (r RequestSettings) ConnectTimeout() time.Duration { return ms(r.ConnectTimeoutMs) }
func (d DiscoverySettings) ProbeTimeout() time.Duration { return ms(d.ProbeTimeoutMs) }
func (p PairingSettings) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}
func (p PlaybackSettings) ReportInterval() time.Duration {
	return time.Duration(p.ReportIntervalSeconds) * time.Second
}

// DefaultSettings returns the settings written on first run.
func DefaultSettings() Settings {
	return Settings{
		Client: ClientSettings{
			Product:  "yhmv",
			Version:  "1.0.0",
			Platform: "Linux",
			Device:   "yhmv-cli",
		},
		Directory: DirectorySettings{BaseURL: "https://plex.tv"},
		Request: RequestSettings{
			MaxRetries:        3,
			BaseDelayMs:       1000,
			MaxDelayMs:        10000,
			BackoffMultiplier: 2,
			MaxJitterMs:       1000,
			RequestTimeoutMs:  30000,
			ConnectTimeoutMs:  15000,
			RelaySuffix:       ".plex.direct",
			// http downgrade only ever applies to relay hosts
			AllowInsecureFallback: true,
		},
		Discovery: DiscoverySettings{ProbeTimeoutMs: 3000},
		Pairing:   PairingSettings{IntervalSeconds: 2, MaxAttempts: 150},
		Playback: PlaybackSettings{
			MaxWidth:              1920,
			MaxHeight:             1080,
			VideoBitrate:          20000,
			AudioBoost:            100,
			ReportIntervalSeconds: 10,
			WatchedThreshold:      0.9,
		},
		Storage: StorageSettings{Driver: "file", Path: "cache"},
		Log: LogConfig{
			File:       "cache/logs/yhmv.log",
			Level:      "info",
			MaxSize:    10, // 10 MB per file
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
	}
}

// Manager reads and writes settings.json.
type Manager struct {
	path string
}

func NewManager(configPath string) *Manager {
	return &Manager{path: configPath}
}

// Path returns the settings file location.
func (m *Manager) Path() string { return m.path }

// EnsureDir ensures parent directory exists.
func (m *Manager) EnsureDir() error {
	dir := filepath.Dir(m.path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Load reads settings.json from disk or creates defaults if missing.
// Environment overrides are applied on top but never written back.
func (m *Manager) Load() (Settings, error) {
	if m.path == "" {
		return Settings{}, errors.New("config path not set")
	}
	if _, err := os.Stat(m.path); errors.Is(err, fs.ErrNotExist) {
		defaults := DefaultSettings()
		if err := m.Save(defaults); err != nil {
			return Settings{}, err
		}
		return ApplyEnv(defaults), nil
	}
	f, err := os.Open(m.path)
	if err != nil {
		return Settings{}, err
	}
	defer f.Close()

	s := DefaultSettings()
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return Settings{}, err
	}
	backfill(&s)
	return ApplyEnv(s), nil
}

// backfill restores defaults for numeric fields an older settings file left
// at zero.
func backfill(s *Settings) {
	d := DefaultSettings()
	if s.Directory.BaseURL == "" {
		s.Directory.BaseURL = d.Directory.BaseURL
	}
	if s.Request.BaseDelayMs <= 0 {
		s.Request.BaseDelayMs = d.Request.BaseDelayMs
	}
	if s.Request.MaxDelayMs <= 0 {
		s.Request.MaxDelayMs = d.Request.MaxDelayMs
	}
	if s.Request.BackoffMultiplier < 1 {
		s.Request.BackoffMultiplier = d.Request.BackoffMultiplier
	}
	if s.Request.RequestTimeoutMs <= 0 {
		s.Request.RequestTimeoutMs = d.Request.RequestTimeoutMs
	}
	if s.Request.ConnectTimeoutMs <= 0 {
		s.Request.ConnectTimeoutMs = d.Request.ConnectTimeoutMs
	}
	if s.Request.MaxRetries < 0 {
		s.Request.MaxRetries = 0
	}
	if s.Discovery.ProbeTimeoutMs <= 0 {
		s.Discovery.ProbeTimeoutMs = d.Discovery.ProbeTimeoutMs
	}
	if s.Pairing.IntervalSeconds <= 0 {
		s.Pairing.IntervalSeconds = d.Pairing.IntervalSeconds
	}
	if s.Pairing.MaxAttempts <= 0 {
		s.Pairing.MaxAttempts = d.Pairing.MaxAttempts
	}
	if s.Playback.ReportIntervalSeconds <= 0 {
		s.Playback.ReportIntervalSeconds = d.Playback.ReportIntervalSeconds
	}
	if s.Playback.WatchedThreshold <= 0 || s.Playback.WatchedThreshold > 1 {
		s.Playback.WatchedThreshold = d.Playback.WatchedThreshold
	}
	if s.Storage.Driver == "" {
		s.Storage.Driver = d.Storage.Driver
	}
}

// Save writes the provided settings to disk atomically.
func (m *Manager) Save(s Settings) error {
	if m.path == "" {
		return errors.New("config path not set")
	}
	if err := m.EnsureDir(); err != nil {
		return err
	}
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, m.path)
}
