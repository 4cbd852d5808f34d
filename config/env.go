package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variable names. Values override settings.json at startup only.
const (
	EnvConfigPath    = "YHMV_CONFIG"
	EnvDirectoryURL  = "YHMV_DIRECTORY_URL"
	EnvOffline       = "YHMV_OFFLINE"
	EnvLogLevel      = "YHMV_LOG_LEVEL"
	EnvLogFile       = "YHMV_LOG_FILE"
	EnvStorageDriver = "YHMV_STORAGE_DRIVER"
	EnvStoragePath   = "YHMV_STORAGE_PATH"
	EnvMaxRetries    = "YHMV_MAX_RETRIES"
	EnvStrict        = "YHMV_DISCOVERY_STRICT"
	EnvPlatform      = "YHMV_PLATFORM"

	DefaultConfigPath = "cache/settings.json"
)

// LoadDotEnv loads a .env file from the working directory when present.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil && !os.IsNotExist(err) {
		log.Printf("[config] failed to load .env: %v", err)
	}
}

// ConfigPath returns $YHMV_CONFIG or the default settings location.
func ConfigPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// ApplyEnv returns s with YHMV_* overrides applied.
func ApplyEnv(s Settings) Settings {
	if v, ok := lookup(EnvDirectoryURL); ok {
		s.Directory.BaseURL = strings.TrimRight(v, "/")
	}
	if v, ok := lookupBool(EnvOffline); ok {
		s.OfflineMode = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		s.Log.Level = v
	}
	if v, ok := lookup(EnvLogFile); ok {
		s.Log.File = v
	}
	if v, ok := lookup(EnvStorageDriver); ok {
		s.Storage.Driver = strings.ToLower(v)
	}
	if v, ok := lookup(EnvStoragePath); ok {
		s.Storage.Path = v
	}
	if v, ok := lookup(EnvMaxRetries); ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			s.Request.MaxRetries = n
		} else {
			log.Printf("[config] ignoring invalid %s=%q", EnvMaxRetries, v)
		}
	}
	if v, ok := lookupBool(EnvStrict); ok {
		s.Discovery.Strict = v
	}
	if v, ok := lookup(EnvPlatform); ok {
		s.Client.Platform = v
	}
	return s
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func lookupBool(key string) (bool, bool) {
	v, ok := lookup(key)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] ignoring invalid %s=%q", key, v)
		return false, false
	}
	return b, true
}
