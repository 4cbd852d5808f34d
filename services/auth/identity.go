package auth

import (
	"context"
	"fmt"
	"strings"

	"yhmv/internal/storage"
	"yhmv/models"
	"yhmv/services/plex"
)

// EnsureDeviceIdentity returns the persisted client identifier, creating and
// storing one on first use. The identifier survives restarts and logout.
func EnsureDeviceIdentity(ctx context.Context, store storage.Store, platform string) (string, error) {
	raw, ok, err := store.Get(ctx, models.ClientIdentityKey)
	if err != nil {
		return "", fmt.Errorf("read client identifier: %w", err)
	}
	if ok {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}

	id, err := plex.GenerateClientID(platform)
	if err != nil {
		return "", err
	}
	if err := store.Set(ctx, models.ClientIdentityKey, []byte(id)); err != nil {
		return "", fmt.Errorf("persist client identifier: %w", err)
	}
	return id, nil
}
