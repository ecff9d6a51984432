package store

import (
	"context"

	"github.com/anonamoose/gateway/internal/logger"
)

// NewBackend selects the remote backend when redisURL is set, falling back
// to local with a single warning if the initial connection fails (§4.7, §7
// StoreBackendDown).
func NewBackend(ctx context.Context, redisURL string, localCapacity int, log *logger.Logger) Backend {
	if redisURL == "" {
		return NewLocalBackend(localCapacity, log)
	}
	backend, err := NewRedisBackend(ctx, redisURL, log)
	if err != nil {
		if log != nil {
			log.Warnf("STORE", "redis unreachable at boot, falling back to local: %v", err)
		}
		return NewLocalBackend(localCapacity, log)
	}
	return backend
}
