package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// HeldLease is a lease renewed in the background, every third of its TTL,
// until it is released.
type HeldLease struct {
	store  StateStore
	ttl    time.Duration
	logger zerolog.Logger

	mu    sync.Mutex
	lease *Lease
	lost  error

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// KeepLease starts renewing lease until Release is called.
func KeepLease(store StateStore, lease *Lease, ttl time.Duration, logger zerolog.Logger) *HeldLease {
	h := &HeldLease{
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("lease", lease.Key).Logger(),
		lease:  lease,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	interval := ttl / 3
	if interval <= 0 {
		close(h.done)
		return h
	}
	go h.heartbeat(interval)
	return h
}

func (h *HeldLease) heartbeat(interval time.Duration) {
	defer close(h.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if err := h.Renew(context.Background()); err != nil {
				h.logger.Warn().Err(err).Msg("Failed to renew lease")
				if IsStateConflict(err) {
					return
				}
			}
		}
	}
}

// Renew extends the lease now. Once another owner has taken the key every
// later call fails with the same StateConflictError.
func (h *HeldLease) Renew(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lost != nil {
		return h.lost
	}
	lease, err := h.store.RenewLease(ctx, h.lease, h.ttl)
	if err != nil {
		if IsStateConflict(err) {
			h.lost = err
		}
		return fmt.Errorf("failed to renew lease %s: %w", h.lease.Key, err)
	}
	h.lease = lease
	return nil
}

// Lease returns the current lease.
func (h *HeldLease) Lease() *Lease {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lease
}

// Release stops the heartbeat and gives the lease up.
func (h *HeldLease) Release(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	return h.store.ReleaseLease(ctx, h.Lease())
}
