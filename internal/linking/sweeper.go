package linking

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRequestTTL задает возраст, после которого запрос удаляется независимо от статуса.
const DefaultRequestTTL = 24 * time.Hour

// Sweeper удаляет устаревшие запросы на перепривязку.
type Sweeper struct {
	store  LinkRequestStore
	ttl    time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// NewSweeper создает чистильщик запросов.
func NewSweeper(store LinkRequestStore, ttl time.Duration, logger *slog.Logger) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: store, ttl: ttl, clock: time.Now, logger: logger}
}

// TTL возвращает возраст удаления.
func (s *Sweeper) TTL() time.Duration {
	return s.ttl
}

// Sweep удаляет все запросы старше TTL и возвращает их число.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	cutoff := s.clock().Add(-s.ttl)
	deleted, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, &TransportError{Op: "sweep link requests", Err: err}
	}
	if deleted > 0 {
		s.logger.Info("expired link requests deleted", slog.Int64("count", deleted))
	}
	return deleted, nil
}

// Run запускает Sweep с заданным интервалом до отмены ctx.
// onSweep, если задан, получает число удаленных запросов.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration, onSweep func(int64)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("link request sweep failed", slog.String("error", err.Error()))
				continue
			}
			if onSweep != nil {
				onSweep(deleted)
			}
		}
	}
}

func (s *Sweeper) expired(request LinkRequest) bool {
	return request.CreatedAt.Before(s.clock().Add(-s.ttl))
}
