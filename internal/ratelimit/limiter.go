package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter ограничивает число действий для одного ключа.
type Limiter interface {
	Allow(key string) bool
}

// NoopLimiter пропускает все запросы.
type NoopLimiter struct{}

func (NoopLimiter) Allow(string) bool { return true }

// MemoryLimiter считает запросы в фиксированном окне внутри процесса.
type MemoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[string]*window
	clock   func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter разрешает не более limit запросов за span на ключ.
func NewMemoryLimiter(limit int, span time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:   limit,
		window:  span,
		windows: make(map[string]*window),
		clock:   time.Now,
	}
}

func (l *MemoryLimiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 || l.window <= 0 || key == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	current, ok := l.windows[key]
	if !ok || !now.Before(current.resetAt) {
		if len(l.windows) > 1024 {
			l.pruneLocked(now)
		}
		l.windows[key] = &window{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if current.count >= l.limit {
		return false
	}
	current.count++
	return true
}

func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
		}
	}
}

// Factory выбирает реализацию лимитера: Redis, если клиент задан, иначе память.
type Factory struct {
	Redis  *redis.Client
	Logger *slog.Logger
}

// New возвращает лимитер для limit запросов за span с префиксом ключей prefix.
func (f Factory) New(limit int, span time.Duration, prefix string) Limiter {
	if limit <= 0 || span <= 0 {
		return NoopLimiter{}
	}
	if f.Redis != nil {
		return NewRedisLimiter(f.Redis, limit, span, prefix, f.Logger)
	}
	return NewMemoryLimiter(limit, span)
}
