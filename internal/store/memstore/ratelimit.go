package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/cocoguard/apiserver/types"
)

// DefaultPestTypes mirrors the pest types seeded by the SQL migrations.
var DefaultPestTypes = []types.PestType{
	{Name: "Asiatic Palm Weevil", ScientificName: "Rhynchophorus vulneratus", RiskLevel: types.RiskCritical, Active: true},
	{Name: "Coconut Rhinoceros Beetle", ScientificName: "Oryctes rhinoceros", RiskLevel: types.RiskHigh, Active: true},
	{Name: "Coconut Scale Insect", ScientificName: "Aspidiotus rigidus", RiskLevel: types.RiskHigh, Active: true},
	{Name: "Brontispa", ScientificName: "Brontispa longissima", RiskLevel: types.RiskMedium, Active: true},
	{Name: "Coconut Leaf Moth", ScientificName: "Artona catoxantha", RiskLevel: types.RiskLow, Active: true},
}

type window struct {
	count     int
	expiresAt time.Time
}

// RateLimiter keeps fixed-window attempt counters in memory.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]window), now: time.Now}
}

func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = window{expiresAt: now.Add(ttl)}
	}
	w.count++
	l.windows[key] = w
	return w.count <= limit, nil
}

// CleanupExpired drops counters whose window has closed.
func (l *RateLimiter) CleanupExpired(ctx context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var removed int64
	for key, w := range l.windows {
		if now.After(w.expiresAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed, nil
}
