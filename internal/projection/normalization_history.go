package projection

import (
	"math/big"
	"sync"
	"time"
)

// NormalizationPoint is one recorded factor move.
type NormalizationPoint struct {
	Sequence       int64
	PreviousFactor *big.Int
	Factor         *big.Int
	Index          *big.Int
	Mark           *big.Int
	Elapsed        time.Duration
	At             time.Time
}

// NormalizationHistory keeps the most recent factor moves in memory so the
// funding endpoints can answer without a database round trip.
type NormalizationHistory struct {
	mu       sync.RWMutex
	capacity int
	points   []NormalizationPoint
}

func NewNormalizationHistory(capacity int) *NormalizationHistory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &NormalizationHistory{
		capacity: capacity,
		points:   make([]NormalizationPoint, 0, capacity),
	}
}

// Add records a point. The oldest point is evicted at capacity.
func (h *NormalizationHistory) Add(p NormalizationPoint) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.points) == h.capacity {
		copy(h.points, h.points[1:])
		h.points = h.points[:len(h.points)-1]
	}
	h.points = append(h.points, p)
}

// Recent returns up to limit points, newest first.
func (h *NormalizationHistory) Recent(limit int) []NormalizationPoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]NormalizationPoint, 0, min(limit, len(h.points)))
	for i := len(h.points) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, h.points[i])
	}
	return result
}

// Since returns the points recorded at or after t, oldest first.
func (h *NormalizationHistory) Since(t time.Time) []NormalizationPoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var result []NormalizationPoint
	for _, p := range h.points {
		if !p.At.Before(t) {
			result = append(result, p)
		}
	}
	return result
}

// Len returns the number of retained points.
func (h *NormalizationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.points)
}
