package geoindex

import (
	"sync"

	"github.com/example/livetrack/internal/dispatch/domain"
)

// LinearIndexThreshold is the fleet size below which a flat scan is
// competitive with the grid.
const LinearIndexThreshold = 2000

// LinearIndex scans every entity on each query. It is the non-scaling
// baseline: fine below LinearIndexThreshold drivers, used as the reference
// implementation in tests.
type LinearIndex struct {
	mu     sync.RWMutex
	points map[string]domain.GeoPoint
}

// NewLinearIndex constructs an empty LinearIndex.
func NewLinearIndex() *LinearIndex {
	return &LinearIndex{points: make(map[string]domain.GeoPoint)}
}

func (l *LinearIndex) Upsert(id string, p domain.GeoPoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.points[id] = p
}

func (l *LinearIndex) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.points[id]; !ok {
		return false
	}
	delete(l.points, id)
	return true
}

func (l *LinearIndex) Nearby(center domain.GeoPoint, radiusKM float64, limit int) []Neighbor {
	if radiusKM < 0 {
		return nil
	}
	l.mu.RLock()
	hits := make([]Neighbor, 0)
	for id, p := range l.points {
		if d := DistanceKM(center, p); d <= radiusKM {
			hits = append(hits, Neighbor{ID: id, Point: p, DistanceKM: d})
		}
	}
	l.mu.RUnlock()
	return sortAndTruncate(hits, limit)
}

func (l *LinearIndex) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.points)
}
