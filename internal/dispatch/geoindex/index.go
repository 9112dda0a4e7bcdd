package geoindex

import (
	"cmp"
	"slices"

	"github.com/example/livetrack/internal/dispatch/domain"
)

// Neighbor is a single proximity query hit.
type Neighbor struct {
	ID         string          `json:"driver_id"`
	Point      domain.GeoPoint `json:"point"`
	DistanceKM float64         `json:"distance_km"`
}

// Index stores point entities and answers radius queries. Implementations
// must be safe for concurrent use and must never expose a partially applied
// mutation to Nearby.
type Index interface {
	Upsert(id string, p domain.GeoPoint)
	// Remove reports whether id was present.
	Remove(id string) bool
	// Nearby returns entities within radiusKM of center ordered by ascending
	// distance, ties broken by id. limit <= 0 means no limit.
	Nearby(center domain.GeoPoint, radiusKM float64, limit int) []Neighbor
	Len() int
}

func sortAndTruncate(hits []Neighbor, limit int) []Neighbor {
	slices.SortFunc(hits, func(a, b Neighbor) int {
		if c := cmp.Compare(a.DistanceKM, b.DistanceKM); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
