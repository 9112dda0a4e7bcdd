package geoindex

import (
	"math"
	"sync"

	"github.com/example/livetrack/internal/dispatch/domain"
)

// DefaultCellDegrees gives cells of roughly 2.2 km at the equator.
const DefaultCellDegrees = 0.02

type cellKey struct {
	row int
	col int
}

type cell struct {
	mu      sync.RWMutex
	members map[string]domain.GeoPoint
}

// GridIndex buckets entities into fixed lat/lng cells so a radius query only
// touches the cells overlapping its bounding box.
//
// Locking: mu guards cell membership (cells and where). Moves inside a cell
// hold mu shared plus the cell lock; inserts, cross-cell moves and removals
// hold mu exclusively. Queries hold mu shared and read-lock each cell they
// scan, so they never observe an entity twice or mid-move.
type GridIndex struct {
	mu      sync.RWMutex
	cellDeg float64
	rows    int
	cols    int
	cells   map[cellKey]*cell
	where   map[string]cellKey
}

// NewGridIndex builds a grid with the given cell edge in degrees. Non-positive
// or oversized values fall back to DefaultCellDegrees.
func NewGridIndex(cellDegrees float64) *GridIndex {
	if cellDegrees <= 0 || cellDegrees > 45 {
		cellDegrees = DefaultCellDegrees
	}
	// Snap the cell edge so columns tile 360 degrees exactly; column
	// arithmetic wraps across the antimeridian.
	cols := int(math.Ceil(360/cellDegrees - 1e-9))
	cellDegrees = 360 / float64(cols)
	return &GridIndex{
		cellDeg: cellDegrees,
		rows:    int(math.Ceil(180/cellDegrees - 1e-9)),
		cols:    cols,
		cells:   make(map[cellKey]*cell),
		where:   make(map[string]cellKey),
	}
}

func (g *GridIndex) Upsert(id string, p domain.GeoPoint) {
	key := g.keyFor(p)

	g.mu.RLock()
	if cur, ok := g.where[id]; ok && cur == key {
		c := g.cells[key]
		c.mu.Lock()
		c.members[id] = p
		c.mu.Unlock()
		g.mu.RUnlock()
		return
	}
	g.mu.RUnlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	// No cell locks are held by anyone while mu is held exclusively.
	if cur, ok := g.where[id]; ok {
		if cur == key {
			g.cells[key].members[id] = p
			return
		}
		g.detach(id, cur)
	}
	c, ok := g.cells[key]
	if !ok {
		c = &cell{members: make(map[string]domain.GeoPoint)}
		g.cells[key] = c
	}
	c.members[id] = p
	g.where[id] = key
}

func (g *GridIndex) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.where[id]
	if !ok {
		return false
	}
	g.detach(id, key)
	delete(g.where, id)
	return true
}

func (g *GridIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.where)
}

func (g *GridIndex) Nearby(center domain.GeoPoint, radiusKM float64, limit int) []Neighbor {
	if radiusKM < 0 {
		return nil
	}
	w := g.window(center, radiusKM)

	g.mu.RLock()
	defer g.mu.RUnlock()

	hits := make([]Neighbor, 0)
	scan := func(c *cell) {
		c.mu.RLock()
		for id, p := range c.members {
			if d := DistanceKM(center, p); d <= radiusKM {
				hits = append(hits, Neighbor{ID: id, Point: p, DistanceKM: d})
			}
		}
		c.mu.RUnlock()
	}

	if w.cellCount() >= len(g.cells) {
		// Sparse grid: walking populated cells is cheaper than the window.
		for key, c := range g.cells {
			if w.contains(key, g.cols) {
				scan(c)
			}
		}
		return sortAndTruncate(hits, limit)
	}

	for row := w.rowLo; row <= w.rowHi; row++ {
		for i := 0; i < w.colSpan; i++ {
			col := mod(w.colLo+i, g.cols)
			if c, ok := g.cells[cellKey{row: row, col: col}]; ok {
				scan(c)
			}
		}
	}
	return sortAndTruncate(hits, limit)
}

func (g *GridIndex) detach(id string, key cellKey) {
	c, ok := g.cells[key]
	if !ok {
		return
	}
	delete(c.members, id)
	if len(c.members) == 0 {
		delete(g.cells, key)
	}
}

func (g *GridIndex) keyFor(p domain.GeoPoint) cellKey {
	return cellKey{row: g.row(p.Lat), col: g.col(p.Lng)}
}

func (g *GridIndex) row(lat float64) int {
	r := int(math.Floor((lat + 90) / g.cellDeg))
	if r < 0 {
		return 0
	}
	if r >= g.rows {
		return g.rows - 1
	}
	return r
}

func (g *GridIndex) col(lng float64) int {
	c := int(math.Floor((lng + 180) / g.cellDeg))
	if c < 0 {
		return 0
	}
	if c >= g.cols {
		return g.cols - 1
	}
	return c
}

// cellWindow is the set of cells overlapping a query's bounding box. Columns
// may wrap across the antimeridian.
type cellWindow struct {
	rowLo, rowHi int
	colLo        int
	colSpan      int
}

func (w cellWindow) cellCount() int {
	return (w.rowHi - w.rowLo + 1) * w.colSpan
}

func (w cellWindow) contains(key cellKey, cols int) bool {
	if key.row < w.rowLo || key.row > w.rowHi {
		return false
	}
	return mod(key.col-w.colLo, cols) < w.colSpan
}

// window computes the bounding box of the spherical cap around center and
// pads it by one cell on each side to absorb rounding.
func (g *GridIndex) window(center domain.GeoPoint, radiusKM float64) cellWindow {
	angular := radiusKM / EarthRadiusKM
	latDelta := toDegrees(angular)
	minLat := center.Lat - latDelta
	maxLat := center.Lat + latDelta

	w := cellWindow{
		rowLo: max(g.row(math.Max(minLat, -90))-1, 0),
		rowHi: min(g.row(math.Min(maxLat, 90))+1, g.rows-1),
	}

	allCols := cellWindow{rowLo: w.rowLo, rowHi: w.rowHi, colLo: 0, colSpan: g.cols}
	if minLat <= -90 || maxLat >= 90 || angular >= math.Pi/2 {
		return allCols
	}
	ratio := math.Sin(angular) / math.Cos(toRadians(center.Lat))
	if ratio >= 1 {
		return allCols
	}
	lngDelta := toDegrees(math.Asin(ratio))
	colLo := int(math.Floor((center.Lng-lngDelta+180)/g.cellDeg)) - 1
	colHi := int(math.Floor((center.Lng+lngDelta+180)/g.cellDeg)) + 1
	span := colHi - colLo + 1
	if span >= g.cols {
		return allCols
	}
	w.colLo = mod(colLo, g.cols)
	w.colSpan = span
	return w
}

func mod(a, n int) int {
	m := a % n
	if m < 0 {
		m += n
	}
	return m
}
