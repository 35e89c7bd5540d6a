package geo

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/example/coride/internal/models"
)

// DefaultCellDegrees is roughly 1.1km of latitude per grid cell.
const DefaultCellDegrees = 0.01

const earthRadiusMeters = 6371000.0

// metersPerDegree is one degree of arc on the sphere Haversine uses.
const metersPerDegree = earthRadiusMeters * math.Pi / 180

type cellKey struct{ row, col int }

// Index is a uniform lat/lng grid of point locations keyed by id.
// Upsert and Remove are O(1); Query visits only cells overlapping the
// radius bounding box. All methods are safe for concurrent use.
type Index struct {
	mu      sync.RWMutex
	cellDeg float64
	ncols   int
	cells   map[cellKey]map[string]models.Location
	points  map[string]cellKey
}

func NewIndex() *Index {
	return NewIndexWithCell(DefaultCellDegrees)
}

// NewIndexWithCell returns an index whose cells span cellDeg degrees.
// Non-positive values fall back to DefaultCellDegrees.
func NewIndexWithCell(cellDeg float64) *Index {
	if cellDeg <= 0 || cellDeg > 90 {
		cellDeg = DefaultCellDegrees
	}
	return &Index{
		cellDeg: cellDeg,
		ncols:   int(math.Ceil(360/cellDeg - 1e-9)),
		cells:   make(map[cellKey]map[string]models.Location),
		points:  make(map[string]cellKey),
	}
}

func (g *Index) keyFor(loc models.Location) cellKey {
	row := int(math.Floor((loc.Lat + 90) / g.cellDeg))
	col := int(math.Floor((loc.Lng+180)/g.cellDeg)) % g.ncols
	return cellKey{row: row, col: col}
}

// Upsert places id at loc, moving it out of its previous cell. Readers see
// either the old or the new position, never both or neither.
func (g *Index) Upsert(id string, loc models.Location) error {
	if err := loc.Validate(); err != nil {
		return err
	}
	k := g.keyFor(loc)
	g.mu.Lock()
	defer g.mu.Unlock()
	if old, ok := g.points[id]; ok && old != k {
		g.removeFromCell(old, id)
	}
	cell, ok := g.cells[k]
	if !ok {
		cell = make(map[string]models.Location)
		g.cells[k] = cell
	}
	cell[id] = loc
	g.points[id] = k
	return nil
}

// Remove deletes id and reports whether it was present.
func (g *Index) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	k, ok := g.points[id]
	if !ok {
		return false
	}
	g.removeFromCell(k, id)
	delete(g.points, id)
	return true
}

func (g *Index) removeFromCell(k cellKey, id string) {
	cell := g.cells[k]
	delete(cell, id)
	if len(cell) == 0 {
		delete(g.cells, k)
	}
}

// Location returns the indexed position of id.
func (g *Index) Location(id string) (models.Location, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	k, ok := g.points[id]
	if !ok {
		return models.Location{}, false
	}
	loc, ok := g.cells[k][id]
	return loc, ok
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.points)
}

// Query returns the ids within radiusMeters of point ordered by ascending
// distance, ties broken by id.
func (g *Index) Query(point models.Location, radiusMeters float64) ([]string, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return nil, fmt.Errorf("%w: radius must be non-negative", models.ErrInvalidRequest)
	}

	type hit struct {
		id   string
		dist float64
	}
	var hits []hit
	consider := func(id string, loc models.Location) {
		if d := Distance(point, loc); d <= radiusMeters {
			hits = append(hits, hit{id, d})
		}
	}

	g.mu.RLock()
	rows, cols, bounded := g.span(point, radiusMeters)
	if !bounded || len(rows)*len(cols) > len(g.cells) {
		for _, cell := range g.cells {
			for id, loc := range cell {
				consider(id, loc)
			}
		}
	} else {
		for _, r := range rows {
			for _, c := range cols {
				for id, loc := range g.cells[cellKey{r, c}] {
					consider(id, loc)
				}
			}
		}
	}
	g.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].id < hits[j].id
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out, nil
}

// span lists the grid rows and columns covering the radius bounding box,
// padded by one cell on each side. bounded is false when the box
// degenerates (poles, huge radius) and the caller should scan everything.
func (g *Index) span(p models.Location, radius float64) (rows, cols []int, bounded bool) {
	dLat := radius / metersPerDegree
	if dLat >= 90 {
		return nil, nil, false
	}
	// meridians converge fastest at the box edge furthest from the equator
	edgeLat := math.Min(math.Abs(p.Lat)+dLat, 90)
	cosLat := math.Cos(edgeLat * math.Pi / 180)
	if cosLat < 1e-6 {
		return nil, nil, false
	}
	dLng := radius / (metersPerDegree * cosLat)
	if dLng >= 180 {
		return nil, nil, false
	}

	maxRow := int(math.Floor(180 / g.cellDeg))
	lo := int(math.Floor((p.Lat-dLat+90)/g.cellDeg)) - 1
	hi := int(math.Floor((p.Lat+dLat+90)/g.cellDeg)) + 1
	for r := max(lo, 0); r <= min(hi, maxRow); r++ {
		rows = append(rows, r)
	}

	cLo := int(math.Floor((p.Lng-dLng+180)/g.cellDeg)) - 1
	cHi := int(math.Floor((p.Lng+dLng+180)/g.cellDeg)) + 1
	if cHi-cLo+1 >= g.ncols {
		return nil, nil, false
	}
	for c := cLo; c <= cHi; c++ {
		cols = append(cols, ((c%g.ncols)+g.ncols)%g.ncols)
	}
	return rows, cols, true
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = earthRadiusMeters
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}

// Distance is Haversine over two locations.
func Distance(a, b models.Location) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}
