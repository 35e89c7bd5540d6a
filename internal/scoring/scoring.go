package scoring

import (
	"fmt"
	"math"

	"github.com/example/coride/internal/geo"
	"github.com/example/coride/internal/models"
)

// maxSamples caps how finely a path is sampled when measuring overlap.
const maxSamples = 2000

type Weights struct {
	Detour  float64
	Overlap float64
	Seats   float64
}

type Config struct {
	Weights         Weights
	MaxDetourMeters float64 // detour at or above this normalizes to 1
	CorridorMeters  float64 // tolerance for two paths to count as shared
}

func DefaultConfig() Config {
	return Config{
		Weights:         Weights{Detour: 0.4, Overlap: 0.4, Seats: 0.2},
		MaxDetourMeters: 5000,
		CorridorMeters:  50,
	}
}

// Result is the per-candidate route comparison.
type Result struct {
	DetourMeters float64
	Overlap      float64
}

// Scorer compares a driver's planned route with a rider's trip.
// It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.MaxDetourMeters <= 0 {
		cfg.MaxDetourMeters = def.MaxDetourMeters
	}
	if cfg.CorridorMeters <= 0 {
		cfg.CorridorMeters = def.CorridorMeters
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	return &Scorer{cfg: cfg}
}

func (s *Scorer) Config() Config { return s.cfg }

// Score compares route against the straight-line trip origin -> destination.
func (s *Scorer) Score(route models.RoutePolyline, origin, destination models.Location) (Result, error) {
	return s.ScorePath(route, []models.Location{origin, destination})
}

// ScorePath compares route against an arbitrary rider path whose first and
// last points are the rider's origin and destination.
func (s *Scorer) ScorePath(route models.RoutePolyline, riderPath []models.Location) (Result, error) {
	if err := route.Validate(); err != nil {
		return Result{}, err
	}
	if len(riderPath) == 0 {
		return Result{}, fmt.Errorf("%w: empty rider path", models.ErrInvalidRequest)
	}
	origin, destination := riderPath[0], riderPath[len(riderPath)-1]
	return Result{
		DetourMeters: Detour(route, origin, destination),
		Overlap:      s.Overlap(riderPath, route),
	}, nil
}

// MatchScore folds a Result into a single rank in [0,1].
func (s *Scorer) MatchScore(r Result, seatsOK bool) float64 {
	w := s.cfg.Weights
	nd := math.Min(r.DetourMeters/s.cfg.MaxDetourMeters, 1)
	var seats float64
	if seatsOK {
		seats = 1
	}
	return clamp01(w.Detour*(1-nd) + w.Overlap*r.Overlap + w.Seats*seats)
}

// Overlap is the fraction of path's length that lies within the corridor
// around against. Both are treated as polylines.
func (s *Scorer) Overlap(path, against []models.Location) float64 {
	if len(path) == 0 || len(against) == 0 {
		return 0
	}
	corridor := s.cfg.CorridorMeters
	total := geo.PathLength(path)
	if total == 0 {
		if geo.DistanceToPath(path[0], against) <= corridor {
			return 1
		}
		return 0
	}

	step := math.Max(corridor/2, total/maxSamples)
	pts := geo.Densify(path, step)
	var covered float64
	for i := 1; i < len(pts); i++ {
		mid := geo.Interpolate(pts[i-1], pts[i], 0.5)
		if geo.DistanceToPath(mid, against) <= corridor {
			covered += geo.Distance(pts[i-1], pts[i])
		}
	}
	return clamp01(covered / total)
}

// Detour is the extra distance a driver on route travels to pick up at
// origin and drop off at destination. route must have at least two points.
func Detour(route models.RoutePolyline, origin, destination models.Location) float64 {
	po := geo.ProjectOnPath(origin, route)
	pd := geo.ProjectOnPath(destination, route)

	var cost float64
	if po.Segment == pd.Segment && po.Along <= pd.Along {
		a, b := route[po.Segment], route[po.Segment+1]
		cost = geo.Distance(a, origin) + geo.Distance(origin, destination) +
			geo.Distance(destination, b) - geo.Distance(a, b)
	} else {
		cost = insertion(route, po.Segment, origin) + insertion(route, pd.Segment, destination)
		// destination projects behind the origin: the driver has to double back
		cost += 2 * math.Max(0, po.Along-pd.Along)
	}
	return math.Max(0, cost)
}

func insertion(route models.RoutePolyline, seg int, x models.Location) float64 {
	a, b := route[seg], route[seg+1]
	return geo.Distance(a, x) + geo.Distance(x, b) - geo.Distance(a, b)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
