package geo

import (
	"math"

	"github.com/example/coride/internal/models"
)

// Projection is the nearest point on a path to some query point.
type Projection struct {
	Point    models.Location
	Segment  int     // index of the segment start
	Fraction float64 // position along the segment in [0,1]
	Distance float64 // meters from the query point to Point
	Along    float64 // meters from the path start to Point
}

// PathLength sums the great-circle length of consecutive segments.
func PathLength(path []models.Location) float64 {
	var total float64
	for i := 1; i < len(path); i++ {
		total += Distance(path[i-1], path[i])
	}
	return total
}

// ProjectOnPath finds the nearest point on path to p. path must have at
// least two points; earlier segments win ties.
func ProjectOnPath(p models.Location, path []models.Location) Projection {
	best := Projection{Distance: math.Inf(1)}
	var along float64
	for i := 0; i+1 < len(path); i++ {
		a, b := path[i], path[i+1]
		t, q := projectOnSegment(p, a, b)
		if d := Distance(p, q); d < best.Distance {
			best = Projection{
				Point:    q,
				Segment:  i,
				Fraction: t,
				Distance: d,
				Along:    along + Distance(a, q),
			}
		}
		along += Distance(a, b)
	}
	return best
}

// DistanceToPath is the distance in meters from p to the nearest point on path.
func DistanceToPath(p models.Location, path []models.Location) float64 {
	switch len(path) {
	case 0:
		return math.Inf(1)
	case 1:
		return Distance(p, path[0])
	}
	return ProjectOnPath(p, path).Distance
}

// Densify returns path with points interpolated so that no two consecutive
// points are more than step meters apart.
func Densify(path []models.Location, step float64) []models.Location {
	if len(path) < 2 || step <= 0 {
		out := make([]models.Location, len(path))
		copy(out, path)
		return out
	}
	out := []models.Location{path[0]}
	for i := 1; i < len(path); i++ {
		a, b := path[i-1], path[i]
		n := int(math.Ceil(Distance(a, b) / step))
		for k := 1; k < n; k++ {
			out = append(out, Interpolate(a, b, float64(k)/float64(n)))
		}
		out = append(out, b)
	}
	return out
}

// Interpolate walks fraction t of the way from a to b in lat/lng space.
// Adequate for the sub-kilometre segments routes are made of.
func Interpolate(a, b models.Location, t float64) models.Location {
	dLng := wrapLng(b.Lng - a.Lng)
	return models.Location{
		Lat: a.Lat + (b.Lat-a.Lat)*t,
		Lng: wrapLng(a.Lng + dLng*t),
	}
}

// projectOnSegment projects p onto segment ab using a local equirectangular
// plane centred on p.
func projectOnSegment(p, a, b models.Location) (float64, models.Location) {
	kx := math.Cos(p.Lat*math.Pi/180) * metersPerDegree
	const ky = metersPerDegree
	ax, ay := wrapLng(a.Lng-p.Lng)*kx, (a.Lat-p.Lat)*ky
	bx, by := wrapLng(b.Lng-p.Lng)*kx, (b.Lat-p.Lat)*ky
	dx, dy := bx-ax, by-ay
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return 0, a
	}
	t := -(ax*dx + ay*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return t, Interpolate(a, b, t)
}

func wrapLng(lng float64) float64 {
	for lng > 180 {
		lng -= 360
	}
	for lng < -180 {
		lng += 360
	}
	return lng
}
