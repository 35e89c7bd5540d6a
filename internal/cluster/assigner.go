package cluster

import (
	"context"
	"sort"

	"github.com/example/coride/internal/geo"
	"github.com/example/coride/internal/models"
)

type Config struct {
	ProximityMeters float64 // max pickup distance for two drivers to share a cluster
	MinOverlap      float64 // min mutual route overlap, in [0,1]
}

func DefaultConfig() Config {
	return Config{ProximityMeters: 1000, MinOverlap: 0.5}
}

// OverlapFunc returns the fraction of path lying near against.
type OverlapFunc func(path, against []models.Location) float64

// Assigner groups offers whose pickups are close and whose routes overlap
// into shareable-ride clusters.
type Assigner struct {
	cfg     Config
	overlap OverlapFunc
	reg     *Registry
}

func NewAssigner(cfg Config, overlap OverlapFunc, reg *Registry) *Assigner {
	def := DefaultConfig()
	if cfg.ProximityMeters <= 0 {
		cfg.ProximityMeters = def.ProximityMeters
	}
	if cfg.MinOverlap <= 0 {
		cfg.MinOverlap = def.MinOverlap
	}
	return &Assigner{cfg: cfg, overlap: overlap, reg: reg}
}

type pair struct{ a, b int }

// Assign returns driver_id -> cluster_id for every offer. Offers are not
// modified.
func (a *Assigner) Assign(ctx context.Context, offers []models.DriverOffer) (map[string]string, error) {
	n := len(offers)
	if n == 0 {
		return map[string]string{}, nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool { return offers[order[i]].DriverID < offers[order[j]].DriverID })
	pos := make(map[string]int, n)
	for _, i := range order {
		pos[offers[i].DriverID] = i
	}

	// per-call index over pickups keeps pairwise checks local
	idx := geo.NewIndex()
	for _, o := range offers {
		if err := idx.Upsert(o.DriverID, o.PickupLocation); err != nil {
			// never near anyone, so it ends up in a cluster of its own
			continue
		}
	}

	uf := newUnionFind(n)
	similarity := make(map[pair]float64)
	for _, i := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		near, err := idx.Query(offers[i].PickupLocation, a.cfg.ProximityMeters)
		if err != nil {
			continue
		}
		for _, id := range near {
			j := pos[id]
			if offers[j].DriverID <= offers[i].DriverID {
				continue
			}
			s := a.mutualOverlap(offers[i].RoutePolyline, offers[j].RoutePolyline)
			similarity[pair{i, j}] = s
			similarity[pair{j, i}] = s
			if s >= a.cfg.MinOverlap {
				uf.union(i, j)
			}
		}
	}

	members := make(map[int][]int)
	var roots []int
	for _, i := range order {
		root := uf.find(i)
		if _, ok := members[root]; !ok {
			roots = append(roots, root)
		}
		members[root] = append(members[root], i)
	}

	groups := make([]group, 0, len(roots))
	for _, root := range roots {
		idxs := members[root]
		g := group{members: make([]string, len(idxs))}
		for k, i := range idxs {
			g.members[k] = offers[i].DriverID
		}
		g.route = offers[medoid(idxs, similarity)].RoutePolyline
		groups = append(groups, g)
	}
	return a.reg.reconcile(groups), nil
}

func (a *Assigner) mutualOverlap(r1, r2 models.RoutePolyline) float64 {
	if len(r1) < 2 || len(r2) < 2 {
		return 0
	}
	return min(a.overlap(r1, r2), a.overlap(r2, r1))
}

// medoid picks the member most similar to the rest; idxs is sorted by
// driver id so the first best wins ties.
func medoid(idxs []int, similarity map[pair]float64) int {
	best, bestSum := idxs[0], -1.0
	for _, i := range idxs {
		var sum float64
		for _, j := range idxs {
			if i != j {
				sum += similarity[pair{i, j}]
			}
		}
		if sum > bestSum {
			best, bestSum = i, sum
		}
	}
	return best
}

type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}
