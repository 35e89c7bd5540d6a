package cluster

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/coride/internal/models"
	"github.com/example/coride/internal/observability"
)

type entry struct {
	cluster models.Cluster
	members map[string]struct{}
}

// Registry is the authority on cluster membership. Offers only carry a
// cluster id; the registry knows which drivers belong to which cluster.
type Registry struct {
	mu       sync.RWMutex
	seq      uint64
	clusters map[string]*entry
	byDriver map[string]string
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		clusters: make(map[string]*entry),
		byDriver: make(map[string]string),
		now:      time.Now,
	}
}

// group is one connected component produced by the assigner, members
// sorted by driver id.
type group struct {
	members []string
	route   models.RoutePolyline
}

// Get returns a copy of the cluster with the given id.
func (r *Registry) Get(id string) (models.Cluster, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clusters[id]
	if !ok {
		return models.Cluster{}, false
	}
	return e.snapshot(), true
}

// ClusterOf returns the cluster id a driver currently belongs to.
func (r *Registry) ClusterOf(driverID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byDriver[driverID]
	return id, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clusters)
}

// Leave removes a driver from its cluster, destroying the cluster if it
// becomes empty.
func (r *Registry) Leave(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detach(driverID)
	observability.ClustersActive.Set(float64(len(r.clusters)))
}

// reconcile maps each group onto a cluster and returns driver -> cluster id.
// Groups must be ordered deterministically; an existing cluster is claimed
// by at most one group per call and merges keep the lowest sequence number.
func (r *Registry) reconcile(groups []group) map[string]string {
	out := make(map[string]string)
	r.mu.Lock()
	defer r.mu.Unlock()

	claimed := make(map[string]bool)
	for _, g := range groups {
		var candidates []*entry
		seen := make(map[string]bool)
		for _, m := range g.members {
			cid, ok := r.byDriver[m]
			if !ok || claimed[cid] || seen[cid] {
				continue
			}
			seen[cid] = true
			candidates = append(candidates, r.clusters[cid])
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].cluster.Seq < candidates[j].cluster.Seq })

		var target *entry
		if len(candidates) == 0 {
			target = r.create()
		} else {
			target = candidates[0]
			for _, other := range candidates[1:] {
				r.merge(target, other)
			}
		}
		claimed[target.cluster.ID] = true

		for _, m := range g.members {
			if r.byDriver[m] != target.cluster.ID {
				r.detach(m)
				target.members[m] = struct{}{}
				r.byDriver[m] = target.cluster.ID
			}
			out[m] = target.cluster.ID
		}
		target.cluster.RepresentativeRoute = g.route.Clone()
	}
	observability.ClustersActive.Set(float64(len(r.clusters)))
	return out
}

func (r *Registry) create() *entry {
	r.seq++
	e := &entry{
		cluster: models.Cluster{
			ID:        fmt.Sprintf("cluster_%d", r.seq),
			Seq:       r.seq,
			CreatedAt: r.now(),
		},
		members: make(map[string]struct{}),
	}
	r.clusters[e.cluster.ID] = e
	return e
}

// merge folds src into dst and destroys src.
func (r *Registry) merge(dst, src *entry) {
	for m := range src.members {
		dst.members[m] = struct{}{}
		r.byDriver[m] = dst.cluster.ID
	}
	delete(r.clusters, src.cluster.ID)
}

func (r *Registry) detach(driverID string) {
	cid, ok := r.byDriver[driverID]
	if !ok {
		return
	}
	delete(r.byDriver, driverID)
	e, ok := r.clusters[cid]
	if !ok {
		return
	}
	delete(e.members, driverID)
	if len(e.members) == 0 {
		delete(r.clusters, cid)
	}
}

func (e *entry) snapshot() models.Cluster {
	c := e.cluster
	c.Members = make([]string, 0, len(e.members))
	for m := range e.members {
		c.Members = append(c.Members, m)
	}
	sort.Strings(c.Members)
	c.RepresentativeRoute = c.RepresentativeRoute.Clone()
	return c
}
