package fleet

import (
	"context"
	"sync"
	"time"

	"github.com/example/coride/internal/geo"
	"github.com/example/coride/internal/models"
	"github.com/example/coride/internal/observability"
)

// Registry holds live driver state: the spatial index of current
// locations plus the driver records. Readers get copies; the registry
// never hands out references to its own records.
type Registry struct {
	mu      sync.RWMutex
	index   *geo.Index
	drivers map[string]models.Driver
	onLeave []func(driverID string)
	now     func() time.Time
}

func NewRegistry(index *geo.Index) *Registry {
	if index == nil {
		index = geo.NewIndex()
	}
	return &Registry{
		index:   index,
		drivers: make(map[string]models.Driver),
		now:     time.Now,
	}
}

// OnLeave registers fn to run after a driver is removed. Must be called
// before the registry is shared.
func (r *Registry) OnLeave(fn func(driverID string)) {
	r.onLeave = append(r.onLeave, fn)
}

// Apply upserts or removes a driver from a feed update. It reports false
// without error when the update is older than the stored record; offline
// updates obey the same rule.
func (r *Registry) Apply(u models.DriverUpdate) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	d := u.Driver.Clone()
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = r.now()
	}

	r.mu.Lock()
	if cur, ok := r.drivers[d.ID]; ok && cur.UpdatedAt.After(d.UpdatedAt) {
		r.mu.Unlock()
		return false, nil
	}
	if !u.Online {
		removed := r.removeLocked(d.ID)
		n := len(r.drivers)
		r.mu.Unlock()
		if removed {
			r.left(d.ID, n)
		}
		return true, nil
	}
	if err := r.index.Upsert(d.ID, d.Current); err != nil {
		r.mu.Unlock()
		return false, err
	}
	r.drivers[d.ID] = d
	n := len(r.drivers)
	r.mu.Unlock()

	observability.DriversOnline.Set(float64(n))
	return true, nil
}

// Remove deletes a driver unconditionally and reports whether it was
// present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	ok := r.removeLocked(id)
	n := len(r.drivers)
	r.mu.Unlock()

	if ok {
		r.left(id, n)
	}
	return ok
}

func (r *Registry) removeLocked(id string) bool {
	_, ok := r.drivers[id]
	delete(r.drivers, id)
	r.index.Remove(id)
	return ok
}

// left runs after a removal, outside the lock.
func (r *Registry) left(id string, online int) {
	observability.DriversOnline.Set(float64(online))
	for _, fn := range r.onLeave {
		fn(id)
	}
}

// Nearby returns copies of the drivers within radiusMeters of point,
// nearest first.
func (r *Registry) Nearby(ctx context.Context, point models.Location, radiusMeters float64) ([]models.Driver, error) {
	ids, err := r.index.Query(point, radiusMeters)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]models.Driver, 0, len(ids))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range ids {
		if d, ok := r.drivers[id]; ok {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (r *Registry) Get(id string) (models.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	return d.Clone(), true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.drivers)
}
