package models

import (
	"fmt"
	"math"
	"time"
)

type Location struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lng float64 `json:"lng" yaml:"lng"`
}

// Validate reports ErrInvalidLocation for coordinates outside WGS84 bounds.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) {
		return fmt.Errorf("%w: coordinate is NaN", ErrInvalidLocation)
	}
	if l.Lat < -90 || l.Lat > 90 {
		return fmt.Errorf("%w: latitude %v must be between -90 and 90", ErrInvalidLocation, l.Lat)
	}
	if l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w: longitude %v must be between -180 and 180", ErrInvalidLocation, l.Lng)
	}
	return nil
}

// RoutePolyline is a driver's planned path from pickup to dropoff.
type RoutePolyline []Location

// Validate reports ErrDegenerateRoute for paths with fewer than two points.
func (r RoutePolyline) Validate() error {
	if len(r) < 2 {
		return fmt.Errorf("%w: %d point(s)", ErrDegenerateRoute, len(r))
	}
	for i, p := range r {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%w: point %d: %v", ErrDegenerateRoute, i, err)
		}
	}
	return nil
}

// Clone returns a copy that does not share the backing array.
func (r RoutePolyline) Clone() RoutePolyline {
	if r == nil {
		return nil
	}
	out := make(RoutePolyline, len(r))
	copy(out, r)
	return out
}

type VehicleType string

const (
	VehicleAuto VehicleType = "Auto"
	VehicleCab  VehicleType = "Cab"
	VehicleBike VehicleType = "Bike"
	VehicleSUV  VehicleType = "Suv"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleAuto, VehicleCab, VehicleBike, VehicleSUV:
		return true
	}
	return false
}

// Driver is the live record kept by the fleet registry.
type Driver struct {
	ID             string        `json:"driver_id" yaml:"driver_id"`
	Name           string        `json:"driver_name" yaml:"driver_name"`
	VehicleType    VehicleType   `json:"vehicle_type" yaml:"vehicle_type"`
	AvailableSeats int           `json:"available_seats" yaml:"available_seats"`
	PriceEstimate  float64       `json:"price_estimate" yaml:"price_estimate"`
	ETAMinutes     int           `json:"eta_minutes" yaml:"eta_minutes"`
	Current        Location      `json:"current_location" yaml:"current_location"`
	Pickup         Location      `json:"pickup_location" yaml:"pickup_location"`
	Dropoff        Location      `json:"dropoff_location" yaml:"dropoff_location"`
	Route          RoutePolyline `json:"route_polyline" yaml:"route_polyline"`
	UpdatedAt      time.Time     `json:"updated_at" yaml:"updated_at"`
}

// Clone deep-copies the route so snapshots never alias registry state.
func (d Driver) Clone() Driver {
	d.Route = d.Route.Clone()
	return d
}

// DriverUpdate is a message from the driver-state feed.
type DriverUpdate struct {
	Driver `yaml:",inline"`
	Online bool `json:"online" yaml:"online"`
}

// Validate checks the fields the registry relies on. Route shape is not
// checked here: a bad route is excluded at search time, not at ingest.
func (u DriverUpdate) Validate() error {
	if u.ID == "" {
		return fmt.Errorf("%w: driver_id is required", ErrInvalidRequest)
	}
	if !u.Online {
		return nil
	}
	if !u.VehicleType.Valid() {
		return fmt.Errorf("%w: unknown vehicle_type %q", ErrInvalidRequest, u.VehicleType)
	}
	if u.AvailableSeats < 0 || u.ETAMinutes < 0 || u.PriceEstimate < 0 {
		return fmt.Errorf("%w: seats, eta and price must be non-negative", ErrInvalidRequest)
	}
	for _, f := range []struct {
		name string
		loc  Location
	}{
		{"current_location", u.Current},
		{"pickup_location", u.Pickup},
		{"dropoff_location", u.Dropoff},
	} {
		if err := f.loc.Validate(); err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
	}
	return nil
}

type DriverOffer struct {
	DriverID              string        `json:"driver_id"`
	DriverName            string        `json:"driver_name"`
	VehicleType           VehicleType   `json:"vehicle_type"`
	AvailableSeats        int           `json:"available_seats"`
	PriceEstimate         float64       `json:"price_estimate"`
	ETAMinutes            int           `json:"eta_minutes"`
	MatchScore            float64       `json:"match_score"`
	PickupLocation        Location      `json:"pickup_location"`
	DropoffLocation       Location      `json:"dropoff_location"`
	RoutePolyline         RoutePolyline `json:"route_polyline"`
	ClusterID             *string       `json:"cluster_id"`
	DetourDistance        float64       `json:"detour_distance"`
	PathOverlapPercentage float64       `json:"path_overlap_percentage"`
}

// OfferFromDriver copies the base fields of d into a new offer.
func OfferFromDriver(d Driver) DriverOffer {
	return DriverOffer{
		DriverID:        d.ID,
		DriverName:      d.Name,
		VehicleType:     d.VehicleType,
		AvailableSeats:  d.AvailableSeats,
		PriceEstimate:   d.PriceEstimate,
		ETAMinutes:      d.ETAMinutes,
		PickupLocation:  d.Pickup,
		DropoffLocation: d.Dropoff,
		RoutePolyline:   d.Route.Clone(),
	}
}

type Cluster struct {
	ID                  string        `json:"cluster_id"`
	Seq                 uint64        `json:"seq"`
	Members             []string      `json:"members"`
	RepresentativeRoute RoutePolyline `json:"representative_route"`
	CreatedAt           time.Time     `json:"created_at"`
}

type Preferences struct {
	VehicleType   *VehicleType `json:"vehicle_type,omitempty"`
	SeatsRequired int          `json:"seats_required"`
}

// VehicleFilter returns the requested vehicle type. An empty string counts
// as no filter.
func (p Preferences) VehicleFilter() (VehicleType, bool) {
	if p.VehicleType == nil || *p.VehicleType == "" {
		return "", false
	}
	return *p.VehicleType, true
}

type SearchRequest struct {
	Origin      *Location   `json:"origin"`
	Destination *Location   `json:"destination"`
	Preferences Preferences `json:"preferences"`
}

// Validate rejects a request before any processing happens.
func (r SearchRequest) Validate() error {
	if r.Origin == nil {
		return fmt.Errorf("%w: origin is required", ErrInvalidRequest)
	}
	if r.Destination == nil {
		return fmt.Errorf("%w: destination is required", ErrInvalidRequest)
	}
	if err := r.Origin.Validate(); err != nil {
		return fmt.Errorf("%w: origin: %v", ErrInvalidRequest, err)
	}
	if err := r.Destination.Validate(); err != nil {
		return fmt.Errorf("%w: destination: %v", ErrInvalidRequest, err)
	}
	if r.Preferences.SeatsRequired < 1 {
		return fmt.Errorf("%w: preferences.seats_required must be >= 1", ErrInvalidRequest)
	}
	if vt, ok := r.Preferences.VehicleFilter(); ok && !vt.Valid() {
		return fmt.Errorf("%w: unknown vehicle_type %q", ErrInvalidRequest, string(vt))
	}
	return nil
}

type SearchResult struct {
	SearchID     string        `json:"search_id"`
	CreatedAt    time.Time     `json:"created_at"`
	ExpiresAt    time.Time     `json:"expires_at"`
	Matches      []DriverOffer `json:"matches"`
	ErrorMessage *string       `json:"error_message"`
}

// Expired reports whether offers in r may no longer be booked at now.
func (r SearchResult) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone deep-copies the result so stores never share offers with callers.
func (r SearchResult) Clone() SearchResult {
	if r.Matches != nil {
		matches := make([]DriverOffer, len(r.Matches))
		for i, o := range r.Matches {
			o.RoutePolyline = o.RoutePolyline.Clone()
			if o.ClusterID != nil {
				id := *o.ClusterID
				o.ClusterID = &id
			}
			matches[i] = o
		}
		r.Matches = matches
	}
	if r.ErrorMessage != nil {
		msg := *r.ErrorMessage
		r.ErrorMessage = &msg
	}
	return r
}
