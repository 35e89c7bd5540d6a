package fleet

import (
	"path/filepath"
	"testing"

	"github.com/example/coride/internal/models"
)

func TestLoadFixtureFleet(t *testing.T) {
	updates, err := LoadSeedFile(filepath.Join("..", "..", "fixtures", "fleet.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("expected 3 drivers, got %d", len(updates))
	}
	first := updates[0]
	if first.ID != "driver_001" || first.VehicleType != models.VehicleAuto || first.AvailableSeats != 2 {
		t.Fatalf("unexpected first driver: %+v", first.Driver)
	}
	if !first.Online || len(first.Route) != 4 {
		t.Fatalf("expected online driver with 4-point route, got %+v", first)
	}

	r := NewRegistry(nil)
	n, err := r.Seed(updates)
	if err != nil || n != 3 {
		t.Fatalf("seed applied %d err=%v", n, err)
	}
}

func TestParseSeedOfflineAndBadRecords(t *testing.T) {
	doc := []byte(`
drivers:
  - driver_id: a
    vehicle_type: Cab
    available_seats: 3
    current_location: {lat: 1, lng: 1}
  - driver_id: b
    vehicle_type: Cab
    online: false
  - driver_id: c
    vehicle_type: Rocket
    current_location: {lat: 1, lng: 1}
`)
	updates, err := ParseSeed(doc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if updates[1].Online {
		t.Fatalf("explicit online: false must be kept")
	}
	r := NewRegistry(nil)
	n, err := r.Seed(updates)
	if err == nil {
		t.Fatalf("expected error for unknown vehicle type")
	}
	if n != 2 || r.Len() != 1 {
		t.Fatalf("expected a applied and b removed, got n=%d len=%d", n, r.Len())
	}
}
