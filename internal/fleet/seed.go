package fleet

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/example/coride/internal/models"
)

type seedDriver struct {
	models.Driver `yaml:",inline"`
	Online        *bool `yaml:"online"`
}

// LoadSeedFile reads a YAML fleet fixture.
func LoadSeedFile(path string) ([]models.DriverUpdate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fleet seed: %w", err)
	}
	return ParseSeed(b)
}

// ParseSeed decodes a fleet fixture. Drivers without an explicit online
// flag are online.
func ParseSeed(b []byte) ([]models.DriverUpdate, error) {
	var raw struct {
		Drivers []seedDriver `yaml:"drivers"`
	}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse fleet seed: %w", err)
	}
	out := make([]models.DriverUpdate, 0, len(raw.Drivers))
	for _, sd := range raw.Drivers {
		online := sd.Online == nil || *sd.Online
		out = append(out, models.DriverUpdate{Driver: sd.Driver, Online: online})
	}
	return out, nil
}

// Seed applies every update and returns how many were applied. Failures
// are joined; one bad record does not stop the rest.
func (r *Registry) Seed(updates []models.DriverUpdate) (int, error) {
	var errs []error
	applied := 0
	for _, u := range updates {
		ok, err := r.Apply(u)
		if err != nil {
			errs = append(errs, fmt.Errorf("driver %q: %w", u.ID, err))
			continue
		}
		if ok {
			applied++
		}
	}
	return applied, errors.Join(errs...)
}
