// Package geocode resolves free-text property addresses to coordinates.
package geocode

import (
	"context"
	"errors"
	"strings"

	"safeagent/internal/model"
)

// ErrUnresolved is returned once every tier of the retry ladder failed. The
// appointment keeps its sentinel coordinates and is retried on a later pass.
var ErrUnresolved = errors.New("geocode: address unresolved")

// Placemark is one candidate returned by a provider.
type Placemark struct {
	// Thoroughfare is the street name, "" when the provider has none.
	Thoroughfare string
	// Location is nil when the candidate could not be placed.
	Location *model.Coordinate
}

// Provider is an external geocoding service. One call is one round trip.
type Provider interface {
	Geocode(ctx context.Context, address string) ([]Placemark, error)
}

// Choose picks the first located candidate with a thoroughfare, falling
// back to the first located candidate overall. ok is false when no
// candidate has a usable location.
func Choose(marks []Placemark) (model.Coordinate, bool) {
	var fallback *model.Coordinate
	for _, pm := range marks {
		if pm.Location == nil || pm.Location.IsSentinel() {
			continue
		}
		if strings.TrimSpace(pm.Thoroughfare) != "" {
			return *pm.Location, true
		}
		if fallback == nil {
			fallback = pm.Location
		}
	}
	if fallback == nil {
		return model.Sentinel, false
	}
	return *fallback, true
}
