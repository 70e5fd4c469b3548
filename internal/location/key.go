// Package location canonicalizes coordinates into the key every table is
// addressed by.
package location

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Precision is the number of decimal places kept in a key. Three places is a
// grid of roughly 110 m: coordinates inside the same cell are deliberately
// treated as the same place so repeated lookups share history and forecasts.
const Precision = 3

var scale = math.Pow(10, Precision)

// Key returns the canonical "lat,lon" key for a coordinate pair.
func Key(lat, lon float64) string {
	return format(round(lat)) + "," + format(round(lon))
}

// Parse splits a key back into its rounded coordinates.
func Parse(key string) (lat, lon float64, err error) {
	latStr, lonStr, ok := strings.Cut(key, ",")
	if !ok {
		return 0, 0, fmt.Errorf("location key %q: missing comma", key)
	}
	lat, err = strconv.ParseFloat(latStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("location key %q: latitude: %w", key, err)
	}
	lon, err = strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("location key %q: longitude: %w", key, err)
	}
	return lat, lon, nil
}

// Validate reports whether the coordinates are on the globe.
func Validate(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range", lat)
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return fmt.Errorf("longitude %v out of range", lon)
	}
	return nil
}

func round(v float64) float64 {
	r := math.Round(v*scale) / scale
	if r == 0 {
		return 0 // fold -0
	}
	return r
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
