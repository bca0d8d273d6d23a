// Package location provides great-circle distances, geofences and GeoIP lookups.
package location

import "math"

// EarthRadiusKm 地球平均半径
const EarthRadiusKm = 6371.0

// Point is a WGS84 coordinate in degrees
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Geofence is a circle around Center
type Geofence struct {
	Center   Point   `json:"center"`
	RadiusKm float64 `json:"radius_km"`
}

// Valid reports whether the coordinate is within the WGS84 bounds
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lon)
}

// DistanceKm returns the haversine distance between a and b
func DistanceKm(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h slightly past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))

	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// IsWithinGeofence reports whether p lies inside or on the fence boundary
func IsWithinGeofence(p Point, fence Geofence) bool {
	return DistanceKm(p, fence.Center) <= fence.RadiusKm
}

// WithinAny reports whether p is inside the radiusKm fence of any known point
func WithinAny(p Point, known []Point, radiusKm float64) bool {
	for _, k := range known {
		if IsWithinGeofence(p, Geofence{Center: k, RadiusKm: radiusKm}) {
			return true
		}
	}
	return false
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}
