package travel

import (
	"context"
	"math"

	"schoolbus/backend/model"
)

const earthRadiusKM = 6371.0088 // mean Earth radius

// HaversineKM returns the great-circle distance between two points in km.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	la1 := lat1 * math.Pi / 180
	la2 := lat2 * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(la1)*math.Cos(la2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKM * c
}

// HaversineProvider estimates travel time from straight-line distance at a
// configured average speed. It never fails.
type HaversineProvider struct {
	SpeedKmph float64
}

// NewHaversineProvider returns an estimator at the given km/h (40 if <= 0).
func NewHaversineProvider(speedKmph float64) *HaversineProvider {
	if speedKmph <= 0 {
		speedKmph = 40
	}
	return &HaversineProvider{SpeedKmph: speedKmph}
}

func (p *HaversineProvider) Travel(_ context.Context, from, to model.Stop) (float64, error) {
	km := HaversineKM(from.Latitude, from.Longitude, to.Latitude, to.Longitude)
	return km / p.SpeedKmph * 60.0, nil
}
