package geo

import "math"

const earthRadiusM = 6371000

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64
	Lng float64
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b Point) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}

// BearingDeg returns the initial bearing from a to b in degrees,
// normalised to [0, 360) where 0 is north and 90 is east.
func BearingDeg(a, b Point) float64 {
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(latB)
	x := math.Cos(latA)*math.Sin(latB) - math.Sin(latA)*math.Cos(latB)*math.Cos(dLng)

	bearing := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(bearing+360, 360)
}

// PointSegmentDistanceM returns the distance in meters from p to the segment
// a-b. The point is projected onto the segment in a locally flattened plane
// (longitude scaled by cos of the mean latitude) and the parameter clamped to
// the segment bounds before measuring the great-circle distance.
func PointSegmentDistanceM(p, a, b Point) float64 {
	meanLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	scale := math.Cos(meanLat)

	vx := (b.Lng - a.Lng) * scale
	vy := b.Lat - a.Lat
	wx := (p.Lng - a.Lng) * scale
	wy := p.Lat - a.Lat

	t := 0.0
	if denom := vx*vx + vy*vy; denom > 0 {
		t = (wx*vx + wy*vy) / denom
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}

	proj := Point{
		Lat: a.Lat + t*(b.Lat-a.Lat),
		Lng: a.Lng + t*(b.Lng-a.Lng),
	}
	return HaversineM(p, proj)
}

// DistanceToPolylineM returns the minimum distance in meters from p to any
// segment of the polyline. A single-vertex polyline degenerates to the
// distance to that vertex; an empty polyline yields +Inf.
func DistanceToPolylineM(p Point, vertices []Point) float64 {
	switch len(vertices) {
	case 0:
		return math.Inf(1)
	case 1:
		return HaversineM(p, vertices[0])
	}

	min := math.Inf(1)
	for i := 0; i < len(vertices)-1; i++ {
		if d := PointSegmentDistanceM(p, vertices[i], vertices[i+1]); d < min {
			min = d
		}
	}
	return min
}
