package geometry

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Location is where a point lies relative to an areal geometry.
type Location int

const (
	Exterior Location = iota
	Interior
	OnBoundary
)

// DistanceFrom returns the planar distance from p to o, zero when p lies
// inside a polygon. Empty geometries are infinitely far away.
func DistanceFrom(o orb.Geometry, p orb.Point) float64 {
	switch o := o.(type) {
	case orb.Polygon:
		if len(o) == 0 {
			return math.Inf(1)
		}
		if planar.PolygonContains(o, p) {
			return 0
		}
	case orb.MultiPolygon:
		if len(o) == 0 {
			return math.Inf(1)
		}
		if planar.MultiPolygonContains(o, p) {
			return 0
		}
	case orb.Collection:
		d := math.Inf(1)
		for _, member := range o {
			d = min(d, DistanceFrom(member, p))
		}
		return d
	case orb.MultiPoint:
		if len(o) == 0 {
			return math.Inf(1)
		}
	case orb.LineString:
		if len(o) == 0 {
			return math.Inf(1)
		}
	case orb.MultiLineString:
		if len(o) == 0 {
			return math.Inf(1)
		}
	}
	return planar.DistanceFrom(o, p)
}

// Locate classifies p against a Polygon or MultiPolygon. ok is false for
// any other geometry.
func Locate(o orb.Geometry, p orb.Point) (loc Location, ok bool) {
	var polys orb.MultiPolygon
	switch o := o.(type) {
	case orb.Polygon:
		polys = orb.MultiPolygon{o}
	case orb.MultiPolygon:
		polys = o
	default:
		return Exterior, false
	}

	for _, poly := range polys {
		for _, ring := range poly {
			for i := 0; i+1 < len(ring); i++ {
				if onSegment(p, ring[i], ring[i+1]) {
					return OnBoundary, true
				}
			}
		}
	}
	if planar.MultiPolygonContains(polys, p) {
		return Interior, true
	}
	return Exterior, true
}

func onSegment(p, a, b orb.Point) bool {
	cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
	if cross != 0 {
		return false
	}
	return p[0] >= min(a[0], b[0]) && p[0] <= max(a[0], b[0]) &&
		p[1] >= min(a[1], b[1]) && p[1] <= max(a[1], b[1])
}
