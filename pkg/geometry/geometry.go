// Package geometry holds the WKB codec, the error taxonomy and the helpers
// every column operation uses to walk go-geom's closed set of variants.
package geometry

import (
	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
	"github.com/twpayne/go-geom"
)

// Type ids, matching the numbering used by pygeos/shapely.
const (
	TypeNull               int8 = -1
	TypePoint              int8 = 0
	TypeLineString         int8 = 1
	TypeLinearRing         int8 = 2
	TypePolygon            int8 = 3
	TypeMultiPoint         int8 = 4
	TypeMultiLineString    int8 = 5
	TypeMultiPolygon       int8 = 6
	TypeGeometryCollection int8 = 7
)

// TypeID returns the numeric type id of g, TypeNull for a nil geometry.
func TypeID(g geom.T) int8 {
	switch g.(type) {
	case nil:
		return TypeNull
	case *geom.Point:
		return TypePoint
	case *geom.LineString:
		return TypeLineString
	case *geom.LinearRing:
		return TypeLinearRing
	case *geom.Polygon:
		return TypePolygon
	case *geom.MultiPoint:
		return TypeMultiPoint
	case *geom.MultiLineString:
		return TypeMultiLineString
	case *geom.MultiPolygon:
		return TypeMultiPolygon
	case *geom.GeometryCollection:
		return TypeGeometryCollection
	default:
		return TypeNull
	}
}

// TypeName returns the OGC name of g's variant.
func TypeName(g geom.T) string {
	switch g.(type) {
	case *geom.Point:
		return "Point"
	case *geom.LineString:
		return "LineString"
	case *geom.LinearRing:
		return "LinearRing"
	case *geom.Polygon:
		return "Polygon"
	case *geom.MultiPoint:
		return "MultiPoint"
	case *geom.MultiLineString:
		return "MultiLineString"
	case *geom.MultiPolygon:
		return "MultiPolygon"
	case *geom.GeometryCollection:
		return "GeometryCollection"
	default:
		return "Unknown"
	}
}

// IsMulti reports whether g is a multi-part variant.
func IsMulti(g geom.T) bool {
	switch g.(type) {
	case *geom.MultiPoint, *geom.MultiLineString, *geom.MultiPolygon, *geom.GeometryCollection:
		return true
	}
	return false
}

// Parts splits g into single-part geometries. Collection members are
// flattened recursively and empty multi-part members dropped. A geometry
// without parts comes back as itself.
func Parts(g geom.T) []geom.T {
	parts := leaves(g, nil)
	if len(parts) == 0 {
		return []geom.T{g}
	}
	return parts
}

func leaves(g geom.T, parts []geom.T) []geom.T {
	switch g := g.(type) {
	case *geom.MultiPoint:
		for i := range g.NumPoints() {
			parts = append(parts, g.Point(i))
		}
	case *geom.MultiLineString:
		for i := range g.NumLineStrings() {
			parts = append(parts, g.LineString(i))
		}
	case *geom.MultiPolygon:
		for i := range g.NumPolygons() {
			parts = append(parts, g.Polygon(i))
		}
	case *geom.GeometryCollection:
		for _, member := range g.Geoms() {
			parts = leaves(member, parts)
		}
	default:
		parts = append(parts, g)
	}
	return parts
}

// PartCount is len(Parts(g)) without allocating.
func PartCount(g geom.T) int {
	return max(leafCount(g), 1)
}

func leafCount(g geom.T) int {
	switch g := g.(type) {
	case *geom.MultiPoint:
		return g.NumPoints()
	case *geom.MultiLineString:
		return g.NumLineStrings()
	case *geom.MultiPolygon:
		return g.NumPolygons()
	case *geom.GeometryCollection:
		n := 0
		for _, member := range g.Geoms() {
			n += leafCount(member)
		}
		return n
	}
	return 1
}

// Is3D reports whether g carries a Z ordinate.
func Is3D(g geom.T) bool {
	return g.Layout().ZIndex() >= 0
}

// Bound returns the 2D bounding box of g. ok is false for empty geometries.
// Nested collections are walked down to their leaf geometries.
func Bound(g geom.T) (b orb.Bound, ok bool) {
	if g == nil {
		return orb.Bound{}, false
	}
	if gc, isGC := g.(*geom.GeometryCollection); isGC {
		for _, member := range gc.Geoms() {
			mb, mok := Bound(member)
			if !mok {
				continue
			}
			if ok {
				b = b.Union(mb)
			} else {
				b, ok = mb, true
			}
		}
		return b, ok
	}
	if g.Empty() {
		return orb.Bound{}, false
	}
	flat, stride := g.FlatCoords(), g.Stride()
	if stride < 2 || len(flat) < 2 {
		return orb.Bound{}, false
	}
	b = orb.Bound{Min: orb.Point{flat[0], flat[1]}, Max: orb.Point{flat[0], flat[1]}}
	for i := stride; i+1 < len(flat); i += stride {
		b = b.Extend(orb.Point{flat[i], flat[i+1]})
	}
	return b, true
}

// ToOrb projects g onto the XY plane as an orb geometry. Z and M are
// dropped; an empty point becomes an empty MultiPoint.
func ToOrb(g geom.T) (orb.Geometry, error) {
	switch g := g.(type) {
	case *geom.Point:
		if g.Empty() {
			return orb.MultiPoint{}, nil
		}
		return orb.Point{g.X(), g.Y()}, nil
	case *geom.LineString:
		return orb.LineString(points(g.FlatCoords(), g.Stride())), nil
	case *geom.LinearRing:
		return orb.Ring(points(g.FlatCoords(), g.Stride())), nil
	case *geom.Polygon:
		return polygon(g), nil
	case *geom.MultiPoint:
		return orb.MultiPoint(points(g.FlatCoords(), g.Stride())), nil
	case *geom.MultiLineString:
		mls := make(orb.MultiLineString, 0, g.NumLineStrings())
		for i := range g.NumLineStrings() {
			ls := g.LineString(i)
			mls = append(mls, orb.LineString(points(ls.FlatCoords(), ls.Stride())))
		}
		return mls, nil
	case *geom.MultiPolygon:
		mp := make(orb.MultiPolygon, 0, g.NumPolygons())
		for i := range g.NumPolygons() {
			mp = append(mp, polygon(g.Polygon(i)))
		}
		return mp, nil
	case *geom.GeometryCollection:
		c := make(orb.Collection, 0, g.NumGeoms())
		for _, member := range g.Geoms() {
			o, err := ToOrb(member)
			if err != nil {
				return nil, err
			}
			c = append(c, o)
		}
		return c, nil
	default:
		return nil, errors.AssertionFailedf("unsupported geometry type %T", g)
	}
}

// FromOrb converts an orb geometry into an XY go-geom geometry.
func FromOrb(o orb.Geometry) (geom.T, error) {
	switch o := o.(type) {
	case orb.Point:
		return geom.NewPointFlat(geom.XY, []float64{o[0], o[1]}), nil
	case orb.MultiPoint:
		return geom.NewMultiPointFlat(geom.XY, flatten(o)), nil
	case orb.LineString:
		return geom.NewLineStringFlat(geom.XY, flatten(o)), nil
	case orb.Ring:
		return geom.NewLinearRingFlat(geom.XY, flatten(o)), nil
	case orb.Polygon:
		return fromPolygon(o), nil
	case orb.Bound:
		return fromPolygon(o.ToPolygon()), nil
	case orb.MultiLineString:
		mls := geom.NewMultiLineString(geom.XY)
		for _, ls := range o {
			if err := mls.Push(geom.NewLineStringFlat(geom.XY, flatten(ls))); err != nil {
				return nil, err
			}
		}
		return mls, nil
	case orb.MultiPolygon:
		mp := geom.NewMultiPolygon(geom.XY)
		for _, p := range o {
			if err := mp.Push(fromPolygon(p)); err != nil {
				return nil, err
			}
		}
		return mp, nil
	case orb.Collection:
		gc := geom.NewGeometryCollection()
		for _, member := range o {
			g, err := FromOrb(member)
			if err != nil {
				return nil, err
			}
			if err := gc.Push(g); err != nil {
				return nil, err
			}
		}
		return gc, nil
	default:
		return nil, errors.AssertionFailedf("unsupported orb type %T", o)
	}
}

func points(flat []float64, stride int) []orb.Point {
	pts := make([]orb.Point, 0, len(flat)/max(stride, 1))
	for i := 0; i+1 < len(flat); i += stride {
		pts = append(pts, orb.Point{flat[i], flat[i+1]})
	}
	return pts
}

func polygon(p *geom.Polygon) orb.Polygon {
	out := make(orb.Polygon, 0, p.NumLinearRings())
	for i := range p.NumLinearRings() {
		r := p.LinearRing(i)
		out = append(out, orb.Ring(points(r.FlatCoords(), r.Stride())))
	}
	return out
}

func flatten(pts []orb.Point) []float64 {
	flat := make([]float64, 0, 2*len(pts))
	for _, p := range pts {
		flat = append(flat, p[0], p[1])
	}
	return flat
}

func fromPolygon(p orb.Polygon) *geom.Polygon {
	var (
		flat []float64
		ends []int
	)
	for _, r := range p {
		flat = append(flat, flatten(r)...)
		ends = append(ends, len(flat))
	}
	return geom.NewPolygonFlat(geom.XY, flat, ends)
}

// Clone returns a deep copy of g.
func Clone(g geom.T) geom.T {
	switch g := g.(type) {
	case *geom.Point:
		return g.Clone()
	case *geom.LineString:
		return g.Clone()
	case *geom.LinearRing:
		return g.Clone()
	case *geom.Polygon:
		return g.Clone()
	case *geom.MultiPoint:
		return g.Clone()
	case *geom.MultiLineString:
		return g.Clone()
	case *geom.MultiPolygon:
		return g.Clone()
	case *geom.GeometryCollection:
		out := geom.NewGeometryCollection()
		for _, member := range g.Geoms() {
			if err := out.Push(Clone(member)); err != nil {
				return g
			}
		}
		return out
	}
	return g
}
