package ops

import (
	"math"

	"geocol/pkg/geometry"

	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
)

// errDelegate is returned by a local kernel that does not handle the
// row's variant. The row is then sent to the topology engine.
var errDelegate = errors.New("not handled locally")

// value is one output slot. Which field is meaningful depends on the
// operation kind; valid false means null.
type value struct {
	f     float64
	b     bool
	i     int8
	g     geom.T
	wkb   []byte
	valid bool
}

type unaryKernel func(g geom.T) (value, error)

type binaryKernel func(a, b geom.T) (value, error)

func float64Value(f float64) value { return value{f: f, valid: true} }

func boolValue(b bool) value { return value{b: b, valid: true} }

func geomValue(g geom.T) value { return value{g: g, valid: g != nil} }

var unaryKernels = map[Op]unaryKernel{
	Area: func(g geom.T) (value, error) {
		o, err := geometry.ToOrb(g)
		if err != nil {
			return value{}, err
		}
		return float64Value(math.Abs(planar.Area(o))), nil
	},
	Length: func(g geom.T) (value, error) {
		o, err := geometry.ToOrb(g)
		if err != nil {
			return value{}, err
		}
		return float64Value(planar.Length(o)), nil
	},
	HaversineLength: func(g geom.T) (value, error) {
		o, err := outline(g)
		if err != nil {
			return value{}, err
		}
		return float64Value(geo.LengthHaversine(o)), nil
	},
	GeodesicLength: spheroidLength,
	VincentyLength: spheroidLength,
	CentroidX: func(g geom.T) (value, error) {
		c, ok, err := centroid(g)
		if err != nil || !ok {
			return value{}, err
		}
		return float64Value(c[0]), nil
	},
	CentroidY: func(g geom.T) (value, error) {
		c, ok, err := centroid(g)
		if err != nil || !ok {
			return value{}, err
		}
		return float64Value(c[1]), nil
	},
	X: func(g geom.T) (value, error) {
		if p, ok := g.(*geom.Point); ok && !p.Empty() {
			return float64Value(p.X()), nil
		}
		return value{}, nil
	},
	Y: func(g geom.T) (value, error) {
		if p, ok := g.(*geom.Point); ok && !p.Empty() {
			return float64Value(p.Y()), nil
		}
		return value{}, nil
	},

	ConvexHull: convexHull,
	Centroid: func(g geom.T) (value, error) {
		c, ok, err := centroid(g)
		if err != nil {
			return value{}, err
		}
		if !ok {
			return geomValue(geom.NewPointEmpty(geom.XY)), nil
		}
		return geomValue(geom.NewPointFlat(geom.XY, []float64{c[0], c[1]})), nil
	},
	Boundary: boundary,
	Envelope: envelope,
	Exterior: func(g geom.T) (value, error) {
		p, ok := g.(*geom.Polygon)
		if !ok || p.Empty() {
			return value{}, nil
		}
		ring := p.LinearRing(0)
		return geomValue(geom.NewLineStringFlat(ring.Layout(), ring.FlatCoords())), nil
	},

	IsEmpty: func(g geom.T) (value, error) {
		return boolValue(g.Empty()), nil
	},
	IsRing: func(g geom.T) (value, error) {
		switch g := g.(type) {
		case *geom.LineString:
			return boolValue(closed(g.FlatCoords(), g.Stride())), nil
		case *geom.MultiLineString:
			if g.NumLineStrings() == 0 {
				return boolValue(false), nil
			}
			for i := range g.NumLineStrings() {
				ls := g.LineString(i)
				if !closed(ls.FlatCoords(), ls.Stride()) {
					return boolValue(false), nil
				}
			}
			return boolValue(true), nil
		}
		return value{}, nil
	},
	GeomType: func(g geom.T) (value, error) {
		return value{i: geometry.TypeID(g), valid: true}, nil
	},
}

var binaryKernels = map[Op]binaryKernel{
	Intersects: predicate(Intersects),
	Contains:   predicate(Contains),
	Within:     predicate(Within),
	Touches:    predicate(Touches),
	Crosses:    predicate(Crosses),
	Overlaps:   predicate(Overlaps),
	Disjoint:   predicate(Disjoint),
	Covers:     predicate(Covers),
	CoveredBy:  predicate(CoveredBy),
	Equals:     predicate(Equals),
	Distance:   distance,
}

// outline reduces g to the linework its geodesic length is measured on:
// lines as they are, polygons by their exterior rings.
func outline(g geom.T) (orb.Geometry, error) {
	switch g := g.(type) {
	case *geom.GeometryCollection:
		return nil, errors.Wrap(geometry.ErrUnsupportedOperation, "geodesic length of a geometry collection")
	case *geom.Polygon:
		if g.Empty() {
			return orb.LineString{}, nil
		}
		return geometry.ToOrb(g.LinearRing(0))
	case *geom.MultiPolygon:
		mls := make(orb.MultiLineString, 0, g.NumPolygons())
		for i := range g.NumPolygons() {
			p := g.Polygon(i)
			if p.Empty() {
				continue
			}
			ring, err := geometry.ToOrb(p.LinearRing(0))
			if err != nil {
				return nil, err
			}
			mls = append(mls, orb.LineString(ring.(orb.Ring)))
		}
		return mls, nil
	}
	return geometry.ToOrb(g)
}

// spheroidLength settles the rows without linework and leaves the rest to
// the topology engine's ellipsoidal solver.
func spheroidLength(g geom.T) (value, error) {
	switch g.(type) {
	case *geom.GeometryCollection:
		return value{}, errors.Wrap(geometry.ErrUnsupportedOperation, "geodesic length of a geometry collection")
	case *geom.Point, *geom.MultiPoint:
		return float64Value(0), nil
	}
	if g.Empty() {
		return float64Value(0), nil
	}
	return value{}, errDelegate
}

func centroid(g geom.T) (orb.Point, bool, error) {
	if g.Empty() {
		return orb.Point{}, false, nil
	}
	o, err := geometry.ToOrb(g)
	if err != nil {
		return orb.Point{}, false, err
	}
	c, _ := planar.CentroidArea(o)
	return c, true, nil
}

func convexHull(g geom.T) (value, error) {
	if _, ok := g.(*geom.GeometryCollection); ok {
		return value{}, errDelegate
	}
	if g.Empty() {
		return geomValue(geom.NewGeometryCollection()), nil
	}
	// xy.ConvexHull reorders the coordinates it is given.
	hull := xy.ConvexHull(geometry.Clone(g))
	if hull == nil {
		return geomValue(geom.NewGeometryCollection()), nil
	}
	return geomValue(hull), nil
}

func boundary(g geom.T) (value, error) {
	switch g := g.(type) {
	case *geom.Point, *geom.MultiPoint:
		return geomValue(geom.NewGeometryCollection()), nil
	case *geom.LineString:
		flat, stride := g.FlatCoords(), g.Stride()
		if g.Empty() || closed(flat, stride) {
			return geomValue(geom.NewMultiPoint(g.Layout())), nil
		}
		ends := append(append([]float64{}, flat[:stride]...), flat[len(flat)-stride:]...)
		return geomValue(geom.NewMultiPointFlat(g.Layout(), ends)), nil
	case *geom.Polygon:
		if g.Empty() {
			return geomValue(geom.NewMultiLineString(g.Layout())), nil
		}
		if g.NumLinearRings() == 1 {
			return geomValue(geom.NewLineStringFlat(g.Layout(), g.FlatCoords())), nil
		}
		return geomValue(geom.NewMultiLineStringFlat(g.Layout(), g.FlatCoords(), g.Ends())), nil
	case *geom.MultiPolygon:
		var ends []int
		for _, polyEnds := range g.Endss() {
			ends = append(ends, polyEnds...)
		}
		return geomValue(geom.NewMultiLineStringFlat(g.Layout(), g.FlatCoords(), ends)), nil
	}
	return value{}, errDelegate
}

func envelope(g geom.T) (value, error) {
	b, ok := geometry.Bound(g)
	if !ok {
		return geomValue(geom.NewGeometryCollection()), nil
	}
	minX, minY, maxX, maxY := b.Min[0], b.Min[1], b.Max[0], b.Max[1]
	switch {
	case minX == maxX && minY == maxY:
		return geomValue(geom.NewPointFlat(geom.XY, []float64{minX, minY})), nil
	case minX == maxX || minY == maxY:
		return geomValue(geom.NewLineStringFlat(geom.XY, []float64{minX, minY, maxX, maxY})), nil
	}
	return geomValue(geom.NewPolygonFlat(geom.XY, []float64{
		minX, minY, maxX, minY, maxX, maxY, minX, maxY, minX, minY,
	}, []int{10})), nil
}

func closed(flat []float64, stride int) bool {
	n := len(flat)
	if n < 2*stride {
		return false
	}
	return flat[0] == flat[n-stride] && flat[1] == flat[n-stride+1]
}

// predicate builds the local kernel for a DE-9IM predicate. It settles
// bounding-box-disjoint pairs, point/point pairs and point/polygon pairs;
// everything else goes to the topology engine.
func predicate(op Op) binaryKernel {
	return func(a, b geom.T) (value, error) {
		ba, okA := geometry.Bound(a)
		bb, okB := geometry.Bound(b)
		if !okA || !okB {
			return boolValue(op == Disjoint || (op == Equals && !okA && !okB)), nil
		}
		if !ba.Intersects(bb) {
			return boolValue(op == Disjoint), nil
		}

		pa, aIsPoint := a.(*geom.Point)
		pb, bIsPoint := b.(*geom.Point)
		switch {
		case aIsPoint && bIsPoint:
			// Degenerate boxes intersect only when the points coincide.
			return boolValue(pointPoint(op)), nil
		case aIsPoint:
			return pointArea(op, pa, b)
		case bIsPoint:
			return pointArea(converse(op), pb, a)
		}
		return value{}, errDelegate
	}
}

func pointPoint(op Op) bool {
	switch op {
	case Intersects, Contains, Within, Covers, CoveredBy, Equals:
		return true
	}
	return false
}

// pointArea evaluates op with the point on the left.
func pointArea(op Op, p *geom.Point, area geom.T) (value, error) {
	o, err := geometry.ToOrb(area)
	if err != nil {
		return value{}, err
	}
	loc, ok := geometry.Locate(o, orb.Point{p.X(), p.Y()})
	if !ok {
		return value{}, errDelegate
	}
	switch op {
	case Intersects, CoveredBy:
		return boolValue(loc != geometry.Exterior), nil
	case Disjoint:
		return boolValue(loc == geometry.Exterior), nil
	case Within:
		return boolValue(loc == geometry.Interior), nil
	case Touches:
		return boolValue(loc == geometry.OnBoundary), nil
	}
	return boolValue(false), nil
}

func converse(op Op) Op {
	switch op {
	case Contains:
		return Within
	case Within:
		return Contains
	case Covers:
		return CoveredBy
	case CoveredBy:
		return Covers
	}
	return op
}

func distance(a, b geom.T) (value, error) {
	if a.Empty() || b.Empty() {
		return value{}, nil
	}
	p, isPoint := a.(*geom.Point)
	other := b
	if !isPoint {
		if p, isPoint = b.(*geom.Point); !isPoint {
			return value{}, errDelegate
		}
		other = a
	}
	o, err := geometry.ToOrb(other)
	if err != nil {
		return value{}, err
	}
	return float64Value(geometry.DistanceFrom(o, orb.Point{p.X(), p.Y()})), nil
}
