// Package ops dispatches named spatial operations over geometry columns to
// the local planar kernels or, when enabled, the topology engine.
package ops

import (
	"github.com/cockroachdb/errors"

	"geocol/pkg/geometry"
)

// Op names one operation of the closed set.
type Op string

// Unary scalar operations.
const (
	Area      Op = "area"
	Length    Op = "length"
	CentroidX Op = "centroid_x"
	CentroidY Op = "centroid_y"
	X         Op = "x"
	Y         Op = "y"
)

// Lengths in meters over longitude/latitude coordinates. Polygons count
// their exterior rings only.
const (
	HaversineLength Op = "haversine_length"
	GeodesicLength  Op = "geodesic_length"
	VincentyLength  Op = "vincenty_length"
)

// Unary geometry operations.
const (
	ConvexHull Op = "convex_hull"
	Centroid   Op = "centroid"
	Boundary   Op = "boundary"
	Envelope   Op = "envelope"
	Exterior   Op = "exterior"
)

// Unary flags.
const (
	IsEmpty  Op = "is_empty"
	IsRing   Op = "is_ring"
	GeomType Op = "geom_type"
)

// Binary predicates.
const (
	Intersects Op = "intersects"
	Contains   Op = "contains"
	Within     Op = "within"
	Touches    Op = "touches"
	Crosses    Op = "crosses"
	Overlaps   Op = "overlaps"
	Disjoint   Op = "disjoint"
	Covers     Op = "covers"
	CoveredBy  Op = "covered_by"
	Equals     Op = "equals"
)

// Binary scalar and geometry operations.
const (
	Distance      Op = "distance"
	Intersection  Op = "intersection"
	Union         Op = "union"
	Difference    Op = "difference"
	SymDifference Op = "sym_difference"
)

// Kind is the type of column an operation produces.
type Kind int

const (
	KindFloat64 Kind = iota
	KindBool
	KindInt8
	KindGeometry
)

func (k Kind) String() string {
	switch k {
	case KindFloat64:
		return "float64"
	case KindBool:
		return "bool"
	case KindInt8:
		return "int8"
	case KindGeometry:
		return "geometry"
	}
	return "unknown"
}

type opInfo struct {
	kind   Kind
	binary bool
}

var catalog = map[Op]opInfo{
	Area:      {kind: KindFloat64},
	Length:    {kind: KindFloat64},
	CentroidX: {kind: KindFloat64},
	CentroidY: {kind: KindFloat64},
	X:         {kind: KindFloat64},
	Y:         {kind: KindFloat64},

	HaversineLength: {kind: KindFloat64},
	GeodesicLength:  {kind: KindFloat64},
	VincentyLength:  {kind: KindFloat64},

	ConvexHull: {kind: KindGeometry},
	Centroid:   {kind: KindGeometry},
	Boundary:   {kind: KindGeometry},
	Envelope:   {kind: KindGeometry},
	Exterior:   {kind: KindGeometry},

	IsEmpty:  {kind: KindBool},
	IsRing:   {kind: KindBool},
	GeomType: {kind: KindInt8},

	Intersects: {kind: KindBool, binary: true},
	Contains:   {kind: KindBool, binary: true},
	Within:     {kind: KindBool, binary: true},
	Touches:    {kind: KindBool, binary: true},
	Crosses:    {kind: KindBool, binary: true},
	Overlaps:   {kind: KindBool, binary: true},
	Disjoint:   {kind: KindBool, binary: true},
	Covers:     {kind: KindBool, binary: true},
	CoveredBy:  {kind: KindBool, binary: true},
	Equals:     {kind: KindBool, binary: true},

	Distance:      {kind: KindFloat64, binary: true},
	Intersection:  {kind: KindGeometry, binary: true},
	Union:         {kind: KindGeometry, binary: true},
	Difference:    {kind: KindGeometry, binary: true},
	SymDifference: {kind: KindGeometry, binary: true},
}

// Parse validates an operation name.
func Parse(name string) (Op, error) {
	op := Op(name)
	if _, ok := catalog[op]; !ok {
		return "", errors.Wrapf(geometry.ErrUnsupportedOperation, "unknown operation %q", name)
	}
	return op, nil
}

// LengthOp picks the length operation for a geodesic_length method:
// "haversine", "geodesic" (the default) or "vincenty".
func LengthOp(method string) (Op, error) {
	switch method {
	case "haversine":
		return HaversineLength, nil
	case "", "geodesic":
		return GeodesicLength, nil
	case "vincenty":
		return VincentyLength, nil
	}
	return "", errors.Wrapf(geometry.ErrUnsupportedOperation,
		"geodesic length method %q, use one of geodesic, haversine or vincenty", method)
}

// Kind returns the output kind of op.
func (op Op) Kind() Kind {
	return catalog[op].kind
}

// IsBinary reports whether op takes two operands.
func (op Op) IsBinary() bool {
	return catalog[op].binary
}

// IsPredicate reports whether op is a binary boolean predicate.
func (op Op) IsPredicate() bool {
	info := catalog[op]
	return info.binary && info.kind == KindBool
}
