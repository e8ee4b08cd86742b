// Package topology evaluates exact DE-9IM predicates and GEOS overlay
// functions on WKB values through the DuckDB spatial extension.
package topology

import (
	"context"
	"slices"

	"geocol/pkg/duck"
	"geocol/pkg/geometry"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/twpayne/go-geom"
)

// Pair is one row of a binary operation. A nil side is null.
type Pair struct {
	A, B []byte
}

var predicates = map[string]string{
	"intersects": "ST_Intersects",
	"contains":   "ST_Contains",
	"within":     "ST_Within",
	"touches":    "ST_Touches",
	"crosses":    "ST_Crosses",
	"overlaps":   "ST_Overlaps",
	"disjoint":   "ST_Disjoint",
	"covers":     "ST_Covers",
	"covered_by": "ST_CoveredBy",
	"equals":     "ST_Equals",
}

var unary = map[string]string{
	"boundary":    "ST_Boundary",
	"convex_hull": "ST_ConvexHull",
	"centroid":    "ST_Centroid",
	"envelope":    "ST_Envelope",
}

var overlay = map[string]string{
	"intersection":   "ST_Intersection",
	"union":          "ST_Union",
	"difference":     "ST_Difference",
	"sym_difference": "ST_SymDifference",
}

var scalars = map[string]string{
	"distance": "ST_Distance",
}

// Both ellipsoidal methods run on the spheroid solver; it agrees with
// Vincenty's iteration well below a millimetre.
var measures = map[string]string{
	"geodesic_length": "ST_Length_Spheroid",
	"vincenty_length": "ST_Length_Spheroid",
}

const pairQuery = `
select idx, {{if .Overlay}}ST_AsWKB({{.Fn}}(ST_GeomFromWKB(a), ST_GeomFromWKB(b)))::BLOB{{else}}{{.Fn}}(ST_GeomFromWKB(a), ST_GeomFromWKB(b)){{end}} as v
from pairs
where a is not null and b is not null
order by idx
`

const unaryQuery = `
select idx, ST_AsWKB({{.Fn}}(ST_GeomFromWKB(a)))::BLOB as v
from geoms
where a is not null
order by idx
`

const measureQuery = `
select idx, {{.Fn}}(ST_GeomFromWKB(a)) as v
from geoms
where a is not null
order by idx
`

// Engine runs topology operations on a DuckDB session.
type Engine struct {
	s   *duck.Session
	mem memory.Allocator
}

// New returns an engine backed by s.
func New(s *duck.Session) *Engine {
	return &Engine{s: s, mem: memory.NewGoAllocator()}
}

// Supports reports whether the engine can run op.
func Supports(op string) bool {
	_, p := predicates[op]
	_, u := unary[op]
	_, o := overlay[op]
	_, f := scalars[op]
	_, m := measures[op]
	return p || u || o || f || m
}

// Predicate evaluates op on every pair. Pairs with a null side are false.
func (e *Engine) Predicate(ctx context.Context, op string, pairs []Pair) ([]bool, error) {
	fn, ok := predicates[op]
	if !ok {
		return nil, errors.Wrapf(geometry.ErrUnsupportedOperation, "topology predicate %q", op)
	}
	out := make([]bool, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}

	recs, err := e.runPairs(ctx, fn, false, pairs)
	if err != nil {
		return nil, err
	}
	defer duck.Release(recs)

	idx, err := duck.Int64s(recs, "idx")
	if err != nil {
		return nil, err
	}
	values, err := duck.Bools(recs, "v")
	if err != nil {
		return nil, err
	}
	for i, row := range idx {
		out[row] = values[i]
	}
	return out, nil
}

// Scalar evaluates a numeric function on every pair. valid is false where
// either side is null.
func (e *Engine) Scalar(ctx context.Context, op string, pairs []Pair) (values []float64, valid []bool, err error) {
	fn, ok := scalars[op]
	if !ok {
		return nil, nil, errors.Wrapf(geometry.ErrUnsupportedOperation, "topology scalar %q", op)
	}
	values = make([]float64, len(pairs))
	valid = make([]bool, len(pairs))
	if len(pairs) == 0 {
		return values, valid, nil
	}

	recs, err := e.runPairs(ctx, fn, false, pairs)
	if err != nil {
		return nil, nil, err
	}
	defer duck.Release(recs)

	idx, err := duck.Int64s(recs, "idx")
	if err != nil {
		return nil, nil, err
	}
	vs, rowValid, err := duck.Float64s(recs, "v")
	if err != nil {
		return nil, nil, err
	}
	for i, row := range idx {
		values[row], valid[row] = vs[i], rowValid[i]
	}
	return values, valid, nil
}

// Binary runs an overlay function on every pair and returns WKB, nil where
// either side is null.
func (e *Engine) Binary(ctx context.Context, op string, pairs []Pair) ([][]byte, error) {
	fn, ok := overlay[op]
	if !ok {
		return nil, errors.Wrapf(geometry.ErrUnsupportedOperation, "topology overlay %q", op)
	}
	out := make([][]byte, len(pairs))
	if len(pairs) == 0 {
		return out, nil
	}

	recs, err := e.runPairs(ctx, fn, true, pairs)
	if err != nil {
		return nil, err
	}
	defer duck.Release(recs)

	return scatter(recs, out, "v")
}

// Unary runs a geometry-producing function on every value, nil in, nil out.
func (e *Engine) Unary(ctx context.Context, op string, wkbs [][]byte) ([][]byte, error) {
	fn, ok := unary[op]
	if !ok {
		return nil, errors.Wrapf(geometry.ErrUnsupportedOperation, "topology function %q", op)
	}
	out := make([][]byte, len(wkbs))
	if len(wkbs) == 0 {
		return out, nil
	}

	recs, err := e.runValues(ctx, unaryQuery, fn, wkbs)
	if err != nil {
		return nil, errors.Wrapf(err, "topology %s", op)
	}
	defer duck.Release(recs)

	return scatter(recs, out, "v")
}

// Measure evaluates a spheroid length on every value. Coordinates are
// longitude/latitude; polygons are measured along their exterior rings.
// valid is false for null values.
func (e *Engine) Measure(ctx context.Context, op string, wkbs [][]byte) (values []float64, valid []bool, err error) {
	fn, ok := measures[op]
	if !ok {
		return nil, nil, errors.Wrapf(geometry.ErrUnsupportedOperation, "topology measure %q", op)
	}
	values = make([]float64, len(wkbs))
	valid = make([]bool, len(wkbs))
	if len(wkbs) == 0 {
		return values, valid, nil
	}

	lines := make([][]byte, len(wkbs))
	for i, w := range wkbs {
		if w == nil {
			continue
		}
		if lines[i], err = spheroidInput(w); err != nil {
			return nil, nil, errors.Wrapf(err, "row %d", i)
		}
	}

	recs, err := e.runValues(ctx, measureQuery, fn, lines)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "topology %s", op)
	}
	defer duck.Release(recs)

	idx, err := duck.Int64s(recs, "idx")
	if err != nil {
		return nil, nil, err
	}
	vs, rowValid, err := duck.Float64s(recs, "v")
	if err != nil {
		return nil, nil, err
	}
	for i, row := range idx {
		values[row], valid[row] = vs[i], rowValid[i]
	}
	return values, valid, nil
}

// spheroidInput rewrites b as the MultiLineString the spheroid functions
// measure: latitude first, polygons reduced to their exterior rings.
func spheroidInput(b []byte) ([]byte, error) {
	g, err := geometry.Decode(b)
	if err != nil {
		return nil, err
	}
	out := geom.NewMultiLineString(geom.XY)
	push := func(flat []float64, stride int) error {
		swapped := make([]float64, 0, 2*len(flat)/stride)
		for i := 0; i+1 < len(flat); i += stride {
			swapped = append(swapped, flat[i+1], flat[i])
		}
		return out.Push(geom.NewLineStringFlat(geom.XY, swapped))
	}

	switch g := g.(type) {
	case *geom.LineString:
		err = push(g.FlatCoords(), g.Stride())
	case *geom.MultiLineString:
		for i := 0; i < g.NumLineStrings() && err == nil; i++ {
			ls := g.LineString(i)
			err = push(ls.FlatCoords(), ls.Stride())
		}
	case *geom.Polygon:
		if g.NumLinearRings() > 0 {
			ring := g.LinearRing(0)
			err = push(ring.FlatCoords(), ring.Stride())
		}
	case *geom.MultiPolygon:
		for i := 0; i < g.NumPolygons() && err == nil; i++ {
			if p := g.Polygon(i); p.NumLinearRings() > 0 {
				ring := p.LinearRing(0)
				err = push(ring.FlatCoords(), ring.Stride())
			}
		}
	case *geom.GeometryCollection:
		err = errors.Wrap(geometry.ErrUnsupportedOperation, "spheroid length of a geometry collection")
	}
	if err != nil {
		return nil, err
	}
	return geometry.Encode(out)
}

// runValues ships wkbs as the "geoms" view and runs the single-value query
// tmpl with fn.
func (e *Engine) runValues(ctx context.Context, tmpl, fn string, wkbs [][]byte) ([]arrow.RecordBatch, error) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "idx", Type: arrow.PrimitiveTypes.Int64},
		{Name: "a", Type: arrow.BinaryTypes.Binary, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(e.mem, schema)
	defer b.Release()
	idxB := b.Field(0).(*array.Int64Builder)
	aB := b.Field(1).(*array.BinaryBuilder)
	for i, w := range wkbs {
		idxB.Append(int64(i))
		appendBlob(aB, w)
	}
	rec := b.NewRecordBatch()
	defer rec.Release()

	query, err := duck.Render("values", tmpl, map[string]string{"Fn": fn})
	if err != nil {
		return nil, err
	}
	return e.s.Query(ctx, query, duck.View{Name: "geoms", Records: []arrow.RecordBatch{rec}})
}

func (e *Engine) runPairs(ctx context.Context, fn string, overlay bool, pairs []Pair) ([]arrow.RecordBatch, error) {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "idx", Type: arrow.PrimitiveTypes.Int64},
		{Name: "a", Type: arrow.BinaryTypes.Binary, Nullable: true},
		{Name: "b", Type: arrow.BinaryTypes.Binary, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(e.mem, schema)
	defer b.Release()
	idxB := b.Field(0).(*array.Int64Builder)
	aB := b.Field(1).(*array.BinaryBuilder)
	bB := b.Field(2).(*array.BinaryBuilder)
	for i, p := range pairs {
		idxB.Append(int64(i))
		appendBlob(aB, p.A)
		appendBlob(bB, p.B)
	}
	rec := b.NewRecordBatch()
	defer rec.Release()

	query, err := duck.Render("pairs", pairQuery, map[string]any{"Fn": fn, "Overlay": overlay})
	if err != nil {
		return nil, err
	}
	recs, err := e.s.Query(ctx, query, duck.View{Name: "pairs", Records: []arrow.RecordBatch{rec}})
	if err != nil {
		return nil, errors.Wrapf(err, "topology %s", fn)
	}
	return recs, nil
}

func scatter(recs []arrow.RecordBatch, out [][]byte, name string) ([][]byte, error) {
	idx, err := duck.Int64s(recs, "idx")
	if err != nil {
		return nil, err
	}
	values, err := duck.Blobs(recs, name)
	if err != nil {
		return nil, err
	}
	for i, row := range idx {
		out[row] = values[i]
	}
	return out, nil
}

func appendBlob(b *array.BinaryBuilder, v []byte) {
	if v == nil {
		b.AppendNull()
		return
	}
	b.Append(v)
}

// Ops lists every operation name the engine accepts, sorted.
func Ops() []string {
	var out []string
	for _, m := range []map[string]string{predicates, unary, overlay, scalars, measures} {
		for op := range m {
			out = append(out, op)
		}
	}
	slices.Sort(out)
	return out
}
