// Package projection reprojects geometry columns between coordinate
// reference systems.
package projection

import (
	"context"
	"strings"

	"geocol/pkg/column"
	"geocol/pkg/duck"
	"geocol/pkg/geometry"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/twpayne/go-geom"
)

const (
	WGS84    = "EPSG:4326"
	Mercator = "EPSG:3857"
)

const supportQuery = `select ST_Transform(ST_Point(0, 0), {{.Source}}, {{.Target}}, true) as p`

const transformQuery = `
with transformed as (
	select idx, ST_Transform(ST_Point(x, y), {{.Source}}, {{.Target}}, true) as p
	from coords
)
select idx, ST_X(p) as x, ST_Y(p) as y from transformed order by idx
`

// transformFunc rewrites interleaved x,y pairs in place.
type transformFunc func(ctx context.Context, xy []float64) error

// Engine resolves CRS pairs and moves coordinates through the matching
// backend. A nil session limits it to the identity and Mercator backends.
type Engine struct {
	s   *duck.Session
	mem memory.Allocator
}

// New returns an engine. s may be nil.
func New(s *duck.Session) *Engine {
	return &Engine{s: s, mem: memory.NewGoAllocator()}
}

// Normalize canonicalises a CRS identifier for comparison.
func Normalize(crs string) string {
	crs = strings.TrimSpace(crs)
	if upper := strings.ToUpper(crs); strings.HasPrefix(upper, "EPSG:") {
		return upper
	}
	return crs
}

// Reproject moves every coordinate of every row from source to target. The
// pair is checked before any row is touched; an unusable pair fails the
// whole call. Z and M ordinates are kept as they are.
func (e *Engine) Reproject(ctx context.Context, c *column.Column, source, target string, opts ...column.Option) (*column.Result, error) {
	fn, err := e.resolve(ctx, source, target)
	if err != nil {
		return nil, err
	}

	n := c.Len()
	geoms := make([]geom.T, n)
	errs := column.Parallel(n, func(lo, hi int) []column.RowError {
		var rowErrs []column.RowError
		for i := lo; i < hi; i++ {
			g, err := c.Decode(i)
			if err != nil {
				rowErrs = append(rowErrs, column.RowError{Row: i, Err: err})
				continue
			}
			geoms[i] = g
		}
		return rowErrs
	}, opts...)

	var (
		xy     []float64
		blocks []coordBlock
	)
	for _, g := range geoms {
		if g == nil {
			continue
		}
		for _, b := range blocksOf(g) {
			for j := 0; j+1 < len(b.flat); j += b.stride {
				xy = append(xy, b.flat[j], b.flat[j+1])
			}
			blocks = append(blocks, b)
		}
	}

	if len(xy) > 0 {
		if err := fn(ctx, xy); err != nil {
			return nil, err
		}
	}

	pos := 0
	for _, b := range blocks {
		for j := 0; j+1 < len(b.flat); j += b.stride {
			b.flat[j], b.flat[j+1] = xy[pos], xy[pos+1]
			pos += 2
		}
	}

	values := make([][]byte, n)
	encodeErrs := column.Parallel(n, func(lo, hi int) []column.RowError {
		var rowErrs []column.RowError
		for i := lo; i < hi; i++ {
			if geoms[i] == nil {
				continue
			}
			src, _, _ := c.Get(i)
			b, err := geometry.EncodeOrder(geoms[i], geometry.ByteOrderOf(src))
			if err != nil {
				rowErrs = append(rowErrs, column.RowError{Row: i, Err: err})
				continue
			}
			values[i] = b
		}
		return rowErrs
	}, opts...)

	return &column.Result{
		Column: column.FromWKB(values),
		Errors: mergeRows(errs, encodeErrs),
	}, nil
}

// Supports reports whether the pair can be served, without transforming
// anything.
func (e *Engine) Supports(ctx context.Context, source, target string) bool {
	_, err := e.resolve(ctx, source, target)
	return err == nil
}

func (e *Engine) resolve(ctx context.Context, source, target string) (transformFunc, error) {
	src, dst := Normalize(source), Normalize(target)
	if src == "" || dst == "" {
		return nil, errors.Wrapf(geometry.ErrUnsupportedCrsPair, "%q -> %q", source, target)
	}

	switch {
	case src == dst:
		return func(context.Context, []float64) error { return nil }, nil
	case src == WGS84 && dst == Mercator:
		return local(project.WGS84.ToMercator), nil
	case src == Mercator && dst == WGS84:
		return local(project.Mercator.ToWGS84), nil
	}

	if e.s == nil {
		return nil, errors.Wrapf(geometry.ErrUnsupportedCrsPair, "%s -> %s: no projection engine", src, dst)
	}

	data := map[string]string{"Source": duck.Literal(src), "Target": duck.Literal(dst)}
	check, err := duck.Render("support", supportQuery, data)
	if err != nil {
		return nil, err
	}
	recs, err := e.s.Query(ctx, check)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "%s -> %s", src, dst), geometry.ErrUnsupportedCrsPair)
	}
	duck.Release(recs)

	query, err := duck.Render("transform", transformQuery, data)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, xy []float64) error {
		return e.viaDuck(ctx, query, xy)
	}, nil
}

func local(p orb.Projection) transformFunc {
	return func(_ context.Context, xy []float64) error {
		for i := 0; i+1 < len(xy); i += 2 {
			pt := p(orb.Point{xy[i], xy[i+1]})
			xy[i], xy[i+1] = pt[0], pt[1]
		}
		return nil
	}
}

func (e *Engine) viaDuck(ctx context.Context, query string, xy []float64) error {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "idx", Type: arrow.PrimitiveTypes.Int64},
		{Name: "x", Type: arrow.PrimitiveTypes.Float64},
		{Name: "y", Type: arrow.PrimitiveTypes.Float64},
	}, nil)
	b := array.NewRecordBuilder(e.mem, schema)
	defer b.Release()

	count := len(xy) / 2
	idxB := b.Field(0).(*array.Int64Builder)
	xB := b.Field(1).(*array.Float64Builder)
	yB := b.Field(2).(*array.Float64Builder)
	idxB.Reserve(count)
	xB.Reserve(count)
	yB.Reserve(count)
	for i := range count {
		idxB.Append(int64(i))
		xB.Append(xy[2*i])
		yB.Append(xy[2*i+1])
	}
	rec := b.NewRecordBatch()
	defer rec.Release()

	recs, err := e.s.Query(ctx, query, duck.View{Name: "coords", Records: []arrow.RecordBatch{rec}})
	if err != nil {
		return errors.Wrap(err, "transform coordinates")
	}
	defer duck.Release(recs)

	idx, err := duck.Int64s(recs, "idx")
	if err != nil {
		return err
	}
	xs, _, err := duck.Float64s(recs, "x")
	if err != nil {
		return err
	}
	ys, _, err := duck.Float64s(recs, "y")
	if err != nil {
		return err
	}
	if len(idx) != count {
		return errors.AssertionFailedf("transform returned %d coordinates, sent %d", len(idx), count)
	}
	for i, row := range idx {
		xy[2*row], xy[2*row+1] = xs[i], ys[i]
	}
	return nil
}

// coordBlock is one flat coordinate slice of a decoded geometry. Writes to
// flat land in the geometry.
type coordBlock struct {
	flat   []float64
	stride int
}

func blocksOf(g geom.T) []coordBlock {
	if gc, ok := g.(*geom.GeometryCollection); ok {
		var out []coordBlock
		for _, member := range gc.Geoms() {
			out = append(out, blocksOf(member)...)
		}
		return out
	}
	return []coordBlock{{flat: g.FlatCoords(), stride: g.Stride()}}
}

func mergeRows(a, b []column.RowError) []column.RowError {
	if len(b) == 0 {
		return a
	}
	out := make([]column.RowError, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Row <= b[j].Row {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
