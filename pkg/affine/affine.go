// Package affine applies 2D and 3D affine matrices to geometry columns.
package affine

import (
	"math"
	"strconv"
	"strings"

	"geocol/pkg/column"
	"geocol/pkg/geometry"

	"github.com/cockroachdb/errors"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/twpayne/go-geom"
)

// Matrix is an affine map
//
//	x' = A·x + B·y + C·z + XOff
//	y' = D·x + E·y + F·z + YOff
//	z' = G·x + H·y + I·z + ZOff
//
// A 2D matrix leaves z untouched and can be applied to any geometry. A 3D
// matrix requires geometries with a Z ordinate.
type Matrix struct {
	A, B, C          float64
	D, E, F          float64
	G, H, I          float64
	XOff, YOff, ZOff float64
	Is3D             bool
}

// New2D builds a matrix from the six 2D coefficients.
func New2D(a, b, d, e, xoff, yoff float64) Matrix {
	return Matrix{A: a, B: b, D: d, E: e, I: 1, XOff: xoff, YOff: yoff}
}

// New3D builds a matrix from the twelve 3D coefficients.
func New3D(a, b, c, d, e, f, g, h, i, xoff, yoff, zoff float64) Matrix {
	return Matrix{
		A: a, B: b, C: c,
		D: d, E: e, F: f,
		G: g, H: h, I: i,
		XOff: xoff, YOff: yoff, ZOff: zoff,
		Is3D: true,
	}
}

// FromCoefficients accepts 6 values (a, b, d, e, xoff, yoff) or 12 values
// (a, b, c, d, e, f, g, h, i, xoff, yoff, zoff).
func FromCoefficients(cs []float64) (Matrix, error) {
	switch len(cs) {
	case 6:
		return New2D(cs[0], cs[1], cs[2], cs[3], cs[4], cs[5]), nil
	case 12:
		return New3D(cs[0], cs[1], cs[2], cs[3], cs[4], cs[5], cs[6], cs[7], cs[8], cs[9], cs[10], cs[11]), nil
	default:
		return Matrix{}, errors.Wrapf(geometry.ErrShapeMismatch, "affine matrix needs 6 or 12 coefficients, got %d", len(cs))
	}
}

// Identity is the 2D identity matrix.
func Identity() Matrix {
	return New2D(1, 0, 0, 1, 0, 0)
}

// Translate moves every coordinate by (dx, dy).
func Translate(dx, dy float64) Matrix {
	return New2D(1, 0, 0, 1, dx, dy)
}

// Scale scales by (sx, sy) about origin.
func Scale(sx, sy float64, origin orb.Point) Matrix {
	x0, y0 := origin[0], origin[1]
	return New2D(sx, 0, 0, sy, x0-x0*sx, y0-y0*sy)
}

// Rotate rotates counter-clockwise by angle degrees about origin.
func Rotate(angle float64, origin orb.Point) Matrix {
	x0, y0 := origin[0], origin[1]
	sin, cos := math.Sincos(angle * math.Pi / 180)
	return New2D(cos, -sin, sin, cos, x0-x0*cos+y0*sin, y0-x0*sin-y0*cos)
}

// Skew shears by xs and ys degrees along the x and y axes about origin.
func Skew(xs, ys float64, origin orb.Point) Matrix {
	x0, y0 := origin[0], origin[1]
	tx, ty := math.Tan(xs*math.Pi/180), math.Tan(ys*math.Pi/180)
	return New2D(1, tx, ty, 1, -y0*tx, -x0*ty)
}

// Then returns the matrix that applies m first and next second.
func (m Matrix) Then(next Matrix) Matrix {
	return Compose(m, next)
}

// Compose returns m2∘m1.
func Compose(m1, m2 Matrix) Matrix {
	return Matrix{
		A: m2.A*m1.A + m2.B*m1.D + m2.C*m1.G,
		B: m2.A*m1.B + m2.B*m1.E + m2.C*m1.H,
		C: m2.A*m1.C + m2.B*m1.F + m2.C*m1.I,
		D: m2.D*m1.A + m2.E*m1.D + m2.F*m1.G,
		E: m2.D*m1.B + m2.E*m1.E + m2.F*m1.H,
		F: m2.D*m1.C + m2.E*m1.F + m2.F*m1.I,
		G: m2.G*m1.A + m2.H*m1.D + m2.I*m1.G,
		H: m2.G*m1.B + m2.H*m1.E + m2.I*m1.H,
		I: m2.G*m1.C + m2.H*m1.F + m2.I*m1.I,

		XOff: m2.A*m1.XOff + m2.B*m1.YOff + m2.C*m1.ZOff + m2.XOff,
		YOff: m2.D*m1.XOff + m2.E*m1.YOff + m2.F*m1.ZOff + m2.YOff,
		ZOff: m2.G*m1.XOff + m2.H*m1.YOff + m2.I*m1.ZOff + m2.ZOff,

		Is3D: m1.Is3D || m2.Is3D,
	}
}

// Coefficients returns the 6 or 12 coefficients in constructor order.
func (m Matrix) Coefficients() []float64 {
	if m.Is3D {
		return []float64{m.A, m.B, m.C, m.D, m.E, m.F, m.G, m.H, m.I, m.XOff, m.YOff, m.ZOff}
	}
	return []float64{m.A, m.B, m.D, m.E, m.XOff, m.YOff}
}

// Apply transforms g in place. M ordinates are never touched.
func Apply(m Matrix, g geom.T) error {
	if gc, ok := g.(*geom.GeometryCollection); ok {
		for _, member := range gc.Geoms() {
			if err := Apply(m, member); err != nil {
				return err
			}
		}
		return nil
	}

	zi := g.Layout().ZIndex()
	if m.Is3D && zi < 0 {
		return errors.Wrapf(geometry.ErrDimensionMismatch, "3D matrix on %s %s", g.Layout(), geometry.TypeName(g))
	}

	flat, stride := g.FlatCoords(), g.Stride()
	for i := 0; i+1 < len(flat); i += stride {
		x, y, z := flat[i], flat[i+1], 0.0
		if zi >= 0 {
			z = flat[i+zi]
		}
		flat[i] = m.A*x + m.B*y + m.C*z + m.XOff
		flat[i+1] = m.D*x + m.E*y + m.F*z + m.YOff
		if zi >= 0 && m.Is3D {
			flat[i+zi] = m.G*x + m.H*y + m.I*z + m.ZOff
		}
	}
	return nil
}

// Column applies m to every non-null row. Rows whose dimension does not fit
// the matrix become null with a DimensionMismatch row error.
func Column(c *column.Column, m Matrix, opts ...column.Option) *column.Result {
	return c.TryMap(func(g geom.T) (geom.T, error) {
		if err := Apply(m, g); err != nil {
			return nil, err
		}
		return g, nil
	}, opts...)
}

// OriginKind selects how a per-row transform origin is resolved.
type OriginKind int

const (
	// OriginCenter is the center of the row's bounding box.
	OriginCenter OriginKind = iota
	// OriginCentroid is the row's planar centroid.
	OriginCentroid
	// OriginPoint is a fixed point shared by all rows.
	OriginPoint
)

// Origin is the pivot of rotate, scale and skew.
type Origin struct {
	Kind  OriginKind
	Point orb.Point
}

// ParseOrigin accepts "center", "centroid", a fixed "x,y" point or an empty
// string (center).
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "", "center":
		return Origin{Kind: OriginCenter}, nil
	case "centroid":
		return Origin{Kind: OriginCentroid}, nil
	}
	xs, ys, ok := strings.Cut(s, ",")
	if ok {
		x, errX := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		y, errY := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if errX == nil && errY == nil {
			return Origin{Kind: OriginPoint, Point: orb.Point{x, y}}, nil
		}
	}
	return Origin{}, errors.Wrapf(geometry.ErrUnsupportedOperation, "transform origin %q", s)
}

// At returns the origin's coordinates for g. ok is false when g is empty
// and the origin depends on it.
func (o Origin) At(g geom.T) (orb.Point, bool, error) {
	switch o.Kind {
	case OriginPoint:
		return o.Point, true, nil
	case OriginCentroid:
		og, err := geometry.ToOrb(g)
		if err != nil {
			return orb.Point{}, false, err
		}
		if g.Empty() {
			return orb.Point{}, false, nil
		}
		c, _ := planar.CentroidArea(og)
		return c, true, nil
	default:
		b, ok := geometry.Bound(g)
		return b.Center(), ok, nil
	}
}

// RotateColumn rotates each row by angle degrees about its origin.
func RotateColumn(c *column.Column, angle float64, origin Origin, opts ...column.Option) *column.Result {
	return about(c, origin, func(p orb.Point) Matrix { return Rotate(angle, p) }, opts)
}

// ScaleColumn scales each row by (sx, sy) about its origin.
func ScaleColumn(c *column.Column, sx, sy float64, origin Origin, opts ...column.Option) *column.Result {
	return about(c, origin, func(p orb.Point) Matrix { return Scale(sx, sy, p) }, opts)
}

// SkewColumn skews each row by (xs, ys) degrees about its origin.
func SkewColumn(c *column.Column, xs, ys float64, origin Origin, opts ...column.Option) *column.Result {
	return about(c, origin, func(p orb.Point) Matrix { return Skew(xs, ys, p) }, opts)
}

// TranslateColumn moves every row by (dx, dy).
func TranslateColumn(c *column.Column, dx, dy float64, opts ...column.Option) *column.Result {
	return Column(c, Translate(dx, dy), opts...)
}

func about(c *column.Column, origin Origin, build func(orb.Point) Matrix, opts []column.Option) *column.Result {
	return c.TryMap(func(g geom.T) (geom.T, error) {
		p, ok, err := origin.At(g)
		if err != nil {
			return nil, err
		}
		if !ok {
			return g, nil
		}
		if err := Apply(build(p), g); err != nil {
			return nil, err
		}
		return g, nil
	}, opts...)
}
