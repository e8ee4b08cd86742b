package frame

import (
	"context"
	"slices"

	"geocol/pkg/affine"
	"geocol/pkg/column"
	"geocol/pkg/geometry"
	"geocol/pkg/ops"

	"github.com/cockroachdb/errors"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// Frame-level operations that are not dispatcher kernels.
const (
	OpExplode   = "explode"
	OpAffine    = "affine"
	OpToCRS     = "to_crs"
	OpRotate    = "rotate"
	OpScale     = "scale"
	OpSkew      = "skew"
	OpTranslate = "translate"
)

var frameOps = []string{OpAffine, OpExplode, OpRotate, OpScale, OpSkew, OpToCRS, OpTranslate}

// ErrBadRequest marks a request whose parameters are missing or invalid.
var ErrBadRequest = errors.New("bad request")

// Request describes one operation over a frame, as sent by REST and Flight
// clients.
type Request struct {
	Operation      string    `json:"operation"`
	GeometryColumn string    `json:"geometry_column,omitempty"`
	CRS            string    `json:"crs,omitempty"`
	TargetCRS      string    `json:"target_crs,omitempty"`
	Matrix         []float64 `json:"matrix,omitempty"`
	// Other is the WKT right operand of a two-operand operation.
	Other string `json:"other,omitempty"`
	// Origin is "center", "centroid", "x,y" or empty for rotate, scale and skew.
	Origin string  `json:"origin,omitempty"`
	Angle  float64 `json:"angle,omitempty"`
	// Method picks the geodesic_length algorithm.
	Method string   `json:"method,omitempty"`
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	// Persist asks the server to keep a parquet copy of the result.
	Persist bool `json:"persist,omitempty"`
}

// Operations lists every operation a Request may name under d, sorted.
func Operations(d *ops.Dispatcher) []string {
	out := slices.Clone(frameOps)
	for _, op := range d.Ops() {
		out = append(out, string(op))
	}
	slices.Sort(out)
	return out
}

func (r Request) pair(def float64) (float64, float64) {
	x, y := def, def
	if r.X != nil {
		x = *r.X
	}
	if r.Y != nil {
		y = *r.Y
	}
	return x, y
}

// Run executes req over f. Call-level failures return an error; row-level
// failures come back as row errors next to the new frame.
func (f *GeoFrame) Run(ctx context.Context, d *ops.Dispatcher, req Request) (*GeoFrame, []column.RowError, error) {
	opts := d.Options()

	switch req.Operation {
	case OpExplode:
		return f.Explode(ctx, opts...)
	case OpToCRS:
		if req.TargetCRS == "" {
			return nil, nil, errors.Wrap(ErrBadRequest, "to_crs needs a target_crs")
		}
		return f.ToCRS(ctx, d, req.TargetCRS)
	case OpAffine:
		m, err := affine.FromCoefficients(req.Matrix)
		if err != nil {
			return nil, nil, err
		}
		return f.Affine(m, opts...)
	case OpTranslate:
		dx, dy := req.pair(0)
		return f.Transform(func(c *column.Column) *column.Result {
			return affine.TranslateColumn(c, dx, dy, opts...)
		})
	case OpRotate, OpScale, OpSkew:
		origin, err := affine.ParseOrigin(req.Origin)
		if err != nil {
			return nil, nil, errors.Mark(err, ErrBadRequest)
		}
		return f.Transform(func(c *column.Column) *column.Result {
			switch req.Operation {
			case OpRotate:
				return affine.RotateColumn(c, req.Angle, origin, opts...)
			case OpScale:
				sx, sy := req.pair(1)
				return affine.ScaleColumn(c, sx, sy, origin, opts...)
			default:
				xs, ys := req.pair(0)
				return affine.SkewColumn(c, xs, ys, origin, opts...)
			}
		})
	}

	op, err := ops.Parse(req.Operation)
	if err != nil {
		return nil, nil, err
	}
	if op == ops.GeodesicLength {
		if op, err = ops.LengthOp(req.Method); err != nil {
			return nil, nil, errors.Mark(err, ErrBadRequest)
		}
	}
	if !op.IsBinary() {
		return f.Apply(ctx, d, op)
	}
	if req.Other == "" {
		return nil, nil, errors.Wrapf(ErrBadRequest, "%s needs an other geometry", op)
	}
	other, err := wkt.Unmarshal(req.Other)
	if err != nil {
		return nil, nil, errors.Mark(geometry.MarkMalformed(err, "parse other geometry"), ErrBadRequest)
	}
	return f.ApplyWith(ctx, d, op, other)
}
