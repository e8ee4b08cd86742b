package frame

import (
	"context"
	"testing"

	"geocol/pkg/geometry"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestRun(t *testing.T) {
	d := localDispatcher()
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		row  int
		want []float64
	}{
		{"translate", Request{Operation: OpTranslate, X: ptr(1), Y: ptr(2)}, 1, []float64{11, 12, 12, 13}},
		{"scale about center", Request{Operation: OpScale, X: ptr(2)}, 1, []float64{9.5, 10, 11.5, 11}},
		{"rotate about center", Request{Operation: OpRotate, Angle: 180}, 1, []float64{11, 11, 10, 10}},
		{"affine", Request{Operation: OpAffine, Matrix: []float64{1, 0, 0, 1, -10, -10}}, 1, []float64{0, 0, 1, 1}},
		{"to_crs identity", Request{Operation: OpToCRS, TargetCRS: "epsg:4326"}, 1, []float64{10, 10, 11, 11}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := loadSample(t)
			defer f.Release()

			out, rowErrs, err := f.Run(ctx, d, tt.req)
			require.NoError(t, err)
			defer out.Release()
			assert.Empty(t, rowErrs)

			g, err := out.Geometry()
			require.NoError(t, err)
			defer g.Release()
			got, err := g.Decode(tt.row)
			require.NoError(t, err)
			assert.InDeltaSlice(t, tt.want, got.FlatCoords(), 1e-9)
		})
	}
}

func TestRunBinaryWithWKT(t *testing.T) {
	f := loadSample(t)
	defer f.Release()

	out, _, err := f.Run(context.Background(), localDispatcher(), Request{Operation: "distance", Other: "POINT (10 2)"})
	require.NoError(t, err)
	defer out.Release()

	dist := columnByName(t, out.Records()[0], "distance").(*array.Float64)
	assert.InDelta(t, 8.0, dist.Value(0), 1e-12)
	assert.InDelta(t, 8.0, dist.Value(1), 1e-12)
	assert.True(t, dist.IsNull(2))
}

func TestRunGeodesicLengthHaversine(t *testing.T) {
	f := loadSample(t)
	defer f.Release()

	out, rowErrs, err := f.Run(context.Background(), localDispatcher(), Request{Operation: "geodesic_length", Method: "haversine"})
	require.NoError(t, err)
	defer out.Release()
	assert.Empty(t, rowErrs)

	lengths := columnByName(t, out.Records()[0], "haversine_length").(*array.Float64)
	assert.InDelta(t, 890_420.287, lengths.Value(0), 1e-3)
	assert.Equal(t, 0.0, lengths.Value(1))
	assert.True(t, lengths.IsNull(2))
}

func TestRunRejects(t *testing.T) {
	f := loadSample(t)
	defer f.Release()
	d := localDispatcher()
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
		kind error
	}{
		{"unknown op", Request{Operation: "simplify"}, geometry.ErrUnsupportedOperation},
		{"missing target", Request{Operation: OpToCRS}, ErrBadRequest},
		{"bad origin", Request{Operation: OpRotate, Origin: "corner"}, ErrBadRequest},
		{"bad matrix", Request{Operation: OpAffine, Matrix: []float64{1, 2, 3}}, geometry.ErrShapeMismatch},
		{"missing other", Request{Operation: "intersects"}, ErrBadRequest},
		{"bad other", Request{Operation: "intersects", Other: "POINT (1"}, geometry.ErrMalformedGeometry},
		{"bad length method", Request{Operation: "geodesic_length", Method: "karney"}, ErrBadRequest},
		{"spheroid without topology", Request{Operation: "geodesic_length"}, geometry.ErrUnsupportedOperation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.Run(ctx, d, tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
		})
	}
}

func TestOperations(t *testing.T) {
	names := Operations(localDispatcher())
	assert.Contains(t, names, OpExplode)
	assert.Contains(t, names, "area")
	assert.Contains(t, names, "contains")
	assert.NotContains(t, names, "union")
	assert.IsIncreasing(t, names)
}
