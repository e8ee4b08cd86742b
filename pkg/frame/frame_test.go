package frame

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"geocol/pkg/affine"
	"geocol/pkg/column"
	"geocol/pkg/geometry"
	"geocol/pkg/ops"
	"geocol/pkg/projection"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

const sample = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature",
     "geometry": {"type": "Polygon", "coordinates": [[[0,0],[2,0],[2,2],[0,2],[0,0]]]},
     "properties": {"name": "a", "count": 3, "score": 1.5, "flag": true, "tags": ["x", "y"]}},
    {"type": "Feature",
     "geometry": {"type": "MultiPoint", "coordinates": [[10,10],[11,11]]},
     "properties": {"name": "b", "count": 4, "score": 2, "flag": false}},
    {"type": "Feature",
     "geometry": null,
     "properties": {"name": "c"}}
  ]
}`

func loadSample(t *testing.T) *GeoFrame {
	t.Helper()
	f, err := FromGeoJSON([]byte(sample), projection.WGS84)
	require.NoError(t, err)
	return f
}

func localDispatcher() *ops.Dispatcher {
	return ops.NewDispatcher(ops.Config{
		EnableProjection: true,
		Projection:       projection.New(nil),
	})
}

func columnByName(t *testing.T, rec arrow.RecordBatch, name string) arrow.Array {
	t.Helper()
	idx := rec.Schema().FieldIndices(name)
	require.NotEmpty(t, idx, "column %s", name)
	return rec.Column(idx[0])
}

func TestFromGeoJSON(t *testing.T) {
	f := loadSample(t)
	defer f.Release()

	assert.Equal(t, 3, f.NumRows())
	assert.Equal(t, projection.WGS84, f.CRS())
	assert.Equal(t, DefaultGeometryColumn, f.GeometryColumn())

	rec := f.Records()[0]
	types := map[string]arrow.Type{}
	for _, field := range rec.Schema().Fields() {
		types[field.Name] = field.Type.ID()
	}
	assert.Equal(t, map[string]arrow.Type{
		"geometry": arrow.BINARY,
		"count":    arrow.INT64,
		"flag":     arrow.BOOL,
		"name":     arrow.STRING,
		"score":    arrow.FLOAT64,
		"tags":     arrow.STRING,
	}, types)

	tags := columnByName(t, rec, "tags").(*array.String)
	assert.Equal(t, `["x","y"]`, tags.Value(0))
	assert.True(t, tags.IsNull(1))

	g, err := f.Geometry()
	require.NoError(t, err)
	defer g.Release()
	assert.True(t, g.IsNull(2))
	mp, err := g.Decode(1)
	require.NoError(t, err)
	assert.Equal(t, geometry.TypeMultiPoint, geometry.TypeID(mp))
}

func TestFromGeoJSONRejectsBadInput(t *testing.T) {
	_, err := FromGeoJSON([]byte(`{"type": "FeatureCollection", "features": [`), projection.WGS84)
	assert.True(t, errors.Is(err, geometry.ErrMalformedGeometry))

	_, err = FromGeoJSON([]byte(`{"type": "FeatureCollection", "features": [
	  {"type": "Feature", "geometry": {"type": "Blob", "coordinates": [1, 2]}, "properties": {}}]}`), projection.WGS84)
	assert.True(t, errors.Is(err, geometry.ErrMalformedGeometry))
}

func TestToGeoJSON(t *testing.T) {
	f := loadSample(t)
	defer f.Release()

	data, err := f.ToGeoJSON()
	require.NoError(t, err)

	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry   json.RawMessage `json:"geometry"`
			Properties map[string]any  `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &fc))
	assert.Equal(t, "FeatureCollection", fc.Type)
	require.Len(t, fc.Features, 3)

	assert.JSONEq(t, `{"type":"MultiPoint","coordinates":[[10,10],[11,11]]}`, string(fc.Features[1].Geometry))
	assert.Equal(t, "null", string(fc.Features[2].Geometry))
	assert.Equal(t, map[string]any{"name": "b", "count": 4.0, "score": 2.0, "flag": false}, fc.Features[1].Properties)
	assert.Equal(t, map[string]any{"name": "c"}, fc.Features[2].Properties)
}

func TestNewRequiresGeometryColumn(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).Append(1)
	rec := b.NewRecordBatch()
	defer rec.Release()

	_, err := New([]arrow.RecordBatch{rec}, "geometry", projection.WGS84)
	assert.True(t, errors.Is(err, ErrMissingColumn))

	_, err = New([]arrow.RecordBatch{rec}, "id", projection.WGS84)
	assert.True(t, errors.Is(err, ErrMissingColumn))
}

func TestApply(t *testing.T) {
	f := loadSample(t)
	defer f.Release()
	d := localDispatcher()
	ctx := context.Background()

	areas, rowErrs, err := f.Apply(ctx, d, ops.Area)
	require.NoError(t, err)
	defer areas.Release()
	assert.Empty(t, rowErrs)

	area := columnByName(t, areas.Records()[0], "area").(*array.Float64)
	assert.Equal(t, 4.0, area.Value(0))
	assert.Equal(t, 0.0, area.Value(1))
	assert.True(t, area.IsNull(2))

	centroids, _, err := f.Apply(ctx, d, ops.Centroid)
	require.NoError(t, err)
	defer centroids.Release()

	g, err := centroids.Geometry()
	require.NoError(t, err)
	defer g.Release()
	c, err := g.Decode(0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1}, c.FlatCoords(), 1e-12)
	assert.Equal(t, f.Records()[0].NumCols(), centroids.Records()[0].NumCols())

	_, _, err = f.Apply(ctx, d, ops.Intersects)
	assert.True(t, errors.Is(err, geometry.ErrUnsupportedOperation))
}

func TestApplyWith(t *testing.T) {
	f := loadSample(t)
	defer f.Release()

	out, _, err := f.ApplyWith(context.Background(), localDispatcher(), ops.Contains,
		geom.NewPointFlat(geom.XY, []float64{1, 1}))
	require.NoError(t, err)
	defer out.Release()

	contains := columnByName(t, out.Records()[0], "contains").(*array.Boolean)
	assert.True(t, contains.Value(0))
	assert.False(t, contains.Value(1))
	assert.False(t, contains.Value(2))
}

func TestExplodeReplicatesSiblings(t *testing.T) {
	f := loadSample(t)
	defer f.Release()

	out, rowErrs, err := f.Explode(context.Background())
	require.NoError(t, err)
	defer out.Release()
	assert.Empty(t, rowErrs)

	require.Equal(t, 4, out.NumRows())
	rec := out.Records()[0]
	names := columnByName(t, rec, "name").(*array.String)
	assert.Equal(t, []string{"a", "b", "b", "c"}, []string{names.Value(0), names.Value(1), names.Value(2), names.Value(3)})
	counts := columnByName(t, rec, "count").(*array.Int64)
	assert.Equal(t, int64(4), counts.Value(2))
	assert.True(t, counts.IsNull(3))

	g, err := out.Geometry()
	require.NoError(t, err)
	defer g.Release()
	p, err := g.Decode(2)
	require.NoError(t, err)
	assert.Equal(t, geometry.TypePoint, geometry.TypeID(p))
	assert.Equal(t, []float64{11, 11}, p.FlatCoords())
}

func TestAffine(t *testing.T) {
	f := loadSample(t)
	defer f.Release()

	out, rowErrs, err := f.Affine(affine.Translate(5, -1))
	require.NoError(t, err)
	defer out.Release()
	assert.Empty(t, rowErrs)

	g, err := out.Geometry()
	require.NoError(t, err)
	defer g.Release()
	mp, err := g.Decode(1)
	require.NoError(t, err)
	assert.Equal(t, []float64{15, 9, 16, 10}, mp.FlatCoords())
	assert.True(t, g.IsNull(2))
}

func TestToCRS(t *testing.T) {
	f := loadSample(t)
	defer f.Release()
	d := localDispatcher()
	ctx := context.Background()

	out, rowErrs, err := f.ToCRS(ctx, d, projection.Mercator)
	require.NoError(t, err)
	defer out.Release()
	assert.Empty(t, rowErrs)
	assert.Equal(t, projection.Mercator, out.CRS())

	g, err := out.Geometry()
	require.NoError(t, err)
	defer g.Release()
	mp, err := g.Decode(1)
	require.NoError(t, err)
	assert.InDelta(t, 1113194.9079327357, mp.FlatCoords()[0], 1e-6)

	_, _, err = f.ToCRS(ctx, d, "EPSG:32748")
	assert.True(t, errors.Is(err, geometry.ErrUnsupportedCrsPair))
}

func TestRowErrorsUseFrameRows(t *testing.T) {
	batch := func(values [][]byte) arrow.RecordBatch {
		c := column.FromWKB(values)
		defer c.Release()
		schema := arrow.NewSchema([]arrow.Field{c.Field("geom")}, nil)
		return array.NewRecordBatch(schema, []arrow.Array{c.Array()}, int64(c.Len()))
	}
	pt, err := geometry.Encode(geom.NewPointFlat(geom.XY, []float64{1, 2}))
	require.NoError(t, err)

	f, err := New([]arrow.RecordBatch{
		batch([][]byte{pt, pt}),
		batch([][]byte{pt, {0xff}}),
	}, "geom", projection.WGS84)
	require.NoError(t, err)
	defer f.Release()

	out, rowErrs, err := f.Apply(context.Background(), localDispatcher(), ops.X)
	require.NoError(t, err)
	defer out.Release()

	require.Len(t, rowErrs, 1)
	assert.Equal(t, 3, rowErrs[0].Row)
	assert.Equal(t, "MalformedGeometry", rowErrs[0].Kind())
}

func TestSinkAndReadParquet(t *testing.T) {
	f := loadSample(t)
	defer f.Release()

	require.NoError(t, f.Sink(t.TempDir()))
	require.NotNil(t, f.SourceFile())
	assert.Equal(t, "frame.parquet", filepath.Base(*f.SourceFile()))

	back, err := ReadParquet(context.Background(), *f.SourceFile(), DefaultGeometryColumn, f.CRS())
	require.NoError(t, err)
	defer back.Release()

	assert.Equal(t, 3, back.NumRows())
	g, err := back.Geometry()
	require.NoError(t, err)
	defer g.Release()
	p, err := g.Decode(0)
	require.NoError(t, err)
	assert.Equal(t, geometry.TypePolygon, geometry.TypeID(p))
	assert.True(t, g.IsNull(2))

	empty, err := New(nil, DefaultGeometryColumn, projection.WGS84)
	require.NoError(t, err)
	assert.Error(t, empty.Sink(t.TempDir()))
}
