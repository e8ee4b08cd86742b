package flight

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"geocol/pkg/column"
	"geocol/pkg/frame"
	"geocol/pkg/geometry"
	"geocol/pkg/ops"
	"geocol/pkg/projection"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T) flight.Client {
	t.Helper()
	return startServerIn(t, t.TempDir())
}

func startServerIn(t *testing.T, dataDir string) flight.Client {
	t.Helper()
	d := ops.NewDispatcher(ops.Config{
		EnableProjection: true,
		Projection:       projection.New(nil),
	})
	server := NewFlightServer(d, dataDir, grpc.Creds(insecure.NewCredentials()))
	require.NoError(t, server.Init("127.0.0.1:0"))
	go server.Serve()
	t.Cleanup(server.Shutdown)

	client, err := flight.NewClientWithMiddleware(server.Addr().String(), nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func testBatch(t *testing.T) arrow.RecordBatch {
	t.Helper()
	encode := func(g geom.T) []byte {
		b, err := geometry.Encode(g)
		require.NoError(t, err)
		return b
	}
	geoms := column.FromWKB([][]byte{
		encode(geom.NewMultiPointFlat(geom.XY, []float64{0, 0, 1, 1})),
		nil,
		{0x01, 0x02},
		encode(geom.NewPointFlat(geom.XY, []float64{3, 4})),
	})
	defer geoms.Release()

	ids := array.NewStringBuilder(memory.NewGoAllocator())
	defer ids.Release()
	ids.AppendValues([]string{"a", "b", "c", "d"}, nil)
	idArr := ids.NewStringArray()
	defer idArr.Release()

	schema := arrow.NewSchema([]arrow.Field{
		{Name: "ROUTEID", Type: arrow.BinaryTypes.String},
		geoms.Field("geom"),
	}, nil)
	return array.NewRecordBatch(schema, []arrow.Array{idArr, geoms.Array()}, 4)
}

func send(t *testing.T, client flight.Client, metadata string) flight.FlightService_DoExchangeClient {
	t.Helper()
	stream, err := client.DoExchange(context.Background())
	require.NoError(t, err)

	require.NoError(t, stream.Send(&flight.FlightData{AppMetadata: []byte(metadata)}))

	rec := testBatch(t)
	defer rec.Release()
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())
	require.NoError(t, stream.CloseSend())
	return stream
}

func exchange(t *testing.T, client flight.Client, metadata string) ([]arrow.RecordBatch, ResultMetadata) {
	t.Helper()
	reader, err := flight.NewRecordReader(send(t, client, metadata))
	require.NoError(t, err)
	defer reader.Release()

	var (
		results []arrow.RecordBatch
		meta    ResultMetadata
	)
	for reader.Next() {
		res := reader.RecordBatch()
		res.Retain()
		results = append(results, res)
		if md := reader.LatestAppMetadata(); len(md) > 0 {
			require.NoError(t, json.Unmarshal(md, &meta))
		}
	}
	t.Cleanup(func() {
		for _, r := range results {
			r.Release()
		}
	})
	return results, meta
}

func TestDoExchangeScalar(t *testing.T) {
	client := startServer(t)

	results, meta := exchange(t, client, `{"operation": "length", "geometry_column": "geom"}`)
	require.Len(t, results, 1)
	assert.Equal(t, int64(4), results[0].NumRows())

	idx := results[0].Schema().FieldIndices("length")
	require.Len(t, idx, 1)
	length := results[0].Column(idx[0]).(*array.Float64)
	assert.Equal(t, 0.0, length.Value(0))
	assert.True(t, length.IsNull(1))
	assert.True(t, length.IsNull(2))

	assert.Equal(t, 4, meta.Rows)
	require.Len(t, meta.RowErrors, 1)
	assert.Equal(t, 2, meta.RowErrors[0].Row)
	assert.Equal(t, "MalformedGeometry", meta.RowErrors[0].Kind)
}

func TestDoExchangeExplode(t *testing.T) {
	client := startServer(t)

	results, meta := exchange(t, client, `{"operation": "explode", "geometry_column": "geom"}`)
	require.Len(t, results, 1)
	assert.Equal(t, int64(5), results[0].NumRows())
	assert.Equal(t, 5, meta.Rows)

	ids := results[0].Column(0).(*array.String)
	assert.Equal(t, "a", ids.Value(1))
	assert.Equal(t, "b", ids.Value(2))
}

func TestDoExchangePersist(t *testing.T) {
	dir := t.TempDir()
	client := startServerIn(t, dir)

	results, meta := exchange(t, client, `{"operation": "centroid", "geometry_column": "geom", "persist": true}`)
	require.Len(t, results, 1)
	require.NotEmpty(t, meta.SourceFile)
	assert.Equal(t, dir, filepath.Dir(meta.SourceFile))

	saved, err := frame.ReadParquet(context.Background(), meta.SourceFile, "geom", projection.WGS84)
	require.NoError(t, err)
	defer saved.Release()
	assert.Equal(t, 4, saved.NumRows())

	g, err := saved.Geometry()
	require.NoError(t, err)
	defer g.Release()
	c, err := g.Decode(0)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, c.FlatCoords(), 1e-12)
}

func TestDoExchangeErrors(t *testing.T) {
	client := startServer(t)

	tests := []struct {
		name     string
		metadata string
		code     codes.Code
	}{
		{"unknown operation", `{"operation": "simplify", "geometry_column": "geom"}`, codes.Unimplemented},
		{"missing geometry column", `{"operation": "area"}`, codes.InvalidArgument},
		{"unsupported crs pair", `{"operation": "to_crs", "geometry_column": "geom", "target_crs": "EPSG:32748"}`, codes.Unimplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := send(t, client, tt.metadata).Recv()
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestParseRequest(t *testing.T) {
	req := parseRequest(&flight.FlightData{AppMetadata: []byte("area")})
	assert.Equal(t, "area", req.Operation)
	assert.Equal(t, "geometry", req.GeometryColumn)
	assert.Equal(t, projection.WGS84, req.CRS)

	req = parseRequest(&flight.FlightData{FlightDescriptor: &flight.FlightDescriptor{
		Cmd: []byte(`{"operation": "to_crs", "crs": "EPSG:3857", "target_crs": "EPSG:4326"}`),
	}})
	assert.Equal(t, "to_crs", req.Operation)
	assert.Equal(t, "EPSG:3857", req.CRS)
	assert.Equal(t, "EPSG:4326", req.TargetCRS)
}
