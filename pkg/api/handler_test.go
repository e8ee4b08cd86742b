package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"geocol/pkg/ops"
	"geocol/pkg/projection"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const points = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2, 3]}, "properties": {"ROUTEID": "01002"}},
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [4, 5]}, "properties": {"ROUTEID": "01003"}},
    {"type": "Feature", "geometry": {"type": "MultiPoint", "coordinates": [[0, 0], [1, 1]]}, "properties": {"ROUTEID": "01004"}}
  ]
}`

type decodedResponse struct {
	Type     string `json:"type"`
	Features []struct {
		Geometry struct {
			Type        string          `json:"type"`
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
		Properties map[string]any `json:"properties"`
	} `json:"features"`
	RowErrors []RowErrorResponse `json:"row_errors"`
	Error     string             `json:"error"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	d := ops.NewDispatcher(ops.Config{
		EnableProjection: true,
		Projection:       projection.New(nil),
	})
	srv := httptest.NewServer(NewMux(d, 0))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path, body string) (int, decodedResponse) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out decodedResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOperationHandler_InvalidMethod(t *testing.T) {
	handler := NewAPIHandler(ops.NewDispatcher(ops.Config{}), 0)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ops/area", nil)
	rr := httptest.NewRecorder()

	handler.OperationHandler(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestOperationHandler_BodyTooLarge(t *testing.T) {
	handler := NewAPIHandler(ops.NewDispatcher(ops.Config{}), 64)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ops/area", bytes.NewBufferString(points))
	req.SetPathValue("op", "area")
	rr := httptest.NewRecorder()

	handler.OperationHandler(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Contains(t, rr.Body.String(), "exceeds 64 bytes")
}

func TestOperationHandler_Errors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"invalid geojson", "/api/v1/ops/area", `{"invalid": "json"}`, http.StatusBadRequest},
		{"feature instead of collection", "/api/v1/ops/area", `{"type": "Feature"}`, http.StatusBadRequest},
		{"unknown operation", "/api/v1/ops/simplify", points, http.StatusUnprocessableEntity},
		{"topology disabled", "/api/v1/ops/union?other=POINT(0%200)", points, http.StatusUnprocessableEntity},
		{"unsupported crs pair", "/api/v1/ops/to_crs?target_crs=EPSG:32748", points, http.StatusUnprocessableEntity},
		{"missing target crs", "/api/v1/ops/to_crs", points, http.StatusBadRequest},
		{"bad matrix", "/api/v1/ops/affine?matrix=1,2,x", points, http.StatusBadRequest},
		{"short matrix", "/api/v1/ops/affine?matrix=1,2,3", points, http.StatusBadRequest},
		{"bad other", "/api/v1/ops/intersects?other=POINT(0", points, http.StatusBadRequest},
		{"bad length method", "/api/v1/ops/geodesic_length?method=karney", points, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, out := post(t, srv, tt.path, tt.body)
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, out.Error)
		})
	}
}

func TestOperationHandler_ScalarProperty(t *testing.T) {
	srv := newTestServer(t)

	status, out := post(t, srv, "/api/v1/ops/x", points)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "FeatureCollection", out.Type)
	require.Len(t, out.Features, 3)

	assert.Equal(t, 1.0, out.Features[0].Properties["x"])
	assert.Equal(t, "01002", out.Features[0].Properties["ROUTEID"])
	assert.Equal(t, 4.0, out.Features[1].Properties["x"])
	assert.NotContains(t, out.Features[2].Properties, "x")
	assert.Empty(t, out.RowErrors)
}

func TestOperationHandler_LengthMethod(t *testing.T) {
	srv := newTestServer(t)
	line := `{"type": "FeatureCollection", "features": [
	  {"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[0, 0], [1, 0]]}, "properties": {}}]}`

	status, out := post(t, srv, "/api/v1/ops/geodesic_length?method=haversine", line)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Features, 1)
	assert.InDelta(t, 111_319.49, out.Features[0].Properties["haversine_length"], 0.01)
}

func TestOperationHandler_Explode(t *testing.T) {
	srv := newTestServer(t)

	status, out := post(t, srv, "/api/v1/ops/explode", points)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Features, 4)
	assert.Equal(t, "Point", out.Features[3].Geometry.Type)
	assert.JSONEq(t, `[1, 1]`, string(out.Features[3].Geometry.Coordinates))
	assert.Equal(t, "01004", out.Features[3].Properties["ROUTEID"])
}

func TestOperationHandler_RowErrors(t *testing.T) {
	srv := newTestServer(t)

	status, out := post(t, srv, "/api/v1/ops/affine?matrix=1,0,0,0,1,0,0,0,1,10,20,30", points)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Features, 3)
	assert.JSONEq(t, `[11, 22, 33]`, string(out.Features[0].Geometry.Coordinates))

	require.Len(t, out.RowErrors, 2)
	assert.Equal(t, 1, out.RowErrors[0].Row)
	assert.Equal(t, "DimensionMismatch", out.RowErrors[0].Kind)
	assert.Equal(t, 2, out.RowErrors[1].Row)
}

func TestListOperations(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/ops")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out OperationsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.Operations, "explode")
	assert.Contains(t, out.Operations, "area")
	assert.NotContains(t, out.Operations, "union")
}

func TestValidateGeoJSON(t *testing.T) {
	assert.NoError(t, validateGeoJSON([]byte(points)))
	assert.NoError(t, validateGeoJSON([]byte(`{"type": "FeatureCollection", "features": []}`)))
	assert.Error(t, validateGeoJSON([]byte(`{"type": "FeatureCollection", "features": [{"type": "Point"}]}`)))
}
