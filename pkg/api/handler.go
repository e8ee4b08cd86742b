package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"geocol/pkg/column"
	"geocol/pkg/frame"
	"geocol/pkg/geometry"
	"geocol/pkg/ops"
	"geocol/pkg/projection"

	"github.com/cockroachdb/errors"
)

// DefaultMaxBodyBytes caps a request body when no limit is configured.
const DefaultMaxBodyBytes int64 = 32 << 20

// APIHandler serves geometry operations over GeoJSON.
type APIHandler struct {
	dispatcher   *ops.Dispatcher
	maxBodyBytes int64
}

// NewAPIHandler creates a new APIHandler. maxBodyBytes <= 0 selects
// DefaultMaxBodyBytes.
func NewAPIHandler(d *ops.Dispatcher, maxBodyBytes int64) *APIHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &APIHandler{
		dispatcher:   d,
		maxBodyBytes: maxBodyBytes,
	}
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RowErrorResponse reports one row that failed inside a successful call.
type RowErrorResponse struct {
	Row   int    `json:"row"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// OperationResponse is the FeatureCollection result plus any row errors.
type OperationResponse struct {
	*frame.FeatureCollection
	RowErrors []RowErrorResponse `json:"row_errors,omitempty"`
}

// OperationsResponse lists the available operations.
type OperationsResponse struct {
	Operations []string `json:"operations"`
}

// ListOperationsHandler handles GET requests listing the operations.
func (h *APIHandler) ListOperationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.sendError(w, http.StatusMethodNotAllowed, "only GET method is allowed")
		return
	}
	h.sendJSON(w, http.StatusOK, OperationsResponse{Operations: frame.Operations(h.dispatcher)})
}

// OperationHandler handles POST /api/v1/ops/{op} with a GeoJSON
// FeatureCollection body.
func (h *APIHandler) OperationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.sendError(w, http.StatusMethodNotAllowed, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		h.sendError(w, http.StatusBadRequest, fmt.Sprintf("failed to read request body: %v", err))
		return
	}
	defer r.Body.Close()

	req, err := parseRequest(r)
	if err != nil {
		h.sendError(w, statusOf(err), err.Error())
		return
	}

	if err := validateGeoJSON(body); err != nil {
		h.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid GeoJSON: %v", err))
		return
	}

	input, err := frame.FromGeoJSON(body, req.CRS)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse GeoJSON: %v", err))
		return
	}
	defer input.Release()

	result, rowErrs, err := input.Run(r.Context(), h.dispatcher, req)
	if err != nil {
		log.Printf("operation %s failed: %v", req.Operation, err)
		h.sendError(w, statusOf(err), err.Error())
		return
	}
	defer result.Release()
	log.Printf("operation %s: %d rows in, %d rows out, %d row errors", req.Operation, input.NumRows(), result.NumRows(), len(rowErrs))

	fc, err := result.ToFeatureCollection()
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("failed to serialize result to GeoJSON: %v", err))
		return
	}

	h.sendJSON(w, http.StatusOK, OperationResponse{
		FeatureCollection: fc,
		RowErrors:         rowErrorResponses(rowErrs),
	})
}

// parseRequest reads the operation from the path and its parameters from
// the query string.
func parseRequest(r *http.Request) (frame.Request, error) {
	q := r.URL.Query()
	req := frame.Request{
		Operation: r.PathValue("op"),
		CRS:       q.Get("crs"),
		TargetCRS: q.Get("target_crs"),
		Other:     q.Get("other"),
		Origin:    q.Get("origin"),
		Method:    q.Get("method"),
	}
	if req.Operation == "" {
		req.Operation = strings.TrimPrefix(r.URL.Path, "/api/v1/ops/")
	}
	if req.CRS == "" {
		req.CRS = projection.WGS84
	}

	if m := q.Get("matrix"); m != "" {
		for _, part := range strings.Split(m, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return req, errors.Wrapf(frame.ErrBadRequest, "matrix value %q", part)
			}
			req.Matrix = append(req.Matrix, v)
		}
	}

	var err error
	if req.Angle, err = floatParam(q.Get("angle")); err != nil {
		return req, err
	}
	for _, p := range []struct {
		name string
		dst  **float64
	}{{"x", &req.X}, {"y", &req.Y}} {
		s := q.Get(p.name)
		if s == "" {
			continue
		}
		v, err := floatParam(s)
		if err != nil {
			return req, err
		}
		*p.dst = &v
	}
	return req, nil
}

func floatParam(s string) (float64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Wrapf(frame.ErrBadRequest, "number %q", s)
	}
	return v, nil
}

// validateGeoJSON validates the basic GeoJSON structure
func validateGeoJSON(data []byte) error {
	var fc struct {
		Type     string `json:"type"`
		Features []struct {
			Type string `json:"type"`
		} `json:"features"`
	}

	if err := json.Unmarshal(data, &fc); err != nil {
		return errors.Wrap(err, "failed to parse JSON")
	}

	if fc.Type != "FeatureCollection" {
		return errors.Newf("expected FeatureCollection, got %q", fc.Type)
	}

	for i, f := range fc.Features {
		if f.Type != "Feature" {
			return errors.Newf("feature %d: expected Feature type, got %q", i, f.Type)
		}
	}

	return nil
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, frame.ErrBadRequest),
		errors.Is(err, frame.ErrMissingColumn),
		errors.Is(err, geometry.ErrMalformedGeometry),
		errors.Is(err, geometry.ErrShapeMismatch),
		errors.Is(err, geometry.ErrDimensionMismatch),
		errors.Is(err, geometry.ErrIndexOutOfBounds):
		return http.StatusBadRequest
	case errors.Is(err, geometry.ErrUnsupportedOperation),
		errors.Is(err, geometry.ErrUnsupportedCrsPair):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func rowErrorResponses(errs []column.RowError) []RowErrorResponse {
	if len(errs) == 0 {
		return nil
	}
	out := make([]RowErrorResponse, len(errs))
	for i, e := range errs {
		out[i] = RowErrorResponse{Row: e.Row, Kind: e.Kind(), Error: e.Err.Error()}
	}
	return out
}

func (h *APIHandler) sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response as JSON
func (h *APIHandler) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, ErrorResponse{Error: message})
}
