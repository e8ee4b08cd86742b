package flight

import (
	"encoding/json"
	"io"
	"log"
	"os"

	"geocol/pkg/column"
	"geocol/pkg/frame"
	"geocol/pkg/geometry"
	"geocol/pkg/ops"
	"geocol/pkg/projection"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GeoFlightServer runs geometry operations over record batches streamed
// through DoExchange.
type GeoFlightServer struct {
	flight.BaseFlightServer
	dispatcher *ops.Dispatcher
	dataDir    string
}

// NewGeoFlightServer creates a server whose persisted results land in
// dataDir (os.TempDir when empty).
func NewGeoFlightServer(d *ops.Dispatcher, dataDir string) *GeoFlightServer {
	return &GeoFlightServer{
		dispatcher: d,
		dataDir:    dataDir,
	}
}

// RowErrorMetadata is one entry of the row_errors list sent as app
// metadata with the last result batch.
type RowErrorMetadata struct {
	Row   int    `json:"row"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// ResultMetadata is the app metadata attached to the last result batch.
type ResultMetadata struct {
	Rows       int                `json:"rows"`
	RowErrors  []RowErrorMetadata `json:"row_errors,omitempty"`
	SourceFile string             `json:"source_file,omitempty"`
}

// parseRequest reads the operation from the first message: JSON in the app
// metadata or the descriptor command, or a bare operation name.
func parseRequest(desc *flight.FlightData) frame.Request {
	var raw []byte
	switch {
	case len(desc.AppMetadata) > 0:
		raw = desc.AppMetadata
	case desc.FlightDescriptor != nil && len(desc.FlightDescriptor.Cmd) > 0:
		raw = desc.FlightDescriptor.Cmd
	}

	var req frame.Request
	if err := json.Unmarshal(raw, &req); err != nil || req.Operation == "" {
		req = frame.Request{Operation: string(raw)}
	}
	if req.GeometryColumn == "" {
		req.GeometryColumn = frame.DefaultGeometryColumn
	}
	if req.CRS == "" {
		req.CRS = projection.WGS84
	}
	return req
}

func (s *GeoFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	desc, err := stream.Recv()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	req := parseRequest(desc)
	log.Printf("Operation: %s, geometry column: %s, CRS: %s", req.Operation, req.GeometryColumn, req.CRS)

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	var records []arrow.RecordBatch
	for reader.Next() {
		rec := reader.RecordBatch()
		rec.Retain()
		records = append(records, rec)
		log.Printf("Received record batch with %d rows", rec.NumRows())
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		release(records)
		return err
	}
	if len(records) == 0 {
		return status.Error(codes.InvalidArgument, "no records received")
	}

	input, err := frame.New(records, req.GeometryColumn, req.CRS)
	if err != nil {
		release(records)
		return toStatus(err)
	}
	defer input.Release()

	result, rowErrs, err := input.Run(stream.Context(), s.dispatcher, req)
	if err != nil {
		log.Printf("operation %s failed: %v", req.Operation, err)
		return toStatus(err)
	}
	defer result.Release()

	meta := ResultMetadata{Rows: result.NumRows(), RowErrors: rowErrorMetadata(rowErrs)}
	if req.Persist {
		if meta.SourceFile, err = s.persist(result); err != nil {
			return status.Errorf(codes.Internal, "failed to persist result: %v", err)
		}
		log.Printf("Persisted result to %s", meta.SourceFile)
	}

	return writeResult(stream, result, meta)
}

// persist writes result to a new parquet file in the data directory.
func (s *GeoFlightServer) persist(result *frame.GeoFrame) (string, error) {
	f, err := os.CreateTemp(s.dataDir, "geocol_result_*.parquet")
	if err != nil {
		return "", err
	}
	path := f.Name()
	f.Close()

	if err := result.WriteParquet(path); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

func writeResult(stream flight.FlightService_DoExchangeServer, result *frame.GeoFrame, md ResultMetadata) error {
	out := result.Records()
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(out[0].Schema()))
	defer writer.Close()

	meta, err := json.Marshal(md)
	if err != nil {
		return err
	}
	for i, rec := range out {
		if i == len(out)-1 {
			if err := writer.WriteWithAppMetadata(rec, meta); err != nil {
				return err
			}
			continue
		}
		if err := writer.Write(rec); err != nil {
			return err
		}
	}
	log.Printf("Sent %d rows with %d row errors", md.Rows, len(md.RowErrors))
	return nil
}

func rowErrorMetadata(errs []column.RowError) []RowErrorMetadata {
	if len(errs) == 0 {
		return nil
	}
	out := make([]RowErrorMetadata, len(errs))
	for i, e := range errs {
		out[i] = RowErrorMetadata{Row: e.Row, Kind: e.Kind(), Error: e.Err.Error()}
	}
	return out
}

// toStatus maps the error taxonomy onto gRPC status codes.
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, frame.ErrBadRequest),
		errors.Is(err, frame.ErrMissingColumn),
		errors.Is(err, geometry.ErrMalformedGeometry),
		errors.Is(err, geometry.ErrShapeMismatch),
		errors.Is(err, geometry.ErrDimensionMismatch),
		errors.Is(err, geometry.ErrIndexOutOfBounds):
		code = codes.InvalidArgument
	case errors.Is(err, geometry.ErrUnsupportedOperation),
		errors.Is(err, geometry.ErrUnsupportedCrsPair):
		code = codes.Unimplemented
	}
	return status.Errorf(code, "%s: %v", geometry.KindOf(err), err)
}

func release(records []arrow.RecordBatch) {
	for _, rec := range records {
		rec.Release()
	}
}
