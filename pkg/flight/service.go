package flight

import (
	"fmt"
	"log"

	"geocol/pkg/ops"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
)

func NewFlightServer(d *ops.Dispatcher, dataDir string, opts ...grpc.ServerOption) flight.Server {
	server := flight.NewServerWithMiddleware(nil, opts...)
	server.RegisterFlightService(NewGeoFlightServer(d, dataDir))
	return server
}

func StartFlightServer(d *ops.Dispatcher, dataDir string, port int) error {
	return StartFlightServerWithGRPC(d, dataDir, port)
}

// StartFlightServerWithGRPC allows passing custom gRPC options
func StartFlightServerWithGRPC(d *ops.Dispatcher, dataDir string, port int, opts ...grpc.ServerOption) error {
	addr := fmt.Sprintf(":%d", port)
	server := NewFlightServer(d, dataDir, opts...)

	log.Printf("Starting geocol Flight server on %s...\n", addr)
	if err := server.Init(addr); err != nil {
		return err
	}
	return server.Serve()
}
