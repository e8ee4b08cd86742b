package main

import (
	"context"
	"log"

	"geocol/pkg/api"
	"geocol/pkg/config"
	"geocol/pkg/duck"
	"geocol/pkg/flight"
	"geocol/pkg/ops"
	"geocol/pkg/projection"
	"geocol/pkg/topology"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Invalid configuration:", err)
	}

	dcfg := ops.Config{
		Workers:          cfg.Workers,
		EnableTopology:   cfg.EnableTopology,
		EnableProjection: cfg.EnableProjection,
	}

	// DuckDB spatial backs topology and non-Mercator reprojection. Without it
	// the server keeps the local kernels and the Mercator fast path.
	var session *duck.Session
	if cfg.EnableTopology || cfg.EnableProjection {
		session, err = duck.Open(context.Background())
		if err != nil {
			log.Printf("Warning: DuckDB spatial unavailable, running local kernels only: %v", err)
			session = nil
		} else {
			defer session.Close()
		}
	}
	if session != nil {
		dcfg.Topology = topology.New(session)
	}
	dcfg.Projection = projection.New(session)

	dispatcher := ops.NewDispatcher(dcfg)
	log.Printf("Serving %d operations (topology=%t, projection=%t)", len(dispatcher.Ops()), cfg.EnableTopology, cfg.EnableProjection)

	// Start REST API server in goroutine
	apiServer := api.NewAPIServer(dispatcher, cfg.RESTPort, cfg.MaxBodyBytes)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Printf("REST API server error: %v", err)
		}
	}()

	// Start Flight server
	if err := flight.StartFlightServer(dispatcher, cfg.DataDir, cfg.FlightPort); err != nil {
		log.Fatal("Flight server failed:", err)
	}
}
