// Package config reads the server settings from the environment.
package config

import (
	"log"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Config holds the server settings.
type Config struct {
	RESTPort         int
	FlightPort       int
	Workers          int // 0 means GOMAXPROCS
	EnableTopology   bool
	EnableProjection bool
	DataDir          string // parent of parquet sink directories; empty means os.TempDir
	MaxBodyBytes     int64  // REST request body limit
}

// Default returns the settings used when no variable is set.
func Default() Config {
	return Config{
		RESTPort:         8080,
		FlightPort:       50051,
		EnableTopology:   true,
		EnableProjection: true,
		MaxBodyBytes:     32 << 20,
	}
}

// Load reads the given .env files (".env" when none are named) into the
// process environment and then builds a Config from it. A missing file is
// logged, not returned.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from GEOCOL_* environment variables.
func FromEnv() (Config, error) {
	cfg := Default()
	var errs error

	intVar := func(name string, dst *int, min int) {
		s, ok := os.LookupEnv(name)
		if !ok || s == "" {
			return
		}
		v, err := strconv.Atoi(s)
		if err == nil && v < min {
			err = errors.Newf("must be at least %d", min)
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "invalid %s %q", name, s))
			return
		}
		*dst = v
	}
	int64Var := func(name string, dst *int64) {
		s, ok := os.LookupEnv(name)
		if !ok || s == "" {
			return
		}
		v, err := strconv.ParseInt(s, 10, 64)
		if err == nil && v < 1 {
			err = errors.New("must be at least 1")
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "invalid %s %q", name, s))
			return
		}
		*dst = v
	}
	boolVar := func(name string, dst *bool) {
		s, ok := os.LookupEnv(name)
		if !ok || s == "" {
			return
		}
		v, err := strconv.ParseBool(s)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "invalid %s %q", name, s))
			return
		}
		*dst = v
	}

	intVar("GEOCOL_REST_PORT", &cfg.RESTPort, 1)
	intVar("GEOCOL_FLIGHT_PORT", &cfg.FlightPort, 1)
	intVar("GEOCOL_WORKERS", &cfg.Workers, 0)
	int64Var("GEOCOL_MAX_BODY_BYTES", &cfg.MaxBodyBytes)
	boolVar("GEOCOL_ENABLE_TOPOLOGY", &cfg.EnableTopology)
	boolVar("GEOCOL_ENABLE_PROJECTION", &cfg.EnableProjection)
	cfg.DataDir = os.Getenv("GEOCOL_DATA_DIR")

	if errs != nil {
		return Config{}, errs
	}
	return cfg, nil
}
