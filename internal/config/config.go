// Package config centralizes all application configuration into typed structs.
//
// Defaults come from NewDefaultConfig. Load overlays a YAML file on top of
// them, and ApplyEnv lets secrets come from the environment instead of files.
//
// Go Learning Note — Unmarshal Over Defaults:
// yaml.Unmarshal only touches the fields present in the document, so decoding
// into an already populated struct acts as an overlay. Keys missing from the
// file keep their default values without any merge code.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fleet/internal/domain/entities"
	"fleet/internal/geo"
)

// Environment variables read by ApplyEnv.
const (
	EnvAdminToken  = "FLEET_ADMIN_TOKEN"
	EnvS3AccessKey = "FLEET_S3_ACCESS_KEY"
	EnvS3SecretKey = "FLEET_S3_SECRET_KEY"
)

// Config is the top-level configuration container.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Index  IndexConfig  `yaml:"index"`
	Source SourceConfig `yaml:"source"`
	Query  QueryConfig  `yaml:"query"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig holds HTTP server settings. A RateLimit of 0 disables request
// throttling; an empty AdminToken disables the admin endpoints.
type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit"` // requests per second
	RateBurst    int           `yaml:"rate_burst"`
	AdminToken   string        `yaml:"admin_token"`
	MaxUpload    int64         `yaml:"max_upload_bytes"`
}

// IndexConfig controls how the kd-tree is searched.
//
// Prune is "split-plane" (exact nearest neighbor) or "legacy" (the .NET
// tracker's rule, kept for output parity). Verify cross-checks every answer
// against a linear scan and reports divergences.
type IndexConfig struct {
	Prune            string `yaml:"prune"`
	Verify           bool   `yaml:"verify"`
	GeohashPrecision int    `yaml:"geohash_precision"`
}

// SourceConfig names where positions are loaded from. URI schemes:
//
//	file:///data/positions.dat   (or a bare path; .gz/.zst/.lz4 decompressed)
//	sqlite:///data/positions.db
//	s3://bucket/key/positions.dat.zst
//	memory://1000                (synthetic positions)
type SourceConfig struct {
	URI         string            `yaml:"uri"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
}

// ObjectStoreConfig holds the S3-compatible endpoint used by s3:// sources.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// QueryConfig controls batch queries.
type QueryConfig struct {
	Workers  int                   `yaml:"workers"`
	MaxBatch int                   `yaml:"max_batch"`
	Targets  []entities.Coordinate `yaml:"targets"`
}

// LogConfig selects the slog handler. Format is "text" or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultTargets are the coordinates the fleet report has always been run
// against.
func DefaultTargets() []entities.Coordinate {
	return []entities.Coordinate{
		{Latitude: 34.544909, Longitude: -102.100843},
		{Latitude: 32.345544, Longitude: -99.123124},
		{Latitude: 33.234235, Longitude: -100.214124},
		{Latitude: 35.195739, Longitude: -95.348899},
		{Latitude: 31.895839, Longitude: -97.789573},
		{Latitude: 32.895839, Longitude: -101.789573},
		{Latitude: 34.115839, Longitude: -100.225732},
		{Latitude: 32.335839, Longitude: -99.992232},
		{Latitude: 33.535339, Longitude: -94.792232},
		{Latitude: 32.234235, Longitude: -100.222222},
	}
}

// NewDefaultConfig returns a Config populated with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			RateLimit:    200,
			RateBurst:    400,
			MaxUpload:    256 << 20,
		},
		Index: IndexConfig{
			Prune:            geo.PruneSplitPlane.String(),
			GeohashPrecision: geo.DefaultGeohashPrecision,
		},
		Source: SourceConfig{
			URI: "file://VehiclePositions.dat",
			ObjectStore: ObjectStoreConfig{
				Endpoint: "localhost:9000",
				Region:   "us-east-1",
			},
		},
		Query: QueryConfig{
			Workers:  8,
			MaxBatch: 1000,
			Targets:  DefaultTargets(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv copies secrets from the environment when they are set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAdminToken); v != "" {
		c.Server.AdminToken = v
	}
	if v := os.Getenv(EnvS3AccessKey); v != "" {
		c.Source.ObjectStore.AccessKey = v
	}
	if v := os.Getenv(EnvS3SecretKey); v != "" {
		c.Source.ObjectStore.SecretKey = v
	}
}

// PruneMode returns the parsed Index.Prune value.
func (c *Config) PruneMode() (geo.PruneMode, error) {
	return geo.ParsePruneMode(c.Index.Prune)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port must be set"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	if c.Server.RateLimit > 0 && c.Server.RateBurst < 1 {
		errs = append(errs, errors.New("server.rate_burst must be at least 1 when rate limiting"))
	}
	if _, err := c.PruneMode(); err != nil {
		errs = append(errs, fmt.Errorf("index.prune: %w", err))
	}
	if c.Source.URI == "" {
		errs = append(errs, errors.New("source.uri must be set"))
	}
	if c.Query.Workers < 1 {
		errs = append(errs, errors.New("query.workers must be at least 1"))
	}
	if c.Query.MaxBatch < 1 {
		errs = append(errs, errors.New("query.max_batch must be at least 1"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}
