package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/taskmgr818/fractal-at-home/internal/complexnum"
	"github.com/taskmgr818/fractal-at-home/internal/model"
	"github.com/taskmgr818/fractal-at-home/server/internal/scheduler"
)

// Config holds all application-level settings.
type Config struct {
	// Job geometry
	ImageWidth  int
	ImageHeight int
	TileWidth   int
	TileHeight  int
	RangeMinX   float64
	RangeMinY   float64
	RangeMaxX   float64
	RangeMaxY   float64

	// Fractal
	JuliaCRe               float64
	JuliaCIm               float64
	DivergenceThresholdSqr float64
	MaxIteration           int

	// Dispatcher
	IOTimeout       time.Duration // bound on a single frame read or write
	ShutdownTimeout time.Duration
	LeaseTTL        time.Duration // assigned fragments older than this return to the queue
	LeaseInterval   time.Duration

	// Monitor API
	MonitorAddr  string // empty disables the HTTP monitor
	MonitorToken string // bearer token for the monitor API, empty leaves it open

	// Sink
	SinkURL    string // gocloud.dev bucket URL, e.g. file:///tmp/renders or s3://bucket
	SinkPrefix string

	// Redis render cache
	CacheEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	// PostgreSQL job log
	StoreEnabled bool
	DBHost       string
	DBPort       string
	DBUser       string
	DBPassword   string
	DBName       string
	DBSSLMode    string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		ImageWidth:             envIntOr("IMAGE_WIDTH", 800),
		ImageHeight:            envIntOr("IMAGE_HEIGHT", 600),
		TileWidth:              envIntOr("TILE_WIDTH", 100),
		TileHeight:             envIntOr("TILE_HEIGHT", 100),
		RangeMinX:              envFloatOr("RANGE_MIN_X", -1.5),
		RangeMinY:              envFloatOr("RANGE_MIN_Y", -1),
		RangeMaxX:              envFloatOr("RANGE_MAX_X", 1.5),
		RangeMaxY:              envFloatOr("RANGE_MAX_Y", 1),
		JuliaCRe:               envFloatOr("JULIA_C_RE", -0.9),
		JuliaCIm:               envFloatOr("JULIA_C_IM", 0.27015),
		DivergenceThresholdSqr: envFloatOr("DIVERGENCE_THRESHOLD_SQR", 4),
		MaxIteration:           envIntOr("MAX_ITERATION", 1000),
		IOTimeout:              envDurationOr("IO_TIMEOUT", 60*time.Second),
		ShutdownTimeout:        envDurationOr("SHUTDOWN_TIMEOUT", 10*time.Second),
		LeaseTTL:               envDurationOr("TASK_LEASE_TTL", 5*time.Minute),
		LeaseInterval:          envDurationOr("LEASE_CHECK_INTERVAL", 30*time.Second),
		MonitorAddr:            envOr("MONITOR_ADDR", ":8080"),
		MonitorToken:           envOr("MONITOR_TOKEN", ""),
		SinkURL:                envOr("SINK_URL", "file:///tmp/fractal-at-home"),
		SinkPrefix:             envOr("SINK_PREFIX", "renders/"),
		CacheEnabled:           envBoolOr("CACHE_ENABLED", false),
		RedisAddr:              envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:          envOr("REDIS_PASSWORD", ""),
		RedisDB:                envIntOr("REDIS_DB", 0),
		CacheTTL:               envDurationOr("CACHE_TTL", 7*24*time.Hour),
		StoreEnabled:           envBoolOr("STORE_ENABLED", false),
		DBHost:                 envOr("DB_HOST", "localhost"),
		DBPort:                 envOr("DB_PORT", "5432"),
		DBUser:                 envOr("DB_USER", "postgres"),
		DBPassword:             envOr("DB_PASSWORD", "postgres"),
		DBName:                 envOr("DB_NAME", "fractal"),
		DBSSLMode:              envOr("DB_SSLMODE", "disable"),
	}
}

// Job builds the render job described by the configuration.
func (c *Config) Job() scheduler.JobSpec {
	return scheduler.JobSpec{
		Width:      uint16(c.ImageWidth),
		Height:     uint16(c.ImageHeight),
		TileWidth:  uint16(c.TileWidth),
		TileHeight: uint16(c.TileHeight),
		Range: model.Range{
			Min: model.Point{X: c.RangeMinX, Y: c.RangeMinY},
			Max: model.Point{X: c.RangeMaxX, Y: c.RangeMaxY},
		},
		Fractal: model.FractalDescriptor{Julia: &model.JuliaParams{
			C:                      complexnum.New(c.JuliaCRe, c.JuliaCIm),
			DivergenceThresholdSqr: c.DivergenceThresholdSqr,
		}},
		MaxIteration: uint32(c.MaxIteration),
	}
}

// Validate checks the values Load cannot fix with a default.
func (c *Config) Validate() error {
	for _, dim := range []struct {
		name string
		v    int
	}{
		{"IMAGE_WIDTH", c.ImageWidth},
		{"IMAGE_HEIGHT", c.ImageHeight},
		{"TILE_WIDTH", c.TileWidth},
		{"TILE_HEIGHT", c.TileHeight},
	} {
		if dim.v <= 0 || dim.v > math.MaxUint16 {
			return fmt.Errorf("%s must be in [1, %d], got %d", dim.name, math.MaxUint16, dim.v)
		}
	}
	if c.MaxIteration <= 0 || int64(c.MaxIteration) > math.MaxUint32 {
		return fmt.Errorf("MAX_ITERATION must be positive, got %d", c.MaxIteration)
	}
	if c.IOTimeout < 0 {
		return fmt.Errorf("IO_TIMEOUT must not be negative, got %s", c.IOTimeout)
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("TASK_LEASE_TTL must be positive, got %s", c.LeaseTTL)
	}
	if c.LeaseInterval <= 0 {
		return fmt.Errorf("LEASE_CHECK_INTERVAL must be positive, got %s", c.LeaseInterval)
	}
	return c.Job().Validate()
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

// ─── helpers ───

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
