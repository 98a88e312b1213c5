package server

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/tkarski/eventgate/pkg/aggregation"
	"github.com/tkarski/eventgate/pkg/api"
	"github.com/tkarski/eventgate/pkg/config"
	"github.com/tkarski/eventgate/pkg/gatekeeper"
	"github.com/tkarski/eventgate/pkg/processor"
	"github.com/tkarski/eventgate/pkg/queue"
	"github.com/tkarski/eventgate/pkg/ratelimit"
	"github.com/tkarski/eventgate/pkg/retention"
	"github.com/tkarski/eventgate/pkg/store"
	badgerstore "github.com/tkarski/eventgate/pkg/store/badger"
	"github.com/tkarski/eventgate/pkg/store/memory"
	"github.com/tkarski/eventgate/pkg/store/postgres"
	"github.com/tkarski/eventgate/pkg/tenant"
)

// Config holds server configuration.
type Config struct {
	Port        string
	DataDir     string
	TenantsFile string

	// StoreBackend selects event storage: badger, postgres or memory.
	StoreBackend string
	PostgresDSN  string

	MaxMemoryMB int64
	LogLevel    string
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() Config {
	return Config{
		Port:         getEnv("EVENTGATE_PORT", getEnv("PORT", config.DefaultPort)),
		DataDir:      getEnv("EVENTGATE_DATA_DIR", config.DefaultDataDir),
		TenantsFile:  getEnv("EVENTGATE_TENANTS_FILE", "./tenants.yaml"),
		StoreBackend: getEnv("EVENTGATE_STORE", "badger"),
		PostgresDSN:  getEnv("EVENTGATE_POSTGRES_DSN", ""),
		MaxMemoryMB:  getEnvInt64("EVENTGATE_MAX_MEMORY_MB", 0),
		LogLevel:     getEnv("EVENTGATE_LOG_LEVEL", "info"),
	}
}

// NewLogger builds the process logger.
func NewLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

// Pipeline is the fully wired service: storage, queue, admission, workers
// and the HTTP handler set.
type Pipeline struct {
	Config   Config
	Log      zerolog.Logger
	Registry *tenant.Registry
	Store    store.Store
	Queue    *queue.Queue
	Handler  *api.Handler
	Hub      *api.LiveHub

	Gatekeeper *gatekeeper.Gatekeeper
	Processor  *processor.Processor
	Aggregator *aggregation.Engine
	Sweeper    *retention.Sweeper

	// db backs the queue and rate counters, and event storage when the
	// badger backend is selected.
	db          *badgerdb.DB
	badgerStore *badgerstore.Storage
}

// Build assembles the pipeline from configuration.
func Build(ctx context.Context, cfg Config, log zerolog.Logger) (*Pipeline, error) {
	var registry *tenant.Registry
	if _, err := os.Stat(cfg.TenantsFile); err == nil {
		registry, err = tenant.LoadFile(cfg.TenantsFile)
		if err != nil {
			return nil, fmt.Errorf("load tenants: %w", err)
		}
		log.Info().Str("file", cfg.TenantsFile).Int("tenants", len(registry.List())).Msg("tenants loaded")
	} else {
		registry, err = tenant.NewRegistry()
		if err != nil {
			return nil, fmt.Errorf("tenant registry: %w", err)
		}
		log.Warn().Str("file", cfg.TenantsFile).Msg("tenants file not found, starting with no tenants")
	}

	p := &Pipeline{Config: cfg, Log: log, Registry: registry}
	if err := p.initStorage(ctx); err != nil {
		registry.Close()
		return nil, err
	}

	p.Queue = queue.Open(p.db)
	limiter := ratelimit.New(ratelimit.NewBadgerStore(p.db), log)
	p.Gatekeeper = gatekeeper.New(registry, limiter, p.Store, p.Queue, log)
	p.Processor = processor.New(p.Queue, p.Store, log)
	p.Aggregator = aggregation.New(p.Store, registry, log)
	p.Sweeper = retention.New(p.Store, registry, log)

	p.Hub = api.NewLiveHub()
	p.Processor.Notify = p.Hub.Publish

	p.Handler = api.NewHandler(p.Gatekeeper, p.Store, registry, p.Processor, p.Aggregator, p.Sweeper, p.Hub, log)
	return p, nil
}

func (p *Pipeline) initStorage(ctx context.Context) error {
	cfg := p.Config
	switch cfg.StoreBackend {
	case "badger", "":
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		bs, err := badgerstore.New(badgerstore.Config{
			Path:        filepath.Join(cfg.DataDir, "db"),
			MaxMemoryMB: cfg.MaxMemoryMB,
		})
		if err != nil {
			return err
		}
		p.badgerStore = bs
		p.Store = bs
		p.db = bs.DB()
		p.Log.Info().Str("path", cfg.DataDir).Msg("badger storage initialized")
		return nil

	case "postgres":
		if cfg.PostgresDSN == "" {
			return fmt.Errorf("postgres backend requires EVENTGATE_POSTGRES_DSN")
		}
		ps, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		p.Store = ps
		// The queue and rate counters stay embedded even with postgres
		// event storage.
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			ps.Close()
			return fmt.Errorf("create data dir: %w", err)
		}
		db, err := badgerdb.Open(badgerdb.DefaultOptions(filepath.Join(cfg.DataDir, "queue")).WithLogger(nil))
		if err != nil {
			ps.Close()
			return fmt.Errorf("open queue db: %w", err)
		}
		p.db = db
		p.Log.Info().Msg("postgres storage initialized")
		return nil

	case "memory":
		p.Store = memory.New()
		db, err := badgerdb.Open(badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil))
		if err != nil {
			return fmt.Errorf("open queue db: %w", err)
		}
		p.db = db
		p.Log.Warn().Msg("memory storage initialized, data will not survive a restart")
		return nil

	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// Close releases everything the pipeline owns, in dependency order.
func (p *Pipeline) Close() {
	p.Queue.Close()
	if err := p.Store.Close(); err != nil {
		p.Log.Error().Err(err).Msg("store close failed")
	}
	if p.badgerStore == nil && p.db != nil {
		if err := p.db.Close(); err != nil {
			p.Log.Error().Err(err).Msg("queue db close failed")
		}
	}
	p.Registry.Close()
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}
