package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tkarski/eventgate/pkg/server"
	"github.com/tkarski/eventgate/pkg/store"
	"github.com/tkarski/eventgate/pkg/tenant"
)

func main() {
	app := &cli.App{
		Name:  "eventgate",
		Usage: "Multi-tenant event ingestion and analytics pipeline.",
		Commands: []*cli.Command{
			serveCmd(),
			processCmd(),
			aggregateCmd(),
			sweepCmd(),
			statusCmd(),
			keygenCmd(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "data-dir",
			Usage:   "data directory for embedded storage",
			EnvVars: []string{"EVENTGATE_DATA_DIR"},
		},
		&cli.StringFlag{
			Name:    "tenants",
			Usage:   "path to the tenants YAML file",
			EnvVars: []string{"EVENTGATE_TENANTS_FILE"},
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "storage backend: badger, postgres or memory",
			EnvVars: []string{"EVENTGATE_STORE"},
		},
		&cli.StringFlag{
			Name:    "postgres-dsn",
			Usage:   "connection string for the postgres backend",
			EnvVars: []string{"EVENTGATE_POSTGRES_DSN"},
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "trace, debug, info, warn or error",
			EnvVars: []string{"EVENTGATE_LOG_LEVEL"},
		},
	}
}

// loadConfig starts from the environment and lets flags override it.
func loadConfig(ctx *cli.Context) server.Config {
	cfg := server.LoadConfig()
	if v := ctx.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := ctx.String("tenants"); v != "" {
		cfg.TenantsFile = v
	}
	if v := ctx.String("store"); v != "" {
		cfg.StoreBackend = v
	}
	if v := ctx.String("postgres-dsn"); v != "" {
		cfg.PostgresDSN = v
	}
	if v := ctx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server with all background workers.",
		Flags: append(commonFlags(), &cli.StringFlag{
			Name:    "port",
			Usage:   "HTTP listen port",
			EnvVars: []string{"EVENTGATE_PORT", "PORT"},
		}),
		Action: func(ctx *cli.Context) error {
			cfg := loadConfig(ctx)
			if v := ctx.String("port"); v != "" {
				cfg.Port = v
			}
			runCtx, cancel := signalContext()
			defer cancel()
			return server.Run(runCtx, cfg)
		},
	}
}

// withPipeline builds the pipeline for a one-shot command and tears it
// down afterwards.
func withPipeline(ctx *cli.Context, fn func(context.Context, *server.Pipeline) error) error {
	cfg := loadConfig(ctx)
	log := server.NewLogger(cfg.LogLevel)

	runCtx, cancel := signalContext()
	defer cancel()

	p, err := server.Build(runCtx, cfg, log)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(runCtx, p)
}

func processCmd() *cli.Command {
	return &cli.Command{
		Name:  "process",
		Usage: "Drain the event queue into storage once and exit.",
		Flags: commonFlags(),
		Action: func(ctx *cli.Context) error {
			return withPipeline(ctx, func(runCtx context.Context, p *server.Pipeline) error {
				stored, dead, err := p.Processor.RunOnce(runCtx)
				if err != nil {
					return err
				}
				fmt.Printf("stored %d events, dead-lettered %d\n", stored, dead)
				return nil
			})
		},
	}
}

func aggregateCmd() *cli.Command {
	return &cli.Command{
		Name:  "aggregate",
		Usage: "Compute pending rollup buckets and exit.",
		Flags: append(commonFlags(), &cli.StringFlag{
			Name:  "granularity",
			Usage: "compute only one granularity: 5min, hourly or daily",
		}),
		Action: func(ctx *cli.Context) error {
			return withPipeline(ctx, func(runCtx context.Context, p *server.Pipeline) error {
				var (
					n   int
					err error
				)
				if g := ctx.String("granularity"); g != "" {
					n, err = p.Aggregator.RunGranularity(runCtx, store.Granularity(g))
				} else {
					n, err = p.Aggregator.RunAll(runCtx)
				}
				if err != nil {
					return err
				}
				fmt.Printf("computed %d buckets\n", n)
				return nil
			})
		},
	}
}

func sweepCmd() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one retention sweep and exit.",
		Flags: commonFlags(),
		Action: func(ctx *cli.Context) error {
			return withPipeline(ctx, func(runCtx context.Context, p *server.Pipeline) error {
				res, err := p.Sweeper.Sweep(runCtx)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d events, %d aggregates and %d summaries across %d tenants\n",
					res.EventsDeleted, res.AggregatesDeleted, res.SummariesDeleted, res.Tenants)
				return nil
			})
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Print queue depth, dead letters and storage stats.",
		Flags: commonFlags(),
		Action: func(ctx *cli.Context) error {
			return withPipeline(ctx, func(runCtx context.Context, p *server.Pipeline) error {
				queryCtx, cancel := context.WithTimeout(runCtx, 30*time.Second)
				defer cancel()

				lag, err := p.Processor.Lag(queryCtx)
				if err != nil {
					return err
				}
				dead, err := p.Processor.DeadLetters(queryCtx, 100)
				if err != nil {
					return err
				}
				stats, err := p.Store.Stats(queryCtx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"queue_lag":    lag,
					"dead_letters": len(dead),
					"events":       stats.TotalEvents,
					"aggregates":   stats.TotalAggregates,
					"sources":      stats.TotalSources,
					"size_bytes":   stats.SizeBytes,
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			})
		},
	}
}

func keygenCmd() *cli.Command {
	return &cli.Command{
		Name:  "keygen",
		Usage: "Generate a fresh ingest/query key pair for a tenant.",
		Action: func(ctx *cli.Context) error {
			fmt.Printf("ingest_key: %s\nquery_key: %s\n", tenant.NewIngestKey(), tenant.NewQueryKey())
			return nil
		},
	}
}
