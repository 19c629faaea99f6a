package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskmgr818/fractal-at-home/internal/cli"
	"github.com/taskmgr818/fractal-at-home/worker/internal/config"
	"github.com/taskmgr818/fractal-at-home/worker/internal/dashboard"
	"github.com/taskmgr818/fractal-at-home/worker/internal/database"
	"github.com/taskmgr818/fractal-at-home/worker/internal/engine"
)

func main() {
	configPath := flag.String("config", "", "path to config file (defaults apply when empty)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config file] <host:port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	addr, err := cli.ParseAddress(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// Load configuration
	cfg := config.Default()
	if *configPath != "" {
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	log.Printf("Starting worker %q (capacity %d)", cfg.Worker.Name, cfg.Worker.Capacity)
	log.Printf("Connecting to dispatcher: %s", addr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dash := dashboard.NewDashboard(cfg.Worker.Name, addr.String(), cfg.Worker.Capacity)
	recorders := []engine.Recorder{dash}

	// Fragment history
	if cfg.Database.Path != "" {
		db, err := database.NewDB(cfg.Database.Path)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		recorders = append(recorders, db)

		if stats, err := db.GetAggregateStats(time.Now()); err != nil {
			log.Printf("[worker] failed to load historical stats: %v", err)
		} else {
			dash.LoadHistoricalStats(stats.TotalFragments, stats.TotalPixels, stats.TotalMs, stats.TodayFragments, stats.TodayPixels)
			log.Printf("[worker] loaded historical stats: %d fragments, %d pixels",
				stats.TotalFragments, stats.TotalPixels)
		}
	}

	e := engine.New(engine.Config{
		Name:            cfg.Worker.Name,
		Capacity:        cfg.Worker.Capacity,
		IOTimeout:       cfg.Connection.IOTimeout,
		IdleTimeout:     cfg.Connection.IdleTimeout,
		MaxDialAttempts: cfg.Connection.MaxDialAttempts,
		RetryInterval:   cfg.Connection.RetryInterval,
	}, addr.String(), recorders...)
	dash.SetStateFunc(e.State)

	if cfg.Dashboard.Enabled {
		log.Printf("Dashboard enabled on %s", cfg.Dashboard.Address)
		go func() {
			if err := dash.ServeHTTP(ctx, cfg.Dashboard.Address); err != nil {
				log.Printf("[worker] dashboard server error: %v", err)
			}
		}()
	}

	err = e.Run(ctx)
	switch {
	case err == nil:
		log.Printf("Worker finished: %s", reasonOr(e.CloseReason(), "connection closed"))
	case errors.Is(err, context.Canceled):
		log.Printf("Worker stopped")
	default:
		log.Printf("Worker failed: %v", err)
		stop()
		os.Exit(1)
	}
}

func reasonOr(reason, fallback string) string {
	if reason == "" {
		return fallback
	}
	return reason
}
