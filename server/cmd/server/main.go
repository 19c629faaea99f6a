package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/taskmgr818/fractal-at-home/internal/cli"
	"github.com/taskmgr818/fractal-at-home/server/internal/cache"
	"github.com/taskmgr818/fractal-at-home/server/internal/config"
	"github.com/taskmgr818/fractal-at-home/server/internal/dispatcher"
	"github.com/taskmgr818/fractal-at-home/server/internal/handler"
	"github.com/taskmgr818/fractal-at-home/server/internal/metrics"
	"github.com/taskmgr818/fractal-at-home/server/internal/middleware"
	"github.com/taskmgr818/fractal-at-home/server/internal/scheduler"
	"github.com/taskmgr818/fractal-at-home/server/internal/service"
	"github.com/taskmgr818/fractal-at-home/server/internal/sink"
	"github.com/taskmgr818/fractal-at-home/server/internal/store"
	"github.com/taskmgr818/fractal-at-home/server/internal/ws"
)

func main() {
	// ── Arguments ──
	addr, err := cli.ParseAddress(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// ── Configuration ──
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	job := cfg.Job()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ──
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ── Sink ──
	out, err := sink.Open(ctx, cfg.SinkURL, cfg.SinkPrefix)
	if err != nil {
		log.Fatalf("failed to open sink: %v", err)
	}
	defer out.Close()
	log.Printf("[sink] writing to %s (prefix %q)", cfg.SinkURL, cfg.SinkPrefix)

	// ── Scheduler ──
	sched, err := scheduler.NewScheduler(job)
	if err != nil {
		log.Fatalf("failed to init scheduler: %v", err)
	}

	hub := ws.NewHub()
	deps := service.Deps{Scheduler: sched, Sink: out, Monitor: hub, Metrics: m}

	// ── Redis render cache (optional) ──
	if cfg.CacheEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		rc, err := cache.New(rdb, cfg.CacheTTL)
		if err != nil {
			log.Fatalf("failed to init cache: %v", err)
		}
		defer rc.Close()
		deps.Cache = rc
		log.Println("connected to Redis at", cfg.RedisAddr)
	}

	// ── SQL job log (optional) ──
	var history handler.JobHistory
	if cfg.StoreEnabled {
		st, err := store.NewStore(cfg.DSN())
		if err != nil {
			log.Fatalf("failed to init store: %v", err)
		}
		deps.History = st
		history = st
		log.Printf("database initialised: %s@%s:%s/%s", cfg.DBUser, cfg.DBHost, cfg.DBPort, cfg.DBName)
	}

	// ── Service & dispatcher ──
	svc := service.NewRenderService(deps)
	disp := dispatcher.New(sched, dispatcher.Config{
		JobID:     svc.JobID(),
		IOTimeout: cfg.IOTimeout,
		Metrics:   m,
		Publisher: svc,
	})

	ln, err := net.Listen("tcp", addr.String())
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	// ── Lease Watchdog (background) ──
	go sched.StartLeaseWatchdog(gctx, cfg.LeaseTTL, cfg.LeaseInterval)

	g.Go(func() error {
		return disp.Serve(gctx, ln)
	})
	g.Go(func() error {
		// The job is over once the image is delivered; stop everything else.
		defer cancelRun()
		return svc.Run(gctx)
	})

	// ── Gin monitor with graceful shutdown ──
	if cfg.MonitorAddr != "" {
		gin.SetMode(gin.ReleaseMode)
		r := gin.New()
		r.Use(gin.Recovery())
		r.Use(middleware.CORS())
		r.Use(middleware.Logger("/metrics"))
		handler.NewHandler(svc, disp, hub, history, m.Handler()).RegisterRoutes(r, middleware.TokenAuth(cfg.MonitorToken))

		srv := &http.Server{Addr: cfg.MonitorAddr, Handler: r}
		g.Go(func() error {
			log.Printf("monitor listening on %s", cfg.MonitorAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("monitor: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()

	log.Println("shutting down dispatcher...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := disp.Shutdown(shutdownCtx); err != nil {
		log.Printf("dispatcher shutdown error: %v", err)
	}
	if st, ok := deps.History.(*store.Store); ok {
		if err := st.Close(); err != nil {
			log.Printf("store close error: %v", err)
		}
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			log.Println("interrupted before the image was complete")
		} else {
			log.Printf("server stopped: %v", runErr)
		}
		os.Exit(1)
	}
	log.Println("server exited cleanly")
}
