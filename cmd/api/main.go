package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"flashdrop.org/internal/admission"
	"flashdrop.org/internal/httpapi"
	"flashdrop.org/internal/idempotency"
	"flashdrop.org/internal/obs"
	"flashdrop.org/internal/ratelimit"
	"flashdrop.org/internal/sale"
	"flashdrop.org/internal/store/pg"
	"flashdrop.org/internal/stream"
	"flashdrop.org/internal/verify"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Authoritative store: Postgres when a DSN is configured, otherwise the
	// in-process registry (single-instance deployments and local runs).
	var (
		sales   sale.Service
		probe   httpapi.ReadyProbe
		pgStore *pg.Store
	)
	if dsn := os.Getenv("FLASHDROP_PG_DSN"); dsn != "" {
		var err error
		pgStore, err = pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		sales = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		sales = sale.NewInMemory()
	}

	// Per-identity attempt limiter: Redis when configured so all instances
	// share windows, in-memory otherwise.
	rlCfg := ratelimit.Config{
		MaxRequests: envInt("FLASHDROP_RATE_MAX", 10),
		Window:      envDuration("FLASHDROP_RATE_WINDOW", time.Minute),
	}
	var limiter ratelimit.Limiter
	if addr := os.Getenv("FLASHDROP_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		limiter = ratelimit.NewRedis(client, rlCfg)
	} else {
		mem := ratelimit.NewMemory(rlCfg)
		mem.StartJanitor(ctx, time.Minute)
		limiter = mem
	}

	// Verification gate: external siteverify endpoint when configured. An
	// unset endpoint admits everything, which is only sensible for dev.
	var gate verify.Gate = verify.StaticGate{Result: verify.Result{Passed: true, Score: 1}}
	if endpoint := os.Getenv("FLASHDROP_VERIFY_URL"); endpoint != "" {
		gate = verify.NewHTTPGate(endpoint, os.Getenv("FLASHDROP_VERIFY_SECRET"),
			verify.WithThreshold(envFloat("FLASHDROP_VERIFY_THRESHOLD", verify.DefaultThreshold)))
	}

	ledger := idempotency.New[admission.Outcome](envDuration("FLASHDROP_IDEM_TTL", idempotency.DefaultTTL))
	ledger.StartJanitor(ctx, time.Minute)

	st := stream.New()
	engine := admission.New(sales, limiter, gate, ledger, st, admission.Config{
		StoreTimeout:      envDuration("FLASHDROP_STORE_TIMEOUT", 2*time.Second),
		HeartbeatInterval: envDuration("FLASHDROP_HEARTBEAT", time.Second),
	})
	stopHeartbeat := engine.StartHeartbeat()
	defer stopHeartbeat()

	api := httpapi.New(probe, engine, sales, st, version)

	var handler http.Handler = api.Handler()
	handler = httpapi.RateLimit(handler, envInt("FLASHDROP_HTTP_BURST", 50), envInt("FLASHDROP_HTTP_RPS", 25))
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.CORS(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.LoggingJSON(handler)
	handler = httpapi.RequestID(handler)

	addr := os.Getenv("FLASHDROP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second, // long enough for event streams to be useful
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting flashdrop-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	stopHeartbeat()
	cancel()
	if pgStore != nil {
		_ = pgStore.Close()
	}
	log.Println("Stopped")
}

func envInt(name string, def int) int {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
		log.Fatalf("%s: invalid integer %q", name, os.Getenv(name))
	}
	return def
}

func envFloat(name string, def float64) float64 {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
			return v
		}
		log.Fatalf("%s: invalid number %q", name, os.Getenv(name))
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			return v
		}
		log.Fatalf("%s: invalid duration %q", name, os.Getenv(name))
	}
	return def
}
