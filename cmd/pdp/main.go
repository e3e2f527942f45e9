package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Mennes303/gdpr-art5-engine/pkg/audit"
	"github.com/Mennes303/gdpr-art5-engine/pkg/auditbus"
	"github.com/Mennes303/gdpr-art5-engine/pkg/duty"
	"github.com/Mennes303/gdpr-art5-engine/pkg/evaluator"
	"github.com/Mennes303/gdpr-art5-engine/pkg/httpx"
	"github.com/Mennes303/gdpr-art5-engine/pkg/loader"
	"github.com/Mennes303/gdpr-art5-engine/pkg/metrics"
	"github.com/Mennes303/gdpr-art5-engine/pkg/ratelimit"
	"github.com/Mennes303/gdpr-art5-engine/pkg/store"
	"github.com/Mennes303/gdpr-art5-engine/pkg/stream"
	"github.com/Mennes303/gdpr-art5-engine/pkg/telemetry"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	openDBFn        func(context.Context) (pdpDB, func(), error)
	listenFn        func(*http.Server) error
)

// pdpDB is everything the engine needs from the pool.
type pdpDB interface {
	audit.DB
	duty.DB
}

func main() {
	if err := run(initTelemetryFn, openDBFn, listenFn); err != nil {
		logFatalf("pdp: %v", err)
	}
}

func run(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	openDB func(context.Context) (pdpDB, func(), error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if openDB == nil {
		openDB = func(ctx context.Context) (pdpDB, func(), error) {
			pool, err := store.NewPostgresPool(ctx)
			if err != nil {
				return nil, nil, err
			}
			return pool, pool.Close, nil
		}
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "pdp")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	metrics.MustRegister()

	db, closeDB, err := openDB(ctx)
	if err != nil {
		return err
	}
	if closeDB != nil {
		defer closeDB()
	}

	hub := stream.NewHub()
	var bus *auditbus.Publisher
	if brokers := env("AUDIT_KAFKA_BROKERS", ""); brokers != "" {
		bus, err = auditbus.NewPublisher(auditbus.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("AUDIT_KAFKA_TOPIC", "pdp.audit"),
		})
		if err != nil {
			return err
		}
		defer func() { _ = bus.Close() }()
	}
	auditLog := audit.New(db, audit.WithOnAppend(func(e audit.Entry) {
		eventType := "audit.append"
		if e.PolicyUID == duty.SchedulerPolicyUID {
			eventType = "duty.fulfilled"
		}
		hub.Publish(stream.NewEvent(eventType, e))
		if bus != nil {
			bus.Publish(e)
		}
	}))

	policies := store.NewPolicies(db)
	redisClient := store.NewRedisClient()
	rawCache := store.NewCache(ctx, redisClient)
	policyLoader := loader.New(policies, rawCache,
		env("POLICY_FIXTURE_DIR", "fixtures"),
		envDurationSec("POLICY_CACHE_TTL_SEC", 600))
	duties := duty.NewStore(db, auditLog)
	eval := evaluator.New(duties, auditLog, evaluator.Options{
		DenyPurposes: splitList(env("PDP_DENY_PURPOSES", "")),
		DenyRoles:    splitList(env("PDP_DENY_ROLES", "")),
	})

	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	go duty.NewScheduler(duties, envDurationSec("DUTY_TICK_INTERVAL_SEC", 3600)).Run(schedCtx)

	s := &Server{
		Policies:            policies,
		Loader:              policyLoader,
		Eval:                eval,
		Audit:               auditLog,
		Duties:              duties,
		Hub:                 hub,
		EnableTestEndpoints: env("PDP_ENABLE_TEST_ENDPOINTS", "false") == "true",
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("pdp"))
	if perMin := envInt("RATE_LIMIT_PER_MINUTE", 0); perMin > 0 {
		r.Use(httpx.RateLimitMiddleware(ratelimit.NewRedis(redisClient, time.Minute), perMin))
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "pdp"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	s.routes(r)

	addr := env("ADDR", ":8080")
	log.Printf("pdp listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
