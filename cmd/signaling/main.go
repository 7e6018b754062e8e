package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/RoseWrightdev/signaling-core/internal/auth"
	"github.com/RoseWrightdev/signaling-core/internal/config"
	"github.com/RoseWrightdev/signaling-core/internal/exchange"
	"github.com/RoseWrightdev/signaling-core/internal/gateway"
	"github.com/RoseWrightdev/signaling-core/internal/health"
	"github.com/RoseWrightdev/signaling-core/internal/identity"
	"github.com/RoseWrightdev/signaling-core/internal/logging"
	"github.com/RoseWrightdev/signaling-core/internal/mcu"
	"github.com/RoseWrightdev/signaling-core/internal/middleware"
	"github.com/RoseWrightdev/signaling-core/internal/module"
	"github.com/RoseWrightdev/signaling-core/internal/modules/automod"
	"github.com/RoseWrightdev/signaling-core/internal/modules/breakout"
	"github.com/RoseWrightdev/signaling-core/internal/modules/chat"
	"github.com/RoseWrightdev/signaling-core/internal/modules/legalvote"
	"github.com/RoseWrightdev/signaling-core/internal/modules/media"
	"github.com/RoseWrightdev/signaling-core/internal/modules/moderation"
	"github.com/RoseWrightdev/signaling-core/internal/modules/trainingreport"
	"github.com/RoseWrightdev/signaling-core/internal/objectstore"
	"github.com/RoseWrightdev/signaling-core/internal/ratelimit"
	"github.com/RoseWrightdev/signaling-core/internal/relstore"
	"github.com/RoseWrightdev/signaling-core/internal/store"
	"github.com/RoseWrightdev/signaling-core/internal/tracing"
)

// version is stamped by the build pipeline (-ldflags "-X main.version=...").
var version = "dev"

// Exit codes per the service contract: 0 normal, 2 invalid config, 70
// unrecoverable startup failure.
const (
	exitOK            = 0
	exitInvalidConfig = 2
	exitStartupFailed = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a .env-style config file")
	logLevel := flag.String("log-level", "", "override LOG_LEVEL")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return exitOK
	}

	if *configPath != "" {
		if err := godotenv.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file %s: %v\n", *configPath, err)
			return exitInvalidConfig
		}
	} else {
		// Best-effort local .env for development.
		_ = godotenv.Load(".env")
	}
	if *logLevel != "" {
		os.Setenv("LOG_LEVEL", *logLevel)
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		return exitStartupFailed
	}
	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "signaling-core", collectorAddr)
		if err != nil {
			logging.Warn(ctx, "tracing disabled", zap.Error(err))
		} else {
			defer func() { _ = tp.Shutdown(ctx) }()
		}
	}

	// Volatile store: Redis in multi-instance deployments, in-process
	// otherwise.
	var st store.Store
	var redisClient *redis.Client
	if cfg.RedisEnabled {
		rs, err := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect volatile store", zap.Error(err))
			return exitStartupFailed
		}
		st = rs
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	} else {
		st = store.NewMemory()
		logging.Warn(ctx, "volatile store running in-process (single-instance mode)")
	}
	defer st.Close()

	var exch *exchange.Exchange
	if redisClient != nil {
		hostname, _ := os.Hostname()
		exch = exchange.NewWithRedis(redisClient, hostname)
	} else {
		exch = exchange.New()
	}
	defer exch.Close()

	// MCU pool. Dead-client notifications route to the owning runner
	// over the exchange as media module messages.
	targets, err := parseSfuTargets(cfg.SFUTargets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}
	notifier := func(ctx context.Context, sessionKey string, code mcu.ShutdownCode) {
		key, err := mcu.ParseMediaSessionKey(sessionKey)
		if err != nil {
			logging.Warn(ctx, "unroutable mcu shutdown notification", zap.Error(err))
			return
		}
		msg, err := module.NewExchangeMessage(media.Namespace, media.ExMcuShutdown, media.McuShutdownEvent{
			SessionType: media.SessionType(key.Type),
			Code:        string(code),
		})
		if err != nil {
			return
		}
		data, err := msg.Encode()
		if err != nil {
			return
		}
		_ = exch.Publish(ctx, exchange.ParticipantKey(key.Room, key.Participant), data)
	}
	pool, err := mcu.NewPool(targets, st, mcu.BitrateCaps{}, notifier)
	if err != nil {
		logging.Error(ctx, "failed to start mcu pool", zap.Error(err))
		return exitStartupFailed
	}
	defer pool.Close()

	// Durable collaborators.
	rel, err := relstore.Open(cfg.RelStoreDSN)
	if err != nil {
		logging.Error(ctx, "failed to open relational store", zap.Error(err))
		return exitStartupFailed
	}
	objects := objectstore.New(cfg.ObjectStoreEndpoint, cfg.ObjectStoreRegion, cfg.ObjectStoreBucket,
		os.Getenv("OBJECT_STORE_ACCESS_KEY"), os.Getenv("OBJECT_STORE_SECRET_KEY"), 0)

	var directory identity.Directory
	if cfg.OIDCIssuerURL != "" {
		dir, err := identity.NewOIDC(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, os.Getenv("OIDC_CLIENT_SECRET"))
		if err != nil {
			logging.Error(ctx, "failed to connect identity directory", zap.Error(err))
			return exitStartupFailed
		}
		directory = dir
	}

	// Module registry: registration order is dispatch order.
	tenant := "default"
	registry := &module.Registry{}
	registry.Register(chat.New(directory))
	registry.Register(media.New(pool, tenant, false))
	registry.Register(automod.New())
	registry.Register(legalvote.New(rel, objects, cfg.LegalVotePDFTemplateDir, tenant))
	registry.Register(trainingreport.New(objects, rel, tenant,
		trainingreport.Range{AfterSecs: cfg.TrainingCheckpointAfterSeconds, WithinSecs: cfg.TrainingCheckpointWithinSeconds},
		trainingreport.Range{AfterSecs: cfg.TrainingCheckpointAfterSeconds, WithinSecs: cfg.TrainingCheckpointWithinSeconds}))
	registry.Register(breakout.New())
	registry.Register(moderation.New())

	limiter, err := ratelimit.NewRateLimiter(cfg, redisClient)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	var validator gateway.TicketValidator
	if cfg.DevelopmentMode {
		logging.Warn(ctx, "ticket signature verification DISABLED for development")
		validator = &auth.MockValidator{}
	} else {
		v, err := auth.NewValidator(ctx, os.Getenv("TICKET_ISSUER_DOMAIN"), os.Getenv("TICKET_AUDIENCE"))
		if err != nil {
			logging.Error(ctx, "failed to build ticket validator", zap.Error(err))
			return exitStartupFailed
		}
		validator = v
	}

	gw := gateway.New(st, exch, registry, validator, limiter, cfg.AllowedOrigins)

	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("signaling-core"))
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsConfig))

	gw.Register(router)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(st, pool)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info(ctx, "signaling gateway starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		logging.Error(ctx, "server failed", zap.Error(err))
		return exitStartupFailed
	case <-quit:
	}

	logging.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "forced shutdown", zap.Error(err))
	}
	return exitOK
}

// parseSfuTargets parses "mcu-0=host:port,mcu-1=host:port".
func parseSfuTargets(raw string) (map[string]string, error) {
	targets := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, addr, found := strings.Cut(pair, "=")
		if !found || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid SFU_TARGETS entry %q (want id=host:port)", pair)
		}
		targets[id] = addr
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("SFU_TARGETS resolved to no targets")
	}
	return targets, nil
}
