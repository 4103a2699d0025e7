package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"saleslens.org/internal/analyst"
	"saleslens.org/internal/auth"
	"saleslens.org/internal/config"
	"saleslens.org/internal/httpapi"
	"saleslens.org/internal/obs"
	"saleslens.org/internal/query"
	"saleslens.org/internal/sqlguard"
	"saleslens.org/internal/warehouse"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// Metrics registration, JSON logger and build info.
	obs.SetLevel(obs.ParseLevel(cfg.Log.Level))
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := warehouse.Open(ctx, cfg.PG.DSN, warehouse.PoolOptions{
		MaxOpenConns:    cfg.PG.MaxOpenConns,
		MaxIdleConns:    cfg.PG.MaxIdleConns,
		ConnMaxLifetime: cfg.PG.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	sessions, closeSessions, err := sessionStore(ctx, cfg)
	if err != nil {
		log.Fatalf("session store: %v", err)
	}
	defer closeSessions()

	secret := []byte(cfg.Session.TokenSecret)
	if len(secret) == 0 {
		// Tokens from a random secret die with the process, like the memory store.
		if secret, err = auth.RandomSecret(); err != nil {
			log.Fatalf("token secret: %v", err)
		}
	}
	authOpts := []auth.ServiceOption{
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithRegionRefresh(cfg.Session.RegionRefresh),
	}
	if cfg.Session.Sliding {
		authOpts = append(authOpts, auth.WithSlidingExpiry(cfg.Session.MaxLifetime))
	}
	authSvc, err := auth.NewService(auth.NewPGStore(db), sessions, secret, authOpts...)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	nl, err := analyst.New(analyst.Options{
		BaseURL:       cfg.Analyst.BaseURL,
		APIKey:        cfg.Analyst.APIKey,
		SemanticModel: cfg.Analyst.SemanticModel,
		Timeout:       cfg.Analyst.Timeout,
	})
	if err != nil {
		log.Fatalf("analyst: %v", err)
	}

	orch := query.New(authSvc, nl, warehouse.NewScope(db), query.Options{
		MaxRows:      cfg.Query.MaxRows,
		QueryTimeout: cfg.Query.Timeout,
		DebugSQL:     cfg.Log.DebugSQL,
		FormatSQL:    cfg.Query.FormatSQL,
		Guard:        sqlguard.New(cfg.Query.AllowedTables...),
	})

	probe := httpapi.Probe{DB: db, Analyst: nl}
	api := httpapi.New(authSvc, orch, probe, httpapi.Options{
		Version:        version,
		CookieName:     cfg.Session.CookieName,
		CookieSecure:   cfg.Session.CookieSecure,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		LoginPerMinute: int(cfg.Login.RatePerMinute),
		LoginBurst:     cfg.Login.Burst,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Answers wait on the NL service and the query, so allow for both.
		WriteTimeout: cfg.Analyst.Timeout + cfg.Query.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := grpc.NewServer()
	health := httpapi.NewGRPCHealth(probe)
	health.Register(grpcServer)
	go health.Run(ctx, 15*time.Second)

	obs.Log(obs.LevelInfo, "starting saleslens-api", map[string]any{
		"version":       version,
		"http_addr":     srv.Addr,
		"grpc_addr":     cfg.GRPCAddr,
		"session_store": cfg.Session.Store,
	})

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	if cfg.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		go func() {
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	<-ctx.Done()
	obs.Log(obs.LevelInfo, "shutting down", nil)
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
	obs.Log(obs.LevelInfo, "stopped", nil)
}

// sessionStore builds the configured store. The memory store is swept in
// the background until ctx is done.
func sessionStore(ctx context.Context, cfg config.Config) (auth.SessionStore, func(), error) {
	switch cfg.Session.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return auth.NewRedisSessionStore(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil
	default:
		store := auth.NewMemorySessionStore()
		go store.RunSweeper(ctx, time.Minute)
		return store, func() {}, nil
	}
}
