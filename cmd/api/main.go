package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gravityauth.org/internal/auth"
	"gravityauth.org/internal/blacklist"
	"gravityauth.org/internal/config"
	"gravityauth.org/internal/httpapi"
	"gravityauth.org/internal/obs"
	"gravityauth.org/internal/token"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(os.Getenv("AUTH_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := auth.OpenPG(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}

	redisClient, err := blacklist.Connect(cfg.RedisURL)
	if err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	revoked := blacklist.NewRedis(redisClient)

	codec, err := token.NewCodec(cfg.SigningKeys,
		token.WithIssuer(cfg.Issuer),
		token.WithLeeway(cfg.ClockSkew),
	)
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}
	issuer, err := token.NewIssuer(codec, store.RefreshTokens(),
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
		token.WithResetTTL(cfg.ResetTTL),
	)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}

	svc, err := auth.NewService(store, codec, issuer, revoked,
		auth.WithOpTimeout(cfg.OpTimeout),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.EnsureBuiltins(startCtx); err != nil {
		cancelStart()
		log.Fatalf("ensure builtin roles: %v", err)
	}
	cancelStart()

	apiOpts := []httpapi.Option{
		httpapi.WithLoginRateLimit(cfg.LoginRatePerSecond, cfg.LoginRateBurst),
	}
	if cfg.DevLogResetTokens {
		// Stopgap for deployments without a mail dispatcher: the operator
		// reads the token from the log and relays it out of band.
		apiOpts = append(apiOpts, httpapi.WithResetTokenDelivery(func(ctx context.Context, email, resetToken string) {
			obs.LogEvent("warn", "reset_token_issued", map[string]any{
				"email": email,
				"token": resetToken,
			})
		}))
	}
	api := httpapi.New(svc, httpapi.ReadyProbe{DB: store.DB(), Redis: redisClient}, version, apiOpts...)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// gRPC side carries only the standard health service; load balancers
	// and sidecars probe it without an HTTP client.
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	log.Printf("Starting gravityauth %s on %s (grpc %s)", version, srv.Addr, cfg.GRPCAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		if err := grpcSrv.Serve(lis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	_ = redisClient.Close()
	_ = store.Close()
	log.Println("Stopped")
}
