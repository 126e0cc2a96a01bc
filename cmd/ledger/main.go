package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"github.com/example/fx-ledger/internal/auth"
	"github.com/example/fx-ledger/internal/config"
	"github.com/example/fx-ledger/internal/exchange"
	"github.com/example/fx-ledger/internal/funds"
	"github.com/example/fx-ledger/internal/ledger"
	"github.com/example/fx-ledger/internal/rpc"
	"github.com/example/fx-ledger/internal/security"
	"github.com/example/fx-ledger/pkg/audit"
)

func main() {
	if err := run(); err != nil {
		slog.Error("ledger exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	allowlist, err := security.ParseCIDRAllowlist(cfg.API.IPAllowlist)
	if err != nil {
		return err
	}

	store, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	// Tokens are minted by the HTTP API; this server only verifies them.
	var keySet *auth.KeySet
	if cfg.Auth.SigningKeyFile != "" {
		if keySet, err = auth.LoadKeySet(cfg.Auth.SigningKeyFile); err != nil {
			return err
		}
	} else {
		logger.Warn("JWT_SIGNING_KEY_FILE not set, no token will verify")
		if keySet, err = auth.NewKeySet(); err != nil {
			return err
		}
	}

	gateway := exchange.NewGateway(cfg.Exchange.BaseURL)
	gateway.MaxAttempts = cfg.Exchange.MaxAttempts
	gateway.Backoff = cfg.Exchange.Backoff
	gateway.Timeout = cfg.Exchange.Timeout
	gateway.TTL = cfg.Exchange.CacheTTL
	gateway.Logger = logger
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		gateway.Cache = &exchange.RedisCache{Redis: redisClient, Prefix: "fx_ledger"}
	}

	opts := []funds.Option{funds.WithLogger(logger)}
	if cfg.AuditSink != "" {
		chain, f, err := audit.OpenFile(cfg.AuditSink + ".grpc")
		if err != nil {
			return err
		}
		defer f.Close()
		opts = append(opts, funds.WithAuditor(chain))
	}
	svc := funds.NewService(store, gateway, opts...)

	var serverOpts []grpc.ServerOption
	tlsFiles := security.TLSConfig{
		CertFile:          cfg.TLS.CertFile,
		KeyFile:           cfg.TLS.KeyFile,
		CAFile:            cfg.TLS.CAFile,
		RequireClientAuth: cfg.TLS.RequireClientAuth,
	}
	if tlsFiles.Enabled() {
		tlsCfg, err := security.LoadServerTLSConfig(tlsFiles)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}

	grpcServer := rpc.NewServer(logger, &auth.JWTValidator{KeySet: keySet, Issuer: cfg.Auth.Issuer}, allowlist, serverOpts...)
	rpc.RegisterFundsServer(grpcServer, &rpc.FundsServer{Funds: svc, Logger: logger})
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gRPC server")
		grpcServer.GracefulStop()
	}()

	logger.Info("fx-ledger gRPC server listening", "addr", cfg.GRPCAddr, "tls", tlsFiles.Enabled())
	return grpcServer.Serve(lis)
}
