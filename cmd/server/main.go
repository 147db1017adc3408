// kdapp episode runtime server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	"github.com/ashureev/kdapp-runtime/internal/admission"
	"github.com/ashureev/kdapp-runtime/internal/api"
	"github.com/ashureev/kdapp-runtime/internal/bridge"
	"github.com/ashureev/kdapp-runtime/internal/chain"
	"github.com/ashureev/kdapp-runtime/internal/config"
	"github.com/ashureev/kdapp-runtime/internal/engine"
	"github.com/ashureev/kdapp-runtime/internal/episode"
	"github.com/ashureev/kdapp-runtime/internal/fanout"
	"github.com/ashureev/kdapp-runtime/internal/game"
	"github.com/ashureev/kdapp-runtime/internal/identity"
	"github.com/ashureev/kdapp-runtime/internal/ledger"
	"github.com/ashureev/kdapp-runtime/internal/metrics"
	"github.com/ashureev/kdapp-runtime/internal/middleware"
	"github.com/ashureev/kdapp-runtime/internal/node"
	"github.com/ashureev/kdapp-runtime/internal/store"
	"github.com/ashureev/kdapp-runtime/internal/wallet"
	"github.com/ashureev/kdapp-runtime/internal/ws"
)

const admissionGCInterval = time.Hour

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if lvl, err := cfg.SlogLevel(); err == nil {
		level.Set(lvl)
	}

	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"mode", cfg.Mode,
		"storage", cfg.StorageBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	episodeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := episodeStore.Close(); closeErr != nil {
			slog.Error("Failed to close storage", "error", closeErr)
		}
	}()

	if err := episodeStore.Ping(ctx); err != nil {
		slog.Error("Storage health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Storage connected", "backend", cfg.StorageBackend)

	recorder := metrics.New()
	hub := fanout.NewHub(
		fanout.WithBuffer(cfg.SubscriberBuffer),
		fanout.WithObserver(recorder),
		fanout.WithLogger(logger),
	)
	defer hub.Close()

	adm := admission.New(admission.Limits{
		OpsPerHour:     cfg.Admission.OpsPerHour,
		EpisodesPerDay: cfg.Admission.EpisodesPerDay,
		MaxLifetimeOps: cfg.Admission.MaxLifetimeOps,
	}, admission.WithObserver(recorder), admission.WithLogger(logger))

	catalog := game.DefaultCatalog()
	registry := episode.NewRegistry(episodeStore, catalog,
		episode.WithGate(adm),
		episode.WithPublisher(hub),
		episode.WithObserver(recorder),
		episode.WithTTL(cfg.EpisodeTTL),
		episode.WithLogger(logger),
	)

	// Metadata is not persisted, so stored states cannot be reattached.
	if _, err := registry.PruneOrphans(ctx); err != nil {
		slog.Warn("Failed to prune orphaned episode state", "error", err)
	}

	bridgeOpts := []bridge.Option{bridge.WithGate(adm), bridge.WithLogger(logger)}
	var walletInfo api.WalletInfo
	var watcherDone <-chan struct{}
	if cfg.Mode == config.ModeChain {
		w, client, cleanup, err := startChain(ctx, cfg, adm, recorder, logger)
		if err != nil {
			slog.Error("Failed to start transaction pipeline", "error", err)
			os.Exit(1)
		}
		defer cleanup()

		watcherDone = engine.NewWatcher(client, registry, hub, chain.DefaultPrefix, logger).Start(ctx)
		bridgeOpts = append(bridgeOpts, bridge.WithWallet(w))
		walletInfo = w
	}
	br := bridge.New(registry, catalog, bridgeOpts...)

	// Start background workers.
	registry.StartSweeper(ctx, cfg.SweepInterval)
	adm.StartGC(ctx, admissionGCInterval, cfg.Admission.SessionRetention)

	issuer, err := identity.NewIssuer([]byte(cfg.SessionSecret), identity.DefaultTokenTTL)
	if err != nil {
		slog.Error("Failed to initialize session issuer", "error", err)
		os.Exit(1)
	}
	if cfg.SessionSecret == "" {
		slog.Warn("SESSION_SECRET not set, sessions will not survive a restart")
	}

	// Initialize handlers.
	conns := ws.NewConnManager()
	episodeHandler := api.NewEpisodeHandler(registry, br, catalog, adm, walletInfo)
	episodeHandler.SetDisconnector(conns)
	healthHandler := api.NewHealthHandler(episodeStore, cfg.Mode)
	wsHandler := ws.NewHandler(registry, br, hub, conns, cfg.FrontendURL, cfg.IsDevelopment(), cfg.WSActionsPerSecond)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{cfg.FrontendURL}))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", recorder.Handler())

	// Session-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(issuer, cfg.IsDevelopment()))
		episodeHandler.RegisterRoutes(r)
		r.Get("/ws/episodes/{id}", wsHandler.ServeHTTP)
	})

	// Create server.
	// WebSocket subscriptions are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	closeCtx, closeCancel := context.WithTimeout(shutdownCtx, 3*time.Second)
	if n := conns.CloseAll(closeCtx, "server shutting down"); n > 0 {
		slog.Info("Closed subscriber connections", "count", n)
	}
	closeCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}
	if watcherDone != nil {
		select {
		case <-watcherDone:
		case <-shutdownCtx.Done():
			slog.Warn("Watcher did not stop in time")
		}
	}

	slog.Info("Server stopped successfully")
}

func openStore(cfg *config.Config) (store.EpisodeStore, error) {
	if cfg.StorageBackend == config.StorageSQLite {
		return store.NewSQLite(cfg.DBPath)
	}
	return store.NewMemory(), nil
}

func loadSigner(cfg *config.Config) (*chain.Signer, error) {
	switch {
	case cfg.Wallet.PrivateKey != "":
		return chain.SignerFromHex(cfg.Wallet.PrivateKey)
	case cfg.Wallet.Mnemonic != "":
		return chain.SignerFromMnemonic(cfg.Wallet.Mnemonic)
	default:
		slog.Warn("No server key configured, using an ephemeral key")
		return chain.GenerateSigner()
	}
}

// startChain builds the node client and the wallet. cleanup releases the
// node connection and any loopback gRPC listener.
func startChain(ctx context.Context, cfg *config.Config, adm *admission.Controller, recorder *metrics.Recorder, logger *slog.Logger) (*wallet.Wallet, node.Client, func(), error) {
	signer, err := loadSigner(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	var client node.Client
	cleanup := func() {}
	if cfg.UsesLoopbackNode() {
		lb := node.NewLoopback(node.WithLoopbackLogger(logger))
		genesis := lb.Fund(signer.Script(), cfg.Wallet.LoopbackFunding)
		slog.Info("Using in-process loopback node", "genesis", genesis.TxID, "amount", cfg.Wallet.LoopbackFunding)
		client = lb

		if cfg.Wallet.LoopbackListen != "" {
			stopServer, err := serveLoopback(cfg.Wallet.LoopbackListen, lb)
			if err != nil {
				return nil, nil, nil, err
			}
			cleanup = stopServer
		}
	} else {
		grpcClient, err := node.NewGrpcClient(cfg.Wallet.NodeAddr, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		client = grpcClient
		cleanup = grpcClient.Close
	}

	w := wallet.New(ledger.New(), client, signer, adm, wallet.Config{
		Fee:     cfg.Wallet.Fee,
		Network: cfg.Wallet.Network,
		Prefix:  chain.DefaultPrefix,
	}, wallet.WithObserver(recorder), wallet.WithLogger(logger))

	if err := w.Refresh(ctx); err != nil {
		slog.Warn("Initial resource refresh failed", "error", err)
	}
	w.StartRefresher(ctx, cfg.Wallet.RefreshInterval)
	slog.Info("Wallet ready", "address", w.Address(), "balance", w.Balance())
	return w, client, cleanup, nil
}

// serveLoopback exposes the loopback node to other runtimes over gRPC.
func serveLoopback(addr string, lb *node.Loopback) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := grpc.NewServer()
	node.RegisterServer(srv, lb)
	go func() {
		slog.Info("Loopback node listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			slog.Error("Loopback node server failed", "error", err)
		}
	}()
	return srv.GracefulStop, nil
}
