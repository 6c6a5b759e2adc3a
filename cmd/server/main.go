// Package main is the entry point of the application
package main

import (
	"context"
	"flag"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tecu23/arena-server/internal/auth"
	"github.com/tecu23/arena-server/pkg/config"
	"github.com/tecu23/arena-server/pkg/events"
	"github.com/tecu23/arena-server/pkg/finalizer"
	"github.com/tecu23/arena-server/pkg/game"
	"github.com/tecu23/arena-server/pkg/manager"
	"github.com/tecu23/arena-server/pkg/metrics"
	"github.com/tecu23/arena-server/pkg/repository"
	"github.com/tecu23/arena-server/pkg/rules"
	"github.com/tecu23/arena-server/pkg/server"
)

// App encapsulates global dependencies
type application struct {
	Auth      *auth.TokenAuth
	Logger    *zap.Logger
	Config    *config.Config
	Publisher *events.Publisher
	Store     repository.Store
	Manager   *manager.Manager
	Hub       *server.Hub
	Server    *http.Server
	Upgrader  websocket.Upgrader

	StartTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

func main() {
	debug := flag.Bool("debug", false, "enable debug logging")
	port := flag.String("port", "", "server port")
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// .env is optional; the environment may already be set
	envErr := godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.Debug = true
	}
	if *port != "" {
		cfg.Port = *port
	}

	// Initialize logger
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	if envErr != nil {
		logger.Debug("No .env file loaded", zap.Error(envErr))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize repository
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open store error", zap.Error(err))
	}

	tokens, err := auth.ParseTokens(cfg.AuthTokens)
	if err != nil {
		logger.Fatal("parse auth tokens error", zap.Error(err))
	}
	if err := ensureUsers(ctx, store, tokens, logger); err != nil {
		logger.Fatal("seed users error", zap.Error(err))
	}

	// Initialize event publisher
	publisher := events.NewPublisher()
	metrics.Subscribe(publisher)

	fin := finalizer.New(store, logger,
		finalizer.WithKFactor(cfg.Game.KFactor),
		finalizer.WithAttempts(cfg.Game.FinalizeAttempts),
	)

	hub := server.NewHub(store, logger)

	// Initialize game manager
	gm := manager.NewManager(game.Deps{
		Store:       store,
		Oracle:      rules.NewStandard(),
		Finalizer:   fin,
		Broadcaster: hub,
		Publisher:   publisher,
		Logger:      logger,
		InitialTime: cfg.Game.InitialTime(),
		Resolution:  cfg.Game.Tick(),
	}, logger)
	hub.AttachManager(gm)

	app := &application{
		Auth:      auth.NewTokenAuth(tokens),
		Logger:    logger,
		Config:    cfg,
		Publisher: publisher,
		Store:     store,
		Manager:   gm,
		Hub:       hub,
		StartTime: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	app.Upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     app.checkOrigin,
	}

	go app.Hub.Run(ctx)

	err = app.serve()
	if err != nil {
		logger.Fatal("error serving", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return repository.OpenRedis(ctx, cfg.RedisURL, cfg.RedisPrefix, logger)
	case config.StorePostgres:
		return repository.OpenPostgres(ctx, cfg.DatabaseURL, logger)
	default:
		return repository.NewInMemoryStore(logger), nil
	}
}

func initLogger(debug bool) *zap.Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	return logger
}

// Shutdown cleans up resources
func (app *application) Shutdown() {
	// Stop clocks first so no session terminates mid-teardown
	if app.Manager != nil {
		app.Manager.Shutdown()
	}

	if app.Hub != nil {
		app.Hub.Shutdown()
	}

	if app.cancel != nil {
		app.cancel()
	}

	if app.Store != nil {
		if err := app.Store.Close(); err != nil {
			app.Logger.Error("Failed to close store", zap.Error(err))
		}
	}

	app.Logger.Info("All components shut down successfully")
}
