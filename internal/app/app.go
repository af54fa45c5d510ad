package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"voltgate/internal/adapter"
	"voltgate/internal/capture"
	"voltgate/internal/commands"
	"voltgate/internal/config"
	"voltgate/internal/devicemodel"
	"voltgate/internal/httpapi"
	"voltgate/internal/metering"
	"voltgate/internal/ocpp"
	"voltgate/internal/registry"
	"voltgate/internal/repository"
	"voltgate/internal/schema"
	"voltgate/internal/statestore"
	"voltgate/internal/transactions"
	"voltgate/internal/ws"
	"voltgate/libs/db"
	"voltgate/libs/redis"
)

// App wires the full gateway dependency graph.
type App struct {
	httpServer *http.Server
	db         *sql.DB
	redis      *goredis.Client
	logger     *zap.Logger
}

// New builds the application graph. Postgres and redis are optional: without
// a DSN the audit trail and inventory are skipped, without redis the state
// store runs in memory.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	versions, err := cfg.Versions()
	if err != nil {
		return nil, err
	}

	app := &App{logger: logger}

	var store statestore.Store
	if cfg.Redis.Addr != "" {
		client, err := redis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return nil, err
		}
		app.redis = client
		store = statestore.NewRedisStore(client)
	} else {
		logger.Warn("no redis configured, state kept in memory")
		store = statestore.NewMemoryStore()
	}

	var messageRepo *repository.MessageRepository
	var stationRepo *repository.StationRepository
	if cfg.Database.DSN != "" {
		sqlDB, err := db.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			return nil, err
		}
		app.db = sqlDB
		messageRepo = repository.NewMessageRepository(sqlDB)
		stationRepo = repository.NewStationRepository(sqlDB)

		ensureCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := messageRepo.Ensure(ensureCtx); err != nil {
			return nil, err
		}
		if err := stationRepo.Ensure(ensureCtx); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("no database configured, audit trail disabled")
	}

	schemas, err := schema.Load(cfg.OCPP.SchemaDir, versions, logger)
	if err != nil {
		return nil, err
	}

	var sink capture.AuditSink
	if messageRepo != nil {
		sink = messageRepo
	}
	recorder := capture.NewRecorder(store, sink, logger)
	reg := registry.NewRegistry(store, logger)

	deps := adapter.Deps{
		Store:             store,
		Recorder:          recorder,
		Metering:          metering.NewNormalizer(store, logger),
		Transactions:      transactions.NewTracker(store, logger),
		DeviceModel:       devicemodel.NewModel(store, logger),
		Schemas:           schemas,
		Synth:             schema.NewSynthesizer(cfg.OCPP.VendorID),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		Logger:            logger,
	}
	if stationRepo != nil {
		deps.Stations = stationRepo
	}

	wsServer := ws.NewServer(reg, func(v ocpp.Version) adapter.Adapter {
		return adapter.New(v, deps)
	}, versions, cfg.OCPP.Allowlist, ws.Timeouts{
		Read:  cfg.ReadTimeout(),
		Write: cfg.WriteTimeout(),
		Ping:  cfg.PingInterval(),
	}, logger)

	dispatcher := commands.NewDispatcher(reg, recorder, logger)
	tokens := httpapi.NewTokenService(cfg.Auth.JWTSecret, cfg.TokenTTL())
	api := httpapi.NewAPI(tokens, dispatcher, reg, stationRepo,
		cfg.Auth.OperatorUser, cfg.Auth.OperatorPassHash, logger)

	app.httpServer = &http.Server{
		Addr:         cfg.HTTPAddress(),
		Handler:      api.Router(wsServer.HandleWS),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return app, nil
}

// Run serves until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting gateway", zap.String("addr", a.httpServer.Addr))
		errCh <- a.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
