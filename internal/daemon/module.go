package daemon

import (
	"context"

	"github.com/matheus3301/gigchat/internal/api"
	"github.com/matheus3301/gigchat/internal/auth"
	"github.com/matheus3301/gigchat/internal/bus"
	"github.com/matheus3301/gigchat/internal/config"
	"github.com/matheus3301/gigchat/internal/lock"
	"github.com/matheus3301/gigchat/internal/logging"
	"github.com/matheus3301/gigchat/internal/messaging"
	"github.com/matheus3301/gigchat/internal/profile"
	"github.com/matheus3301/gigchat/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideSettings,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideHost,
			provideMessagingService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideSettings(p Params) (*config.Settings, error) {
	return config.LoadSettings(profile.SettingsPath(p.ProfileName))
}

func provideLogger(p Params, s *config.Settings) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, s.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// daemon that owns the profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideHost(p Params, s *config.Settings, db *store.DB, b *bus.Bus, logger *zap.Logger) *messaging.Host {
	credPath := profile.CredentialPath(p.ProfileName)
	open := func(ctx context.Context, cred auth.Credential) (*messaging.Session, error) {
		return messaging.Open(ctx, cred, messaging.Config{
			Settings:       *s,
			Credentials:    auth.FileSource{Path: credPath},
			CredentialPath: credPath,
			DB:             db,
			Bus:            b,
			Logger:         logger,
		})
	}
	return messaging.NewHost(credPath, open, logger)
}

func provideMessagingService(p Params, host *messaging.Host, b *bus.Bus, logger *zap.Logger) *api.MessagingService {
	return api.NewMessagingService(p.ProfileName, host, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, host *messaging.Host, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Resume dials the backend; do not hold up startup on it.
			go func() {
				ok, err := host.Resume(context.Background())
				switch {
				case err != nil:
					logger.Error("resume session failed", zap.Error(err))
				case !ok:
					logger.Info("no stored credential, login required")
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			host.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
