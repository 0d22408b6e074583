// Package daemon composes the chatmail core into a running process with fx.
package daemon

import (
	"context"
	"time"

	"github.com/matterline/chatmail/internal/account"
	"github.com/matterline/chatmail/internal/bus"
	"github.com/matterline/chatmail/internal/config"
	"github.com/matterline/chatmail/internal/engine"
	"github.com/matterline/chatmail/internal/job"
	"github.com/matterline/chatmail/internal/lock"
	"github.com/matterline/chatmail/internal/logging"
	"github.com/matterline/chatmail/internal/mailio"
	"github.com/matterline/chatmail/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	AccountName string
	// DataDir overrides the account directory; empty means the default
	// under ~/.chatmail. Used by tests.
	DataDir string
	// ConfigPath overrides the configuration file location.
	ConfigPath string
}

func (p Params) dir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return account.Dir(p.AccountName)
}

func (p Params) configPath() string {
	if p.ConfigPath != "" {
		return p.ConfigPath
	}
	return account.ConfigPath(p.AccountName)
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideCore,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.AccountName), p.AccountName)
}

func provideConfig(p Params) (*config.Mail, error) {
	return config.Load(p.configPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring account lock", zap.String("account", p.AccountName))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.AccountName)
	if p.DataDir != "" {
		dbPath = p.DataDir + "/chatmail.db"
	}
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
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// transportFolders maps each transport to the folder it watches. The SMTP
// transport watches nothing.
func transportFolders(cfg *config.Mail) map[store.Transport]string {
	return map[store.Transport]string{
		store.TransportInbox:   "INBOX",
		store.TransportMvbox:   cfg.Folders.Mvbox,
		store.TransportSentbox: cfg.Folders.Sentbox,
		store.TransportSMTP:    "",
	}
}

func provideCore(db *store.DB, b *bus.Bus, cfg *config.Mail, logger *zap.Logger) (*engine.Core, error) {
	folders := transportFolders(cfg)
	executors := make(map[store.Transport]job.Executor, len(store.Transports))
	for _, t := range store.Transports {
		executors[t] = mailio.NewClient(*cfg, folders[t], logger.With(zap.String("transport", string(t))))
	}
	comp := mailio.NewComposer(db, *cfg)
	return engine.New(db, b, *cfg, executors, comp, logger)
}

func registerLifecycle(lc fx.Lifecycle, core *engine.Core, cfg *config.Mail, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	loopCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The secure-join layer reads the account identity from the
			// store; the key fingerprint is provisioned by the crypto
			// tooling and left untouched here.
			if err := db.SetConfig("self_addr", cfg.Account.Addr); err != nil {
				return err
			}
			if cfg.Account.DisplayName != "" {
				if err := db.SetConfig("self_name", cfg.Account.DisplayName); err != nil {
					return err
				}
			}

			// Recover from a previous crash before the loops start.
			if err := core.Housekeep(time.Now().UnixMilli()); err != nil {
				logger.Warn("startup housekeeping", zap.Error(err))
			}
			if err := core.EnqueueConfigure(); err != nil {
				return err
			}

			folders := transportFolders(cfg)
			for _, t := range store.Transports {
				transport := t
				var fetcher engine.Fetcher
				if folder := folders[transport]; folder != "" {
					fetcher = mailio.NewClient(*cfg, folder, logger.With(zap.String("transport", string(transport))))
				}
				go core.RunTransport(loopCtx, transport, fetcher)
			}
			logger.Info("daemon started", zap.String("addr", cfg.Account.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			core.Shutdown()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
