package app

import (
	"context"

	"github.com/kinshipapp/kinchat/internal/auth"
	"github.com/kinshipapp/kinchat/internal/bus"
	"github.com/kinshipapp/kinchat/internal/chat"
	"github.com/kinshipapp/kinchat/internal/config"
	"github.com/kinshipapp/kinchat/internal/logging"
	"github.com/kinshipapp/kinchat/internal/profile"
	"github.com/kinshipapp/kinchat/internal/state"
	"github.com/kinshipapp/kinchat/internal/tui"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the client, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("kinchat",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideTokenSource,
			provideStore,
			provideClient,
			provideTUI,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile)
}

func provideConfig() (*config.Config, error) {
	return config.Load(profile.ConfigPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideTokenSource(p Params) auth.TokenSource {
	return &auth.FileTokenSource{Path: profile.TokenPath(p.Profile)}
}

func provideStore(b *bus.Bus, logger *zap.Logger) *state.Store {
	return state.New(b, logger)
}

func provideClient(cfg *config.Config, tokens auth.TokenSource, store *state.Store, b *bus.Bus, logger *zap.Logger) *chat.Client {
	return chat.NewClient(cfg, tokens, store, b, logger)
}

func provideTUI(p Params, client *chat.Client, b *bus.Bus) *tui.App {
	return tui.NewApp(client, b, p.Profile)
}

func registerLifecycle(lc fx.Lifecycle, shutdowner fx.Shutdowner, ui *tui.App, client *chat.Client, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := ui.Run(); err != nil {
					logger.Error("UI error", zap.Error(err))
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			ui.Stop()
			client.Disconnect()
			logger.Info("client stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
