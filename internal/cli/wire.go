package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/roach88/ringside/internal/config"
	"github.com/roach88/ringside/internal/queue"
	"github.com/roach88/ringside/internal/realtime"
	"github.com/roach88/ringside/internal/remote"
	"github.com/roach88/ringside/internal/session"
)

// SessionOpener builds a session from configuration. The returned close
// function releases the session and anything the opener created for it.
type SessionOpener func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session.Session, func() error, error)

// SessionConfig maps configuration onto session settings.
func SessionConfig(cfg *config.Config) session.Config {
	return session.Config{
		StorePath:       cfg.Store.Path,
		Scope:           cfg.Scope(),
		Tables:          cfg.Sync.Tables,
		SafetyTimeout:   cfg.Sync.SafetyTimeout.Std(),
		RemoteTimeout:   cfg.Remote.Timeout.Std(),
		FullSyncRetries: cfg.Sync.FullSyncRetries,
		Concurrency:     cfg.Sync.Concurrency,
		ProbeInterval:   cfg.Sync.ProbeInterval.Std(),
		Retry: queue.RetryPolicy{
			Initial:  cfg.Queue.RetryInitial.Std(),
			Max:      cfg.Queue.RetryMax.Std(),
			Disabled: cfg.Queue.RetryDisabled,
		},
	}
}

// openConfigured is the default SessionOpener. It connects the configured
// remote store and change feed, probes the remote once to seed the
// connectivity state, then opens the session.
func openConfigured(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session.Session, func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	rs, closeRemote, err := openRemote(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	closers = append(closers, closeRemote)

	ch, closeChannel, err := openChannel(cfg, logger)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, closeChannel)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Remote.Timeout.Std())
	pingErr := rs.Ping(pingCtx)
	cancel()
	if pingErr != nil {
		logger.Warn("remote store unreachable, starting offline", "error", pingErr)
	}

	scfg := SessionConfig(cfg)
	scfg.Offline = pingErr != nil
	s, err := session.Open(ctx, scfg, session.Deps{
		Remote:  rs,
		Channel: ch,
		Logger:  logger,
	})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return s, func() error {
		return errors.Join(s.Close(), closeAll())
	}, nil
}

func openRemote(cfg *config.Config, logger *slog.Logger) (remote.Store, func() error, error) {
	switch cfg.Remote.Driver {
	case "postgres":
		pg, err := remote.OpenPostgres(cfg.Remote.DSN, remote.PostgresOptions{Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "rest":
		r := remote.NewREST(cfg.Remote.URL, remote.RESTOptions{
			APIKey:  cfg.Remote.APIKey,
			Timeout: cfg.Remote.Timeout.Std(),
			Logger:  logger,
		})
		return r, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown remote driver %q", cfg.Remote.Driver)
	}
}

func openChannel(cfg *config.Config, logger *slog.Logger) (realtime.Channel, func() error, error) {
	rt := cfg.Realtime
	switch rt.Driver {
	case "", "none":
		return nil, func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: rt.RedisAddr})
		return realtime.NewRedisStream(client,
			realtime.WithStreamPrefix(rt.RedisPrefix),
			realtime.WithRedisLogger(logger),
		), client.Close, nil
	case "websocket":
		return realtime.NewWebSocket(rt.WebSocketURL, realtime.WithWebSocketLogger(logger)),
			func() error { return nil }, nil
	case "mqtt":
		client, err := realtime.ConnectMQTT(realtime.MQTTConfig{
			Broker:   rt.MQTTBroker,
			ClientID: rt.MQTTClientID,
			Username: rt.MQTTUsername,
			Password: rt.MQTTPassword,
		})
		if err != nil {
			return nil, nil, err
		}
		return realtime.NewMQTT(client, rt.MQTTPrefix, logger), func() error {
			client.Disconnect(250)
			return nil
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown realtime driver %q", rt.Driver)
	}
}

// newLogger builds the command logger; --verbose forces debug level.
func newLogger(cfg *config.Config, verbose bool, w io.Writer) *slog.Logger {
	lc := cfg.Log
	if verbose {
		lc.Level = "debug"
	}
	return lc.NewLogger(w)
}

// withSession loads configuration, opens a session and runs fn with it.
func withSession(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, s *session.Session, out *OutputFormatter) error) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger := newLogger(cfg, opts.Verbose, cmd.ErrOrStderr())
	slog.SetDefault(logger)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	opener := opts.Opener
	if opener == nil {
		opener = openConfigured
	}
	s, closeFn, err := opener(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open session", err)
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			logger.Error("error closing session", "error", cerr)
		}
	}()

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return fn(ctx, s, out)
}
