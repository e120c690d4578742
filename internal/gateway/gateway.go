// Package gateway wires the companion together: transport ingress, context
// resolution, the scenario runner, the classification sweep, scheduled jobs
// and the admin API.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stellarlinkco/companion/internal/api"
	"github.com/stellarlinkco/companion/internal/bus"
	"github.com/stellarlinkco/companion/internal/channel"
	"github.com/stellarlinkco/companion/internal/classifier"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/cron"
	"github.com/stellarlinkco/companion/internal/logging"
	"github.com/stellarlinkco/companion/internal/publish"
	"github.com/stellarlinkco/companion/internal/resolver"
	"github.com/stellarlinkco/companion/internal/retry"
	"github.com/stellarlinkco/companion/internal/runner"
	"github.com/stellarlinkco/companion/internal/store"
	"github.com/stellarlinkco/companion/internal/sweep"
)

const (
	defaultChannel = "telegram"
	storeTimeout   = 10 * time.Second
)

// Options for creating a Gateway
type Options struct {
	Logger *zap.Logger
	// Store, Classifier and Publisher replace the ones built from config.
	Store      *store.Store
	Classifier classifier.Classifier
	Publisher  publish.Publisher
	// CronStorePath overrides where job state is kept; "-" keeps it in memory.
	CronStorePath string
	Now           func() time.Time
	SignalChan    chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg    *config.Config
	logger *zap.Logger

	store     *store.Store
	ownsStore bool
	bus       *bus.MessageBus
	channels  *channel.ChannelManager
	resolver  *resolver.Resolver
	runner    *runner.Runner
	sweeper   *sweep.Sweeper
	publisher publish.Publisher
	cron      *cron.Service
	api       *api.Server

	idleTimeout time.Duration
	now         func() time.Time
	signalChan  chan os.Signal
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	logger := logging.OrNop(opts.Logger)
	g := &Gateway{
		cfg:         cfg,
		logger:      logger.Named("gateway"),
		signalChan:  opts.SignalChan,
		now:         opts.Now,
		idleTimeout: config.Duration(cfg.Sessions.IdleTimeout, 6*time.Hour),
	}

	if g.now == nil {
		g.now = time.Now
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	policy := RetryPolicy(cfg.Retry)

	g.store = opts.Store
	if g.store == nil {
		if cfg.Store.Driver == "" || cfg.Store.Driver == store.DriverSQLite {
			if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		g.store, err = store.Open(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		g.ownsStore = true
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	g.resolver = resolver.New(g.store, logger, cfg.PreviewLimit)
	g.runner = runner.New(g.store, runner.NewSessions(), runner.Options{
		Location: loc,
		Now:      opts.Now,
		Logger:   logger,
	})

	g.publisher = opts.Publisher
	if g.publisher == nil {
		g.publisher = publish.Nop{}
		if cfg.NATS.URL != "" {
			client, err := publish.Connect(cfg.NATS.URL, cfg.NATS.Token, cfg.NATS.Subject, logger)
			if err != nil {
				g.closeStore()
				return nil, fmt.Errorf("connect nats: %w", err)
			}
			g.publisher = client
		}
	}

	cls := opts.Classifier
	if cls == nil {
		cls = classifier.New(cfg.Classifier, policy, logger)
	}
	g.sweeper = sweep.New(g.store, cls, sweep.Options{
		Pause:              config.Duration(cfg.Sweep.Pause, time.Second),
		ClassifierDeadline: config.Duration(cfg.Sweep.ClassifierDeadline, 20*time.Second),
		Publisher:          g.publisher,
		Logger:             logger,
		Now:                opts.Now,
	})

	cronStorePath := opts.CronStorePath
	switch cronStorePath {
	case "":
		cronStorePath = filepath.Join(config.ConfigDir(), "data", "cron", "jobs.json")
	case "-":
		cronStorePath = ""
	}
	g.cron = cron.NewService(cronStorePath, loc, logger)
	g.cron.OnJob = g.onJob

	chMgr, err := channel.NewChannelManager(cfg.Telegram, g.bus, policy, logger)
	if err != nil {
		g.publisher.Close()
		g.closeStore()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr
	g.channels.OnSent(g.onSent)

	if cfg.API.Port > 0 {
		g.api = api.NewServer(cfg.API, api.Deps{
			Store:    g.store,
			Sweeper:  g.sweeper,
			Launcher: g,
			Jobs:     g.cron,
			Sessions: g.runner.Sessions().Len,
		}, logger)
	}

	return g, nil
}

// RetryPolicy converts the retry config section.
func RetryPolicy(c config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if c.Attempts > 0 {
		p.Attempts = c.Attempts
	}
	p.Delay = config.Duration(c.Delay, p.Delay)
	return p
}

func (g *Gateway) Channels() *channel.ChannelManager { return g.channels }

func (g *Gateway) Sweeper() *sweep.Sweeper { return g.sweeper }

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", zap.Strings("channels", g.channels.EnabledChannels()))

	if err := g.ensureJobs(); err != nil {
		g.logger.Warn("ensure scheduled jobs", zap.Error(err))
	}
	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start", zap.Error(err))
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.bus.DispatchOutbound(egCtx)
		return nil
	})
	eg.Go(func() error {
		g.processLoop(egCtx)
		return nil
	})
	if g.api != nil {
		eg.Go(func() error {
			return g.api.Start(egCtx)
		})
	}

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	eg.Go(func() error {
		select {
		case <-sigCh:
			g.logger.Info("shutting down")
		case <-egCtx.Done():
		}
		cancel()
		return nil
	})

	g.logger.Info("running")
	err := eg.Wait()
	return errors.Join(err, g.Shutdown())
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.logger.Debug("inbound",
				zap.String("channel", msg.Channel),
				zap.String("user_id", msg.SenderID),
				zap.Int64("message_id", msg.MessageID),
				zap.Bool("callback", msg.IsCallback()),
				zap.Any("metadata", msg.Metadata))
			g.handleInbound(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	_ = g.channels.StopAll()
	g.publisher.Close()
	err := g.closeStore()
	g.logger.Info("shutdown complete")
	return err
}

func (g *Gateway) closeStore() error {
	if !g.ownsStore || g.store == nil {
		return nil
	}
	if err := g.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	return nil
}
