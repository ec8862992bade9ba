package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"supply-integrity/internal/alerting"
	"supply-integrity/internal/api"
	"supply-integrity/internal/chain"
	"supply-integrity/internal/config"
	"supply-integrity/internal/detector"
	"supply-integrity/internal/integrity"
	"supply-integrity/internal/metrics"
	"supply-integrity/internal/realtime"
	"supply-integrity/internal/service"
	"supply-integrity/internal/storage"
	"supply-integrity/internal/traces"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// ExportOptions hold parameters for exporting one batch timeline.
type ExportOptions struct {
	BatchID   string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// BackfillOptions configure a chain replay.
type BackfillOptions struct {
	FromBlock uint64
	ToBlock   uint64
	DryRun    bool
}

// SimulateOptions describe a transfer recorded by hand.
type SimulateOptions struct {
	BatchID   string
	From      string
	To        string
	Location  string
	Timestamp int64
}

// components is the wired object graph shared by serve and the one-shot commands.
type components struct {
	store    storage.Store
	notifier *alerting.Multi
	detector *detector.Detector
	scorer   *integrity.Scorer
	service  *service.Service
	closers  []func()
}

func (c *components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", a.Config.Storage.Driver, err)
	}
	closer := func() {
		if err := store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("close storage")
		}
	}
	return store, closer, nil
}

func (a *App) newNotifier(ctx context.Context) (*alerting.Multi, func(), error) {
	multi := alerting.NewMulti()
	closer := func() {}
	if !a.Config.Alerting.Enabled {
		return multi, closer, nil
	}

	if cfg := a.Config.Alerting.Telegram; cfg.Enabled {
		multi.Add("telegram", alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if cfg := a.Config.Alerting.Redis; cfg.Enabled {
		pub, err := alerting.NewRedisPublisher(ctx, cfg, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		multi.Add("redis", pub)
		closer = func() { _ = pub.Close() }
	}
	return multi, closer, nil
}

func (a *App) newReader() *chain.Reader {
	if a.Config.Chain.RPCURL == "" || a.Config.Chain.ContractAddress == "" {
		return nil
	}
	return chain.NewReader(chain.OptionsFromConfig(a.Config.Chain), a.Logger)
}

// build wires storage, alert channels, detection and the tracker service.
// A nil store opens the configured backend; hub may be nil.
func (a *App) build(ctx context.Context, store storage.Store, hub *realtime.Hub) (*components, error) {
	c := &components{}
	if store == nil {
		opened, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		store = opened
		c.closers = append(c.closers, closeStore)
	}
	c.store = store

	notifier, closeNotifier, err := a.newNotifier(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.closers = append(c.closers, closeNotifier)
	c.notifier = notifier

	var publisher service.Publisher
	if hub != nil {
		notifier.Add("websocket", hub)
		publisher = hub
	}

	c.detector = detector.New(a.Config.Detector, store, store, notifier, a.Logger)
	c.scorer = integrity.NewScorer(store, store)
	c.service = service.New(store, c.detector, c.scorer, publisher, a.Logger)
	return c, nil
}

// Serve runs the HTTP API, the realtime hub and, when enabled, the chain
// listener until SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := traces.Init(ctx, a.Config.Tracing, a.Logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("flush traces")
		}
	}()

	hub := realtime.NewHub(a.Config.HTTP.CORSOrigin, a.Logger)
	c, err := a.build(ctx, nil, hub)
	if err != nil {
		return err
	}
	defer c.Close()

	if pg, ok := c.store.(*storage.PostgresStore); ok {
		go metrics.StartPoolStatsCollector(ctx, pg.Pool(), 15*time.Second)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	reader := a.newReader()
	var chainReader api.ChainReader
	if reader != nil {
		chainReader = reader
	}

	if a.Config.Chain.Enabled && reader != nil {
		listener := chain.NewListener(reader, c.service, a.Config.Chain.PollInterval, a.Logger)
		if lock, ok := c.store.(chain.LeaderLock); ok && a.Config.Chain.LeaderLockKey != 0 {
			listener.WithLeaderLock(lock, a.Config.Chain.LeaderLockKey)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error().Err(err).Msg("chain listener stopped")
			}
		}()
	} else {
		a.Logger.Info().Msg("chain listener disabled")
	}

	a.Logger.Info().
		Str("storage", a.Config.Storage.Driver).
		Int("alert_channels", c.notifier.Len()).
		Msg("starting batch integrity service")

	server := api.New(a.Config.HTTP, c.service, chainReader, hub, a.Logger)
	err = server.Run(ctx)
	cancel()
	wg.Wait()

	if err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}
	a.Logger.Info().Msg("batch integrity service stopped")
	return nil
}
