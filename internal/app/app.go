// Package app wires every component onto the bus and owns the run loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"kairos/internal/bus"
	"kairos/internal/config"
	"kairos/internal/domain"
	"kairos/internal/executor"
	"kairos/internal/feature"
	"kairos/internal/gateway/binance"
	"kairos/internal/gateway/exchange"
	"kairos/internal/gateway/notifier"
	"kairos/internal/gateway/paper"
	"kairos/internal/logger"
	"kairos/internal/market"
	"kairos/internal/metrics"
	"kairos/internal/params"
	"kairos/internal/position"
	"kairos/internal/regime"
	"kairos/internal/risk"
	"kairos/internal/store/gormstore"
	"kairos/internal/strategy"
	httpapi "kairos/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

// App holds the wired components and their lifecycles.
type App struct {
	cfg     *config.Config
	cfgPath string

	store    *gormstore.Store
	bus      *bus.Bus
	ingestor *market.Ingestor
	params   *params.Service
	metrics  *metrics.Service
	http     *httpapi.Server

	unsubscribe []func()
}

// NewApp builds the full stack from configuration. Nothing starts running
// until Run is called.
func NewApp(cfg *config.Config, cfgPath string) (*App, error) {
	store, err := gormstore.New(cfg.App.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New(bus.QueuedFIFO)
	a := &App{cfg: cfg, cfgPath: cfgPath, store: store, bus: b}

	// Audit events from every service funnel into one persistence point.
	a.subscribe(b.Subscribe(bus.EventAuditEvent, func(evt bus.Event) error {
		audit, ok := evt.Payload.(domain.AuditEvent)
		if !ok {
			return nil
		}
		if err := store.InsertAudit(audit); err != nil {
			logger.Warnf("app: persist audit %s: %v", audit.Step, err)
		}
		return nil
	}))

	client := exchange.NewClient(exchange.Config{
		BaseURL:      cfg.Exchange.BaseURL,
		APIKey:       cfg.Exchange.APIKey,
		APISecret:    cfg.Exchange.APISecret,
		RecvWindowMs: cfg.Exchange.RecvWindowMs,
		RatePerSec:   float64(cfg.Exchange.RateLimitPerSec),
		HTTPTimeout:  time.Duration(cfg.Exchange.TimeoutMs) * time.Millisecond,
	})

	source, orderAPI, err := a.selectGateways(client)
	if err != nil {
		return nil, err
	}

	a.ingestor = market.NewIngestor(source, store, b, cfg.MarketData.PollLimit)
	a.subscribe(feature.NewService(store, b, cfg.Features).Register())
	a.subscribe(regime.NewEngine(store, b, cfg.Regime).Register())

	a.params = params.NewService(store, b)
	if err := a.params.ActivateFromConfig(cfg); err != nil {
		return nil, fmt.Errorf("activate params: %w", err)
	}

	common := strategy.Common{
		ExchangeMaxLeverage: cfg.Strategy.ExchangeMaxLeverage,
		MarginPct:           cfg.Risk.MarginPct,
	}
	planner := strategy.NewPlanner(store, a.params, b,
		strategy.NewBreakout(store, cfg.Strategy.Breakout, common),
		strategy.NewContinuation(store, cfg.Strategy.Continuation, common),
		strategy.NewReversal(store, cfg.Strategy.Reversal, common),
	)
	a.subscribe(planner.Register())

	a.subscribe(risk.NewService(store, store, b, cfg.Risk).Register())

	manager := position.NewManager(store, a.params, b, cfg.Position)
	for _, unsub := range manager.Register() {
		a.subscribe(unsub)
	}

	a.metrics = metrics.NewService(store, b)
	a.subscribe(a.metrics.Register())

	if cfg.Notifier.TelegramToken != "" && cfg.Notifier.TelegramChatID != "" {
		tg := notifier.NewTelegram(cfg.Notifier.TelegramToken, cfg.Notifier.TelegramChatID)
		for _, unsub := range notifier.NewService(tg, b).Register() {
			a.subscribe(unsub)
		}
	}

	a.http, err = httpapi.NewServer(httpapi.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Store:   store,
		Bus:     b,
		Symbols: cfg.MarketData.Symbols,
	})
	if err != nil {
		return nil, err
	}

	// Registered last so orders only flow once every downstream consumer
	// above is listening.
	engine := executor.NewEngine(store, orderAPI, b, cfg.Execution)
	a.subscribe(engine.Register(context.Background()))

	return a, nil
}

// selectGateways resolves the candle source and order venue from
// market_data.source.
func (a *App) selectGateways(client *exchange.Client) (exchange.CandleSource, exchange.OrderAPI, error) {
	switch strings.ToLower(strings.TrimSpace(a.cfg.MarketData.Source)) {
	case "", "exchange":
		return client, client, nil
	case "binance":
		// Public market data from Binance, orders still on the signed venue.
		src := binance.New("", time.Duration(a.cfg.Exchange.TimeoutMs)*time.Millisecond)
		return src, client, nil
	case "paper":
		gw := paper.New(paper.Options{FillPolicy: paper.FillImmediate, SlippageBps: 5})
		a.subscribe(gw.Register(a.bus))
		return gw, gw, nil
	default:
		return nil, nil, fmt.Errorf("unknown market_data.source %q", a.cfg.MarketData.Source)
	}
}

// Run blocks until ctx is canceled or a component fails. Pollers, the HTTP
// server, the metrics sweep and the config watcher run as one errgroup.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, symbol := range a.cfg.MarketData.Symbols {
		for i, timeframe := range a.cfg.MarketData.Timeframes {
			symbol, timeframe := symbol, timeframe
			// Stagger polls so symbols do not hit the venue at once.
			offset := time.Duration(i+1) * 2 * time.Second
			g.Go(func() error {
				return a.ingestor.Run(ctx, symbol, timeframe, offset)
			})
		}
	}

	g.Go(func() error { return a.http.Run(ctx) })

	g.Go(func() error {
		a.metrics.Run(ctx)
		return nil
	})

	if a.cfgPath != "" {
		g.Go(func() error {
			return config.Watch(ctx, a.cfgPath, func(next *config.Config) {
				if err := a.params.ActivateFromConfig(next); err != nil {
					logger.Warnf("app: config reload rejected: %v", err)
				}
			})
		})
	}

	logger.Infof("app: running (%d symbols, source=%s)", len(a.cfg.MarketData.Symbols), a.cfg.MarketData.Source)
	err := g.Wait()
	a.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close unsubscribes every handler and releases the store.
func (a *App) Close() {
	for _, unsub := range a.unsubscribe {
		unsub()
	}
	a.unsubscribe = nil
	if err := a.store.Close(); err != nil {
		logger.Warnf("app: close store: %v", err)
	}
}

func (a *App) subscribe(unsub func()) {
	a.unsubscribe = append(a.unsubscribe, unsub)
}
