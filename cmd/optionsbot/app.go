package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"github.com/Remdon/DubK-Options-sub000/config"
	"github.com/Remdon/DubK-Options-sub000/internal/bot"
	"github.com/Remdon/DubK-Options-sub000/internal/broker"
	"github.com/Remdon/DubK-Options-sub000/internal/logger"
	"github.com/Remdon/DubK-Options-sub000/internal/markethours"
	"github.com/Remdon/DubK-Options-sub000/internal/metrics"
	"github.com/Remdon/DubK-Options-sub000/internal/notification"
	"github.com/Remdon/DubK-Options-sub000/internal/ordersync"
	redisstore "github.com/Remdon/DubK-Options-sub000/internal/store/redis"
	sqlitestore "github.com/Remdon/DubK-Options-sub000/internal/store/sqlite"
	"github.com/Remdon/DubK-Options-sub000/internal/tracker"
	"github.com/Remdon/DubK-Options-sub000/pkg/brokerapi"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	policyPath string
	logLevel   string
	paperCash  int64
}

// app is the fully wired process: stores, broker, tracker and loop.
type app struct {
	cfg    *config.Config
	policy config.Policy
	log    *slog.Logger

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	health   *metrics.HealthStatus

	journal   *sqlitestore.Journal
	reader    *sqlitestore.Reader
	publisher *redisstore.Publisher
	events    *redisstore.Reader

	broker  *broker.Guarded
	client  *brokerapi.Client
	tracker *tracker.Tracker
	notify  notification.Notifier
	svc     *bot.Service
}

func newApp(ctx context.Context, opts globalOptions) (*app, error) {
	cfg := config.Load()
	if opts.policyPath != "" {
		cfg.PolicyPath = opts.policyPath
	}

	policy := config.DefaultPolicy()
	if cfg.PolicyPath != "" {
		p, err := config.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		policy = p
	}
	if os.Getenv("POSITION_CHECK_INTERVAL") != "" {
		policy.Loop.PositionCheckInterval = cfg.PositionCheckInterval
	}

	a := &app{
		cfg:      cfg,
		policy:   policy,
		log:      logger.Init("optionsbot", logger.ParseLevel(opts.logLevel)),
		registry: prometheus.NewRegistry(),
		health:   metrics.NewHealthStatus(),
	}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	// ---- Durable store ----
	if dir := filepath.Dir(cfg.SQLitePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	journal, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		return nil, err
	}
	a.journal = journal.WithMetrics(a.metrics)
	if a.reader, err = sqlitestore.NewReader(cfg.SQLitePath); err != nil {
		a.Close()
		return nil, err
	}

	// ---- Redis mirror (best effort) ----
	journals := tracker.Journals{a.journal}
	if cfg.RedisAddr != "" {
		pub, err := redisstore.New(redisstore.WriterConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Printf("[optionsbot] WARNING: redis init failed: %v (continuing without redis)", err)
		} else {
			a.publisher = pub.WithMetrics(a.metrics)
			journals = append(journals, a.publisher)
			if a.events, err = redisstore.NewReader(redisstore.ReaderConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}); err != nil {
				log.Printf("[optionsbot] WARNING: redis reader init failed: %v", err)
			}
		}
	}

	// ---- Alerts ----
	sinks := notification.Multi{notification.NewLogNotifier(a.log)}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if a.publisher != nil {
		sinks = append(sinks, a.publisher)
	}
	a.notify = notification.NewThrottled(sinks, policy.Loop.AlertThrottle)

	// ---- Tracker, restored from the journal ----
	a.tracker = tracker.New(journals, a.log)
	orders, err := a.reader.LoadStrategies(ctx)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("restore strategies: %w", err)
	}
	a.tracker.Restore(orders)

	// ---- Broker ----
	var upstream broker.Upstream
	if cfg.UseLiveBroker() {
		a.client = brokerapi.NewClient(brokerapi.Config{
			KeyID:   cfg.BrokerAPIKey,
			Secret:  cfg.BrokerAPISecret,
			BaseURL: cfg.BrokerBaseURL,
			DataURL: cfg.DataBaseURL,
		})
		upstream = broker.NewREST(a.client)
		a.log.Info("using REST broker", "base_url", cfg.BrokerBaseURL, "paper_account", cfg.PaperTrading)
	} else {
		paper := broker.NewPaper(decimal.NewFromInt(opts.paperCash), 5)
		paper.AutoFill = true
		upstream = paper
		a.log.Warn("no broker credentials, using in-process paper broker", "cash", opts.paperCash)
	}
	a.broker = broker.NewGuarded(upstream, policy.Resilience, a.metrics, a.notify, a.log)

	a.svc = bot.New(bot.Deps{
		Policy:   policy,
		Broker:   a.broker,
		Data:     a.broker,
		Tracker:  a.tracker,
		Book:     a.journal,
		Notifier: a.notify,
		Metrics:  a.metrics,
		Health:   a.health,
		Log:      a.log,
		Workers:  cfg.ChainWorkers,
	})

	// Today's closes still count against re-entry after a restart.
	y, m, d := time.Now().In(markethours.ET).Date()
	since := time.Date(y, m, d, 0, 0, 0, 0, markethours.ET).Add(-policy.Exit.ReentryCooldown)
	exits, err := a.reader.ExitsSince(ctx, since)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("seed cooldown: %w", err)
	}
	a.svc.Exits().Cooldown().Seed(exits)

	a.log.Info("optionsbot ready",
		"restored", len(orders), "open", len(a.tracker.Open()), "recent_exits", len(exits),
		"redis", a.publisher != nil, "market", markethours.StatusString(time.Now()))
	return a, nil
}

// tradeStream builds the websocket order sync, or nil for the paper broker.
func (a *app) tradeStream() (*ordersync.Stream, error) {
	if a.client == nil {
		return nil, nil
	}
	src, err := brokerapi.NewTradeStream(brokerapi.StreamConfig{
		KeyID:  a.cfg.BrokerAPIKey,
		Secret: a.cfg.BrokerAPISecret,
		URL:    a.cfg.BrokerStreamURL,
	})
	if err != nil {
		return nil, err
	}
	st := ordersync.NewStream(src, a.tracker, a.metrics, a.log)
	st.Resync = func(ctx context.Context) error {
		_, err := a.svc.Poller().Refresh(ctx)
		return err
	}
	return st, nil
}

func (a *app) Close() {
	if a.events != nil {
		a.events.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.reader != nil {
		a.reader.Close()
	}
	if a.journal != nil {
		a.journal.Close()
	}
}
