package tarotbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/streadway/amqp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/tarot-bot/internal/cache"
	"github.com/magabrotheeeer/tarot-bot/internal/config"
	"github.com/magabrotheeeer/tarot-bot/internal/http/handlers/health"
	"github.com/magabrotheeeer/tarot-bot/internal/http/handlers/payment/paymentreturn"
	"github.com/magabrotheeeer/tarot-bot/internal/http/handlers/payment/paymentwebhook"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/llm"
	"github.com/magabrotheeeer/tarot-bot/internal/metrics"
	"github.com/magabrotheeeer/tarot-bot/internal/migrations"
	"github.com/magabrotheeeer/tarot-bot/internal/paymentprovider"
	"github.com/magabrotheeeer/tarot-bot/internal/services/bot"
	"github.com/magabrotheeeer/tarot-bot/internal/services/ledger"
	"github.com/magabrotheeeer/tarot-bot/internal/services/payment"
	"github.com/magabrotheeeer/tarot-bot/internal/services/reading"
	"github.com/magabrotheeeer/tarot-bot/internal/services/reconcile"
	"github.com/magabrotheeeer/tarot-bot/internal/storage/inmemory"
	"github.com/magabrotheeeer/tarot-bot/internal/storage/repository"
)

const shutdownTimeout = 15 * time.Second

// Store всё, что сервисам нужно от хранилища.
type Store interface {
	ledger.AccountStore
	payment.OrderStore
	reconcile.Store
	bot.Recipients
	health.Pinger
}

var (
	_ Store = (*inmemory.Storage)(nil)
	_ Store = (*repository.Storage)(nil)
)

// App бот целиком.
type App struct {
	cfg        *config.Config
	server     *http.Server
	logger     *slog.Logger
	dispatcher *bot.Dispatcher
	conn       *amqp.Connection
	consumeCh  *amqp.Channel
	closers    []func() error
}

// New поднимает зависимости и собирает сервисы. При ошибке уже открытые
// соединения закрываются.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *App, err error) {
	const op = "app.tarotbot.New"
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	catalog, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	store, err := a.openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var orderCache payment.Cache
	redisCache, err := cache.InitServer(ctx, cfg.Redis)
	if err != nil {
		logger.Warn("redis is unavailable, running without order cache", sl.Err(err))
	} else {
		orderCache = redisCache
		a.closers = append(a.closers, redisCache.Close)
	}

	a.conn, err = rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a.closers = append(a.closers, a.conn.Close)
	a.consumeCh, err = rabbitmq.SetupChannel(a.conn, rabbitmq.BotTopology(cfg.RabbitMQ))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	// публикации идут через отдельный канал, чтобы не делить его с потребителями
	publishCh, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	events := rabbitmq.NewPublisher(publishCh, cfg.RabbitMQ.EventsExchange)
	replies := rabbitmq.NewPublisher(publishCh, "")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	ledgerService := ledger.New(store, ledger.Limits{
		FreeLimit:     cfg.Ledger.FreeLimit,
		AdminID:       cfg.Ledger.AdminID,
		ReferralBonus: cfg.Ledger.ReferralBonus,
		ChannelBonus:  cfg.Ledger.ChannelBonus,
	}, logger, m)

	gateway := paymentprovider.NewClient(cfg.YooKassa, logger)
	paymentService := payment.New(store, gateway, orderCache, catalog, payment.Options{
		Currency:       cfg.YooKassa.Currency,
		ReturnURL:      cfg.YooKassa.ReturnURL,
		ReservationTTL: cfg.YooKassa.ReservationTTL,
	}, logger, m)
	reconcileService := reconcile.New(store, gateway, catalog, events, logger, m)
	readingService := reading.New(ledgerService, llm.NewClient(cfg.OpenAI, logger), events, logger, m)

	a.dispatcher = bot.New(ledgerService, readingService, paymentService, reconcileService, store,
		catalog, replies, bot.Options{
			BotUsername:   cfg.Bot.Username,
			ChannelLink:   cfg.Bot.ChannelLink,
			RepliesQueue:  cfg.RabbitMQ.RepliesQueue,
			ReferralBonus: cfg.Ledger.ReferralBonus,
			ChannelBonus:  cfg.Ledger.ChannelBonus,
			BroadcastRate: cfg.Bot.BroadcastRate,
		}, logger)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, Routes{
		Return:  paymentreturn.New(logger, paymentService, reconcileService, cfg.YooKassa.BotURL),
		Webhook: paymentwebhook.New(logger, reconcileService, cfg.YooKassa.WebhookSecret),
		Health:  health.New(logger, store),
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Limiter: rate.NewLimiter(rate.Limit(cfg.HTTPServer.RateLimit), cfg.HTTPServer.RateBurst),
	})

	a.server = &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}
	return a, nil
}

// openStore выбирает PostgreSQL, если задана строка подключения, иначе
// хранилище в памяти.
func (a *App) openStore(cfg *config.Config) (Store, error) {
	if cfg.StorageConnectionString == "" {
		a.logger.Warn("storage connection string is empty, using in-memory storage")
		return inmemory.New(), nil
	}
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	if err := migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		return nil, err
	}
	if err := repository.CheckDatabaseReady(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Run запускает HTTP-сервер и потребителей очередей и блокируется до отмены
// ctx или первой ошибки. Перед возвратом дожидается обработчиков сообщений.
func (a *App) Run(ctx context.Context) error {
	defer a.close()
	g, gctx := errgroup.WithContext(ctx)

	consume := func(queue string, handler rabbitmq.Handler) error {
		done, err := rabbitmq.ConsumerMessage(gctx, a.consumeCh, queue, a.cfg.RabbitMQ.Prefetch, a.logger, handler)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-done
			if gctx.Err() == nil {
				return fmt.Errorf("consumer of %s stopped", queue)
			}
			return nil
		})
		return nil
	}
	if err := consume(a.cfg.RabbitMQ.UpdatesQueue, a.dispatcher.Handle); err != nil {
		return err
	}
	if err := consume(a.cfg.RabbitMQ.ActivationsQueue, a.dispatcher.HandleActivation); err != nil {
		return err
	}

	g.Go(func() error {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		return a.server.Shutdown(timeoutCtx)
	})
	return g.Wait()
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("failed to close resource", sl.Err(err))
		}
	}
	a.closers = nil
}
