// Package payment открывает заказы на покупку тарифов в платёжном шлюзе
// и хранит соответствие локального order_id платежу шлюза.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/metrics"
	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/paymentprovider"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
	"github.com/magabrotheeeer/tarot-bot/internal/tariff"
)

const orderCacheTTL = 24 * time.Hour

// OrderStore хранилище заказов.
type OrderStore interface {
	CreateOrder(ctx context.Context, order models.PaymentOrder) (bool, error)
	GetOrderByOrderID(ctx context.Context, orderID string) (*models.PaymentOrder, error)
}

// Gateway платёжный шлюз.
type Gateway interface {
	CreatePayment(ctx context.Context, req paymentprovider.CreatePaymentRequest, idempotenceKey string) (*paymentprovider.Payment, error)
}

// Cache кэш идемпотентных ключей и соответствий order_id -> payment_id.
type Cache interface {
	Get(ctx context.Context, key string, result any) (bool, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Reserve(ctx context.Context, key, candidate string, ttl time.Duration) (string, error)
	Invalidate(ctx context.Context, key string) error
}

// Options параметры создания платежей.
type Options struct {
	Currency       string
	ReturnURL      string
	ReservationTTL time.Duration
}

// Checkout результат открытия заказа: куда отправить пользователя платить.
type Checkout struct {
	OrderID         string
	PaymentID       string
	ConfirmationURL string
	TariffKey       string
	TariffName      string
	Amount          decimal.Decimal
}

// Service трекер платёжных заказов.
type Service struct {
	store   OrderStore
	gateway Gateway
	cache   Cache
	catalog *tariff.Catalog
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New создаёт трекер. cache и m могут быть nil.
func New(store OrderStore, gateway Gateway, cache Cache, catalog *tariff.Catalog,
	opts Options, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		gateway: gateway,
		cache:   cache,
		catalog: catalog,
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

func reserveKey(userID int64, tariffKey string) string {
	return "order:reserve:" + strconv.FormatInt(userID, 10) + ":" + tariffKey
}

func orderKey(orderID string) string {
	return "order:" + orderID
}

// OpenOrder создаёт платёж за тариф и сохраняет заказ в статусе pending.
// Повторное нажатие в пределах ReservationTTL переиспользует тот же order_id,
// поэтому шлюз вернёт тот же платёж, а заказ не задвоится.
func (s *Service) OpenOrder(ctx context.Context, userID int64, tariffKey string) (*Checkout, error) {
	const op = "payment.OpenOrder"
	log := s.log.With(slog.String("op", op), slog.Int64("user_id", userID), slog.String("tariff", tariffKey))

	t, ok := s.catalog.Lookup(tariffKey)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %q", op, tariff.ErrUnknownTariff, tariffKey)
	}

	orderID := s.reserveOrderID(ctx, log, userID, tariffKey)
	existing, err := s.store.GetOrderByOrderID(ctx, orderID)
	switch {
	case err == nil && existing.Status == models.OrderPending:
		log.Debug("reusing open order", slog.String("order_id", orderID))
		return checkoutFromOrder(existing, t), nil
	case err == nil:
		// заказ под резервацией уже оплачен, новая покупка получает новый order_id
		s.releaseReservation(ctx, log, userID, tariffKey)
		orderID = s.reserveOrderID(ctx, log, userID, tariffKey)
		if orderID == existing.OrderID {
			orderID = uuid.NewString()
		}
	case !errors.Is(err, storage.ErrOrderNotFound):
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	amount := s.catalog.Price(t)
	returnURL, err := s.returnURL(orderID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req := paymentprovider.CreatePaymentRequest{
		Amount:  paymentprovider.NewAmount(amount, s.opts.Currency),
		Capture: true,
		Confirmation: paymentprovider.Confirmation{
			Type:      "redirect",
			ReturnURL: returnURL,
		},
		Description: t.Name,
		Metadata: map[string]string{
			"user_id":  strconv.FormatInt(userID, 10),
			"tariff":   t.Key,
			"order_id": orderID,
		},
	}
	p, err := s.gateway.CreatePayment(ctx, req, orderID)
	if err != nil {
		log.Error("failed to create payment", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p.ID == "" || p.ConfirmationURL() == "" {
		return nil, fmt.Errorf("%s: %w: payment without id or confirmation url", op, paymentprovider.ErrGateway)
	}

	order := models.PaymentOrder{
		OrderID:          orderID,
		GatewayPaymentID: p.ID,
		UserID:           userID,
		TariffKey:        t.Key,
		Amount:           amount,
		Currency:         s.opts.Currency,
		ConfirmationURL:  p.ConfirmationURL(),
	}
	created, err := s.store.CreateOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !created {
		stored, err := s.store.GetOrderByOrderID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return checkoutFromOrder(stored, t), nil
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, orderKey(orderID), p.ID, orderCacheTTL); err != nil {
			log.Warn("failed to cache order mapping", sl.Err(err))
		}
	}
	s.metrics.OrderOpened(t.Key)
	log.Info("order opened", slog.String("order_id", orderID), slog.String("payment_id", p.ID))
	return checkoutFromOrder(&order, t), nil
}

// reserveOrderID возвращает order_id, закреплённый за парой (пользователь, тариф).
// Без кэша каждый вызов получает новый идентификатор.
func (s *Service) reserveOrderID(ctx context.Context, log *slog.Logger, userID int64, tariffKey string) string {
	candidate := uuid.NewString()
	if s.cache == nil {
		return candidate
	}
	orderID, err := s.cache.Reserve(ctx, reserveKey(userID, tariffKey), candidate, s.opts.ReservationTTL)
	if err != nil {
		log.Warn("failed to reserve order id", sl.Err(err))
		return candidate
	}
	return orderID
}

func (s *Service) releaseReservation(ctx context.Context, log *slog.Logger, userID int64, tariffKey string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, reserveKey(userID, tariffKey)); err != nil {
		log.Warn("failed to release order reservation", sl.Err(err))
	}
}

func (s *Service) returnURL(orderID string) (string, error) {
	if s.opts.ReturnURL == "" {
		return "", nil
	}
	u, err := url.Parse(s.opts.ReturnURL)
	if err != nil {
		return "", fmt.Errorf("bad return url: %w", err)
	}
	q := u.Query()
	q.Set("order_id", orderID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func checkoutFromOrder(o *models.PaymentOrder, t tariff.Tariff) *Checkout {
	return &Checkout{
		OrderID:         o.OrderID,
		PaymentID:       o.GatewayPaymentID,
		ConfirmationURL: o.ConfirmationURL,
		TariffKey:       o.TariffKey,
		TariffName:      t.Name,
		Amount:          o.Amount,
	}
}

// LookupByOrder возвращает идентификатор платежа в шлюзе по order_id: сначала из кэша, затем из хранилища.
func (s *Service) LookupByOrder(ctx context.Context, orderID string) (string, error) {
	const op = "payment.LookupByOrder"

	if s.cache != nil {
		var paymentID string
		found, err := s.cache.Get(ctx, orderKey(orderID), &paymentID)
		if err != nil {
			s.log.Warn("cache lookup failed", slog.String("op", op), sl.Err(err))
		} else if found && paymentID != "" {
			return paymentID, nil
		}
	}

	order, err := s.store.GetOrderByOrderID(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, orderKey(orderID), order.GatewayPaymentID, orderCacheTTL); err != nil {
			s.log.Warn("failed to cache order mapping", slog.String("op", op), sl.Err(err))
		}
	}
	return order.GatewayPaymentID, nil
}
