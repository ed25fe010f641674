// Package reconcile подтверждает платежи через шлюз и начисляет тариф ровно один раз,
// сколько бы путей уведомления ни сработало одновременно.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/tarot-bot/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/metrics"
	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/paymentprovider"
	"github.com/magabrotheeeer/tarot-bot/internal/services/ledger"
	"github.com/magabrotheeeer/tarot-bot/internal/tariff"
)

var (
	// ErrOrderMismatch заказ принадлежит другому пользователю или тарифу.
	ErrOrderMismatch = errors.New("order does not match activation request")
	// ErrAmountMismatch оплаченная сумма не совпадает с суммой заказа.
	ErrAmountMismatch = errors.New("paid amount does not match order amount")
)

// Outcome итог сверки платежа.
type Outcome string

const (
	OutcomePending          Outcome = "pending"
	OutcomeCanceled         Outcome = "canceled"
	OutcomeActivated        Outcome = "activated"
	OutcomeAlreadyActivated Outcome = "already_activated"
	OutcomeNoPayment        Outcome = "no_payment"
)

// Store хранилище заказов и учётных записей.
type Store interface {
	GetAccount(ctx context.Context, userID int64) (*models.Account, error)
	GetOrder(ctx context.Context, paymentID string) (*models.PaymentOrder, error)
	ActivateOrder(ctx context.Context, paymentID string, fn func(*models.PaymentOrder, *models.Account) error) (bool, error)
}

// Gateway платёжный шлюз.
type Gateway interface {
	GetPayment(ctx context.Context, paymentID string) (*paymentprovider.Payment, error)
}

// Publisher публикует события в брокер.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// Service движок сверки.
type Service struct {
	store     Store
	gateway   Gateway
	catalog   *tariff.Catalog
	publisher Publisher
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New создаёт движок сверки. publisher и m могут быть nil.
func New(store Store, gateway Gateway, catalog *tariff.Catalog, publisher Publisher,
	log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:     store,
		gateway:   gateway,
		catalog:   catalog,
		publisher: publisher,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Confirm запрашивает статус платежа в шлюзе и, если он оплачен, активирует заказ.
func (s *Service) Confirm(ctx context.Context, paymentID string) (Outcome, error) {
	const op = "reconcile.Confirm"
	log := s.log.With(slog.String("op", op), slog.String("payment_id", paymentID))

	p, err := s.gateway.GetPayment(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !p.IsPaid() {
		outcome := OutcomePending
		if p.Status == paymentprovider.StatusCanceled {
			outcome = OutcomeCanceled
		}
		log.Debug("payment not paid", slog.String("status", string(p.Status)))
		s.metrics.PaymentOutcome(string(outcome))
		return outcome, nil
	}

	order, err := s.store.GetOrder(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	paid, err := p.Amount.Decimal()
	if err != nil || !paid.Equal(order.Amount) {
		log.Error("paid amount mismatch",
			slog.String("paid", p.Amount.Value), slog.String("expected", order.Amount.StringFixed(2)))
		return "", fmt.Errorf("%s: %w: paid %s, expected %s", op, ErrAmountMismatch, p.Amount.Value, order.Amount.StringFixed(2))
	}

	return s.Activate(ctx, paymentID, order.UserID, order.TariffKey)
}

// Activate переводит заказ из pending в succeeded и начисляет тариф в одной транзакции.
// Начисление выполняет только тот вызов, который выиграл переход статуса;
// остальные получают OutcomeAlreadyActivated без изменений.
func (s *Service) Activate(ctx context.Context, paymentID string, userID int64, tariffKey string) (Outcome, error) {
	const op = "reconcile.Activate"
	log := s.log.With(slog.String("op", op), slog.String("payment_id", paymentID), slog.Int64("user_id", userID))

	var activatedOrder models.PaymentOrder
	activated, err := s.store.ActivateOrder(ctx, paymentID, func(o *models.PaymentOrder, acc *models.Account) error {
		if o.UserID != userID || o.TariffKey != tariffKey {
			return fmt.Errorf("%w: order %s belongs to user %d tariff %q", ErrOrderMismatch, o.OrderID, o.UserID, o.TariffKey)
		}
		t, ok := s.catalog.Lookup(o.TariffKey)
		if !ok {
			return fmt.Errorf("%w: %q", tariff.ErrUnknownTariff, o.TariffKey)
		}
		if err := ledger.ApplyEffect(acc, t.Effect, s.now()); err != nil {
			return err
		}
		activatedOrder = *o
		return nil
	})
	if err != nil {
		log.Error("activation failed", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !activated {
		log.Debug("order already activated")
		s.metrics.PaymentOutcome(string(OutcomeAlreadyActivated))
		return OutcomeAlreadyActivated, nil
	}

	log.Info("order activated", slog.String("order_id", activatedOrder.OrderID), slog.String("tariff", tariffKey))
	s.metrics.PaymentOutcome(string(OutcomeActivated))
	s.publishActivated(ctx, log, activatedOrder)
	return OutcomeActivated, nil
}

func (s *Service) publishActivated(ctx context.Context, log *slog.Logger, o models.PaymentOrder) {
	if s.publisher == nil {
		return
	}
	activatedAt := s.now()
	if o.PaidAt != nil {
		activatedAt = *o.PaidAt
	}
	event := models.PaymentActivated{
		UserID:      o.UserID,
		PaymentID:   o.GatewayPaymentID,
		OrderID:     o.OrderID,
		TariffKey:   o.TariffKey,
		ActivatedAt: activatedAt,
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), rabbitmq.RoutingPaymentActivated, event); err != nil {
		log.Warn("failed to publish activation event", sl.Err(err))
	}
}

// CheckLast сверяет последний платёж пользователя. Вызывается по кнопке «Проверить оплату».
func (s *Service) CheckLast(ctx context.Context, userID int64) (Outcome, error) {
	const op = "reconcile.CheckLast"

	acc, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if acc.LastPaymentID == "" {
		return OutcomeNoPayment, nil
	}
	outcome, err := s.Confirm(ctx, acc.LastPaymentID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return outcome, nil
}
