package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
)

const orderColumns = `order_id, gateway_payment_id, user_id, tariff_key, amount, currency,
	confirmation_url, status, created_at, paid_at`

func scanOrder(row rowScanner) (*models.PaymentOrder, error) {
	var (
		o      models.PaymentOrder
		status string
		paidAt sql.NullTime
	)
	if err := row.Scan(&o.OrderID, &o.GatewayPaymentID, &o.UserID, &o.TariffKey, &o.Amount, &o.Currency,
		&o.ConfirmationURL, &status, &o.CreatedAt, &paidAt); err != nil {
		return nil, err
	}
	o.Status = models.OrderStatus(status)
	if paidAt.Valid {
		t := paidAt.Time
		o.PaidAt = &t
	}
	return &o, nil
}

// CreateOrder сохраняет новый заказ в статусе pending и запоминает платёж
// как последний у пользователя. Повторная вставка того же заказа ничего не меняет
// и возвращает false.
func (s *Storage) CreateOrder(ctx context.Context, order models.PaymentOrder) (bool, error) {
	const op = "storage.CreateOrder"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO payment_orders (order_id, gateway_payment_id, user_id, tariff_key,
				      amount, currency, confirmation_url, status)
				  VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				  ON CONFLICT DO NOTHING`
		res, err := tx.ExecContext(ctx, query,
			order.OrderID, order.GatewayPaymentID, order.UserID, order.TariffKey,
			order.Amount, order.Currency, order.ConfirmationURL, string(models.OrderPending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		created = true

		res, err = tx.ExecContext(ctx,
			`UPDATE accounts SET last_payment_id = $1 WHERE user_id = $2`,
			order.GatewayPaymentID, order.UserID)
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		if n == 0 {
			return storage.ErrAccountNotFound
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// GetOrder возвращает заказ по идентификатору платежа в шлюзе.
func (s *Storage) GetOrder(ctx context.Context, paymentID string) (*models.PaymentOrder, error) {
	const op = "storage.GetOrder"
	return s.getOrderBy(ctx, op, "gateway_payment_id", paymentID)
}

// GetOrderByOrderID возвращает заказ по локальному идентификатору заказа.
func (s *Storage) GetOrderByOrderID(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	const op = "storage.GetOrderByOrderID"
	return s.getOrderBy(ctx, op, "order_id", orderID)
}

func (s *Storage) getOrderBy(ctx context.Context, op, column, value string) (*models.PaymentOrder, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + orderColumns + ` FROM payment_orders WHERE ` + column + ` = $1`
	o, err := scanOrder(s.DB.QueryRowContext(ctx, query, value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrOrderNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return o, nil
}

// ActivateOrder переводит заказ из pending в succeeded и в той же транзакции
// применяет fn к заблокированной учётной записи владельца.
// Возвращает false, если заказ уже был активирован ранее: в этом случае fn не вызывается.
// Если fn возвращает ошибку, откатывается и смена статуса.
func (s *Storage) ActivateOrder(ctx context.Context, paymentID string,
	fn func(*models.PaymentOrder, *models.Account) error) (bool, error) {
	const op = "storage.ActivateOrder"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	activated := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE payment_orders
				  SET status = $1, paid_at = NOW()
				  WHERE gateway_payment_id = $2 AND status = $3
				  RETURNING ` + orderColumns
		order, err := scanOrder(tx.QueryRowContext(ctx, query,
			string(models.OrderSucceeded), paymentID, string(models.OrderPending)))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS (SELECT 1 FROM payment_orders WHERE gateway_payment_id = $1)`,
				paymentID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return storage.ErrOrderNotFound
			}
			return nil
		}
		if err != nil {
			return err
		}

		accounts, err := lockAccounts(ctx, tx, []int64{order.UserID})
		if err != nil {
			return err
		}
		acc := accounts[order.UserID]
		if err := fn(order, acc); err != nil {
			return err
		}
		if err := saveAccount(ctx, tx, acc); err != nil {
			return err
		}
		activated = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return activated, nil
}
