// Package inmemory реализует хранилище учётных записей и заказов в памяти процесса.
// Используется для локального запуска без PostgreSQL и в тестах сервисов.
// Изменения применяются к копиям и фиксируются целиком, так что ошибка
// в функции обновления ничего не меняет.
package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
)

// Storage хранилище в памяти. Все операции сериализуются одним мьютексом.
type Storage struct {
	mu       sync.Mutex
	accounts map[int64]*models.Account
	orders   map[string]*models.PaymentOrder // ключ: order_id
	payments map[string]string               // gateway_payment_id -> order_id
	now      func() time.Time
}

// New создаёт пустое хранилище.
func New() *Storage {
	return &Storage{
		accounts: make(map[int64]*models.Account),
		orders:   make(map[string]*models.PaymentOrder),
		payments: make(map[string]string),
		now:      time.Now,
	}
}

// Ping всегда успешен.
func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// CreateAccount создаёт учётную запись, если её ещё нет.
func (s *Storage) CreateAccount(ctx context.Context, acc models.Account) (bool, error) {
	const op = "inmemory.CreateAccount"
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.UserID]; ok {
		return false, nil
	}
	stored := &models.Account{
		UserID:    acc.UserID,
		Username:  acc.Username,
		CreatedAt: s.now(),
	}
	if acc.ReferrerID != nil {
		ref := *acc.ReferrerID
		stored.ReferrerID = &ref
	}
	s.accounts[acc.UserID] = stored
	return true, nil
}

// GetAccount возвращает копию учётной записи.
func (s *Storage) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	const op = "inmemory.GetAccount"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}
	return acc.Clone(), nil
}

// UpdateAccounts передаёт в fn копии учётных записей и сохраняет их, если fn вернула nil.
func (s *Storage) UpdateAccounts(ctx context.Context, ids []int64, fn func(map[int64]*models.Account) error) error {
	const op = "inmemory.UpdateAccounts"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	working := make(map[int64]*models.Account, len(ids))
	for _, id := range ids {
		acc, ok := s.accounts[id]
		if !ok {
			return fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		working[id] = acc.Clone()
	}
	if err := fn(working); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	for id, acc := range working {
		s.accounts[id] = acc
	}
	return nil
}

// ListAccountIDs возвращает идентификаторы незаблокированных пользователей по возрастанию.
func (s *Storage) ListAccountIDs(ctx context.Context) ([]int64, error) {
	const op = "inmemory.ListAccountIDs"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.accounts))
	for id, acc := range s.accounts {
		if !acc.IsBanned {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CreateOrder сохраняет заказ в статусе pending и отмечает платёж как последний у пользователя.
func (s *Storage) CreateOrder(ctx context.Context, order models.PaymentOrder) (bool, error) {
	const op = "inmemory.CreateOrder"
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; ok {
		return false, nil
	}
	if _, ok := s.payments[order.GatewayPaymentID]; ok {
		return false, nil
	}
	acc, ok := s.accounts[order.UserID]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}

	stored := order
	stored.Status = models.OrderPending
	stored.CreatedAt = s.now()
	stored.PaidAt = nil
	s.orders[order.OrderID] = &stored
	s.payments[order.GatewayPaymentID] = order.OrderID
	acc.LastPaymentID = order.GatewayPaymentID
	return true, nil
}

// GetOrder возвращает заказ по идентификатору платежа в шлюзе.
func (s *Storage) GetOrder(ctx context.Context, paymentID string) (*models.PaymentOrder, error) {
	const op = "inmemory.GetOrder"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.payments[paymentID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrOrderNotFound)
	}
	return copyOrder(s.orders[orderID]), nil
}

// GetOrderByOrderID возвращает заказ по локальному идентификатору.
func (s *Storage) GetOrderByOrderID(ctx context.Context, orderID string) (*models.PaymentOrder, error) {
	const op = "inmemory.GetOrderByOrderID"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, storage.ErrOrderNotFound)
	}
	return copyOrder(o), nil
}

// ActivateOrder атомарно переводит заказ в succeeded и применяет fn к учётной записи владельца.
// Для уже активированного заказа возвращает false и не вызывает fn.
func (s *Storage) ActivateOrder(ctx context.Context, paymentID string,
	fn func(*models.PaymentOrder, *models.Account) error) (bool, error) {
	const op = "inmemory.ActivateOrder"
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	orderID, ok := s.payments[paymentID]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, storage.ErrOrderNotFound)
	}
	stored := s.orders[orderID]
	if stored.Status != models.OrderPending {
		return false, nil
	}
	acc, ok := s.accounts[stored.UserID]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
	}

	order := copyOrder(stored)
	paidAt := s.now()
	order.Status = models.OrderSucceeded
	order.PaidAt = &paidAt
	working := acc.Clone()
	if err := fn(order, working); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	s.orders[orderID] = order
	s.accounts[working.UserID] = working
	return true, nil
}

func copyOrder(o *models.PaymentOrder) *models.PaymentOrder {
	c := *o
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	return &c
}
