package inmemory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
)

func TestStorage_CreateAccount(t *testing.T) {
	s := New()
	ctx := context.Background()
	ref := int64(1)

	created, err := s.CreateAccount(ctx, models.Account{UserID: 2, Username: "u", ReferrerID: &ref, PaidUnits: 100})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateAccount(ctx, models.Account{UserID: 2, Username: "other"})
	require.NoError(t, err)
	assert.False(t, created)

	acc, err := s.GetAccount(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "u", acc.Username)
	assert.Zero(t, acc.PaidUnits, "counters always start at zero")
	require.NotNil(t, acc.ReferrerID)
	assert.Equal(t, int64(1), *acc.ReferrerID)

	// возвращается копия
	acc.PaidUnits = 50
	again, err := s.GetAccount(ctx, 2)
	require.NoError(t, err)
	assert.Zero(t, again.PaidUnits)

	_, err = s.GetAccount(ctx, 3)
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)
}

func TestStorage_UpdateAccounts(t *testing.T) {
	tests := []struct {
		name      string
		ids       []int64
		fn        func(map[int64]*models.Account) error
		wantErr   error
		wantPaid1 int
	}{
		{
			name: "commit",
			ids:  []int64{1, 2},
			fn: func(m map[int64]*models.Account) error {
				m[1].PaidUnits = 7
				return nil
			},
			wantPaid1: 7,
		},
		{
			name: "rollback on error",
			ids:  []int64{1},
			fn: func(m map[int64]*models.Account) error {
				m[1].PaidUnits = 7
				return errBoom
			},
			wantErr:   errBoom,
			wantPaid1: 0,
		},
		{
			name:      "missing account",
			ids:       []int64{1, 404},
			fn:        func(map[int64]*models.Account) error { return nil },
			wantErr:   storage.ErrAccountNotFound,
			wantPaid1: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			ctx := context.Background()
			for _, id := range []int64{1, 2} {
				_, err := s.CreateAccount(ctx, models.Account{UserID: id})
				require.NoError(t, err)
			}

			err := s.UpdateAccounts(ctx, tt.ids, tt.fn)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}

			acc, err := s.GetAccount(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPaid1, acc.PaidUnits)
		})
	}
}

var errBoom = errors.New("boom")

func TestStorage_Orders(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, models.Account{UserID: 7})
	require.NoError(t, err)

	order := models.PaymentOrder{
		OrderID:          "order-1",
		GatewayPaymentID: "pay-1",
		UserID:           7,
		TariffKey:        "pay10",
		Amount:           decimal.RequireFromString("100.00"),
		Currency:         "RUB",
	}

	created, err := s.CreateOrder(ctx, order)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.CreateOrder(ctx, order)
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.CreateOrder(ctx, models.PaymentOrder{OrderID: "o2", GatewayPaymentID: "p2", UserID: 404})
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	acc, err := s.GetAccount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", acc.LastPaymentID)

	got, err := s.GetOrderByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, got.Status)

	_, err = s.GetOrder(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrOrderNotFound)
}

func TestStorage_ActivateOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateAccount(ctx, models.Account{UserID: 7})
	require.NoError(t, err)
	_, err = s.CreateOrder(ctx, models.PaymentOrder{OrderID: "order-1", GatewayPaymentID: "pay-1", UserID: 7})
	require.NoError(t, err)

	ok, err := s.ActivateOrder(ctx, "pay-1", func(*models.PaymentOrder, *models.Account) error { return errBoom })
	require.ErrorIs(t, err, errBoom)
	assert.False(t, ok)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ActivateOrder(ctx, "pay-1", func(o *models.PaymentOrder, acc *models.Account) error {
				assert.Equal(t, models.OrderSucceeded, o.Status)
				acc.PaidUnits += 10
				return nil
			})
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, granted)
	acc, err := s.GetAccount(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 10, acc.PaidUnits)

	order, err := s.GetOrder(ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderSucceeded, order.Status)
	assert.NotNil(t, order.PaidAt)

	_, err = s.ActivateOrder(ctx, "missing", func(*models.PaymentOrder, *models.Account) error { return nil })
	assert.ErrorIs(t, err, storage.ErrOrderNotFound)
}

func TestStorage_ListAccountIDs(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, id := range []int64{5, 1, 3} {
		_, err := s.CreateAccount(ctx, models.Account{UserID: id})
		require.NoError(t, err)
	}
	require.NoError(t, s.UpdateAccounts(ctx, []int64{3}, func(m map[int64]*models.Account) error {
		m[3].IsBanned = true
		return nil
	}))

	ids, err := s.ListAccountIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5}, ids)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.ListAccountIDs(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
