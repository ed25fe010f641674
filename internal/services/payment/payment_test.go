package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/paymentprovider"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
	"github.com/magabrotheeeer/tarot-bot/internal/storage/inmemory"
	"github.com/magabrotheeeer/tarot-bot/internal/tariff"
)

const testUserID = int64(100)

type GatewayMock struct{ mock.Mock }

func (m *GatewayMock) CreatePayment(ctx context.Context, req paymentprovider.CreatePaymentRequest,
	idempotenceKey string) (*paymentprovider.Payment, error) {
	args := m.Called(ctx, req, idempotenceKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*paymentprovider.Payment), args.Error(1)
}

type CacheMock struct{ mock.Mock }

func (m *CacheMock) Get(ctx context.Context, key string, result any) (bool, error) {
	args := m.Called(ctx, key, result)
	if s, ok := args.Get(2).(string); ok {
		*(result.(*string)) = s
	}
	return args.Bool(0), args.Error(1)
}

func (m *CacheMock) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return m.Called(ctx, key, value, expiration).Error(0)
}

func (m *CacheMock) Reserve(ctx context.Context, key, candidate string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, key, candidate, ttl)
	return args.String(0), args.Error(1)
}

func (m *CacheMock) Invalidate(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func newNoopLogger() *slog.Logger {
	h := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})
	return slog.New(h)
}

func newCatalog(t *testing.T) *tariff.Catalog {
	t.Helper()
	c, err := tariff.NewCatalog(tariff.DefaultSpecs(), false)
	require.NoError(t, err)
	return c
}

func newStore(t *testing.T) *inmemory.Storage {
	t.Helper()
	store := inmemory.New()
	_, err := store.CreateAccount(context.Background(), models.Account{UserID: testUserID})
	require.NoError(t, err)
	return store
}

var testOpts = Options{
	Currency:       "RUB",
	ReturnURL:      "https://bot.example.com/api/v1/payments/return",
	ReservationTTL: 10 * time.Minute,
}

func TestOpenOrder_Success(t *testing.T) {
	store := newStore(t)
	gw := new(GatewayMock)
	cache := new(CacheMock)
	svc := New(store, gw, cache, newCatalog(t), testOpts, newNoopLogger(), nil)

	cache.On("Reserve", mock.Anything, "order:reserve:100:pay10", mock.AnythingOfType("string"), 10*time.Minute).
		Return("order-1", nil).Once()
	gw.On("CreatePayment", mock.Anything, mock.MatchedBy(func(req paymentprovider.CreatePaymentRequest) bool {
		u, err := url.Parse(req.Confirmation.ReturnURL)
		if err != nil {
			return false
		}
		return req.Amount.Value == "100.00" &&
			req.Amount.Currency == "RUB" &&
			req.Capture &&
			req.Confirmation.Type == "redirect" &&
			u.Query().Get("order_id") == "order-1" &&
			req.Metadata["user_id"] == "100" &&
			req.Metadata["tariff"] == "pay10" &&
			req.Metadata["order_id"] == "order-1"
	}), "order-1").Return(&paymentprovider.Payment{
		ID:           "pay-1",
		Status:       paymentprovider.StatusPending,
		Confirmation: &paymentprovider.Confirmation{Type: "redirect", ConfirmationURL: "https://pay.example/1"},
	}, nil).Once()
	cache.On("Set", mock.Anything, "order:order-1", "pay-1", orderCacheTTL).Return(nil).Once()

	checkout, err := svc.OpenOrder(context.Background(), testUserID, "pay10")
	require.NoError(t, err)
	assert.Equal(t, &Checkout{
		OrderID:         "order-1",
		PaymentID:       "pay-1",
		ConfirmationURL: "https://pay.example/1",
		TariffKey:       "pay10",
		TariffName:      "Докупить 10",
		Amount:          decimal.RequireFromString("100.00"),
	}, checkout)

	order, err := store.GetOrder(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, models.OrderPending, order.Status)
	assert.Equal(t, "order-1", order.OrderID)

	acc, err := store.GetAccount(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "pay-1", acc.LastPaymentID)

	gw.AssertExpectations(t)
	cache.AssertExpectations(t)
}

func TestOpenOrder_DoubleTapReusesOrder(t *testing.T) {
	store := newStore(t)
	gw := new(GatewayMock)
	cache := new(CacheMock)
	svc := New(store, gw, cache, newCatalog(t), testOpts, newNoopLogger(), nil)

	cache.On("Reserve", mock.Anything, "order:reserve:100:pay30", mock.Anything, mock.Anything).
		Return("order-2", nil).Twice()
	gw.On("CreatePayment", mock.Anything, mock.Anything, "order-2").Return(&paymentprovider.Payment{
		ID:           "pay-2",
		Confirmation: &paymentprovider.Confirmation{ConfirmationURL: "https://pay.example/2"},
	}, nil).Once()
	cache.On("Set", mock.Anything, "order:order-2", "pay-2", orderCacheTTL).Return(nil).Once()

	first, err := svc.OpenOrder(context.Background(), testUserID, "pay30")
	require.NoError(t, err)
	second, err := svc.OpenOrder(context.Background(), testUserID, "pay30")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	gw.AssertExpectations(t)
	cache.AssertExpectations(t)
}

func TestOpenOrder_PaidReservationStartsNewOrder(t *testing.T) {
	store := newStore(t)
	gw := new(GatewayMock)
	cache := new(CacheMock)
	svc := New(store, gw, cache, newCatalog(t), testOpts, newNoopLogger(), nil)
	ctx := context.Background()

	_, err := store.CreateOrder(ctx, models.PaymentOrder{
		OrderID:          "order-paid",
		GatewayPaymentID: "pay-paid",
		UserID:           testUserID,
		TariffKey:        "pay10",
		Amount:           decimal.RequireFromString("100.00"),
		Currency:         "RUB",
		ConfirmationURL:  "https://pay.example/paid",
	})
	require.NoError(t, err)
	activated, err := store.ActivateOrder(ctx, "pay-paid", func(*models.PaymentOrder, *models.Account) error { return nil })
	require.NoError(t, err)
	require.True(t, activated)

	cache.On("Reserve", mock.Anything, "order:reserve:100:pay10", mock.Anything, mock.Anything).
		Return("order-paid", nil).Once()
	cache.On("Invalidate", mock.Anything, "order:reserve:100:pay10").Return(nil).Once()
	cache.On("Reserve", mock.Anything, "order:reserve:100:pay10", mock.Anything, mock.Anything).
		Return("order-new", nil).Once()
	gw.On("CreatePayment", mock.Anything, mock.Anything, "order-new").Return(&paymentprovider.Payment{
		ID:           "pay-new",
		Confirmation: &paymentprovider.Confirmation{ConfirmationURL: "https://pay.example/new"},
	}, nil).Once()
	cache.On("Set", mock.Anything, "order:order-new", "pay-new", orderCacheTTL).Return(nil).Once()

	checkout, err := svc.OpenOrder(ctx, testUserID, "pay10")
	require.NoError(t, err)
	assert.Equal(t, "order-new", checkout.OrderID)
	assert.Equal(t, "pay-new", checkout.PaymentID)

	gw.AssertExpectations(t)
	cache.AssertExpectations(t)
}

func TestOpenOrder_Errors(t *testing.T) {
	tests := []struct {
		name       string
		tariff     string
		setupMocks func(gw *GatewayMock)
		wantErr    error
	}{
		{
			name:       "unknown tariff",
			tariff:     "pay1000",
			setupMocks: func(_ *GatewayMock) {},
			wantErr:    tariff.ErrUnknownTariff,
		},
		{
			name:   "gateway failure",
			tariff: "pay10",
			setupMocks: func(gw *GatewayMock) {
				gw.On("CreatePayment", mock.Anything, mock.Anything, mock.Anything).
					Return(nil, paymentprovider.ErrGateway).Once()
			},
			wantErr: paymentprovider.ErrGateway,
		},
		{
			name:   "payment without confirmation url",
			tariff: "pay10",
			setupMocks: func(gw *GatewayMock) {
				gw.On("CreatePayment", mock.Anything, mock.Anything, mock.Anything).
					Return(&paymentprovider.Payment{ID: "pay-3"}, nil).Once()
			},
			wantErr: paymentprovider.ErrGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			gw := new(GatewayMock)
			tt.setupMocks(gw)
			svc := New(store, gw, nil, newCatalog(t), testOpts, newNoopLogger(), nil)

			_, err := svc.OpenOrder(context.Background(), testUserID, tt.tariff)
			assert.ErrorIs(t, err, tt.wantErr)

			acc, err := store.GetAccount(context.Background(), testUserID)
			require.NoError(t, err)
			assert.Empty(t, acc.LastPaymentID)
			gw.AssertExpectations(t)
		})
	}
}

func TestOpenOrder_CacheFailureStillOpens(t *testing.T) {
	store := newStore(t)
	gw := new(GatewayMock)
	cache := new(CacheMock)
	svc := New(store, gw, cache, newCatalog(t), testOpts, newNoopLogger(), nil)

	cache.On("Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("redis down")).Once()
	gw.On("CreatePayment", mock.Anything, mock.Anything, mock.AnythingOfType("string")).Return(&paymentprovider.Payment{
		ID:           "pay-4",
		Confirmation: &paymentprovider.Confirmation{ConfirmationURL: "https://pay.example/4"},
	}, nil).Once()
	cache.On("Set", mock.Anything, mock.Anything, "pay-4", orderCacheTTL).Return(errors.New("redis down")).Once()

	checkout, err := svc.OpenOrder(context.Background(), testUserID, "pay10")
	require.NoError(t, err)
	assert.NotEmpty(t, checkout.OrderID)
	assert.Equal(t, "pay-4", checkout.PaymentID)
}

func TestLookupByOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit", func(t *testing.T) {
		cache := new(CacheMock)
		cache.On("Get", mock.Anything, "order:o-1", mock.Anything).Return(true, nil, "pay-1").Once()
		svc := New(newStore(t), nil, cache, newCatalog(t), testOpts, newNoopLogger(), nil)

		got, err := svc.LookupByOrder(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, "pay-1", got)
		cache.AssertExpectations(t)
	})

	t.Run("cache miss falls back to store", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CreateOrder(ctx, models.PaymentOrder{
			OrderID: "o-2", GatewayPaymentID: "pay-2", UserID: testUserID, TariffKey: "pay10",
			Amount: decimal.NewFromInt(100), Currency: "RUB",
		})
		require.NoError(t, err)
		cache := new(CacheMock)
		cache.On("Get", mock.Anything, "order:o-2", mock.Anything).Return(false, nil, nil).Once()
		cache.On("Set", mock.Anything, "order:o-2", "pay-2", orderCacheTTL).Return(nil).Once()
		svc := New(store, nil, cache, newCatalog(t), testOpts, newNoopLogger(), nil)

		got, err := svc.LookupByOrder(ctx, "o-2")
		require.NoError(t, err)
		assert.Equal(t, "pay-2", got)
		cache.AssertExpectations(t)
	})

	t.Run("unknown order", func(t *testing.T) {
		svc := New(newStore(t), nil, nil, newCatalog(t), testOpts, newNoopLogger(), nil)

		_, err := svc.LookupByOrder(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrOrderNotFound)
	})
}
