package paymentreturn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/magabrotheeeer/tarot-bot/internal/services/reconcile"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
)

type MockOrders struct {
	mock.Mock
}

func (m *MockOrders) LookupByOrder(ctx context.Context, orderID string) (string, error) {
	args := m.Called(ctx, orderID)
	return args.String(0), args.Error(1)
}

type MockConfirmer struct {
	mock.Mock
}

func (m *MockConfirmer) Confirm(ctx context.Context, paymentID string) (reconcile.Outcome, error) {
	args := m.Called(ctx, paymentID)
	return args.Get(0).(reconcile.Outcome), args.Error(1)
}

const botURL = "https://t.me/tarot247bot"

func TestReturnHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name           string
		url            string
		setupMocks     func(*MockOrders, *MockConfirmer)
		expectedStatus int
	}{
		{
			name: "заказ найден и подтверждён",
			url:  "/api/v1/payments/return?order_id=o-1",
			setupMocks: func(o *MockOrders, c *MockConfirmer) {
				o.On("LookupByOrder", mock.Anything, "o-1").Return("pay-1", nil).Once()
				c.On("Confirm", mock.Anything, "pay-1").Return(reconcile.OutcomeActivated, nil).Once()
			},
			expectedStatus: http.StatusFound,
		},
		{
			name: "платёж ещё не прошёл",
			url:  "/api/v1/payments/return?order_id=o-1",
			setupMocks: func(o *MockOrders, c *MockConfirmer) {
				o.On("LookupByOrder", mock.Anything, "o-1").Return("pay-1", nil).Once()
				c.On("Confirm", mock.Anything, "pay-1").Return(reconcile.OutcomePending, nil).Once()
			},
			expectedStatus: http.StatusFound,
		},
		{
			name: "неизвестный заказ",
			url:  "/api/v1/payments/return?order_id=nope",
			setupMocks: func(o *MockOrders, _ *MockConfirmer) {
				o.On("LookupByOrder", mock.Anything, "nope").Return("", storage.ErrOrderNotFound).Once()
			},
			expectedStatus: http.StatusFound,
		},
		{
			name: "сбой сверки",
			url:  "/api/v1/payments/return?order_id=o-1",
			setupMocks: func(o *MockOrders, c *MockConfirmer) {
				o.On("LookupByOrder", mock.Anything, "o-1").Return("pay-1", nil).Once()
				c.On("Confirm", mock.Anything, "pay-1").Return(reconcile.Outcome(""), errors.New("gateway down")).Once()
			},
			expectedStatus: http.StatusFound,
		},
		{
			name:           "нет order_id",
			url:            "/api/v1/payments/return",
			setupMocks:     func(_ *MockOrders, _ *MockConfirmer) {},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders := new(MockOrders)
			confirmer := new(MockConfirmer)
			tt.setupMocks(orders, confirmer)
			h := New(logger, orders, confirmer, botURL)

			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusFound {
				assert.Equal(t, botURL, rr.Header().Get("Location"))
			}
			orders.AssertExpectations(t)
			confirmer.AssertExpectations(t)
		})
	}
}
