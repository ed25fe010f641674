package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus статус платёжного заказа.
type OrderStatus string

const (
	// OrderPending заказ создан, оплата ещё не подтверждена.
	OrderPending OrderStatus = "pending"
	// OrderSucceeded оплата подтверждена и тариф начислен. Конечный статус.
	OrderSucceeded OrderStatus = "succeeded"
)

// PaymentOrder представляет покупку тарифа через платёжный шлюз.
// OrderID генерируется локально и служит ключом идемпотентности в шлюзе,
// GatewayPaymentID выдаёт шлюз, по нему выполняется сверка.
type PaymentOrder struct {
	OrderID          string          `json:"order_id"`
	GatewayPaymentID string          `json:"gateway_payment_id"`
	UserID           int64           `json:"user_id"`
	TariffKey        string          `json:"tariff_key"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	ConfirmationURL  string          `json:"confirmation_url"`
	Status           OrderStatus     `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
}
