package paymentprovider

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus статус платежа в ЮKassa.
type PaymentStatus string

const (
	StatusPending           PaymentStatus = "pending"
	StatusWaitingForCapture PaymentStatus = "waiting_for_capture"
	StatusSucceeded         PaymentStatus = "succeeded"
	StatusCanceled          PaymentStatus = "canceled"
)

// Amount денежная сумма в формате ЮKassa: значение строкой с двумя знаками.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// NewAmount форматирует сумму для запроса.
func NewAmount(value decimal.Decimal, currency string) Amount {
	return Amount{Value: value.StringFixed(2), Currency: currency}
}

// Decimal разбирает значение суммы.
func (a Amount) Decimal() (decimal.Decimal, error) {
	return decimal.NewFromString(a.Value)
}

// Confirmation способ подтверждения платежа. Бот использует redirect.
type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// CreatePaymentRequest представляет запрос на создание платежа.
type CreatePaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"` // user_id, tariff, order_id
}

// Payment платёж в ЮKassa.
type Payment struct {
	ID           string            `json:"id"`
	Status       PaymentStatus     `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       Amount            `json:"amount"`
	Confirmation *Confirmation     `json:"confirmation,omitempty"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// IsPaid сообщает, что платёж оплачен и списан.
func (p *Payment) IsPaid() bool {
	return p.Paid && p.Status == StatusSucceeded
}

// ConfirmationURL ссылка на страницу оплаты, если шлюз её вернул.
func (p *Payment) ConfirmationURL() string {
	if p.Confirmation == nil {
		return ""
	}
	return p.Confirmation.ConfirmationURL
}
