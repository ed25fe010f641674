package models

import "time"

// Update входящее действие пользователя, которое транспорт чата публикует в очередь.
// Протокол платформы сюда не попадает: только идентификатор, действие и аргументы.
type Update struct {
	UserID        int64    `json:"user_id" validate:"required"`
	Username      string   `json:"username,omitempty"`
	Action        string   `json:"action" validate:"required"`
	Args          []string `json:"args,omitempty"`
	Question      string   `json:"question,omitempty"`
	Cards         []string `json:"cards,omitempty"`
	ChannelStatus string   `json:"channel_status,omitempty"` // member, left или unknown
}

// Button кнопка ответа: либо ссылка, либо действие, которое транспорт вернёт в Update.
type Button struct {
	Text   string `json:"text"`
	URL    string `json:"url,omitempty"`
	Action string `json:"action,omitempty"`
}

// Reply исходящее сообщение пользователю.
type Reply struct {
	UserID  int64    `json:"user_id"`
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// PaymentActivated событие об успешно начисленном заказе.
type PaymentActivated struct {
	UserID      int64     `json:"user_id"`
	PaymentID   string    `json:"payment_id"`
	OrderID     string    `json:"order_id"`
	TariffKey   string    `json:"tariff_key"`
	ActivatedAt time.Time `json:"activated_at"`
}

// ReadingLogged запись журнала выданных гаданий.
type ReadingLogged struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Question  string    `json:"question"`
	Cards     []string  `json:"cards"`
	Ticket    string    `json:"ticket"`
}
