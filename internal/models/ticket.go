package models

// Ticket указывает, из какого источника квоты оплачено допущенное гадание.
// Набор значений закрыт: возврат обязан разобрать каждое из них.
type Ticket uint8

const (
	// TicketUnknown нулевое значение, никогда не выдаётся реестром.
	TicketUnknown Ticket = iota
	TicketAdmin
	TicketSubscription
	TicketFree
	TicketBonus
	TicketPaid
)

func (t Ticket) String() string {
	switch t {
	case TicketAdmin:
		return "admin"
	case TicketSubscription:
		return "subscription"
	case TicketFree:
		return "free"
	case TicketBonus:
		return "bonus"
	case TicketPaid:
		return "paid"
	default:
		return "unknown"
	}
}
