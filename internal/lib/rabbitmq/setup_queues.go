package rabbitmq

import "github.com/magabrotheeeer/tarot-bot/internal/config"

// Ключи маршрутизации событий в обменнике.
const (
	RoutingPaymentActivated = "payment.activated"
	RoutingReadingLogged    = "reading.logged"
)

// QueueConfig очередь и ключ, по которому она привязана к обменнику событий.
// Пустой RoutingKey означает очередь без привязки (доставка через обменник по умолчанию).
type QueueConfig struct {
	QueueName  string
	RoutingKey string
}

// Topology всё, что бот объявляет в брокере при старте.
type Topology struct {
	Exchange string
	Prefetch int
	Queues   []QueueConfig
}

// BotTopology строит топологию из конфига: очереди действий и ответов транспорта,
// очередь уведомлений об оплате и очереди журнала, привязанные к событиям.
func BotTopology(cfg config.RabbitMQ) Topology {
	return Topology{
		Exchange: cfg.EventsExchange,
		Prefetch: cfg.Prefetch,
		Queues: []QueueConfig{
			{QueueName: cfg.UpdatesQueue},
			{QueueName: cfg.RepliesQueue},
			{QueueName: cfg.ActivationsQueue, RoutingKey: RoutingPaymentActivated},
			{QueueName: "tarot.audit.readings", RoutingKey: RoutingReadingLogged},
			{QueueName: "tarot.audit.payments", RoutingKey: RoutingPaymentActivated},
		},
	}
}
