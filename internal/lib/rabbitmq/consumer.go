package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
)

// ErrReject помечает сообщение, которое бессмысленно доставлять повторно.
// Такие сообщения отклоняются без возврата в очередь.
var ErrReject = errors.New("reject message")

// Handler обрабатывает тело одного сообщения.
type Handler func(ctx context.Context, body []byte) error

// ConsumerMessage запускает потребителя очереди queueName. Сообщения обрабатываются
// параллельно, не более workers одновременно. Успешно обработанные подтверждаются,
// при ошибке сообщение возвращается в очередь, при ErrReject отбрасывается.
// Возвращает канал, который закрывается, когда потребитель остановлен и все
// обработчики завершились.
func ConsumerMessage(ctx context.Context, ch *amqp.Channel, queueName string, workers int,
	log *slog.Logger, handler Handler) (<-chan struct{}, error) {
	const op = "rabbitmq.ConsumerMessage"
	delivery, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if workers < 1 {
		workers = 1
	}
	log = log.With(slog.String("op", op), slog.String("queue", queueName))

	done := make(chan struct{})
	sem := make(chan struct{}, workers)
	go func() {
		defer func() {
			// дожидаемся обработчиков, занимая все слоты семафора
			for range workers {
				sem <- struct{}{}
			}
			close(done)
		}()
		for {
			select {
			case d, ok := <-delivery:
				if !ok {
					log.Warn("delivery channel closed")
					return
				}
				sem <- struct{}{}
				go func(d amqp.Delivery) {
					defer func() { <-sem }()
					handle(ctx, log, d, handler)
				}(d)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done, nil
}

func handle(ctx context.Context, log *slog.Logger, d amqp.Delivery, handler Handler) {
	err := handler(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			log.Error("failed to ack message", sl.Err(ackErr))
		}
	case errors.Is(err, ErrReject):
		log.Warn("message rejected", sl.Err(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.Error("failed to nack message", sl.Err(nackErr))
		}
	default:
		log.Error("message handling failed, requeue", sl.Err(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.Error("failed to nack message", sl.Err(nackErr))
		}
	}
}
