// Package paymentreturn обрабатывает возврат пользователя со страницы оплаты:
// сверяет платёж по order_id и перенаправляет обратно в бота.
package paymentreturn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"github.com/magabrotheeeer/tarot-bot/internal/http/response"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/services/reconcile"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
)

// OrderLookup ищет платёж по локальному идентификатору заказа.
type OrderLookup interface {
	LookupByOrder(ctx context.Context, orderID string) (string, error)
}

// Confirmer перепроверяет платёж и активирует заказ.
type Confirmer interface {
	Confirm(ctx context.Context, paymentID string) (reconcile.Outcome, error)
}

// Handler обработчик возврата.
type Handler struct {
	log       *slog.Logger
	orders    OrderLookup
	confirmer Confirmer
	botURL    string
}

// New создаёт обработчик.
func New(log *slog.Logger, orders OrderLookup, confirmer Confirmer, botURL string) *Handler {
	return &Handler{
		log:       log,
		orders:    orders,
		confirmer: confirmer,
		botURL:    botURL,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.return"
	log := h.log.With(slog.String("op", op))

	orderID := r.URL.Query().Get("order_id")
	if orderID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("order_id is required"))
		return
	}
	log = log.With(slog.String("order_id", orderID))

	// в бота возвращаем при любом исходе сверки
	defer http.Redirect(w, r, h.botURL, http.StatusFound)

	paymentID, err := h.orders.LookupByOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, storage.ErrOrderNotFound) {
			log.Warn("return for unknown order")
		} else {
			log.Error("failed to look up order", sl.Err(err))
		}
		return
	}

	outcome, err := h.confirmer.Confirm(r.Context(), paymentID)
	if err != nil {
		log.Error("failed to confirm payment", slog.String("payment_id", paymentID), sl.Err(err))
		return
	}
	log.Info("payment return processed", slog.String("payment_id", paymentID), slog.String("outcome", string(outcome)))
}
