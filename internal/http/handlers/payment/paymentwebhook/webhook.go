// Package paymentwebhook принимает уведомления ЮKassa о платежах.
// Содержимому уведомления обработчик не доверяет: статус платежа
// всегда перепроверяется запросом в шлюз.
package paymentwebhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/tarot-bot/internal/http/response"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/services/reconcile"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
)

const (
	eventPaymentSucceeded = "payment.succeeded"
	maxBodySize           = 1 << 20
)

// Confirmer перепроверяет платёж и активирует заказ.
type Confirmer interface {
	Confirm(ctx context.Context, paymentID string) (reconcile.Outcome, error)
}

// Handler обработчик уведомлений.
type Handler struct {
	log           *slog.Logger
	confirmer     Confirmer
	webhookSecret string // пустой секрет отключает проверку подписи
	validate      *validator.Validate
}

// New создаёт обработчик.
func New(log *slog.Logger, confirmer Confirmer, secret string) *Handler {
	return &Handler{
		log:           log,
		confirmer:     confirmer,
		webhookSecret: secret,
		validate:      validator.New(),
	}
}

// Payload уведомление ЮKassa. Используются только тип события и идентификатор платежа.
type Payload struct {
	Event  string        `json:"event" validate:"required"`
	Object PayloadObject `json:"object"`
}

// PayloadObject объект платежа в уведомлении.
type PayloadObject struct {
	ID     string `json:"id" validate:"required"`
	Status string `json:"status"`
}

// Проверка подписи webhook (X-Api-Signature)
func verifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expectedSig), []byte(signature))
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.payment.webhook"
	log := h.log.With(slog.String("op", op))

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to read body"))
		return
	}

	if h.webhookSecret != "" {
		signature := r.Header.Get("X-Api-Signature")
		if signature == "" || !verifySignature(h.webhookSecret, body, signature) {
			log.Warn("invalid or missing webhook signature")
			render.Status(r, http.StatusUnauthorized)
			render.JSON(w, r, response.Error("invalid signature"))
			return
		}
	}

	var payload Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		log.Error("failed to unmarshal webhook payload", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid payload"))
		return
	}
	if err := h.validate.Struct(payload); err != nil {
		var validateErr validator.ValidationErrors
		errors.As(err, &validateErr)
		log.Warn("invalid webhook payload", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.ValidationError(validateErr))
		return
	}

	log = log.With(slog.String("event", payload.Event), slog.String("payment_id", payload.Object.ID))
	if strings.ToLower(payload.Event) != eventPaymentSucceeded {
		log.Info("ignored webhook event")
		render.JSON(w, r, response.OK())
		return
	}

	outcome, err := h.confirmer.Confirm(r.Context(), payload.Object.ID)
	switch {
	case err == nil:
		log.Info("webhook processed", slog.String("outcome", string(outcome)))
	case errors.Is(err, storage.ErrOrderNotFound):
		// чужой платёж: повторная доставка ничего не изменит
		log.Warn("webhook for unknown order")
	case errors.Is(err, reconcile.ErrAmountMismatch), errors.Is(err, reconcile.ErrOrderMismatch):
		log.Error("webhook payment rejected", sl.Err(err))
	default:
		log.Error("failed to confirm payment", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("failed to process payment"))
		return
	}
	render.JSON(w, r, response.OK())
}
