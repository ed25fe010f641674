// Package tarotbot собирает бота: хранилище, брокер, сервисы и HTTP-сервер
// для возвратов с оплаты, уведомлений шлюза и метрик.
package tarotbot

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/tarot-bot/internal/http/handlers/health"
	"github.com/magabrotheeeer/tarot-bot/internal/http/handlers/payment/paymentreturn"
	"github.com/magabrotheeeer/tarot-bot/internal/http/handlers/payment/paymentwebhook"
	"github.com/magabrotheeeer/tarot-bot/internal/http/middlewarectx"
)

// Routes обработчики, которые публикует HTTP-сервер.
type Routes struct {
	Return  *paymentreturn.Handler
	Webhook *paymentwebhook.Handler
	Health  *health.Handler
	Metrics http.Handler
	Limiter *rate.Limiter
}

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, routes Routes) {
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.RateLimitMiddleware(logger, routes.Limiter))
			// шлюз возвращает пользователя GET-запросом
			r.Get("/payments/return", routes.Return.ServeHTTP)
			r.Post("/payments/webhook", routes.Webhook.ServeHTTP)
		})
	})

	r.Get("/health", routes.Health.ServeHTTP)
	metrics := routes.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Handle("/metrics", metrics)
}
