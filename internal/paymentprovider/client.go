// Package paymentprovider клиент REST API ЮKassa: создание платежа
// с ключом идемпотентности и запрос его текущего статуса.
package paymentprovider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/magabrotheeeer/tarot-bot/internal/config"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
)

var (
	// ErrGateway шлюз недоступен или ответил ошибкой.
	ErrGateway = errors.New("payment gateway error")
	// ErrPaymentNotFound шлюз не знает такого платежа.
	ErrPaymentNotFound = errors.New("payment not found in gateway")
)

// Client клиент ЮKassa.
type Client struct {
	shopID     string
	secretKey  string
	apiURL     string
	httpClient *http.Client
	attempts   int
	delay      time.Duration
	log        *slog.Logger
}

// NewClient создаёт новый клиент ЮKassa
func NewClient(cfg config.YooKassa, log *slog.Logger) *Client {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		shopID:     cfg.ShopID,
		secretKey:  cfg.SecretKey,
		apiURL:     cfg.APIURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		attempts:   attempts,
		delay:      cfg.RetryDelay,
		log:        log,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, &buf)
	if err != nil {
		return nil, err
	}
	auth := base64.StdEncoding.EncodeToString([]byte(c.shopID + ":" + c.secretKey))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CreatePayment создаёт платёж. idempotenceKey передаётся в заголовке Idempotence-Key:
// повторный запрос с тем же ключом возвращает уже созданный платёж.
func (c *Client) CreatePayment(ctx context.Context, reqParams CreatePaymentRequest, idempotenceKey string) (*Payment, error) {
	const op = "paymentprovider.CreatePayment"
	var payment Payment
	err := c.do(ctx, op, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, "/payments", reqParams)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Idempotence-Key", idempotenceKey)
		return req, nil
	}, &payment)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPayment возвращает текущее состояние платежа.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	const op = "paymentprovider.GetPayment"
	var payment Payment
	err := c.do(ctx, op, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil)
	}, &payment)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// do выполняет запрос с повторами. Сетевые ошибки и ответы 5xx повторяются,
// остальные ошибки возвращаются сразу.
func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error), out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.delay
	b.MaxInterval = 10 * c.delay
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.attempts-1)), ctx)

	operation := func() error {
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGateway, err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrPaymentNotFound)
		case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: unexpected status: %s", ErrGateway, resp.Status)
		case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("%w: unexpected status: %s: %s", ErrGateway, resp.Status, body))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: decode response: %v", ErrGateway, err))
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("payment gateway request failed, retrying",
			slog.String("op", op), slog.Duration("wait", wait), sl.Err(err))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
