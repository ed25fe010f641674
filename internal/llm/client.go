// Package llm клиент сервиса генерации текста с OpenAI-совместимым API
// chat/completions. Каждая попытка ограничена таймаутом, неудачные попытки
// повторяются с растущей паузой.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/magabrotheeeer/tarot-bot/internal/config"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
)

// ErrGeneration генерация не удалась после всех попыток.
var ErrGeneration = errors.New("text generation failed")

const defaultSystemPrompt = "Ты опытный таролог. Отвечай по-русски, бережно и по существу: " +
	"разбери значение каждой карты в контексте вопроса и заверши общим советом."

// Client клиент сервиса генерации.
type Client struct {
	apiKey      string
	system      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	attempts    int
	delay       time.Duration
	httpClient  *http.Client
	log         *slog.Logger
}

// NewClient создаёт клиента по настройкам из конфига.
func NewClient(cfg config.OpenAI, log *slog.Logger) *Client {
	attempts := cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	system := cfg.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	return &Client{
		apiKey:      cfg.APIKey,
		system:      system,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		attempts:    attempts,
		delay:       cfg.RetryDelay,
		httpClient:  &http.Client{},
		log:         log,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Prompt запрос на генерацию. Пустой System и нулевые MaxTokens и Temperature
// заменяются значениями из конфига.
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Generate возвращает сгенерированный текст. Пустой ответ считается ошибкой.
func (c *Client) Generate(ctx context.Context, prompt Prompt) (string, error) {
	const op = "llm.Generate"

	if prompt.System == "" {
		prompt.System = c.system
	}
	if prompt.MaxTokens == 0 {
		prompt.MaxTokens = c.maxTokens
	}
	if prompt.Temperature == 0 {
		prompt.Temperature = c.temperature
	}
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: prompt.User},
		},
		MaxTokens:   prompt.MaxTokens,
		Temperature: prompt.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	// паузы растут: delay, 2*delay, ...
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.delay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(c.attempts) * c.delay
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.attempts-1)), ctx)

	var text string
	operation := func() error {
		var err error
		text, err = c.complete(ctx, body)
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warn("text generation attempt failed",
			slog.String("op", op), slog.Duration("wait", wait), sl.Err(err))
	}
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		return "", fmt.Errorf("%s: %w: %v", op, ErrGeneration, err)
	}
	return text, nil
}

func (c *Client) complete(ctx context.Context, body []byte) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp apiError
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		err := fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("no response choices returned")
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}
