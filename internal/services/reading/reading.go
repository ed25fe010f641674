// Package reading выполняет одно гадание: допуск по квоте, генерацию текста
// и запись в журнал. При сбое генерации списанная единица возвращается.
package reading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/google/uuid"

	"github.com/magabrotheeeer/tarot-bot/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/llm"
	"github.com/magabrotheeeer/tarot-bot/internal/metrics"
	"github.com/magabrotheeeer/tarot-bot/internal/models"
)

var (
	// ErrService гадание не выполнено по внутренней причине, единица возвращена.
	ErrService = errors.New("reading failed")
	// ErrInvalidRequest вопрос или карты не прошли проверку.
	ErrInvalidRequest = errors.New("invalid reading request")
)

// ServiceError сбой гадания с кодом для обращения в поддержку.
type ServiceError struct {
	Code string
	Err  error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("reading failed [%s]: %v", e.Code, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is позволяет проверять errors.Is(err, ErrService).
func (e *ServiceError) Is(target error) bool { return target == ErrService }

// Ledger реестр квот.
type Ledger interface {
	AdmitAndDeduct(ctx context.Context, userID int64) (models.Ticket, error)
	Refund(ctx context.Context, userID int64, ticket models.Ticket) error
}

// Generator сервис генерации текста.
type Generator interface {
	Generate(ctx context.Context, prompt llm.Prompt) (string, error)
}

// Publisher публикует события в брокер.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// Request запрос на гадание.
type Request struct {
	UserID   int64    `validate:"required"`
	Username string
	Question string   `validate:"min=3,max=500"`
	Cards    []string `validate:"min=1,max=3,dive,required"`
}

// Reading выданное гадание.
type Reading struct {
	Text   string
	Ticket models.Ticket
}

// Service сервис гаданий.
type Service struct {
	ledger    Ledger
	generator Generator
	publisher Publisher
	validate  *validator.Validate
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New создаёт сервис. publisher и m могут быть nil.
func New(ledger Ledger, generator Generator, publisher Publisher, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		ledger:    ledger,
		generator: generator,
		publisher: publisher,
		validate:  validator.New(),
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// Perform выполняет гадание. Ошибки допуска (ledger.ErrNoQuota, ledger.ErrBanned)
// возвращаются как есть, сбой генерации возвращается как *ServiceError
// после возврата единицы.
func (s *Service) Perform(ctx context.Context, req Request) (*Reading, error) {
	const op = "reading.Perform"
	log := s.log.With(slog.String("op", op), slog.Int64("user_id", req.UserID))

	req.Question = strings.TrimSpace(req.Question)
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrInvalidRequest, err)
	}

	ticket, err := s.ledger.AdmitAndDeduct(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	started := time.Now()
	text, err := s.generator.Generate(ctx, llm.Prompt{User: buildPrompt(req)})
	s.metrics.GenerationObserved(time.Since(started), err == nil)
	if err != nil {
		code := uuid.NewString()
		log.Error("generation failed, refunding", slog.String("code", code),
			slog.String("ticket", ticket.String()), sl.Err(err))
		if rerr := s.ledger.Refund(context.WithoutCancel(ctx), req.UserID, ticket); rerr != nil {
			log.Error("refund failed", slog.String("code", code), sl.Err(rerr))
			err = errors.Join(err, rerr)
		}
		return nil, &ServiceError{Code: code, Err: err}
	}

	s.audit(ctx, log, req, ticket)
	return &Reading{Text: text, Ticket: ticket}, nil
}

func buildPrompt(req Request) string {
	return fmt.Sprintf("Вопрос: %s\nВыпавшие карты таро: %s.\nДай детальную интерпретацию расклада.",
		req.Question, strings.Join(req.Cards, ", "))
}

func (s *Service) audit(ctx context.Context, log *slog.Logger, req Request, ticket models.Ticket) {
	if ticket == models.TicketAdmin {
		log.Info("admin reading", slog.String("question", req.Question))
	}
	if s.publisher == nil {
		return
	}
	event := models.ReadingLogged{
		Timestamp: s.now(),
		UserID:    req.UserID,
		Username:  req.Username,
		Question:  req.Question,
		Cards:     req.Cards,
		Ticket:    ticket.String(),
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), rabbitmq.RoutingReadingLogged, event); err != nil {
		log.Warn("failed to publish reading audit", sl.Err(err))
	}
}
