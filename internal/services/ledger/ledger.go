// Package ledger решает, может ли пользователь получить гадание, из какого
// источника квоты оно оплачивается, и возвращает единицу при сбое.
// Здесь же начисляются тарифы, реферальный бонус и бонус за подписку на канал.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/magabrotheeeer/tarot-bot/internal/metrics"
	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
	"github.com/magabrotheeeer/tarot-bot/internal/tariff"
)

var (
	// ErrNoQuota все источники квоты исчерпаны. Ожидаемый отказ, не сбой.
	ErrNoQuota = errors.New("no quota left")
	// ErrBanned пользователь заблокирован администратором.
	ErrBanned = errors.New("user is banned")
	// ErrInvalidTicket возврат по тикету, который не мог быть выдан.
	ErrInvalidTicket = errors.New("invalid ticket")
	// ErrInvalidEffect эффект тарифа с неположительным количеством или неизвестного типа.
	ErrInvalidEffect = errors.New("invalid grant effect")
)

// AccountStore хранилище учётных записей.
type AccountStore interface {
	CreateAccount(ctx context.Context, acc models.Account) (bool, error)
	GetAccount(ctx context.Context, userID int64) (*models.Account, error)
	UpdateAccounts(ctx context.Context, ids []int64, fn func(map[int64]*models.Account) error) error
}

// Limits неизменяемые параметры квот.
type Limits struct {
	FreeLimit     int
	AdminID       int64
	ReferralBonus int
	ChannelBonus  int
}

// Status снимок квот пользователя для экрана статуса.
type Status struct {
	UserID          int64
	IsAdmin         bool
	IsBanned        bool
	FreeRemaining   int
	FreeLimit       int
	BonusUnits      int
	PaidUnits       int
	SubscriptionEnd *time.Time
}

// Registration результат регистрации.
type Registration struct {
	Created bool
	// CreditedReferrer кому начислен реферальный бонус, 0 если никому.
	CreditedReferrer int64
}

// Service реестр квот.
type Service struct {
	store   AccountStore
	limits  Limits
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New создаёт реестр. m может быть nil.
func New(store AccountStore, limits Limits, log *slog.Logger, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		limits:  limits,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// IsAdmin сообщает, является ли пользователь оператором бота.
func (s *Service) IsAdmin(userID int64) bool {
	return s.limits.AdminID != 0 && userID == s.limits.AdminID
}

// Register создаёт учётную запись при первом /start. Реферер привязывается
// только к новой записи, только если это другой пользователь и он существует.
// При привязке рефереру сразу начисляется бонус.
func (s *Service) Register(ctx context.Context, userID int64, username string, referrerID *int64) (Registration, error) {
	const op = "ledger.Register"
	log := s.log.With(slog.String("op", op), slog.Int64("user_id", userID))

	acc := models.Account{UserID: userID, Username: username}
	if referrerID != nil && *referrerID != userID {
		if _, err := s.store.GetAccount(ctx, *referrerID); err == nil {
			ref := *referrerID
			acc.ReferrerID = &ref
		} else if !errors.Is(err, storage.ErrAccountNotFound) {
			return Registration{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	created, err := s.store.CreateAccount(ctx, acc)
	if err != nil {
		return Registration{}, fmt.Errorf("%s: %w", op, err)
	}
	res := Registration{Created: created}
	if !created || acc.ReferrerID == nil {
		return res, nil
	}

	referrer, credited, err := s.GrantReferralBonusOnce(ctx, userID)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	if credited {
		res.CreditedReferrer = referrer
		log.Info("referral bonus credited", slog.Int64("referrer_id", referrer))
	}
	return res, nil
}

// EnsureAccount создаёт учётную запись без реферера, если её нет.
func (s *Service) EnsureAccount(ctx context.Context, userID int64, username string) error {
	const op = "ledger.EnsureAccount"
	if _, err := s.store.CreateAccount(ctx, models.Account{UserID: userID, Username: username}); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AdmitAndDeduct допускает одно гадание и списывает единицу из первого
// подходящего источника: оператор, подписка, бесплатные, бонусные, оплаченные.
// Просроченная подписка сбрасывается и сохраняется даже при отказе.
func (s *Service) AdmitAndDeduct(ctx context.Context, userID int64) (models.Ticket, error) {
	const op = "ledger.AdmitAndDeduct"

	if s.IsAdmin(userID) {
		s.metrics.Admitted(models.TicketAdmin.String())
		return models.TicketAdmin, nil
	}

	ticket := models.TicketUnknown
	err := s.store.UpdateAccounts(ctx, []int64{userID}, func(m map[int64]*models.Account) error {
		acc := m[userID]
		if acc.IsBanned {
			return ErrBanned
		}
		ticket = admit(acc, s.limits.FreeLimit, s.now())
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrBanned) {
			s.metrics.Denied("banned")
			s.log.Info("admission denied", slog.String("op", op), slog.Int64("user_id", userID), slog.String("reason", "banned"))
		}
		return models.TicketUnknown, fmt.Errorf("%s: %w", op, err)
	}
	if ticket == models.TicketUnknown {
		s.metrics.Denied("no_quota")
		s.log.Info("admission denied", slog.String("op", op), slog.Int64("user_id", userID), slog.String("reason", "no_quota"))
		return models.TicketUnknown, fmt.Errorf("%s: %w", op, ErrNoQuota)
	}
	s.metrics.Admitted(ticket.String())
	return ticket, nil
}

func admit(acc *models.Account, freeLimit int, now time.Time) models.Ticket {
	if acc.SubscriptionValid(now) {
		return models.TicketSubscription
	}
	acc.ExpireSubscription(now)

	switch {
	case acc.FreeUsed < freeLimit:
		acc.FreeUsed++
		return models.TicketFree
	case acc.BonusUnits > 0:
		acc.BonusUnits--
		return models.TicketBonus
	case acc.PaidUnits > 0:
		acc.PaidUnits--
		return models.TicketPaid
	}
	return models.TicketUnknown
}

// Refund возвращает единицу, списанную по ticket. Для оператора и подписки ничего не делает.
func (s *Service) Refund(ctx context.Context, userID int64, ticket models.Ticket) error {
	const op = "ledger.Refund"

	var apply func(*models.Account)
	switch ticket {
	case models.TicketAdmin, models.TicketSubscription:
		return nil
	case models.TicketFree:
		apply = func(acc *models.Account) {
			if acc.FreeUsed > 0 {
				acc.FreeUsed--
			}
		}
	case models.TicketBonus:
		apply = func(acc *models.Account) { acc.BonusUnits++ }
	case models.TicketPaid:
		apply = func(acc *models.Account) { acc.PaidUnits++ }
	default:
		s.log.Error("refund with invalid ticket", slog.String("op", op),
			slog.Int64("user_id", userID), slog.Int("ticket", int(ticket)))
		return fmt.Errorf("%s: %w: %d", op, ErrInvalidTicket, ticket)
	}

	err := s.store.UpdateAccounts(ctx, []int64{userID}, func(m map[int64]*models.Account) error {
		apply(m[userID])
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	s.metrics.Refunded(ticket.String())
	return nil
}

// ApplyEffect применяет эффект тарифа к учётной записи. Дни безлимита
// добавляются к текущему окончанию, если подписка действует, иначе отсчитываются от now.
func ApplyEffect(acc *models.Account, effect tariff.Effect, now time.Time) error {
	switch e := effect.(type) {
	case tariff.GrantUnits:
		if e.Units <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidEffect, e)
		}
		acc.PaidUnits += e.Units
	case tariff.GrantDays:
		if e.Days <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidEffect, e)
		}
		base := now
		if acc.SubscriptionValid(now) {
			base = *acc.SubscriptionEnd
		}
		end := base.Add(time.Duration(e.Days) * 24 * time.Hour)
		acc.SubscriptionActive = true
		acc.SubscriptionEnd = &end
	default:
		return fmt.Errorf("%w: %v", ErrInvalidEffect, effect)
	}
	return nil
}

// Grant начисляет эффект тарифа пользователю.
func (s *Service) Grant(ctx context.Context, userID int64, effect tariff.Effect) error {
	const op = "ledger.Grant"
	err := s.store.UpdateAccounts(ctx, []int64{userID}, func(m map[int64]*models.Account) error {
		return ApplyEffect(m[userID], effect, s.now())
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// AddBonus начисляет n бонусных гаданий.
func (s *Service) AddBonus(ctx context.Context, userID int64, n int) error {
	const op = "ledger.AddBonus"
	if n <= 0 {
		return fmt.Errorf("%s: %w: %d", op, ErrInvalidEffect, n)
	}
	err := s.store.UpdateAccounts(ctx, []int64{userID}, func(m map[int64]*models.Account) error {
		m[userID].BonusUnits += n
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ResetFree обнуляет счётчик бесплатных гаданий.
func (s *Service) ResetFree(ctx context.Context, userID int64) error {
	const op = "ledger.ResetFree"
	err := s.store.UpdateAccounts(ctx, []int64{userID}, func(m map[int64]*models.Account) error {
		m[userID].FreeUsed = 0
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// SetBanned блокирует или разблокирует пользователя.
func (s *Service) SetBanned(ctx context.Context, userID int64, banned bool) error {
	const op = "ledger.SetBanned"
	err := s.store.UpdateAccounts(ctx, []int64{userID}, func(m map[int64]*models.Account) error {
		m[userID].IsBanned = banned
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Status возвращает остатки квот, по пути сбрасывая просроченную подписку.
func (s *Service) Status(ctx context.Context, userID int64) (Status, error) {
	const op = "ledger.Status"
	var st Status
	err := s.store.UpdateAccounts(ctx, []int64{userID}, func(m map[int64]*models.Account) error {
		acc := m[userID]
		acc.ExpireSubscription(s.now())
		st = Status{
			UserID:        userID,
			IsAdmin:       s.IsAdmin(userID),
			IsBanned:      acc.IsBanned,
			FreeRemaining: acc.FreeRemaining(s.limits.FreeLimit),
			FreeLimit:     s.limits.FreeLimit,
			BonusUnits:    acc.BonusUnits,
			PaidUnits:     acc.PaidUnits,
		}
		if acc.SubscriptionEnd != nil {
			end := *acc.SubscriptionEnd
			st.SubscriptionEnd = &end
		}
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("%s: %w", op, err)
	}
	return st, nil
}

// GrantReferralBonusOnce начисляет бонус пригласившему пользователя referredID,
// если это ещё не сделано. Обе записи блокируются в одной транзакции.
// Возвращает идентификатор реферера и признак начисления.
func (s *Service) GrantReferralBonusOnce(ctx context.Context, referredID int64) (int64, bool, error) {
	const op = "ledger.GrantReferralBonusOnce"

	referred, err := s.store.GetAccount(ctx, referredID)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	if referred.ReferrerID == nil || referred.ReferralCredited {
		return 0, false, nil
	}
	referrerID := *referred.ReferrerID

	credited := false
	err = s.store.UpdateAccounts(ctx, []int64{referredID, referrerID}, func(m map[int64]*models.Account) error {
		acc := m[referredID]
		if acc.ReferralCredited || acc.ReferrerID == nil || *acc.ReferrerID != referrerID {
			return nil
		}
		acc.ReferralCredited = true
		m[referrerID].BonusUnits += s.limits.ReferralBonus
		credited = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	return referrerID, credited, nil
}

// GrantChannelBonusOnce начисляет бонус за подписку на канал один раз за жизнь учётной записи.
func (s *Service) GrantChannelBonusOnce(ctx context.Context, userID int64) (bool, error) {
	const op = "ledger.GrantChannelBonusOnce"
	credited := false
	err := s.store.UpdateAccounts(ctx, []int64{userID}, func(m map[int64]*models.Account) error {
		acc := m[userID]
		if acc.ChannelBonusClaimed {
			return nil
		}
		acc.ChannelBonusClaimed = true
		acc.BonusUnits += s.limits.ChannelBonus
		credited = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return credited, nil
}
