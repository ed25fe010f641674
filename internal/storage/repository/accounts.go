package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/storage"
)

const accountColumns = `user_id, username, free_used, bonus_units, paid_units,
	subscription_active, subscription_end, is_banned, referrer_id,
	referral_credited, channel_bonus_claimed, last_payment_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		acc        models.Account
		subEnd     sql.NullTime
		referrerID sql.NullInt64
	)
	if err := row.Scan(&acc.UserID, &acc.Username, &acc.FreeUsed, &acc.BonusUnits, &acc.PaidUnits,
		&acc.SubscriptionActive, &subEnd, &acc.IsBanned, &referrerID,
		&acc.ReferralCredited, &acc.ChannelBonusClaimed, &acc.LastPaymentID, &acc.CreatedAt); err != nil {
		return nil, err
	}
	if subEnd.Valid {
		end := subEnd.Time
		acc.SubscriptionEnd = &end
	}
	if referrerID.Valid {
		ref := referrerID.Int64
		acc.ReferrerID = &ref
	}
	return &acc, nil
}

// CreateAccount создаёт учётную запись, если её ещё нет.
// Возвращает true, если запись была создана этим вызовом.
func (s *Storage) CreateAccount(ctx context.Context, acc models.Account) (bool, error) {
	const op = "storage.CreateAccount"
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `INSERT INTO accounts (user_id, username, referrer_id)
			  VALUES ($1, $2, $3)
			  ON CONFLICT (user_id) DO NOTHING`
	var referrerID sql.NullInt64
	if acc.ReferrerID != nil {
		referrerID = sql.NullInt64{Int64: *acc.ReferrerID, Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, query, acc.UserID, acc.Username, referrerID)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return n == 1, nil
}

// GetAccount возвращает учётную запись по идентификатору пользователя.
func (s *Storage) GetAccount(ctx context.Context, userID int64) (*models.Account, error) {
	const op = "storage.GetAccount"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`
	acc, err := scanAccount(s.DB.QueryRowContext(ctx, query, userID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrAccountNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return acc, nil
}

// UpdateAccounts блокирует строки указанных учётных записей (в порядке user_id),
// передаёт их в fn и сохраняет изменения, если fn вернула nil.
// Если хотя бы одной записи нет, возвращается storage.ErrAccountNotFound.
func (s *Storage) UpdateAccounts(ctx context.Context, ids []int64, fn func(map[int64]*models.Account) error) error {
	const op = "storage.UpdateAccounts"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		accounts, err := lockAccounts(ctx, tx, ids)
		if err != nil {
			return err
		}
		if err := fn(accounts); err != nil {
			return err
		}
		for _, acc := range accounts {
			if err := saveAccount(ctx, tx, acc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListAccountIDs возвращает идентификаторы всех пользователей, кроме заблокированных.
func (s *Storage) ListAccountIDs(ctx context.Context) ([]int64, error) {
	const op = "storage.ListAccountIDs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	rows, err := s.DB.QueryContext(ctx, `SELECT user_id FROM accounts WHERE NOT is_banned ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, id)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

func lockAccounts(ctx context.Context, tx *sql.Tx, ids []int64) (map[int64]*models.Account, error) {
	query := `SELECT ` + accountColumns + `
			  FROM accounts
			  WHERE user_id = ANY($1)
			  ORDER BY user_id
			  FOR UPDATE`
	rows, err := tx.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	result := make(map[int64]*models.Account, len(ids))
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result[acc.UserID] = acc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, ok := result[id]; !ok {
			return nil, storage.ErrAccountNotFound
		}
	}
	return result, nil
}

func saveAccount(ctx context.Context, tx *sql.Tx, acc *models.Account) error {
	query := `UPDATE accounts
			  SET username = $1, free_used = $2, bonus_units = $3, paid_units = $4,
			      subscription_active = $5, subscription_end = $6, is_banned = $7,
			      referrer_id = $8, referral_credited = $9, channel_bonus_claimed = $10,
			      last_payment_id = $11
			  WHERE user_id = $12`
	var (
		subEnd     sql.NullTime
		referrerID sql.NullInt64
	)
	if acc.SubscriptionEnd != nil {
		subEnd = sql.NullTime{Time: *acc.SubscriptionEnd, Valid: true}
	}
	if acc.ReferrerID != nil {
		referrerID = sql.NullInt64{Int64: *acc.ReferrerID, Valid: true}
	}
	_, err := tx.ExecContext(ctx, query,
		acc.Username, acc.FreeUsed, acc.BonusUnits, acc.PaidUnits,
		acc.SubscriptionActive, subEnd, acc.IsBanned,
		referrerID, acc.ReferralCredited, acc.ChannelBonusClaimed,
		acc.LastPaymentID, acc.UserID)
	return err
}
