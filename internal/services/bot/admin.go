package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/services/ledger"
	"github.com/magabrotheeeer/tarot-bot/internal/tariff"
)

var errUsage = errors.New("bad arguments")

// parseTarget разбирает "<user_id>" или "<user_id> <n>" при withAmount.
func parseTarget(args []string, withAmount bool) (int64, int, error) {
	want := 1
	if withAmount {
		want = 2
	}
	if len(args) != want {
		return 0, 0, errUsage
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, 0, errUsage
	}
	if !withAmount {
		return id, 0, nil
	}
	n, err := strconv.Atoi(args[1])
	if err != nil || n <= 0 {
		return 0, 0, errUsage
	}
	return id, n, nil
}

// adminOp разбирает аргументы, создаёт учётную запись цели при необходимости и выполняет apply.
func (d *Dispatcher) adminOp(ctx context.Context, log *slog.Logger, u models.Update, usage string,
	withAmount bool, apply func(ctx context.Context, target int64, n int) error) []models.Reply {
	target, n, err := parseTarget(u.Args, withAmount)
	if err != nil {
		return []models.Reply{reply(u.UserID, "Использование: "+usage)}
	}
	if err := d.ledger.EnsureAccount(ctx, target, ""); err != nil {
		log.Error("failed to ensure target account", slog.Int64("target", target), sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}
	if err := apply(ctx, target, n); err != nil {
		log.Error("admin action failed", slog.Int64("target", target), sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}
	log.Info("admin action applied", slog.Int64("target", target), slog.Int("n", n))
	return []models.Reply{reply(u.UserID, textAdminDone)}
}

func (d *Dispatcher) addPaid(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	return d.adminOp(ctx, log, u, "/add_paid <user_id> <n>", true, func(ctx context.Context, target int64, n int) error {
		return d.ledger.Grant(ctx, target, tariff.GrantUnits{Units: n})
	})
}

func (d *Dispatcher) addBonus(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	return d.adminOp(ctx, log, u, "/add_bonus <user_id> <n>", true, func(ctx context.Context, target int64, n int) error {
		return d.ledger.AddBonus(ctx, target, n)
	})
}

func (d *Dispatcher) resetFree(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	return d.adminOp(ctx, log, u, "/reset_free <user_id>", false, func(ctx context.Context, target int64, _ int) error {
		return d.ledger.ResetFree(ctx, target)
	})
}

func (d *Dispatcher) addSub(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	return d.adminOp(ctx, log, u, "/add_sub <user_id> <days>", true, func(ctx context.Context, target int64, days int) error {
		return d.ledger.Grant(ctx, target, tariff.GrantDays{Days: days})
	})
}

func (d *Dispatcher) ban(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	return d.adminOp(ctx, log, u, "/ban <user_id>", false, func(ctx context.Context, target int64, _ int) error {
		return d.ledger.SetBanned(ctx, target, true)
	})
}

func (d *Dispatcher) unban(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	return d.adminOp(ctx, log, u, "/unban <user_id>", false, func(ctx context.Context, target int64, _ int) error {
		return d.ledger.SetBanned(ctx, target, false)
	})
}

func (d *Dispatcher) broadcast(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	text := strings.TrimSpace(strings.Join(u.Args, " "))
	if text == "" {
		return []models.Reply{reply(u.UserID, "Использование: /broadcast <текст>")}
	}
	res, err := d.broadcaster.Send(ctx, text)
	if err != nil && res.Total == 0 {
		log.Error("broadcast failed", sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}
	if err != nil {
		log.Warn("broadcast interrupted", sl.Err(err))
	}
	return []models.Reply{reply(u.UserID, fmt.Sprintf(textBroadcastDone, res.Sent, res.Failed, res.Total))}
}

// BroadcastResult итог рассылки.
type BroadcastResult struct {
	Sent   int
	Failed int
	Total  int
}

type sendFunc func(ctx context.Context, log *slog.Logger, r models.Reply) bool

// Broadcaster рассылает сообщение всем незаблокированным пользователям
// не быстрее заданного числа сообщений в секунду.
type Broadcaster struct {
	recipients Recipients
	send       sendFunc
	limiter    *rate.Limiter
	log        *slog.Logger
}

// NewBroadcaster создаёт рассыльщика. perSecond <= 0 снимает ограничение.
func NewBroadcaster(recipients Recipients, send sendFunc, perSecond int, log *slog.Logger) *Broadcaster {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Broadcaster{
		recipients: recipients,
		send:       send,
		limiter:    rate.NewLimiter(limit, 1),
		log:        log,
	}
}

// Send рассылает text. При отмене ctx возвращает частичный итог и ошибку.
func (b *Broadcaster) Send(ctx context.Context, text string) (BroadcastResult, error) {
	const op = "bot.Broadcaster.Send"
	log := b.log.With(slog.String("op", op))

	ids, err := b.recipients.ListAccountIDs(ctx)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("%s: %w", op, err)
	}

	res := BroadcastResult{Total: len(ids)}
	for _, id := range ids {
		if err := b.limiter.Wait(ctx); err != nil {
			res.Failed += res.Total - res.Sent - res.Failed
			return res, fmt.Errorf("%s: %w", op, err)
		}
		if b.send(ctx, log, reply(id, text)) {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	log.Info("broadcast finished", slog.Int("sent", res.Sent), slog.Int("failed", res.Failed))
	return res, nil
}

var _ Ledger = (*ledger.Service)(nil)
