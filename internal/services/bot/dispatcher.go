// Package bot разбирает действия пользователей, пришедшие от транспорта чата
// через очередь, вызывает сервисы и публикует ответы в очередь ответов.
// Каждое действие обрабатывается не более одного раза: сбои сервисов
// превращаются в ответ пользователю, а не в повторную доставку.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator"

	"github.com/magabrotheeeer/tarot-bot/internal/lib/rabbitmq"
	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/services/ledger"
	"github.com/magabrotheeeer/tarot-bot/internal/services/payment"
	"github.com/magabrotheeeer/tarot-bot/internal/services/reading"
	"github.com/magabrotheeeer/tarot-bot/internal/services/reconcile"
	"github.com/magabrotheeeer/tarot-bot/internal/tariff"
)

// Действия, которые транспорт присылает в Update.Action.
// Кнопка с Action "buy pay10" возвращается как Update{Action: "buy", Args: ["pay10"]}.
const (
	actionStart        = "start"
	actionHelp         = "help"
	actionStatus       = "status"
	actionReading      = "reading"
	actionTariffs      = "tariffs"
	actionBuy          = "buy"
	actionCheckPayment = "check_payment"
	actionChannelBonus = "channel_bonus"
	actionReferralLink = "referral_link"

	actionAddPaid   = "add_paid"
	actionAddBonus  = "add_bonus"
	actionResetFree = "reset_free"
	actionAddSub    = "add_sub"
	actionBan       = "ban"
	actionUnban     = "unban"
	actionBroadcast = "broadcast"
)

// Статус подписки на канал, который сообщает транспорт. Любое другое значение,
// включая "unknown", означает, что проверить подписку не удалось.
const (
	channelMember = "member"
	channelLeft   = "left"
)

const referralPrefix = "ref_"

// Ledger реестр квот.
type Ledger interface {
	IsAdmin(userID int64) bool
	Register(ctx context.Context, userID int64, username string, referrerID *int64) (ledger.Registration, error)
	EnsureAccount(ctx context.Context, userID int64, username string) error
	Status(ctx context.Context, userID int64) (ledger.Status, error)
	GrantChannelBonusOnce(ctx context.Context, userID int64) (bool, error)
	Grant(ctx context.Context, userID int64, effect tariff.Effect) error
	AddBonus(ctx context.Context, userID int64, n int) error
	ResetFree(ctx context.Context, userID int64) error
	SetBanned(ctx context.Context, userID int64, banned bool) error
}

// Reader сервис гаданий.
type Reader interface {
	Perform(ctx context.Context, req reading.Request) (*reading.Reading, error)
}

// Orders трекер платёжных заказов.
type Orders interface {
	OpenOrder(ctx context.Context, userID int64, tariffKey string) (*payment.Checkout, error)
}

// Reconciler движок сверки платежей.
type Reconciler interface {
	CheckLast(ctx context.Context, userID int64) (reconcile.Outcome, error)
}

// Recipients источник получателей рассылки.
type Recipients interface {
	ListAccountIDs(ctx context.Context) ([]int64, error)
}

// Publisher публикует сообщения в брокер.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message any) error
}

// Options настройки диалога.
type Options struct {
	BotUsername   string
	ChannelLink   string
	RepliesQueue  string
	ReferralBonus int
	ChannelBonus  int
	BroadcastRate int
}

type handlerFunc func(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply

// Dispatcher обработчик очереди действий.
type Dispatcher struct {
	ledger      Ledger
	reader      Reader
	orders      Orders
	reconciler  Reconciler
	catalog     *tariff.Catalog
	replies     Publisher
	broadcaster *Broadcaster
	opts        Options
	validate    *validator.Validate
	log         *slog.Logger

	handlers map[string]handlerFunc
	admin    map[string]handlerFunc
}

// New создаёт диспетчер.
func New(l Ledger, reader Reader, orders Orders, reconciler Reconciler, recipients Recipients,
	catalog *tariff.Catalog, replies Publisher, opts Options, log *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		ledger:     l,
		reader:     reader,
		orders:     orders,
		reconciler: reconciler,
		catalog:    catalog,
		replies:    replies,
		opts:       opts,
		validate:   validator.New(),
		log:        log,
	}
	d.broadcaster = NewBroadcaster(recipients, d.send, opts.BroadcastRate, log)
	d.handlers = map[string]handlerFunc{
		actionStart:        d.start,
		actionHelp:         d.help,
		actionStatus:       d.status,
		actionReading:      d.reading,
		actionTariffs:      d.tariffs,
		actionBuy:          d.buy,
		actionCheckPayment: d.checkPayment,
		actionChannelBonus: d.channelBonus,
		actionReferralLink: d.referralLink,
	}
	d.admin = map[string]handlerFunc{
		actionAddPaid:   d.addPaid,
		actionAddBonus:  d.addBonus,
		actionResetFree: d.resetFree,
		actionAddSub:    d.addSub,
		actionBan:       d.ban,
		actionUnban:     d.unban,
		actionBroadcast: d.broadcast,
	}
	return d
}

// Handle обрабатывает одно сообщение очереди действий. Ошибку возвращает
// только для сообщения, которое невозможно разобрать.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	const op = "bot.Handle"

	var u models.Update
	if err := json.Unmarshal(body, &u); err != nil {
		return fmt.Errorf("%s: %w: %v", op, rabbitmq.ErrReject, err)
	}
	if err := d.validate.Struct(u); err != nil {
		return fmt.Errorf("%s: %w: %v", op, rabbitmq.ErrReject, err)
	}
	log := d.log.With(slog.String("op", op), slog.Int64("user_id", u.UserID), slog.String("action", u.Action))

	for _, r := range d.dispatch(ctx, log, u) {
		d.send(ctx, log, r)
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	if h, ok := d.admin[u.Action]; ok {
		if !d.ledger.IsAdmin(u.UserID) {
			log.Warn("admin action from non-admin")
			return []models.Reply{reply(u.UserID, textAdminOnly)}
		}
		return h(ctx, log, u)
	}

	h, ok := d.handlers[u.Action]
	if !ok {
		return []models.Reply{reply(u.UserID, textUnknown)}
	}
	if u.Action != actionStart {
		if err := d.ledger.EnsureAccount(ctx, u.UserID, u.Username); err != nil {
			log.Error("failed to ensure account", sl.Err(err))
			return []models.Reply{reply(u.UserID, textTryLater)}
		}
	}
	return h(ctx, log, u)
}

// send публикует ответ. Ошибка только логируется: повторная обработка
// действия опаснее потерянного ответа.
func (d *Dispatcher) send(ctx context.Context, log *slog.Logger, r models.Reply) bool {
	if err := d.replies.Publish(context.WithoutCancel(ctx), d.opts.RepliesQueue, r); err != nil {
		log.Error("failed to publish reply", slog.Int64("to", r.UserID), sl.Err(err))
		return false
	}
	return true
}

// HandleActivation обрабатывает событие payment.activated и уведомляет покупателя.
func (d *Dispatcher) HandleActivation(ctx context.Context, body []byte) error {
	const op = "bot.HandleActivation"

	var event models.PaymentActivated
	if err := json.Unmarshal(body, &event); err != nil {
		return fmt.Errorf("%s: %w: %v", op, rabbitmq.ErrReject, err)
	}
	if event.UserID == 0 {
		return fmt.Errorf("%s: %w: event without user", op, rabbitmq.ErrReject)
	}

	what := event.TariffKey
	if t, ok := d.catalog.Lookup(event.TariffKey); ok {
		what = t.Name
	}
	r := reply(event.UserID, fmt.Sprintf(textActivated, what))
	if err := d.replies.Publish(ctx, d.opts.RepliesQueue, r); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func parseReferrer(args []string) *int64 {
	if len(args) == 0 || !strings.HasPrefix(args[0], referralPrefix) {
		return nil
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], referralPrefix), 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}
