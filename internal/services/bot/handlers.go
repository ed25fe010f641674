package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/magabrotheeeer/tarot-bot/internal/lib/sl"
	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/paymentprovider"
	"github.com/magabrotheeeer/tarot-bot/internal/services/ledger"
	"github.com/magabrotheeeer/tarot-bot/internal/services/reading"
	"github.com/magabrotheeeer/tarot-bot/internal/services/reconcile"
	"github.com/magabrotheeeer/tarot-bot/internal/tariff"
)

func (d *Dispatcher) start(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	res, err := d.ledger.Register(ctx, u.UserID, u.Username, parseReferrer(u.Args))
	if err != nil {
		log.Error("failed to register", sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}
	if res.Created {
		log.Info("user registered")
	}

	replies := []models.Reply{reply(u.UserID, textWelcome)}
	if res.CreditedReferrer != 0 {
		replies = append(replies, reply(res.CreditedReferrer, fmt.Sprintf(textReferrerBonus, d.opts.ReferralBonus)))
	}
	return replies
}

func (d *Dispatcher) help(_ context.Context, _ *slog.Logger, u models.Update) []models.Reply {
	return []models.Reply{reply(u.UserID, textHelp)}
}

func (d *Dispatcher) status(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	st, err := d.ledger.Status(ctx, u.UserID)
	if err != nil {
		log.Error("failed to load status", sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}
	return []models.Reply{reply(u.UserID, statusText(st))}
}

func (d *Dispatcher) reading(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	res, err := d.reader.Perform(ctx, reading.Request{
		UserID:   u.UserID,
		Username: u.Username,
		Question: u.Question,
		Cards:    u.Cards,
	})
	var se *reading.ServiceError
	switch {
	case err == nil:
		return []models.Reply{reply(u.UserID, res.Text)}
	case errors.Is(err, reading.ErrInvalidRequest):
		return []models.Reply{reply(u.UserID, textInvalidAsk)}
	case errors.Is(err, ledger.ErrNoQuota):
		return []models.Reply{reply(u.UserID, textNoQuota, tariffButtons(d.catalog)...)}
	case errors.Is(err, ledger.ErrBanned):
		return []models.Reply{reply(u.UserID, textBanned)}
	case errors.As(err, &se):
		return []models.Reply{reply(u.UserID, fmt.Sprintf(textServiceError, se.Code))}
	default:
		log.Error("reading failed", sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}
}

func (d *Dispatcher) tariffs(_ context.Context, _ *slog.Logger, u models.Update) []models.Reply {
	return []models.Reply{reply(u.UserID, textTariffs, tariffButtons(d.catalog)...)}
}

func (d *Dispatcher) buy(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	if len(u.Args) == 0 {
		return []models.Reply{reply(u.UserID, textTariffs, tariffButtons(d.catalog)...)}
	}

	checkout, err := d.orders.OpenOrder(ctx, u.UserID, u.Args[0])
	switch {
	case err == nil:
	case errors.Is(err, tariff.ErrUnknownTariff):
		return []models.Reply{reply(u.UserID, textUnknownTariff)}
	case errors.Is(err, paymentprovider.ErrGateway):
		log.Warn("gateway unavailable", sl.Err(err))
		return []models.Reply{reply(u.UserID, textGatewayDown)}
	default:
		log.Error("failed to open order", sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}

	return []models.Reply{reply(u.UserID,
		fmt.Sprintf(textInvoice, checkout.TariffName, checkout.Amount.StringFixed(2)),
		models.Button{Text: "💳 Оплатить", URL: checkout.ConfirmationURL},
		models.Button{Text: "🔄 Проверить оплату", Action: actionCheckPayment},
	)}
}

func (d *Dispatcher) checkPayment(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	outcome, err := d.reconciler.CheckLast(ctx, u.UserID)
	switch {
	case err == nil:
	case errors.Is(err, reconcile.ErrAmountMismatch):
		return []models.Reply{reply(u.UserID, textAmountBad)}
	case errors.Is(err, paymentprovider.ErrGateway):
		log.Warn("gateway unavailable", sl.Err(err))
		return []models.Reply{reply(u.UserID, textGatewayDown)}
	default:
		log.Error("failed to check payment", sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}

	switch outcome {
	case reconcile.OutcomeNoPayment:
		return []models.Reply{reply(u.UserID, textNoPayment, tariffButtons(d.catalog)...)}
	case reconcile.OutcomePending:
		return []models.Reply{reply(u.UserID, textPending, models.Button{Text: "🔄 Проверить оплату", Action: actionCheckPayment})}
	case reconcile.OutcomeCanceled:
		return []models.Reply{reply(u.UserID, textCanceled, tariffButtons(d.catalog)...)}
	}

	text := textConfirmed
	if st, err := d.ledger.Status(ctx, u.UserID); err == nil {
		text += "\n\n" + statusText(st)
	} else {
		log.Warn("failed to load status", sl.Err(err))
	}
	return []models.Reply{reply(u.UserID, text)}
}

func (d *Dispatcher) channelBonus(ctx context.Context, log *slog.Logger, u models.Update) []models.Reply {
	switch u.ChannelStatus {
	case channelMember:
	case channelLeft:
		return []models.Reply{reply(u.UserID, fmt.Sprintf(textChannelAsk, d.opts.ChannelBonus),
			models.Button{Text: "📢 Канал", URL: d.opts.ChannelLink},
			models.Button{Text: "✅ Проверить", Action: actionChannelBonus},
		)}
	default:
		return []models.Reply{reply(u.UserID, textChannelNoInfo)}
	}

	credited, err := d.ledger.GrantChannelBonusOnce(ctx, u.UserID)
	if err != nil {
		log.Error("failed to grant channel bonus", sl.Err(err))
		return []models.Reply{reply(u.UserID, textTryLater)}
	}
	if !credited {
		return []models.Reply{reply(u.UserID, textChannelDone)}
	}
	log.Info("channel bonus granted")
	return []models.Reply{reply(u.UserID, fmt.Sprintf(textChannelOK, d.opts.ChannelBonus))}
}

func (d *Dispatcher) referralLink(_ context.Context, _ *slog.Logger, u models.Update) []models.Reply {
	link := fmt.Sprintf("https://t.me/%s?start=%s%d", d.opts.BotUsername, referralPrefix, u.UserID)
	return []models.Reply{reply(u.UserID, fmt.Sprintf(textReferral, link, d.opts.ReferralBonus),
		models.Button{Text: "✨ Открыть бота по ссылке", URL: link},
	)}
}
