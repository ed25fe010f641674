package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/magabrotheeeer/tarot-bot/internal/models"
	"github.com/magabrotheeeer/tarot-bot/internal/services/ledger"
	"github.com/magabrotheeeer/tarot-bot/internal/tariff"
)

const (
	textWelcome       = "🔮 Добро пожаловать в мир Таро!\n\nЗадайте вопрос и выберите карты, а я расшифрую расклад."
	textHelp          = "ℹ️ Как пользоваться ботом:\n1. Задайте вопрос.\n2. Выберите от 1 до 3 карт.\n3. Получите расшифровку расклада.\n\nБесплатные гадания расходуются первыми, затем бонусные и оплаченные."
	textUnknown       = "🤔 Не понимаю команду. Воспользуйтесь кнопками меню."
	textTryLater      = "❌ Произошла ошибка. Попробуйте позже."
	textBanned        = "❌ Ваш аккаунт заблокирован."
	textNoQuota       = "❌ У вас закончились бесплатные гадания! 💰 Оформите подписку для продолжения."
	textInvalidAsk    = "❌ Вопрос должен быть от 3 до 500 символов, а карт от 1 до 3."
	textServiceError  = "❌ Произошла ошибка при расшифровке карт. Запрос возвращён. Код ошибки: %s"
	textTariffs       = "💳 Выберите тариф:"
	textUnknownTariff = "❌ Тариф не найден."
	textGatewayDown   = "❌ Платёжный сервис временно недоступен. Попробуйте через пару минут."
	textInvoice       = "🧾 %s\nСумма к оплате: %s ₽\n\nПосле оплаты нажмите «Проверить оплату»."
	textNoPayment     = "Платежей пока не было."
	textPending       = "⏳ Оплата ещё не поступила. Если вы уже оплатили, проверьте чуть позже."
	textCanceled      = "❌ Платёж отменён. Можно оформить новый."
	textConfirmed     = "✅ Оплата подтверждена."
	textAmountBad     = "❌ Сумма платежа не совпадает с заказом. Напишите в поддержку."
	textActivated     = "✅ Оплата получена! Начислено: %s."
	textChannelAsk    = "🎁 Подпишитесь на канал и получите +%d гаданий. После подписки нажмите «Проверить»."
	textChannelOK     = "🎉 Спасибо за подписку! Начислено +%d бонусных гаданий."
	textChannelDone   = "Бонус за подписку уже получен."
	textChannelNoInfo = "Не удалось проверить подписку. Попробуйте позже."
	textReferral      = "🎁 Ваша реферальная ссылка:\n%s\n\nЗа каждого нового пользователя вы получите %d бонусных гаданий."
	textReferrerBonus = "🎉 По вашей ссылке пришёл новый пользователь! Начислено +%d бонусных гаданий."
	textAdminOnly     = "Команда недоступна."
	textAdminDone     = "Готово ✅"
	textBroadcastDone = "Готово. ✅ %d | ❌ %d | Всего: %d"
)

func reply(userID int64, text string, buttons ...models.Button) models.Reply {
	return models.Reply{UserID: userID, Text: text, Buttons: buttons}
}

func statusText(st ledger.Status) string {
	if st.IsAdmin {
		return "👑 Вы администратор: гадания без ограничений."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🔮 Бесплатных гаданий: %d из %d\n", st.FreeRemaining, st.FreeLimit)
	fmt.Fprintf(&b, "🎁 Бонусных: %d\n", st.BonusUnits)
	fmt.Fprintf(&b, "💳 Оплаченных: %d", st.PaidUnits)
	if st.SubscriptionEnd != nil {
		fmt.Fprintf(&b, "\n♾ Безлимит до %s", st.SubscriptionEnd.In(time.UTC).Format("02.01.2006 15:04 UTC"))
	}
	return b.String()
}

func tariffButtons(catalog *tariff.Catalog) []models.Button {
	list := catalog.List()
	buttons := make([]models.Button, 0, len(list))
	for _, t := range list {
		buttons = append(buttons, models.Button{
			Text:   fmt.Sprintf("%s · %s ₽", t.Name, catalog.Price(t).StringFixed(2)),
			Action: actionBuy + " " + t.Key,
		})
	}
	return buttons
}
