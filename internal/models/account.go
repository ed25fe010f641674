// Package models содержит доменные структуры бота: учётную запись пользователя
// с квотами, платёжный заказ, тикет списания и события, которыми сервис
// обменивается с транспортом и другими потребителями через очередь.
package models

import "time"

// Account представляет учётную запись пользователя чата со всеми источниками квоты.
// Инвариант: FreeUsed, BonusUnits и PaidUnits никогда не бывают отрицательными.
type Account struct {
	UserID              int64      // Идентификатор пользователя в чат-платформе
	Username            string     // Имя пользователя (может быть пустым)
	FreeUsed            int        // Сколько бесплатных гаданий израсходовано
	BonusUnits          int        // Остаток бонусных гаданий
	PaidUnits           int        // Остаток оплаченных гаданий
	SubscriptionActive  bool       // Признак безлимитной подписки
	SubscriptionEnd     *time.Time // Окончание безлимита, nil если подписки нет
	IsBanned            bool       // Жёсткая блокировка, не зависит от квоты
	ReferrerID          *int64     // Кто пригласил пользователя, задаётся один раз
	ReferralCredited    bool       // Бонус пригласившему уже начислен
	ChannelBonusClaimed bool       // Бонус за подписку на канал уже выдан
	LastPaymentID       string     // Последний платёж в шлюзе для ручной проверки
	CreatedAt           time.Time
}

// FreeRemaining возвращает остаток бесплатных гаданий при заданном лимите.
func (a *Account) FreeRemaining(limit int) int {
	if a.FreeUsed >= limit {
		return 0
	}
	return limit - a.FreeUsed
}

// SubscriptionValid сообщает, действует ли безлимит в момент now.
func (a *Account) SubscriptionValid(now time.Time) bool {
	return a.SubscriptionActive && a.SubscriptionEnd != nil && a.SubscriptionEnd.After(now)
}

// ExpireSubscription сбрасывает просроченную подписку и возвращает true,
// если учётная запись изменилась.
func (a *Account) ExpireSubscription(now time.Time) bool {
	if !a.SubscriptionActive && a.SubscriptionEnd == nil {
		return false
	}
	if a.SubscriptionValid(now) {
		return false
	}
	a.SubscriptionActive = false
	a.SubscriptionEnd = nil
	return true
}

// Clone возвращает глубокую копию учётной записи.
func (a *Account) Clone() *Account {
	c := *a
	if a.SubscriptionEnd != nil {
		end := *a.SubscriptionEnd
		c.SubscriptionEnd = &end
	}
	if a.ReferrerID != nil {
		ref := *a.ReferrerID
		c.ReferrerID = &ref
	}
	return &c
}
