package tariff

import "fmt"

// Effect эффект тарифа: ровно один из GrantUnits или GrantDays.
// Интерфейс закрыт неэкспортируемым методом, других реализаций быть не может.
type Effect interface {
	isEffect()
	fmt.Stringer
}

// GrantUnits добавляет N оплаченных гаданий.
type GrantUnits struct {
	Units int
}

// GrantDays добавляет D дней безлимита.
type GrantDays struct {
	Days int
}

func (GrantUnits) isEffect() {}
func (GrantDays) isEffect()  {}

func (g GrantUnits) String() string { return fmt.Sprintf("+%d units", g.Units) }
func (g GrantDays) String() string  { return fmt.Sprintf("+%d days", g.Days) }
