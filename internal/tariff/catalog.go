// Package tariff содержит неизменяемый каталог тарифов: цену и эффект покупки.
// Каталог строится один раз при старте и передаётся в сервисы явно.
package tariff

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator"
	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownTariff запрошен тариф, которого нет в каталоге.
	ErrUnknownTariff = errors.New("unknown tariff")
	// ErrInvalidTariff описание тарифа в конфиге некорректно.
	ErrInvalidTariff = errors.New("invalid tariff")
)

// Spec описание тарифа в конфиге. Должно быть задано ровно одно из Units и Days.
type Spec struct {
	Key       string `yaml:"key" validate:"required"`
	Name      string `yaml:"name" validate:"required"`
	Price     string `yaml:"price" validate:"required,numeric"`
	TestPrice string `yaml:"test_price" validate:"omitempty,numeric"`
	Units     int    `yaml:"units" validate:"gte=0"`
	Days      int    `yaml:"days" validate:"gte=0"`
}

// Tariff позиция каталога.
type Tariff struct {
	Key       string
	Name      string
	Price     decimal.Decimal
	TestPrice decimal.NullDecimal
	Effect    Effect
}

// Catalog неизменяемый набор тарифов. Безопасен для конкурентного чтения.
type Catalog struct {
	byKey    map[string]Tariff
	order    []string
	testMode bool
}

// DefaultSpecs тарифы, которые используются, если в конфиге список пуст.
func DefaultSpecs() []Spec {
	return []Spec{
		{Key: "pay10", Name: "Докупить 10", Price: "100.00", TestPrice: "1.00", Units: 10},
		{Key: "pay30", Name: "Докупить 30", Price: "190.00", Units: 30},
		{Key: "pay3_unlim", Name: "Безлимит 3 дня", Price: "150.00", Days: 3},
		{Key: "pay14_unlim", Name: "Безлимит 2 недели", Price: "350.00", Days: 14},
		{Key: "pay30_unlim", Name: "Безлимит месяц", Price: "490.00", Days: 30},
	}
}

// NewCatalog проверяет описания и строит каталог. В тестовом режиме
// Price возвращает тестовую цену тех тарифов, у которых она задана.
func NewCatalog(specs []Spec, testMode bool) (*Catalog, error) {
	const op = "tariff.NewCatalog"
	validate := validator.New()

	c := &Catalog{
		byKey:    make(map[string]Tariff, len(specs)),
		order:    make([]string, 0, len(specs)),
		testMode: testMode,
	}
	for _, s := range specs {
		if err := validate.Struct(s); err != nil {
			return nil, fmt.Errorf("%s: %w: %q: %v", op, ErrInvalidTariff, s.Key, err)
		}
		t, err := build(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if _, dup := c.byKey[t.Key]; dup {
			return nil, fmt.Errorf("%s: %w: duplicate key %q", op, ErrInvalidTariff, t.Key)
		}
		c.byKey[t.Key] = t
		c.order = append(c.order, t.Key)
	}
	return c, nil
}

func build(s Spec) (Tariff, error) {
	var effect Effect
	switch {
	case s.Units > 0 && s.Days == 0:
		effect = GrantUnits{Units: s.Units}
	case s.Days > 0 && s.Units == 0:
		effect = GrantDays{Days: s.Days}
	default:
		return Tariff{}, fmt.Errorf("%w: %q must set exactly one of units or days", ErrInvalidTariff, s.Key)
	}

	price, err := decimal.NewFromString(s.Price)
	if err != nil || !price.IsPositive() {
		return Tariff{}, fmt.Errorf("%w: %q has bad price %q", ErrInvalidTariff, s.Key, s.Price)
	}
	t := Tariff{
		Key:    s.Key,
		Name:   s.Name,
		Price:  price,
		Effect: effect,
	}
	if s.TestPrice != "" {
		tp, err := decimal.NewFromString(s.TestPrice)
		if err != nil || !tp.IsPositive() {
			return Tariff{}, fmt.Errorf("%w: %q has bad test price %q", ErrInvalidTariff, s.Key, s.TestPrice)
		}
		t.TestPrice = decimal.NullDecimal{Decimal: tp, Valid: true}
	}
	return t, nil
}

// Lookup возвращает тариф по ключу.
func (c *Catalog) Lookup(key string) (Tariff, bool) {
	t, ok := c.byKey[key]
	return t, ok
}

// List возвращает тарифы в порядке объявления.
func (c *Catalog) List() []Tariff {
	res := make([]Tariff, 0, len(c.order))
	for _, k := range c.order {
		res = append(res, c.byKey[k])
	}
	return res
}

// Price возвращает сумму к оплате с учётом тестового режима.
func (c *Catalog) Price(t Tariff) decimal.Decimal {
	if c.testMode && t.TestPrice.Valid {
		return t.TestPrice.Decimal
	}
	return t.Price
}
