package tariff

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCatalog_Defaults(t *testing.T) {
	c, err := NewCatalog(DefaultSpecs(), false)
	require.NoError(t, err)

	list := c.List()
	require.Len(t, list, 5)
	assert.Equal(t, "pay10", list[0].Key)
	assert.Equal(t, "pay30_unlim", list[4].Key)

	tr, ok := c.Lookup("pay14_unlim")
	require.True(t, ok)
	assert.Equal(t, GrantDays{Days: 14}, tr.Effect)
	assert.True(t, decimal.RequireFromString("350").Equal(tr.Price))

	tr, ok = c.Lookup("pay30")
	require.True(t, ok)
	assert.Equal(t, GrantUnits{Units: 30}, tr.Effect)

	_, ok = c.Lookup("nope")
	assert.False(t, ok)
}

func TestCatalog_Price(t *testing.T) {
	tests := []struct {
		name     string
		testMode bool
		key      string
		want     string
	}{
		{name: "regular price", testMode: false, key: "pay10", want: "100.00"},
		{name: "test price in test mode", testMode: true, key: "pay10", want: "1.00"},
		{name: "no test price falls back", testMode: true, key: "pay30", want: "190.00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCatalog(DefaultSpecs(), tt.testMode)
			require.NoError(t, err)
			tr, ok := c.Lookup(tt.key)
			require.True(t, ok)
			assert.Equal(t, tt.want, c.Price(tr).StringFixed(2))
		})
	}
}

func TestNewCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		specs []Spec
	}{
		{
			name:  "both units and days",
			specs: []Spec{{Key: "x", Name: "X", Price: "10", Units: 1, Days: 1}},
		},
		{
			name:  "no effect",
			specs: []Spec{{Key: "x", Name: "X", Price: "10"}},
		},
		{
			name:  "missing key",
			specs: []Spec{{Name: "X", Price: "10", Units: 1}},
		},
		{
			name:  "non numeric price",
			specs: []Spec{{Key: "x", Name: "X", Price: "ten", Units: 1}},
		},
		{
			name:  "zero price",
			specs: []Spec{{Key: "x", Name: "X", Price: "0", Units: 1}},
		},
		{
			name:  "negative days",
			specs: []Spec{{Key: "x", Name: "X", Price: "10", Days: -3}},
		},
		{
			name: "duplicate key",
			specs: []Spec{
				{Key: "x", Name: "X", Price: "10", Units: 1},
				{Key: "x", Name: "Y", Price: "20", Days: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewCatalog(tt.specs, false)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidTariff)
			assert.Nil(t, c)
		})
	}
}
