package game

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanAcquire(t *testing.T) {
	tests := []struct {
		name      string
		current   InteractionStatus
		requested InteractionStatus
		want      bool
	}{
		{"unset", "", StatusTradeBusy, true},
		{"idle", StatusIdle, StatusCoopBusy, true},
		{"same", StatusTradeBusy, StatusTradeBusy, true},
		{"other busy", StatusTradeBusy, StatusCoopBusy, false},
		{"coop to trade", StatusCoopBusy, StatusTradeBusy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanAcquire(tt.current, tt.requested))
		})
	}
}

func TestBalancesDebitCredit(t *testing.T) {
	b := Balances{Money: 100, Resources: Resources{"wood": 3, "ore": 1}}

	out, err := b.Debit(Requirement{Money: 40, Resources: Resources{"wood": 2}})
	require.NoError(t, err)
	assert.Equal(t, 60, out.Money)
	assert.Equal(t, 1, out.Resources["wood"])
	assert.Equal(t, 3, b.Resources["wood"], "debit must not mutate the receiver")

	_, err = b.Debit(Requirement{Resources: Resources{"ore": 2}})
	assert.ErrorIs(t, err, ErrInsufficientResources)

	credited := b.Credit(Requirement{Money: 5, Resources: Resources{"clay": 2}})
	assert.Equal(t, 105, credited.Money)
	assert.Equal(t, 2, credited.Resources["clay"])
}

func TestShortfallOf(t *testing.T) {
	b := Balances{Money: 10, Resources: Resources{"wood": 1}}
	s := ShortfallOf(b, Requirement{Money: 15, Resources: Resources{"wood": 3, "wheat": 0}})
	assert.Equal(t, 5, s.Money)
	assert.Equal(t, Resources{"wood": 2}, s.Resources)
	assert.False(t, s.Empty())

	assert.True(t, ShortfallOf(b, Requirement{Money: 10, Resources: Resources{"wood": 1}}).Empty())
}

func TestCatalogueSplit(t *testing.T) {
	c := DefaultCatalogue()
	require.NoError(t, c.Validate())

	traveler, partner, err := c.Split("Rome", 40, Resources{"ore": 2, "clay": 1})
	require.NoError(t, err)
	assert.Equal(t, Requirement{Money: 60, Resources: Resources{"ore": 2, "clay": 1}}, traveler)
	assert.Equal(t, Requirement{Money: 90, Resources: Resources{"clay": 2, "wood": 1}}, partner)

	_, _, err = c.Split("Rome", 40, Resources{"wheat": 1})
	assert.Error(t, err)

	_, _, err = c.Split("Rome", 140, nil)
	assert.Error(t, err)

	_, _, err = c.Split("Atlantis", 50, nil)
	assert.ErrorIs(t, err, ErrUnknownTravel)
}

func TestCatalogueCustomFormula(t *testing.T) {
	c := DefaultCatalogue()
	paris := c.Travels["Paris"]
	paris.SplitFormula = "money * ratio / 50"
	c.Travels["Paris"] = paris
	require.NoError(t, c.Validate())

	share, err := c.MoneyShare(c.Travels["Paris"], 60)
	require.NoError(t, err)
	assert.Equal(t, 100, share)

	share, err = c.MoneyShare(c.Travels["Paris"], 10)
	require.NoError(t, err)
	assert.Equal(t, 20, share)
}

func TestLoadCatalogue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalogue.json")
	body := `{"resources":["wood","ore"],"travels":{"Oslo":{"cost":{"wood":1},"money":10}}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	c, err := LoadCatalogue(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ore", "wood"}, c.ResourceNames())

	req, err := c.Requirement("Oslo")
	require.NoError(t, err)
	assert.Equal(t, 10, req.Money)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"resources":["wood"],"travels":{"Oslo":{"cost":{"gold":1}}}}`), 0o600))
	_, err = LoadCatalogue(bad)
	assert.Error(t, err)
}
