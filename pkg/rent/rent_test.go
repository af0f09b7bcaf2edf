package rent

import (
	"testing"

	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestScheduleIsAffine(t *testing.T) {
	s := Schedule{
		BaseMinimum: models.MustParseAmount("1250000000000000000000"),
		PerBalance:  models.MustParseAmount("1280000000000000000000"),
	}

	f := func(n int) models.Amount {
		v, err := s.MinimumBalanceFor(n)
		require.NoError(t, err)
		return v
	}

	d1, err := f(2).Sub(f(1))
	require.NoError(t, err)
	d2, err := f(3).Sub(f(2))
	require.NoError(t, err)
	require.True(t, d1.Equal(d2))
	require.True(t, d1.Equal(s.PerBalance))
	require.True(t, f(0).Equal(s.BaseMinimum))

	_, err = s.MinimumBalanceFor(-1)
	require.Error(t, err)
}

func TestAccounts(t *testing.T) {
	a := NewAccounts(models.NewAmount(100))
	require.Equal(t, "100", a.Bounds().Min.String())

	_, _, err := a.Register("alice", models.NewAmount(99))
	require.ErrorIs(t, err, ErrInsufficientDeposit)
	require.False(t, a.IsRegistered("alice"))

	refund, added, err := a.Register("alice", models.NewAmount(130))
	require.NoError(t, err)
	require.True(t, added)
	require.Equal(t, "30", refund.String())
	require.True(t, a.IsRegistered("alice"))

	refund, added, err = a.Register("alice", models.NewAmount(100))
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, "100", refund.String())

	a.RegisterFree("owner")
	require.True(t, a.IsRegistered("owner"))

	deposit, err := a.Unregister("alice")
	require.NoError(t, err)
	require.Equal(t, "100", deposit.String())

	_, err = a.Unregister("alice")
	require.ErrorIs(t, err, ErrNotRegistered)

	a.Restore("carol", models.NewAmount(70))
	deposit, err = a.Unregister("carol")
	require.NoError(t, err)
	require.Equal(t, "70", deposit.String())
}
