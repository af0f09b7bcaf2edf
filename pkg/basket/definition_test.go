package basket

import (
	"fmt"
	"testing"

	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/gregtusar/tokenset/pkg/rent"
	"github.com/stretchr/testify/require"
)

func feePolicy(owner, platform uint64) models.FeePolicy {
	return models.FeePolicy{
		OwnerFee:    models.NewAmount(owner),
		PlatformFee: models.NewAmount(platform),
		PlatformID:  "platform",
	}
}

func TestNewDefinition(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		_, err := NewDefinition(nil, feePolicy(0, 0))
		require.ErrorIs(t, err, ErrEmptyBasket)
	})

	t.Run("duplicate asset", func(t *testing.T) {
		d, err := NewDefinition([]models.Component{{Asset: "a", Ratio: 1}, {Asset: "a", Ratio: 2}}, feePolicy(0, 0))
		require.ErrorIs(t, err, ErrDuplicateAsset)
		require.Nil(t, d)
	})

	t.Run("zero ratio", func(t *testing.T) {
		_, err := NewDefinition([]models.Component{{Asset: "a", Ratio: 0}}, feePolicy(0, 0))
		require.ErrorIs(t, err, ErrZeroRatio)
	})

	t.Run("reserved asset", func(t *testing.T) {
		_, err := NewDefinition([]models.Component{{Asset: ShareAsset, Ratio: 1}}, feePolicy(0, 0))
		require.ErrorIs(t, err, ErrReservedAsset)
	})

	for _, tc := range []struct {
		owner, platform uint64
		ok              bool
	}{
		{owner: 0, platform: 0, ok: true},
		{owner: FeeDenominator, platform: 0, ok: true},
		{owner: FeeDenominator / 2, platform: FeeDenominator / 2, ok: true},
		{owner: FeeDenominator + 1, platform: 0},
		{owner: 0, platform: FeeDenominator + 1},
		{owner: FeeDenominator/2 + 1, platform: FeeDenominator / 2},
	} {
		t.Run(fmt.Sprintf("fees %d/%d", tc.owner, tc.platform), func(t *testing.T) {
			_, err := NewDefinition([]models.Component{{Asset: "a", Ratio: 1}}, feePolicy(tc.owner, tc.platform))
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrFeeOutOfRange)
		})
	}

	t.Run("keeps order", func(t *testing.T) {
		comps := []models.Component{{Asset: "z", Ratio: 3}, {Asset: "a", Ratio: 1}, {Asset: "m", Ratio: 2}}
		d, err := NewDefinition(comps, feePolicy(0, 0))
		require.NoError(t, err)
		require.Equal(t, comps, d.Components())
		require.True(t, d.HasAsset("m"))
		require.False(t, d.HasAsset("b"))
	})
}

func TestMinimumStorageIsLinearInComponents(t *testing.T) {
	schedule := rent.Schedule{
		BaseMinimum: models.MustParseAmount("2350000000000000000000"),
		PerBalance:  models.MustParseAmount("1340000000000000000000"),
	}

	minimum := func(n int) models.Amount {
		comps := make([]models.Component, 0, n)
		for i := 0; i < n; i++ {
			comps = append(comps, models.Component{Asset: fmt.Sprintf("account%d", i), Ratio: 1})
		}
		d, err := NewDefinition(comps, feePolicy(0, 0))
		require.NoError(t, err)
		v, err := d.MinimumStorage(schedule)
		require.NoError(t, err)
		return v
	}

	d1, err := minimum(2).Sub(minimum(1))
	require.NoError(t, err)
	d2, err := minimum(3).Sub(minimum(2))
	require.NoError(t, err)
	require.True(t, d1.Equal(d2))
}
