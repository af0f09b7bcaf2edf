package basket

import (
	"math/rand"
	"testing"

	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/stretchr/testify/require"
)

func TestSplitFeeScenario(t *testing.T) {
	split, err := SplitFee(models.NewAmount(250_000_000), feePolicy(10_000_000_000_000, 40_000_000_000_000))
	require.NoError(t, err)
	require.Equal(t, "2500000", split.Owner.String())
	require.Equal(t, "10000000", split.Platform.String())
	require.Equal(t, "237500000", split.Caller.String())
}

func TestSplitFeeConservesAmount(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	amounts := []models.Amount{
		models.NewAmount(0),
		models.NewAmount(1),
		models.NewAmount(999),
		models.MaxAmount(),
	}
	for i := 0; i < 200; i++ {
		amounts = append(amounts, models.NewAmount(rng.Uint64()))
	}

	for _, amount := range amounts {
		owner := uint64(rng.Int63n(FeeDenominator + 1))
		platform := uint64(rng.Int63n(int64(FeeDenominator-owner) + 1))

		split, err := SplitFee(amount, feePolicy(owner, platform))
		require.NoError(t, err)

		sum, err := split.Caller.Add(split.Owner)
		require.NoError(t, err)
		sum, err = sum.Add(split.Platform)
		require.NoError(t, err)
		require.True(t, sum.Equal(amount), "amount %s owner %d platform %d", amount, owner, platform)
	}
}

func TestSplitFeeRejectsOversizedFees(t *testing.T) {
	_, err := SplitFee(models.NewAmount(100), feePolicy(FeeDenominator, 1))
	require.ErrorIs(t, err, ErrFeeOutOfRange)
}
