package basket

import (
	"fmt"
	"strings"

	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/gregtusar/tokenset/pkg/rent"
)

// FeeDenominator is the fixed-point scale of fees: a fee of FeeDenominator
// takes the whole wrapped amount.
const FeeDenominator = 1_000_000_000_000_000

// ShareAsset is the ledger asset id under which minted shares are kept.
const ShareAsset = "$share"

var feeDenominator = models.NewAmount(FeeDenominator)

// Definition is the immutable composition of a basket plus its fee policy.
// Only the owner fee may change after construction.
type Definition struct {
	components []models.Component
	fee        models.FeePolicy
}

// NewDefinition validates the components and fee policy. The first duplicate
// asset aborts construction.
func NewDefinition(components []models.Component, fee models.FeePolicy) (*Definition, error) {
	if len(components) == 0 {
		return nil, ErrEmptyBasket
	}

	seen := make(map[string]struct{}, len(components))
	ordered := make([]models.Component, 0, len(components))
	for _, c := range components {
		if c.Asset == "" || strings.HasPrefix(c.Asset, "$") {
			return nil, fmt.Errorf("%w: %q", ErrReservedAsset, c.Asset)
		}
		if _, ok := seen[c.Asset]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, c.Asset)
		}
		if c.Ratio == 0 {
			return nil, fmt.Errorf("%w: %s", ErrZeroRatio, c.Asset)
		}
		seen[c.Asset] = struct{}{}
		ordered = append(ordered, c)
	}

	if err := validateFees(fee.OwnerFee, fee.PlatformFee); err != nil {
		return nil, err
	}
	if err := validateAccount(fee.PlatformID); err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}

	return &Definition{components: ordered, fee: fee}, nil
}

func validateFees(ownerFee, platformFee models.Amount) error {
	if feeDenominator.LessThan(ownerFee) || feeDenominator.LessThan(platformFee) {
		return fmt.Errorf("%w: each fee must be at most %d", ErrFeeOutOfRange, FeeDenominator)
	}
	sum, err := ownerFee.Add(platformFee)
	if err != nil || feeDenominator.LessThan(sum) {
		return fmt.Errorf("%w: fee sum must be at most %d", ErrFeeOutOfRange, FeeDenominator)
	}
	return nil
}

func (d *Definition) Components() []models.Component {
	out := make([]models.Component, len(d.components))
	copy(out, d.components)
	return out
}

func (d *Definition) Fee() models.FeePolicy {
	return d.fee
}

func (d *Definition) HasAsset(asset string) bool {
	for _, c := range d.components {
		if c.Asset == asset {
			return true
		}
	}
	return false
}

// MinimumStorage is the storage deposit an account needs to hold one balance
// per component on top of the schedule's base minimum.
func (d *Definition) MinimumStorage(s rent.Schedule) (models.Amount, error) {
	return s.MinimumBalanceFor(len(d.components))
}
