package basket

import (
	"github.com/gregtusar/tokenset/pkg/models"
)

// FeeSplit is how a wrapped amount is shared out. The three parts always add
// up to the wrapped amount.
type FeeSplit struct {
	Caller   models.Amount `json:"caller"`
	Owner    models.Amount `json:"owner"`
	Platform models.Amount `json:"platform"`
}

// SplitFee computes
//
//	owner    = floor(amount × ownerFee / FeeDenominator)
//	platform = floor(amount × platformFee / FeeDenominator)
//	caller   = amount − owner − platform
//
// with 256-bit intermediates. Fees whose sum exceeds FeeDenominator are
// rejected instead of letting the caller share underflow.
func SplitFee(amount models.Amount, fee models.FeePolicy) (FeeSplit, error) {
	if err := validateFees(fee.OwnerFee, fee.PlatformFee); err != nil {
		return FeeSplit{}, err
	}
	owner, err := amount.MulDiv(fee.OwnerFee, feeDenominator)
	if err != nil {
		return FeeSplit{}, err
	}
	platform, err := amount.MulDiv(fee.PlatformFee, feeDenominator)
	if err != nil {
		return FeeSplit{}, err
	}
	caller, err := amount.Sub(owner)
	if err == nil {
		caller, err = caller.Sub(platform)
	}
	if err != nil {
		return FeeSplit{}, err
	}
	return FeeSplit{Caller: caller, Owner: owner, Platform: platform}, nil
}
