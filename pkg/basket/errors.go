package basket

import "errors"

// Validation errors.
var (
	ErrEmptyBasket     = errors.New("basket: expected at least one component")
	ErrDuplicateAsset  = errors.New("basket: each component asset must be unique")
	ErrZeroRatio       = errors.New("basket: component ratio must be positive")
	ErrReservedAsset   = errors.New("basket: asset id is reserved")
	ErrFeeOutOfRange   = errors.New("basket: fee exceeds the fee denominator")
	ErrNotOwner        = errors.New("basket: caller is not the owner")
	ErrFeeNotUpdatable = errors.New("basket: fee was not created updatable")
	ErrInvalidMetadata = errors.New("basket: invalid token metadata")
	ErrInvalidAccount  = errors.New("basket: invalid account id")
	ErrUnknownAsset    = errors.New("basket: asset is not a component")
)

// Resource errors.
var (
	ErrInsufficientBasketBalance = errors.New("basket: insufficient component balance")
	ErrInsufficientShareBalance  = errors.New("basket: insufficient share balance")
	ErrAccountNotRegistered      = errors.New("basket: account is not registered")
	ErrAccountNotEmpty           = errors.New("basket: account still holds balances")
)

// Lifecycle errors.
var (
	ErrAlreadyInitialized = errors.New("basket: ledger already holds an initialized basket")
	ErrNotInitialized     = errors.New("basket: ledger holds no initialized basket")
)
