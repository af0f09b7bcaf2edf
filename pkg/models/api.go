package models

import "time"

type RegisterRequest struct {
	Deposit Amount `json:"deposit"`
}

type RegisterResponse struct {
	Account string `json:"account"`
	Refund  Amount `json:"refund"`
}

// TransferRequest moves a component asset in or out of a basket.
type TransferRequest struct {
	Asset  string `json:"asset"`
	Amount Amount `json:"amount"`
}

// WrapRequest mints the maximum wrappable amount when Amount is nil.
type WrapRequest struct {
	Amount *Amount `json:"amount,omitempty"`
}

type WrapResponse struct {
	Basket string `json:"basket"`
	Minted Amount `json:"minted"`
}

type UnwrapRequest struct {
	Amount Amount `json:"amount"`
}

type BurnRequest struct {
	Amount Amount `json:"amount"`
}

type CloseRequest struct {
	Force bool `json:"force"`
}

type FeeRequest struct {
	OwnerFee Amount `json:"owner_fee"`
}

type AmountRequest struct {
	Amount Amount `json:"amount"`
}

type ProvisioningResponse struct {
	Instance string `json:"instance"`
}

type InstancesResponse struct {
	Instances []string `json:"instances"`
}

type RefundResponse struct {
	Account string `json:"account"`
	Refund  Amount `json:"refund"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
