package models

// Decimals of every share token minted by a basket.
const ShareDecimals = 24

type Component struct {
	Asset string `json:"asset" mapstructure:"asset"`
	Ratio uint32 `json:"ratio" mapstructure:"ratio"`
}

// FeePolicy fees are fixed-point fractions of the basket fee denominator.
type FeePolicy struct {
	OwnerFee    Amount `json:"owner_fee"`
	PlatformFee Amount `json:"platform_fee"`
	PlatformID  string `json:"platform_id"`
	Updatable   bool   `json:"updatable"`
}

type MetadataReference struct {
	Reference     string `json:"reference"`
	ReferenceHash []byte `json:"reference_hash"`
}

type TokenMetadata struct {
	Name          string `json:"name"`
	Symbol        string `json:"symbol"`
	Icon          string `json:"icon,omitempty"`
	Reference     string `json:"reference,omitempty"`
	ReferenceHash []byte `json:"reference_hash,omitempty"`
	Decimals      int    `json:"decimals"`
}

type BasketMetadata struct {
	Token      TokenMetadata `json:"token"`
	Owner      string        `json:"owner"`
	Components []Component   `json:"components"`
	Fee        FeePolicy     `json:"fee"`
}

// BasketConfig is everything needed to initialize a basket instance.
type BasketConfig struct {
	Owner      string             `json:"owner"`
	Name       string             `json:"name"`
	Symbol     string             `json:"symbol"`
	Icon       string             `json:"icon,omitempty"`
	Components []Component        `json:"components"`
	Fee        FeePolicy          `json:"fee"`
	Reference  *MetadataReference `json:"reference,omitempty"`
}

type AccountBalances struct {
	Account      string            `json:"account"`
	Shares       Amount            `json:"shares"`
	Components   map[string]Amount `json:"components"`
	MaxWrappable Amount            `json:"max_wrappable"`
	Registered   bool              `json:"registered"`
}
