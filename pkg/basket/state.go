package basket

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gregtusar/tokenset/pkg/ledger"
	"github.com/gregtusar/tokenset/pkg/models"
)

// State keys inside the basket's ledger:
//
//	basket               current configuration, JSON
//	account/<account>    storage deposit of a registered account
const (
	configKey          = "basket"
	registrationPrefix = "account/"
)

func registrationKey(account string) string {
	return registrationPrefix + account
}

func putConfig(tx ledger.Tx, cfg models.BasketConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return tx.SetState(configKey, raw)
}

func loadConfig(tx ledger.Tx) (models.BasketConfig, error) {
	var cfg models.BasketConfig
	raw, err := tx.State(configKey)
	if err != nil {
		return cfg, err
	}
	if raw == nil {
		return cfg, ErrNotInitialized
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("basket: decode stored config: %w", err)
	}
	return cfg, nil
}

func putRegistration(tx ledger.Tx, account string, deposit models.Amount) error {
	return tx.SetState(registrationKey(account), deposit.Bytes())
}

func loadRegistrations(tx ledger.Tx) (map[string]models.Amount, error) {
	out := make(map[string]models.Amount)
	err := tx.ScanState(registrationPrefix, func(key string, value []byte) error {
		deposit, err := models.AmountFromBytes(value)
		if err != nil {
			return fmt.Errorf("basket: decode registration %s: %w", key, err)
		}
		out[strings.TrimPrefix(key, registrationPrefix)] = deposit
		return nil
	})
	return out, err
}

// config returns the configuration the engine currently runs with. The
// caller holds e.mu.
func (e *Engine) config() models.BasketConfig {
	cfg := models.BasketConfig{
		Owner:      e.owner,
		Name:       e.token.Name,
		Symbol:     e.token.Symbol,
		Icon:       e.token.Icon,
		Components: e.def.Components(),
		Fee:        e.def.fee,
	}
	if e.token.Reference != "" {
		cfg.Reference = &models.MetadataReference{
			Reference:     e.token.Reference,
			ReferenceHash: append([]byte(nil), e.token.ReferenceHash...),
		}
	}
	return cfg
}
