package basket

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/gregtusar/tokenset/pkg/ledger"
	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/gregtusar/tokenset/pkg/rent"
	"github.com/sirupsen/logrus"
)

// supplyAccount holds the total share supply inside the same ledger so that
// supply changes commit with the balances they account for.
const supplyAccount = "$supply"

const referenceHashLen = 32

// Engine wraps component balances into shares of one basket and back.
// All ledger writes of a call happen in one ledger transaction.
type Engine struct {
	id       string
	owner    string
	def      *Definition
	ledger   ledger.Ledger
	accounts *rent.Accounts
	logger   *logrus.Logger

	mu    sync.RWMutex
	token models.TokenMetadata
}

// NewEngine validates cfg, stores it with the owner and platform
// registrations in l and returns the initialized engine. Nothing is returned
// or stored on a validation error, and a ledger that already holds a basket
// is refused with ErrAlreadyInitialized.
func NewEngine(ctx context.Context, id string, cfg models.BasketConfig, l ledger.Ledger, schedule rent.Schedule, logger *logrus.Logger) (*Engine, error) {
	e, err := build(id, cfg, l, schedule, logger)
	if err != nil {
		return nil, err
	}
	err = l.Update(ctx, func(tx ledger.Tx) error {
		existing, err := tx.State(configKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, id)
		}
		if err := putConfig(tx, e.config()); err != nil {
			return err
		}
		if err := putRegistration(tx, cfg.Owner, models.Amount{}); err != nil {
			return err
		}
		return putRegistration(tx, cfg.Fee.PlatformID, models.Amount{})
	})
	if err != nil {
		return nil, err
	}
	e.accounts.RegisterFree(cfg.Owner)
	e.accounts.RegisterFree(cfg.Fee.PlatformID)

	logger.WithFields(logrus.Fields{
		"basket":      id,
		"owner":       cfg.Owner,
		"components":  len(cfg.Components),
		"min_storage": e.accounts.Bounds().Min.String(),
	}).Info("Basket initialized")

	return e, nil
}

// OpenEngine loads a basket that an earlier NewEngine stored in l, together
// with its account registrations.
func OpenEngine(ctx context.Context, id string, l ledger.Ledger, schedule rent.Schedule, logger *logrus.Logger) (*Engine, error) {
	var (
		cfg           models.BasketConfig
		registrations map[string]models.Amount
	)
	err := l.View(ctx, func(tx ledger.Tx) error {
		var err error
		if cfg, err = loadConfig(tx); err != nil {
			return err
		}
		registrations, err = loadRegistrations(tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	e, err := build(id, cfg, l, schedule, logger)
	if err != nil {
		return nil, fmt.Errorf("basket: stored config of %s: %w", id, err)
	}
	for account, deposit := range registrations {
		e.accounts.Restore(account, deposit)
	}

	logger.WithFields(logrus.Fields{
		"basket":   id,
		"owner":    cfg.Owner,
		"accounts": len(registrations),
	}).Info("Basket restored")

	return e, nil
}

func build(id string, cfg models.BasketConfig, l ledger.Ledger, schedule rent.Schedule, logger *logrus.Logger) (*Engine, error) {
	if err := validateAccount(cfg.Owner); err != nil {
		return nil, fmt.Errorf("owner: %w", err)
	}
	token, err := newTokenMetadata(cfg)
	if err != nil {
		return nil, err
	}
	def, err := NewDefinition(cfg.Components, cfg.Fee)
	if err != nil {
		return nil, err
	}
	minimum, err := def.MinimumStorage(schedule)
	if err != nil {
		return nil, fmt.Errorf("basket: account storage minimum: %w", err)
	}
	return &Engine{
		id:       id,
		owner:    cfg.Owner,
		def:      def,
		ledger:   l,
		accounts: rent.NewAccounts(minimum),
		logger:   logger,
		token:    token,
	}, nil
}

func newTokenMetadata(cfg models.BasketConfig) (models.TokenMetadata, error) {
	if strings.TrimSpace(cfg.Name) == "" || strings.TrimSpace(cfg.Symbol) == "" {
		return models.TokenMetadata{}, fmt.Errorf("%w: name and symbol are required", ErrInvalidMetadata)
	}
	token := models.TokenMetadata{
		Name:     cfg.Name,
		Symbol:   cfg.Symbol,
		Icon:     cfg.Icon,
		Decimals: models.ShareDecimals,
	}
	if cfg.Reference != nil {
		if cfg.Reference.Reference == "" || len(cfg.Reference.ReferenceHash) != referenceHashLen {
			return models.TokenMetadata{}, fmt.Errorf("%w: reference needs a %d byte hash", ErrInvalidMetadata, referenceHashLen)
		}
		token.Reference = cfg.Reference.Reference
		token.ReferenceHash = cfg.Reference.ReferenceHash
	}
	return token, nil
}

func validateAccount(account string) error {
	if strings.TrimSpace(account) == "" || strings.HasPrefix(account, "$") {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return nil
}

func (e *Engine) ID() string {
	return e.id
}

func (e *Engine) Owner() string {
	return e.owner
}

func (e *Engine) StorageBounds() rent.Bounds {
	return e.accounts.Bounds()
}

func (e *Engine) fee() models.FeePolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.def.fee
}

// Register records a storage deposit for account and returns the refund.
func (e *Engine) Register(ctx context.Context, account string, deposit models.Amount) (models.Amount, error) {
	if err := validateAccount(account); err != nil {
		return models.Amount{}, err
	}
	refund, added, err := e.accounts.Register(account, deposit)
	if err != nil {
		return models.Amount{}, err
	}
	if !added {
		return refund, nil
	}
	stored, err := deposit.Sub(refund)
	if err != nil {
		return models.Amount{}, err
	}
	err = e.ledger.Update(ctx, func(tx ledger.Tx) error {
		return putRegistration(tx, account, stored)
	})
	if err != nil {
		_, _ = e.accounts.Unregister(account)
		return models.Amount{}, err
	}
	e.logger.WithFields(logrus.Fields{"basket": e.id, "account": account}).Debug("Account registered")
	return refund, nil
}

func (e *Engine) IsRegistered(account string) bool {
	return e.accounts.IsRegistered(account)
}

func (e *Engine) requireRegistered(account string) error {
	if err := validateAccount(account); err != nil {
		return err
	}
	if !e.accounts.IsRegistered(account) {
		return fmt.Errorf("%w: %s", ErrAccountNotRegistered, account)
	}
	return nil
}

// DepositComponent credits an incoming transfer of a component asset.
func (e *Engine) DepositComponent(ctx context.Context, account, asset string, amount models.Amount) error {
	if err := e.requireRegistered(account); err != nil {
		return err
	}
	if !e.def.HasAsset(asset) {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return e.ledger.Update(ctx, func(tx ledger.Tx) error {
		return tx.Deposit(account, asset, amount)
	})
}

// WithdrawComponent debits a component asset that leaves the basket.
func (e *Engine) WithdrawComponent(ctx context.Context, account, asset string, amount models.Amount) error {
	if err := e.requireRegistered(account); err != nil {
		return err
	}
	if !e.def.HasAsset(asset) {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	err := e.ledger.Update(ctx, func(tx ledger.Tx) error {
		return tx.Withdraw(account, asset, amount)
	})
	if errors.Is(err, ledger.ErrInsufficientBalance) {
		return fmt.Errorf("%w: %v", ErrInsufficientBasketBalance, err)
	}
	return err
}

// maxWrappable is the minimum over components of floor(balance / ratio).
func (e *Engine) maxWrappable(tx ledger.Tx, account string) (models.Amount, error) {
	maximum := models.MaxAmount()
	for _, c := range e.def.components {
		bal, err := tx.Balance(account, c.Asset)
		if err != nil {
			return models.Amount{}, err
		}
		if out := bal.DivRatio(c.Ratio); out.LessThan(maximum) {
			maximum = out
		}
	}
	return maximum, nil
}

func (e *Engine) MaxWrappable(ctx context.Context, account string) (models.Amount, error) {
	var out models.Amount
	err := e.ledger.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = e.maxWrappable(tx, account)
		return err
	})
	return out, err
}

// Wrap locks amount × ratio of every component held by caller and mints
// amount shares, of which the owner and platform fees are diverted. When
// requested is nil the largest wrappable amount is used. The gross amount is
// returned.
func (e *Engine) Wrap(ctx context.Context, caller string, requested *models.Amount) (models.Amount, error) {
	if err := e.requireRegistered(caller); err != nil {
		return models.Amount{}, err
	}
	// The fee in force when Wrap is entered is the one applied, even if
	// UpdateOwnerFee lands before the ledger transaction commits.
	fee := e.fee()

	var (
		amount models.Amount
		split  FeeSplit
	)
	err := e.ledger.Update(ctx, func(tx ledger.Tx) error {
		maximum, err := e.maxWrappable(tx, caller)
		if err != nil {
			return err
		}
		amount = maximum
		if requested != nil {
			amount = *requested
		}
		if maximum.LessThan(amount) {
			return fmt.Errorf("%w: maximum amount that can be wrapped is %s, tried wrapping %s",
				ErrInsufficientBasketBalance, maximum, amount)
		}

		split, err = SplitFee(amount, fee)
		if err != nil {
			return err
		}
		if err := tx.Deposit(caller, ShareAsset, split.Caller); err != nil {
			return err
		}
		if err := tx.Deposit(e.owner, ShareAsset, split.Owner); err != nil {
			return err
		}
		if err := tx.Deposit(fee.PlatformID, ShareAsset, split.Platform); err != nil {
			return err
		}
		if err := tx.Deposit(supplyAccount, ShareAsset, amount); err != nil {
			return err
		}

		for _, c := range e.def.components {
			locked, err := amount.MulRatio(c.Ratio)
			if err != nil {
				return err
			}
			if err := tx.Withdraw(caller, c.Asset, locked); err != nil {
				return fmt.Errorf("%w: %v", ErrInsufficientBasketBalance, err)
			}
		}
		return nil
	})
	if err != nil {
		return models.Amount{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"basket":   e.id,
		"caller":   caller,
		"amount":   amount.String(),
		"owner":    split.Owner.String(),
		"platform": split.Platform.String(),
	}).Info("Wrapped basket")

	return amount, nil
}

// Unwrap burns amount shares of caller and releases amount × ratio of every
// component. No fee is charged.
func (e *Engine) Unwrap(ctx context.Context, caller string, amount models.Amount) error {
	if err := validateAccount(caller); err != nil {
		return err
	}
	if err := e.unwind(ctx, caller, amount); err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"basket": e.id,
		"caller": caller,
		"amount": amount.String(),
	}).Info("Unwrapped basket")
	return nil
}

// Burn handles shares destroyed through the token burn path: the holder's
// shares leave the supply and the components they back are credited back
// to the holder, as in Unwrap. The holder must be registered.
func (e *Engine) Burn(ctx context.Context, account string, amount models.Amount) error {
	if err := e.requireRegistered(account); err != nil {
		return err
	}
	if err := e.unwind(ctx, account, amount); err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"basket":  e.id,
		"account": account,
		"amount":  amount.String(),
	}).Info("Burned shares")
	return nil
}

func (e *Engine) unwind(ctx context.Context, account string, amount models.Amount) error {
	return e.ledger.Update(ctx, func(tx ledger.Tx) error {
		if err := e.burn(tx, account, amount); err != nil {
			return err
		}
		return e.release(tx, account, amount)
	})
}

func (e *Engine) burn(tx ledger.Tx, account string, amount models.Amount) error {
	if err := tx.Withdraw(account, ShareAsset, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientShareBalance, err)
		}
		return err
	}
	return tx.Withdraw(supplyAccount, ShareAsset, amount)
}

func (e *Engine) release(tx ledger.Tx, account string, amount models.Amount) error {
	for _, c := range e.def.components {
		released, err := amount.MulRatio(c.Ratio)
		if err != nil {
			return err
		}
		if err := tx.Deposit(account, c.Asset, released); err != nil {
			return err
		}
	}
	return nil
}

// CloseAccount unregisters account and returns its storage deposit. Unless
// force is set the account must hold nothing. With force, remaining shares are
// burned and everything they and the account's components back goes to the
// platform.
func (e *Engine) CloseAccount(ctx context.Context, account string, force bool) (models.Amount, error) {
	if err := e.requireRegistered(account); err != nil {
		return models.Amount{}, err
	}
	if account == e.owner || account == e.fee().PlatformID {
		return models.Amount{}, fmt.Errorf("%w: fee beneficiaries cannot close", ErrInvalidAccount)
	}
	platform := e.fee().PlatformID

	var shares models.Amount
	err := e.ledger.Update(ctx, func(tx ledger.Tx) error {
		held, err := tx.Balances(account)
		if err != nil {
			return err
		}
		if len(held) > 0 && !force {
			return fmt.Errorf("%w: %s", ErrAccountNotEmpty, account)
		}
		shares = held[ShareAsset]
		if !shares.IsZero() {
			if err := e.burn(tx, account, shares); err != nil {
				return err
			}
			if err := e.release(tx, platform, shares); err != nil {
				return err
			}
		}
		for asset, amount := range held {
			if asset == ShareAsset {
				continue
			}
			if err := tx.Withdraw(account, asset, amount); err != nil {
				return err
			}
			if err := tx.Deposit(platform, asset, amount); err != nil {
				return err
			}
		}
		return tx.SetState(registrationKey(account), nil)
	})
	if err != nil {
		return models.Amount{}, err
	}

	deposit, err := e.accounts.Unregister(account)
	if err != nil {
		return models.Amount{}, err
	}
	e.logger.WithFields(logrus.Fields{
		"basket":  e.id,
		"account": account,
		"burned":  shares.String(),
	}).Info("Closed account")
	return deposit, nil
}

// UpdateOwnerFee changes the owner fee of an updatable basket. The new fee
// must keep the fee sum within FeeDenominator.
func (e *Engine) UpdateOwnerFee(ctx context.Context, caller string, newFee models.Amount) error {
	if caller != e.owner {
		return ErrNotOwner
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.def.fee.Updatable {
		return ErrFeeNotUpdatable
	}
	if err := validateFees(newFee, e.def.fee.PlatformFee); err != nil {
		return err
	}
	next := e.config()
	next.Fee.OwnerFee = newFee
	if err := e.saveConfig(ctx, next); err != nil {
		return err
	}
	previous := e.def.fee.OwnerFee
	e.def.fee.OwnerFee = newFee

	e.logger.WithFields(logrus.Fields{
		"basket":   e.id,
		"previous": previous.String(),
		"fee":      newFee.String(),
	}).Info("Owner fee updated")
	return nil
}

// UpdateMetadataReference replaces the token's document reference; nil
// clears it.
func (e *Engine) UpdateMetadataReference(ctx context.Context, caller string, ref *models.MetadataReference) error {
	if caller != e.owner {
		return ErrNotOwner
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.config()
	next.Reference = nil
	if ref != nil {
		if ref.Reference == "" || len(ref.ReferenceHash) != referenceHashLen {
			return fmt.Errorf("%w: reference needs a %d byte hash", ErrInvalidMetadata, referenceHashLen)
		}
		next.Reference = ref
	}
	if err := e.saveConfig(ctx, next); err != nil {
		return err
	}

	if ref == nil {
		e.token.Reference = ""
		e.token.ReferenceHash = nil
		return nil
	}
	e.token.Reference = ref.Reference
	e.token.ReferenceHash = append([]byte(nil), ref.ReferenceHash...)
	return nil
}

func (e *Engine) saveConfig(ctx context.Context, cfg models.BasketConfig) error {
	return e.ledger.Update(ctx, func(tx ledger.Tx) error {
		return putConfig(tx, cfg)
	})
}

func (e *Engine) Metadata() models.BasketMetadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.BasketMetadata{
		Token:      e.token,
		Owner:      e.owner,
		Components: e.def.Components(),
		Fee:        e.def.fee,
	}
}

func (e *Engine) Balance(ctx context.Context, account, asset string) (models.Amount, error) {
	var out models.Amount
	err := e.ledger.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = tx.Balance(account, asset)
		return err
	})
	return out, err
}

func (e *Engine) TotalSupply(ctx context.Context) (models.Amount, error) {
	return e.Balance(ctx, supplyAccount, ShareAsset)
}

// Balances reports everything account holds in this basket.
func (e *Engine) Balances(ctx context.Context, account string) (models.AccountBalances, error) {
	out := models.AccountBalances{
		Account:    account,
		Components: make(map[string]models.Amount),
		Registered: e.accounts.IsRegistered(account),
	}
	err := e.ledger.View(ctx, func(tx ledger.Tx) error {
		for _, c := range e.def.components {
			bal, err := tx.Balance(account, c.Asset)
			if err != nil {
				return err
			}
			out.Components[c.Asset] = bal
		}
		shares, err := tx.Balance(account, ShareAsset)
		if err != nil {
			return err
		}
		out.Shares = shares
		out.MaxWrappable, err = e.maxWrappable(tx, account)
		return err
	})
	return out, err
}
