// Package rent prices account storage and tracks the storage deposits that
// accounts attach when they register with a basket.
package rent

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gregtusar/tokenset/pkg/models"
)

var (
	ErrInsufficientDeposit = errors.New("rent: attached deposit is below the minimum")
	ErrNotRegistered       = errors.New("rent: account is not registered")
)

// Schedule prices an account as a fixed base plus a cost per stored balance.
type Schedule struct {
	BaseMinimum models.Amount
	PerBalance  models.Amount
}

// MinimumBalanceFor returns BaseMinimum + balances × PerBalance.
func (s Schedule) MinimumBalanceFor(balances int) (models.Amount, error) {
	if balances < 0 {
		return models.Amount{}, fmt.Errorf("rent: negative balance count %d", balances)
	}
	perAsset, err := s.PerBalance.MulRatio(uint32(balances))
	if err != nil {
		return models.Amount{}, err
	}
	return s.BaseMinimum.Add(perAsset)
}

type Bounds struct {
	Min models.Amount `json:"min"`
	Max models.Amount `json:"max"`
}

// Accounts is the storage-deposit registry of one basket instance.
type Accounts struct {
	mu       sync.RWMutex
	minimum  models.Amount
	deposits map[string]models.Amount
}

func NewAccounts(minimum models.Amount) *Accounts {
	return &Accounts{
		minimum:  minimum,
		deposits: make(map[string]models.Amount),
	}
}

// Bounds of a registration deposit; the deposit is fixed, so min == max.
func (a *Accounts) Bounds() Bounds {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return Bounds{Min: a.minimum, Max: a.minimum}
}

// Register records the account and returns the part of deposit above the
// minimum, which is refunded. Registering twice refunds the full deposit and
// reports added as false.
func (a *Accounts) Register(account string, deposit models.Amount) (refund models.Amount, added bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.deposits[account]; ok {
		return deposit, false, nil
	}
	if deposit.LessThan(a.minimum) {
		return models.Amount{}, false, fmt.Errorf("%w: need %s, attached %s", ErrInsufficientDeposit, a.minimum, deposit)
	}
	refund, err = deposit.Sub(a.minimum)
	if err != nil {
		return models.Amount{}, false, err
	}
	a.deposits[account] = a.minimum
	return refund, true, nil
}

// Restore records a registration loaded from storage as is.
func (a *Accounts) Restore(account string, deposit models.Amount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deposits[account] = deposit
}

// RegisterFree records the account without charging, used for the basket
// owner and the platform at creation time.
func (a *Accounts) RegisterFree(account string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.deposits[account]; !ok {
		a.deposits[account] = models.Amount{}
	}
}

// Unregister removes the account and returns its storage deposit.
func (a *Accounts) Unregister(account string) (models.Amount, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	deposit, ok := a.deposits[account]
	if !ok {
		return models.Amount{}, ErrNotRegistered
	}
	delete(a.deposits, account)
	return deposit, nil
}

func (a *Accounts) IsRegistered(account string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.deposits[account]
	return ok
}
