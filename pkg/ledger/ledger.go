// Package ledger stores per-account, per-asset balances, plus a small
// key/value state area that commits together with them.
//
// All mutations go through Update, which runs a function against a
// transaction and commits its writes only when the function returns nil.
// Balances never go below zero: Withdraw fails before anything is written.
package ledger

import (
	"context"
	"errors"

	"github.com/gregtusar/tokenset/pkg/models"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrReadOnly            = errors.New("ledger: read-only transaction")
	ErrEmptyKey            = errors.New("ledger: empty account or asset")
	ErrNamespaceExists     = errors.New("ledger: namespace already exists")
)

// Tx is a view of the ledger inside one transaction.
type Tx interface {
	Balance(account, asset string) (models.Amount, error)
	// Balances returns every non-zero asset balance held by account.
	Balances(account string) (map[string]models.Amount, error)
	Deposit(account, asset string, amount models.Amount) error
	Withdraw(account, asset string, amount models.Amount) error

	// State returns the raw value stored under key, nil when absent.
	State(key string) ([]byte, error)
	// SetState stores value under key. A nil value deletes the key.
	SetState(key string, value []byte) error
	// ScanState calls fn for every key that starts with prefix.
	ScanState(prefix string, fn func(key string, value []byte) error) error
}

type Ledger interface {
	View(ctx context.Context, fn func(Tx) error) error
	Update(ctx context.Context, fn func(Tx) error) error
	// Drop removes every balance and state key of the ledger.
	Drop(ctx context.Context) error
}

func checkStateKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return nil
}

func checkKey(account, asset string) error {
	if account == "" || asset == "" {
		return ErrEmptyKey
	}
	return nil
}
