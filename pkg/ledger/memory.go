package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gregtusar/tokenset/pkg/models"
)

type MemoryLedger struct {
	mu       sync.RWMutex
	balances map[string]map[string]models.Amount
	state    map[string][]byte
}

func NewMemory() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]map[string]models.Amount),
		state:    make(map[string][]byte),
	}
}

func (l *MemoryLedger) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(&memoryTx{ledger: l, readOnly: true})
}

// Update buffers writes in an overlay and applies them only if fn succeeds.
func (l *MemoryLedger) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &memoryTx{
		ledger:      l,
		writes:      make(map[string]map[string]models.Amount),
		stateWrites: make(map[string][]byte),
	}
	if err := fn(tx); err != nil {
		return err
	}
	for key, value := range tx.stateWrites {
		if value == nil {
			delete(l.state, key)
			continue
		}
		l.state[key] = value
	}
	for account, assets := range tx.writes {
		held, ok := l.balances[account]
		if !ok {
			held = make(map[string]models.Amount)
			l.balances[account] = held
		}
		for asset, amount := range assets {
			if amount.IsZero() {
				delete(held, asset)
				continue
			}
			held[asset] = amount
		}
		if len(held) == 0 {
			delete(l.balances, account)
		}
	}
	return nil
}

func (l *MemoryLedger) Drop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.balances = make(map[string]map[string]models.Amount)
	l.state = make(map[string][]byte)
	l.mu.Unlock()
	return nil
}

type memoryTx struct {
	ledger      *MemoryLedger
	writes      map[string]map[string]models.Amount
	stateWrites map[string][]byte
	readOnly    bool
}

func (tx *memoryTx) Balance(account, asset string) (models.Amount, error) {
	if err := checkKey(account, asset); err != nil {
		return models.Amount{}, err
	}
	if pending, ok := tx.writes[account][asset]; ok {
		return pending, nil
	}
	return tx.ledger.balances[account][asset], nil
}

func (tx *memoryTx) Balances(account string) (map[string]models.Amount, error) {
	out := make(map[string]models.Amount)
	for asset, amount := range tx.ledger.balances[account] {
		out[asset] = amount
	}
	for asset, amount := range tx.writes[account] {
		out[asset] = amount
	}
	for asset, amount := range out {
		if amount.IsZero() {
			delete(out, asset)
		}
	}
	return out, nil
}

func (tx *memoryTx) Deposit(account, asset string, amount models.Amount) error {
	current, err := tx.Balance(account, asset)
	if err != nil {
		return err
	}
	next, err := current.Add(amount)
	if err != nil {
		return fmt.Errorf("deposit %s to %s: %w", asset, account, err)
	}
	return tx.set(account, asset, next)
}

func (tx *memoryTx) Withdraw(account, asset string, amount models.Amount) error {
	current, err := tx.Balance(account, asset)
	if err != nil {
		return err
	}
	if current.LessThan(amount) {
		return fmt.Errorf("withdraw %s %s from %s (balance %s): %w",
			amount, asset, account, current, ErrInsufficientBalance)
	}
	next, err := current.Sub(amount)
	if err != nil {
		return err
	}
	return tx.set(account, asset, next)
}

func (tx *memoryTx) set(account, asset string, amount models.Amount) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	assets, ok := tx.writes[account]
	if !ok {
		assets = make(map[string]models.Amount)
		tx.writes[account] = assets
	}
	assets[asset] = amount
	return nil
}

func (tx *memoryTx) State(key string) ([]byte, error) {
	if err := checkStateKey(key); err != nil {
		return nil, err
	}
	if value, ok := tx.stateWrites[key]; ok {
		return clone(value), nil
	}
	return clone(tx.ledger.state[key]), nil
}

func (tx *memoryTx) SetState(key string, value []byte) error {
	if err := checkStateKey(key); err != nil {
		return err
	}
	if tx.readOnly {
		return ErrReadOnly
	}
	tx.stateWrites[key] = clone(value)
	return nil
}

func (tx *memoryTx) ScanState(prefix string, fn func(key string, value []byte) error) error {
	merged := make(map[string][]byte)
	for key, value := range tx.ledger.state {
		if strings.HasPrefix(key, prefix) {
			merged[key] = value
		}
	}
	for key, value := range tx.stateWrites {
		if strings.HasPrefix(key, prefix) {
			merged[key] = value
		}
	}
	keys := make([]string, 0, len(merged))
	for key, value := range merged {
		if value != nil {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := fn(key, clone(merged[key])); err != nil {
			return err
		}
	}
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
