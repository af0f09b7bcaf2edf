package provisioning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/sirupsen/logrus"
)

// Ledger is the per-account deposit, escrow and instance bookkeeping of the
// factory. Every method is one atomic store update.
type Ledger struct {
	store              Store
	depositPerInstance models.Amount
	logger             *logrus.Logger
}

func NewLedger(store Store, depositPerInstance models.Amount, logger *logrus.Logger) *Ledger {
	return &Ledger{
		store:              store,
		depositPerInstance: depositPerInstance,
		logger:             logger,
	}
}

func (l *Ledger) DepositPerInstance() models.Amount {
	return l.depositPerInstance
}

func validAccount(account string) error {
	if strings.TrimSpace(account) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidAccount, account)
	}
	return nil
}

// Deposit attaches amount to account, creating its record if needed.
func (l *Ledger) Deposit(ctx context.Context, account string, amount models.Amount) (models.ProvisioningAccount, error) {
	if err := validAccount(account); err != nil {
		return models.ProvisioningAccount{}, err
	}
	var out models.ProvisioningAccount
	err := l.store.Update(ctx, account, func(rec *Record) (*Record, error) {
		if rec == nil {
			rec = newRecord(account)
		}
		deposited, err := rec.Deposited.Add(amount)
		if err != nil {
			return nil, err
		}
		rec.Deposited = deposited
		out = rec.snapshot()
		return rec, nil
	})
	return out, err
}

// Withdraw takes amount out of the available deposit.
func (l *Ledger) Withdraw(ctx context.Context, account string, amount models.Amount) (models.ProvisioningAccount, error) {
	var out models.ProvisioningAccount
	err := l.store.Update(ctx, account, func(rec *Record) (*Record, error) {
		if rec == nil {
			return nil, ErrAccountNotFound
		}
		if rec.Available().LessThan(amount) {
			return nil, fmt.Errorf("%w: available %s, requested %s", ErrInsufficientEscrow, rec.Available(), amount)
		}
		deposited, err := rec.Deposited.Sub(amount)
		if err != nil {
			return nil, err
		}
		rec.Deposited = deposited
		out = rec.snapshot()
		return rec, nil
	})
	return out, err
}

// Close deletes the record of an account without pending instances and
// returns its available deposit. Escrow of confirmed instances is not
// refundable.
func (l *Ledger) Close(ctx context.Context, account string) (models.Amount, error) {
	return l.close(ctx, account, false)
}

// ForceClose deletes the record even while instances are pending; their
// escrow is forfeited.
func (l *Ledger) ForceClose(ctx context.Context, account string) (models.Amount, error) {
	return l.close(ctx, account, true)
}

func (l *Ledger) close(ctx context.Context, account string, force bool) (models.Amount, error) {
	var refund models.Amount
	err := l.store.Update(ctx, account, func(rec *Record) (*Record, error) {
		if rec == nil {
			return nil, ErrAccountNotFound
		}
		if rec.hasPending() && !force {
			return nil, ErrAccountBusy
		}
		refund = rec.Available()
		return nil, nil
	})
	if err != nil {
		return models.Amount{}, err
	}
	l.logger.WithFields(logrus.Fields{"account": account, "refund": refund.String(), "force": force}).Info("Provisioning account closed")
	return refund, nil
}

func (l *Ledger) Get(ctx context.Context, account string) (models.ProvisioningAccount, error) {
	rec, err := l.store.Get(ctx, account)
	if err != nil {
		return models.ProvisioningAccount{}, err
	}
	return rec.snapshot(), nil
}

// reserve moves one instance deposit into escrow and records id as pending.
func (l *Ledger) reserve(ctx context.Context, account, id string) error {
	return l.store.Update(ctx, account, func(rec *Record) (*Record, error) {
		if rec == nil {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, account)
		}
		if rec.indexOf(id) >= 0 {
			return nil, fmt.Errorf("%w: %s", ErrInstanceExists, id)
		}
		if rec.Available().LessThan(l.depositPerInstance) {
			return nil, fmt.Errorf("%w: expected at least %s, available %s",
				ErrInsufficientEscrow, l.depositPerInstance, rec.Available())
		}
		escrowed, err := rec.Escrowed.Add(l.depositPerInstance)
		if err != nil {
			return nil, err
		}
		rec.Escrowed = escrowed
		rec.Instances = append(rec.Instances, id)
		rec.Status[id] = models.InstanceStatusPending
		return rec, nil
	})
}

// confirm marks id as provisioned and reports whether it was pending.
// Confirming twice changes nothing.
func (l *Ledger) confirm(ctx context.Context, account, id string) (bool, error) {
	log := l.logger.WithFields(logrus.Fields{"caller": account, "instance": id})
	var changed bool
	err := l.store.Update(ctx, account, func(rec *Record) (*Record, error) {
		if rec == nil {
			log.Warn("Provisioned instance for an account that was deleted")
			return nil, nil
		}
		if rec.indexOf(id) < 0 {
			log.Warn("Expected to find provisioned instance")
			return rec, nil
		}
		changed = rec.Status[id] == models.InstanceStatusPending
		rec.Status[id] = models.InstanceStatusConfirmed
		return rec, nil
	})
	return changed, err
}

// compensate refunds the escrow of a failed instance and removes it. A
// missing account or instance is logged and skipped; the refund only happens
// together with the removal so it cannot be applied twice.
func (l *Ledger) compensate(ctx context.Context, account, id string) (bool, error) {
	log := l.logger.WithFields(logrus.Fields{"caller": account, "instance": id})
	var refunded bool
	err := l.store.Update(ctx, account, func(rec *Record) (*Record, error) {
		if rec == nil {
			log.Warn("The account was deleted, escrow is not refunded")
			return nil, nil
		}
		if !rec.swapRemove(id) {
			log.Warn("Expected to find instance to compensate")
			return rec, nil
		}
		escrowed, err := rec.Escrowed.Sub(l.depositPerInstance)
		if err != nil {
			log.WithField("escrowed", rec.Escrowed.String()).Error("Escrow below one instance deposit")
			escrowed = models.Amount{}
		}
		rec.Escrowed = escrowed
		refunded = true
		return rec, nil
	})
	return refunded, err
}

// Instances lists every recorded instance of every account, sorted.
func (l *Ledger) Instances(ctx context.Context) ([]string, error) {
	var out []string
	err := l.store.ForEach(ctx, func(rec *Record) error {
		out = append(out, rec.Instances...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// PendingInstance is an instance whose chain has not been resolved.
type PendingInstance struct {
	Account string
	ID      string
}

// Pending lists every pending instance, sorted by id.
func (l *Ledger) Pending(ctx context.Context) ([]PendingInstance, error) {
	var out []PendingInstance
	err := l.store.ForEach(ctx, func(rec *Record) error {
		for _, id := range rec.Instances {
			if rec.Status[id] == models.InstanceStatusPending {
				out = append(out, PendingInstance{Account: rec.Account, ID: id})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
