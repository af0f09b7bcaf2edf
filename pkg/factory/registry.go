// Package factory hosts basket instances and builds the action chain that
// brings a new instance to life.
package factory

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/tokenset/pkg/basket"
	"github.com/gregtusar/tokenset/pkg/executor"
	"github.com/gregtusar/tokenset/pkg/ledger"
	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/gregtusar/tokenset/pkg/rent"
	"github.com/mr-tron/base58"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var (
	ErrInstanceExists   = errors.New("factory: instance already exists")
	ErrInstanceNotFound = errors.New("factory: instance not found")
	ErrNotAllocated     = errors.New("factory: instance was not allocated")
)

// Storage holds the isolated ledgers of instances.
type Storage interface {
	// Create returns a new, empty ledger for id, or ledger.ErrNamespaceExists
	// when id already has one.
	Create(id string) (ledger.Ledger, error)
	// Open returns the existing ledger of id.
	Open(id string) (ledger.Ledger, error)
	// Stored lists the ids that have a ledger.
	Stored() ([]string, error)
}

type memoryStorage struct{}

// MemoryLedgers keeps every instance in process memory; nothing survives a
// restart.
func MemoryLedgers() Storage {
	return memoryStorage{}
}

func (memoryStorage) Create(string) (ledger.Ledger, error) {
	return ledger.NewMemory(), nil
}

func (memoryStorage) Open(id string) (ledger.Ledger, error) {
	return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}

func (memoryStorage) Stored() ([]string, error) {
	return nil, nil
}

type boltStorage struct {
	db *bolt.DB
}

// BoltLedgers keeps every instance in its own namespace of db.
func BoltLedgers(db *bolt.DB) Storage {
	return boltStorage{db: db}
}

func (s boltStorage) Create(id string) (ledger.Ledger, error) {
	return ledger.CreateBolt(s.db, id)
}

func (s boltStorage) Open(id string) (ledger.Ledger, error) {
	return ledger.NewBolt(s.db, id)
}

func (s boltStorage) Stored() ([]string, error) {
	return ledger.Namespaces(s.db)
}

// infoKey holds the instance Info in the instance ledger's state.
const infoKey = "factory/info"

type Info struct {
	ID        string        `json:"id"`
	CodeHash  string        `json:"code_hash"`
	Balance   models.Amount `json:"balance"`
	CreatedAt time.Time     `json:"created_at"`
}

type instance struct {
	info   Info
	ledger ledger.Ledger
	engine *basket.Engine
}

// Registry maps instance ids to their engines. An instance is visible to
// Get and List only after its initializer ran.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance
	storage   Storage
	schedule  rent.Schedule
	logger    *logrus.Logger
}

func NewRegistry(storage Storage, schedule rent.Schedule, logger *logrus.Logger) *Registry {
	return &Registry{
		instances: make(map[string]*instance),
		storage:   storage,
		schedule:  schedule,
		logger:    logger,
	}
}

func (r *Registry) Get(id string) (*basket.Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok || inst.engine == nil {
		return nil, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst.engine, nil
}

func (r *Registry) Info(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok || inst.engine == nil {
		return Info{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst.info, nil
}

func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.engine != nil {
			out = append(out, inst.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create runs the provisioning chain in the calling goroutine. It is used
// for baskets declared in configuration.
func (r *Registry) Create(ctx context.Context, id string, cfg models.BasketConfig) (*basket.Engine, error) {
	outcome := executor.Run(ctx, r.Chain(id, cfg, models.Amount{}), 0, r.logger.WithField("instance", id))
	if outcome.Status != executor.StatusSuccess {
		return nil, fmt.Errorf("create %s: step %s: %w", id, outcome.FailedStep, outcome.Err)
	}
	return r.Get(id)
}

// Restore loads the instances whose ledgers survived an earlier run. A
// ledger left behind by a chain that never finished is dropped. Restore
// runs before any chain is submitted.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	ids, err := r.storage.Stored()
	if err != nil {
		return 0, fmt.Errorf("list stored instances: %w", err)
	}
	restored := 0
	for _, id := range ids {
		r.mu.RLock()
		_, known := r.instances[id]
		r.mu.RUnlock()
		if known {
			continue
		}

		l, err := r.storage.Open(id)
		if err != nil {
			return restored, fmt.Errorf("open %s: %w", id, err)
		}
		info, err := loadInfo(ctx, l)
		var engine *basket.Engine
		if err == nil {
			engine, err = basket.OpenEngine(ctx, id, l, r.schedule, r.logger)
		}
		if errors.Is(err, ErrNotAllocated) || errors.Is(err, basket.ErrNotInitialized) {
			r.logger.WithField("instance", id).Warn("Dropping ledger of an unfinished instance")
			if err := l.Drop(ctx); err != nil {
				return restored, fmt.Errorf("drop %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return restored, fmt.Errorf("restore %s: %w", id, err)
		}

		r.mu.Lock()
		r.instances[id] = &instance{info: info, ledger: l, engine: engine}
		r.mu.Unlock()
		restored++
	}
	return restored, nil
}

func loadInfo(ctx context.Context, l ledger.Ledger) (Info, error) {
	var info Info
	err := l.View(ctx, func(tx ledger.Tx) error {
		raw, err := tx.State(infoKey)
		if err != nil {
			return err
		}
		if raw == nil {
			return ErrNotAllocated
		}
		return json.Unmarshal(raw, &info)
	})
	return info, err
}

func saveInfo(ctx context.Context, l ledger.Ledger, info Info) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return l.Update(ctx, func(tx ledger.Tx) error {
		return tx.SetState(infoKey, raw)
	})
}

func (r *Registry) slot(id string) (*instance, error) {
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAllocated, id)
	}
	return inst, nil
}

// Chain returns the four provisioning steps: allocate the instance, move the
// deposit to it, install its isolated ledger and run the basket initializer.
func (r *Registry) Chain(id string, cfg models.BasketConfig, deposit models.Amount) executor.Chain {
	return executor.Chain{
		{
			Name: "allocate",
			Do: func(context.Context) error {
				r.mu.Lock()
				defer r.mu.Unlock()
				if _, ok := r.instances[id]; ok {
					return fmt.Errorf("%w: %s", ErrInstanceExists, id)
				}
				r.instances[id] = &instance{info: Info{ID: id, CreatedAt: time.Now().UTC()}}
				return nil
			},
			Undo: func(context.Context) error {
				r.mu.Lock()
				defer r.mu.Unlock()
				delete(r.instances, id)
				return nil
			},
		},
		{
			Name: "fund",
			Do: func(context.Context) error {
				r.mu.Lock()
				defer r.mu.Unlock()
				inst, err := r.slot(id)
				if err != nil {
					return err
				}
				balance, err := inst.info.Balance.Add(deposit)
				if err != nil {
					return err
				}
				inst.info.Balance = balance
				return nil
			},
			Undo: func(context.Context) error {
				r.mu.Lock()
				defer r.mu.Unlock()
				inst, err := r.slot(id)
				if err != nil {
					return err
				}
				balance, err := inst.info.Balance.Sub(deposit)
				if err != nil {
					return err
				}
				inst.info.Balance = balance
				return nil
			},
		},
		{
			Name: "install",
			Do: func(ctx context.Context) error {
				hash, err := codeHash(cfg)
				if err != nil {
					return err
				}
				l, err := r.storage.Create(id)
				if errors.Is(err, ledger.ErrNamespaceExists) {
					return fmt.Errorf("%w: %s has a stored ledger", ErrInstanceExists, id)
				}
				if err != nil {
					return fmt.Errorf("open instance ledger: %w", err)
				}
				r.mu.Lock()
				defer r.mu.Unlock()
				inst, err := r.slot(id)
				if err != nil {
					_ = l.Drop(ctx)
					return err
				}
				inst.ledger = l
				inst.info.CodeHash = hash
				return nil
			},
			Undo: func(ctx context.Context) error {
				r.mu.Lock()
				inst, err := r.slot(id)
				if err != nil {
					r.mu.Unlock()
					return err
				}
				// inst.ledger was created by this chain; a stored one makes
				// Do fail before it is set.
				l := inst.ledger
				inst.ledger = nil
				inst.info.CodeHash = ""
				r.mu.Unlock()
				if l == nil {
					return nil
				}
				return l.Drop(ctx)
			},
		},
		{
			Name: "initialize",
			Do: func(ctx context.Context) error {
				r.mu.Lock()
				defer r.mu.Unlock()
				inst, err := r.slot(id)
				if err != nil {
					return err
				}
				if inst.ledger == nil {
					return fmt.Errorf("factory: %s has no ledger installed", id)
				}
				engine, err := basket.NewEngine(ctx, id, cfg, inst.ledger, r.schedule, r.logger)
				if err != nil {
					return err
				}
				if err := saveInfo(ctx, inst.ledger, inst.info); err != nil {
					return fmt.Errorf("store instance info: %w", err)
				}
				inst.engine = engine
				return nil
			},
		},
	}
}

// codeHash fingerprints the initialization config, base58 encoded.
func codeHash(cfg models.BasketConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return base58.Encode(sum[:]), nil
}
