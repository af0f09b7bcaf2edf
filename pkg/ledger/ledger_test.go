package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newBoltDB(t *testing.T) *bolt.DB {
	db, err := bolt.Open(filepath.Join(t.TempDir(), "ledger.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func implementations(t *testing.T) map[string]Ledger {
	b, err := NewBolt(newBoltDB(t), "basket")
	require.NoError(t, err)
	return map[string]Ledger{
		"memory": NewMemory(),
		"bolt":   b,
	}
}

func balance(t *testing.T, l Ledger, account, asset string) models.Amount {
	var out models.Amount
	require.NoError(t, l.View(context.Background(), func(tx Tx) error {
		var err error
		out, err = tx.Balance(account, asset)
		return err
	}))
	return out
}

func TestLedger(t *testing.T) {
	ctx := context.Background()

	for name, l := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("deposit and withdraw", func(t *testing.T) {
				require.NoError(t, l.Update(ctx, func(tx Tx) error {
					if err := tx.Deposit("alice", "usdc", models.NewAmount(100)); err != nil {
						return err
					}
					return tx.Withdraw("alice", "usdc", models.NewAmount(40))
				}))
				require.Equal(t, "60", balance(t, l, "alice", "usdc").String())
				require.True(t, balance(t, l, "bob", "usdc").IsZero())
			})

			t.Run("insufficient balance", func(t *testing.T) {
				err := l.Update(ctx, func(tx Tx) error {
					return tx.Withdraw("alice", "usdc", models.NewAmount(61))
				})
				require.ErrorIs(t, err, ErrInsufficientBalance)
				require.Equal(t, "60", balance(t, l, "alice", "usdc").String())
			})

			t.Run("failed update rolls back", func(t *testing.T) {
				boom := errors.New("boom")
				err := l.Update(ctx, func(tx Tx) error {
					if err := tx.Deposit("alice", "usdc", models.NewAmount(1000)); err != nil {
						return err
					}
					if err := tx.Deposit("alice", "weth", models.NewAmount(5)); err != nil {
						return err
					}
					return boom
				})
				require.ErrorIs(t, err, boom)
				require.Equal(t, "60", balance(t, l, "alice", "usdc").String())
				require.True(t, balance(t, l, "alice", "weth").IsZero())
			})

			t.Run("reads see own writes", func(t *testing.T) {
				require.NoError(t, l.Update(ctx, func(tx Tx) error {
					require.NoError(t, tx.Deposit("carol", "weth", models.NewAmount(7)))
					got, err := tx.Balance("carol", "weth")
					require.NoError(t, err)
					require.Equal(t, "7", got.String())

					all, err := tx.Balances("carol")
					require.NoError(t, err)
					require.Len(t, all, 1)
					return nil
				}))
			})

			t.Run("view is read-only", func(t *testing.T) {
				err := l.View(ctx, func(tx Tx) error {
					return tx.Deposit("alice", "usdc", models.NewAmount(1))
				})
				require.ErrorIs(t, err, ErrReadOnly)
			})

			t.Run("empty key", func(t *testing.T) {
				err := l.Update(ctx, func(tx Tx) error {
					return tx.Deposit("", "usdc", models.NewAmount(1))
				})
				require.ErrorIs(t, err, ErrEmptyKey)
			})

			t.Run("drop", func(t *testing.T) {
				require.NoError(t, l.Drop(ctx))
				require.True(t, balance(t, l, "alice", "usdc").IsZero())
				require.NoError(t, l.Drop(ctx))
			})
		})
	}
}

func TestBoltNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	first, err := NewBolt(db, "first")
	require.NoError(t, err)
	second, err := NewBolt(db, "second")
	require.NoError(t, err)

	require.NoError(t, first.Update(ctx, func(tx Tx) error {
		return tx.Deposit("alice", "usdc", models.NewAmount(10))
	}))
	require.True(t, balance(t, second, "alice", "usdc").IsZero())

	require.NoError(t, second.Drop(ctx))
	require.Equal(t, "10", balance(t, first, "alice", "usdc").String())
}

func TestState(t *testing.T) {
	ctx := context.Background()

	for name, l := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, l.Update(ctx, func(tx Tx) error {
				if err := tx.SetState("account/bob", []byte("2")); err != nil {
					return err
				}
				if err := tx.SetState("account/alice", []byte("1")); err != nil {
					return err
				}
				return tx.SetState("config", []byte("{}"))
			}))

			var keys []string
			require.NoError(t, l.View(ctx, func(tx Tx) error {
				raw, err := tx.State("config")
				if err != nil {
					return err
				}
				require.Equal(t, "{}", string(raw))

				missing, err := tx.State("nothing")
				require.Nil(t, missing)
				if err != nil {
					return err
				}
				return tx.ScanState("account/", func(key string, value []byte) error {
					keys = append(keys, key+"="+string(value))
					return nil
				})
			}))
			require.Equal(t, []string{"account/alice=1", "account/bob=2"}, keys)

			err := l.Update(ctx, func(tx Tx) error {
				if err := tx.SetState("config", nil); err != nil {
					return err
				}
				return errors.New("abort")
			})
			require.Error(t, err)
			require.NoError(t, l.View(ctx, func(tx Tx) error {
				raw, err := tx.State("config")
				require.Equal(t, "{}", string(raw))
				return err
			}))

			require.ErrorIs(t, l.View(ctx, func(tx Tx) error {
				return tx.SetState("config", []byte("x"))
			}), ErrReadOnly)

			require.NoError(t, l.Update(ctx, func(tx Tx) error {
				return tx.SetState("account/bob", nil)
			}))
			keys = nil
			require.NoError(t, l.View(ctx, func(tx Tx) error {
				return tx.ScanState("account/", func(key string, _ []byte) error {
					keys = append(keys, key)
					return nil
				})
			}))
			require.Equal(t, []string{"account/alice"}, keys)

			require.NoError(t, l.Drop(ctx))
			require.NoError(t, l.View(ctx, func(tx Tx) error {
				raw, err := tx.State("account/alice")
				require.Nil(t, raw)
				return err
			}))
		})
	}
}

func TestCreateBoltRefusesExistingNamespace(t *testing.T) {
	ctx := context.Background()
	db := newBoltDB(t)

	first, err := CreateBolt(db, "index")
	require.NoError(t, err)
	require.NoError(t, first.Update(ctx, func(tx Tx) error {
		return tx.Deposit("alice", "btc", models.NewAmount(10))
	}))

	_, err = CreateBolt(db, "index")
	require.ErrorIs(t, err, ErrNamespaceExists)
	require.Equal(t, "10", balance(t, first, "alice", "btc").String())

	reopened, err := NewBolt(db, "index")
	require.NoError(t, err)
	require.Equal(t, "10", balance(t, reopened, "alice", "btc").String())

	_, err = NewBolt(db, "other")
	require.NoError(t, err)
	namespaces, err := Namespaces(db)
	require.NoError(t, err)
	require.Equal(t, []string{"index", "other"}, namespaces)
}
