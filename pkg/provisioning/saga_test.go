package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/tokenset/pkg/executor"
	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// capturingExecutor records submissions and lets the test decide when and
// how each chain settles.
type capturingExecutor struct {
	err    error
	chains []executor.Chain
	conts  []executor.Continuation
}

func (e *capturingExecutor) Submit(_ context.Context, chain executor.Chain, cont executor.Continuation) (executor.Handle, error) {
	if e.err != nil {
		return executor.Handle{}, e.err
	}
	e.chains = append(e.chains, chain)
	e.conts = append(e.conts, cont)
	return executor.Handle{ID: uuid.NewString(), SubmittedAt: time.Now()}, nil
}

func (e *capturingExecutor) resolve(i int, outcome executor.Outcome) {
	e.conts[i](context.Background(), outcome)
}

type stubChains struct{}

func (stubChains) Chain(string, models.BasketConfig, models.Amount) executor.Chain {
	return executor.Chain{{Name: "deploy", Do: func(context.Context) error { return nil }}}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProvisioningEvent
}

func (p *recordingPublisher) Publish(event models.ProvisioningEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) statuses() []models.InstanceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.InstanceStatus, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

type sagaFixture struct {
	saga      *Saga
	ledger    *Ledger
	exec      *capturingExecutor
	publisher *recordingPublisher
	hook      *test.Hook
}

func newSagaFixture(t *testing.T, deposit uint64) *sagaFixture {
	t.Helper()
	logger, hook := testLogger()
	logger.SetLevel(logrus.DebugLevel)
	f := &sagaFixture{
		ledger:    NewLedger(NewMemoryStore(), instanceDeposit, logger),
		exec:      &capturingExecutor{},
		publisher: &recordingPublisher{},
		hook:      hook,
	}
	f.saga = NewSaga(SagaParams{
		Ledger:         f.ledger,
		Executor:       f.exec,
		Chains:         stubChains{},
		Publisher:      f.publisher,
		FactoryAccount: factory,
		Logger:         logger,
	})
	if deposit > 0 {
		_, err := f.ledger.Deposit(context.Background(), caller, models.NewAmount(deposit))
		require.NoError(t, err)
	}
	return f
}

func (f *sagaFixture) account(t *testing.T) models.ProvisioningAccount {
	t.Helper()
	acc, err := f.ledger.Get(context.Background(), caller)
	require.NoError(t, err)
	return acc
}

func request(prefix string) models.ProvisioningRequest {
	return models.ProvisioningRequest{Prefix: prefix}
}

func TestInstanceID(t *testing.T) {
	id, err := InstanceID("my-set_2", caller, factory)
	require.NoError(t, err)
	require.Equal(t, "my-set_2.alice.factory", id)

	for _, prefix := range []string{"", "Upper", "a--b", "-a", "a-", "a.b", "abcdefghijklmnopqrstuvwxyz0123456"} {
		_, err := InstanceID(prefix, caller, factory)
		require.ErrorIs(t, err, ErrInvalidPrefix, prefix)
	}
	_, err = InstanceID("abcdefghijklmnopqrstuvwxyz012345", caller, factory)
	require.NoError(t, err)
}

func TestRequestProvisioningSuccess(t *testing.T) {
	f := newSagaFixture(t, 150)
	ctx := context.Background()

	id, err := f.saga.RequestProvisioning(ctx, caller, request("index"))
	require.NoError(t, err)
	require.Equal(t, "index.alice.factory", id)
	require.Len(t, f.exec.chains, 1)

	acc := f.account(t)
	require.Equal(t, models.InstanceStatusPending, acc.Status[id])
	require.Equal(t, "50", acc.Available.String())

	f.exec.resolve(0, executor.Success())
	f.exec.resolve(0, executor.Success())

	acc = f.account(t)
	require.Equal(t, models.InstanceStatusConfirmed, acc.Status[id])
	require.Equal(t, []string{id}, acc.Instances)
	require.Equal(t, "100", acc.Escrowed.String())

	ids, err := f.saga.ListProvisionedInstances(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{id}, ids)
	require.Equal(t, []models.InstanceStatus{
		models.InstanceStatusPending,
		models.InstanceStatusConfirmed,
	}, f.publisher.statuses())
}

func TestRequestProvisioningFailureRefunds(t *testing.T) {
	f := newSagaFixture(t, 100)
	ctx := context.Background()
	before := f.account(t)

	id, err := f.saga.RequestProvisioning(ctx, caller, request("index"))
	require.NoError(t, err)
	require.True(t, f.account(t).Available.IsZero())

	f.exec.resolve(0, executor.Failure("deploy", errors.New("out of gas")))

	after := f.account(t)
	require.Equal(t, before.Available, after.Available)
	require.True(t, after.Escrowed.IsZero())
	require.Empty(t, after.Instances)
	require.NotContains(t, after.Status, id)

	// a repeated failure finds nothing to refund
	f.exec.resolve(0, executor.Failure("deploy", errors.New("out of gas")))
	require.Equal(t, before.Available, f.account(t).Available)

	events := f.publisher.events
	require.Equal(t, models.InstanceStatusCompensated, events[1].Status)
	require.Equal(t, "deploy: out of gas", events[1].Reason)
	require.Equal(t, events[0].RequestID, events[1].RequestID)
}

func TestRequestProvisioningRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("no account", func(t *testing.T) {
		f := newSagaFixture(t, 0)
		_, err := f.saga.RequestProvisioning(ctx, caller, request("index"))
		require.ErrorIs(t, err, ErrAccountNotFound)
		require.Empty(t, f.exec.chains)
	})

	t.Run("insufficient deposit", func(t *testing.T) {
		f := newSagaFixture(t, 99)
		_, err := f.saga.RequestProvisioning(ctx, caller, request("index"))
		require.ErrorIs(t, err, ErrInsufficientEscrow)
		require.Empty(t, f.exec.chains)
	})

	t.Run("duplicate instance", func(t *testing.T) {
		f := newSagaFixture(t, 500)
		_, err := f.saga.RequestProvisioning(ctx, caller, request("index"))
		require.NoError(t, err)
		_, err = f.saga.RequestProvisioning(ctx, caller, request("index"))
		require.ErrorIs(t, err, ErrInstanceExists)
		require.Len(t, f.exec.chains, 1)
		require.Equal(t, "400", f.account(t).Available.String())
	})

	t.Run("invalid prefix", func(t *testing.T) {
		f := newSagaFixture(t, 500)
		_, err := f.saga.RequestProvisioning(ctx, caller, request("Bad.Prefix"))
		require.ErrorIs(t, err, ErrInvalidPrefix)
		require.Empty(t, f.account(t).Instances)
	})
}

func TestRequestProvisioningSubmitFailure(t *testing.T) {
	f := newSagaFixture(t, 100)
	f.exec.err = executor.ErrQueueFull

	_, err := f.saga.RequestProvisioning(context.Background(), caller, request("index"))
	require.ErrorIs(t, err, executor.ErrQueueFull)

	acc := f.account(t)
	require.Equal(t, "100", acc.Available.String())
	require.Empty(t, acc.Instances)
	require.Equal(t, []models.InstanceStatus{
		models.InstanceStatusPending,
		models.InstanceStatusCompensated,
	}, f.publisher.statuses())
}

func TestResolveAfterAccountDeleted(t *testing.T) {
	f := newSagaFixture(t, 100)
	ctx := context.Background()

	_, err := f.saga.RequestProvisioning(ctx, caller, request("index"))
	require.NoError(t, err)
	_, err = f.ledger.ForceClose(ctx, caller)
	require.NoError(t, err)

	f.hook.Reset()
	f.exec.resolve(0, executor.Failure("deploy", errors.New("boom")))

	_, err = f.ledger.Get(ctx, caller)
	require.ErrorIs(t, err, ErrAccountNotFound)

	var warned bool
	for _, entry := range f.hook.AllEntries() {
		if entry.Level == logrus.WarnLevel && entry.Message == "The account was deleted, escrow is not refunded" {
			warned = true
		}
	}
	require.True(t, warned)
}

func TestResolvePendingPanics(t *testing.T) {
	f := newSagaFixture(t, 100)
	_, err := f.saga.RequestProvisioning(context.Background(), caller, request("index"))
	require.NoError(t, err)

	require.Panics(t, func() {
		f.exec.resolve(0, executor.Outcome{Status: executor.StatusPending})
	})
}

func TestSagaWithLocalExecutor(t *testing.T) {
	logger, _ := testLogger()
	exec := executor.NewLocal(executor.Config{Workers: 1, QueueSize: 4}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Start(ctx)

	l := NewLedger(NewMemoryStore(), instanceDeposit, logger)
	_, err := l.Deposit(ctx, caller, models.NewAmount(200))
	require.NoError(t, err)

	publisher := &recordingPublisher{}
	saga := NewSaga(SagaParams{
		Ledger:         l,
		Executor:       exec,
		Chains:         stubChains{},
		Publisher:      publisher,
		FactoryAccount: factory,
		Logger:         logger,
	})

	id, err := saga.RequestProvisioning(ctx, caller, request("index"))
	require.NoError(t, err)
	exec.Stop()

	acc, err := l.Get(ctx, caller)
	require.NoError(t, err)
	require.Equal(t, models.InstanceStatusConfirmed, acc.Status[id])
	require.Equal(t, []models.InstanceStatus{
		models.InstanceStatusPending,
		models.InstanceStatusConfirmed,
	}, publisher.statuses())
}

func TestRecoverResolvesInheritedPending(t *testing.T) {
	ctx := context.Background()

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			logger, _ := testLogger()
			before := NewSaga(SagaParams{
				Ledger:         NewLedger(store, instanceDeposit, logger),
				Executor:       &capturingExecutor{},
				Chains:         stubChains{},
				FactoryAccount: factory,
				Logger:         logger,
			})
			_, err := before.Ledger().Deposit(ctx, caller, models.NewAmount(250))
			require.NoError(t, err)
			built, err := before.RequestProvisioning(ctx, caller, request("built"))
			require.NoError(t, err)
			lost, err := before.RequestProvisioning(ctx, caller, request("lost"))
			require.NoError(t, err)

			_, err = before.Ledger().Close(ctx, caller)
			require.ErrorIs(t, err, ErrAccountBusy)

			// the queued chains are gone with the previous process
			publisher := &recordingPublisher{}
			after := NewSaga(SagaParams{
				Ledger:         NewLedger(store, instanceDeposit, logger),
				Executor:       &capturingExecutor{},
				Chains:         stubChains{},
				Publisher:      publisher,
				FactoryAccount: factory,
				Logger:         logger,
			})
			resolved, err := after.Recover(ctx, func(id string) bool { return id == built })
			require.NoError(t, err)
			require.Equal(t, 2, resolved)
			require.ElementsMatch(t,
				[]models.InstanceStatus{models.InstanceStatusConfirmed, models.InstanceStatusCompensated},
				publisher.statuses())

			acc, err := after.Ledger().Get(ctx, caller)
			require.NoError(t, err)
			require.Equal(t, models.InstanceStatusConfirmed, acc.Status[built])
			require.NotContains(t, acc.Instances, lost)
			require.Equal(t, "150", acc.Available.String())

			resolved, err = after.Recover(ctx, func(string) bool { return true })
			require.NoError(t, err)
			require.Zero(t, resolved)

			refund, err := after.Ledger().Close(ctx, caller)
			require.NoError(t, err)
			require.Equal(t, "150", refund.String())
		})
	}
}
