package provisioning

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/tokenset/pkg/executor"
	"github.com/gregtusar/tokenset/pkg/metrics"
	"github.com/gregtusar/tokenset/pkg/models"
	"github.com/sirupsen/logrus"
)

var prefixPattern = regexp.MustCompile(`^[a-z0-9]+([-_][a-z0-9]+)*$`)

const maxPrefixLen = 32

// ChainBuilder composes the action chain that brings instance id to life
// with cfg, funded with deposit.
type ChainBuilder interface {
	Chain(id string, cfg models.BasketConfig, deposit models.Amount) executor.Chain
}

type Publisher interface {
	Publish(event models.ProvisioningEvent)
}

// Saga provisions basket instances in two phases: RequestProvisioning
// escrows the deposit and submits the chain, ResolveProvisioning confirms or
// compensates once the chain has settled.
type Saga struct {
	ledger         *Ledger
	executor       executor.Executor
	chains         ChainBuilder
	publisher      Publisher
	metrics        *metrics.Metrics
	factoryAccount string
	logger         *logrus.Logger
}

type SagaParams struct {
	Ledger         *Ledger
	Executor       executor.Executor
	Chains         ChainBuilder
	Publisher      Publisher
	Metrics        *metrics.Metrics
	FactoryAccount string
	Logger         *logrus.Logger
}

func NewSaga(p SagaParams) *Saga {
	return &Saga{
		ledger:         p.Ledger,
		executor:       p.Executor,
		chains:         p.Chains,
		publisher:      p.Publisher,
		metrics:        p.Metrics,
		factoryAccount: p.FactoryAccount,
		logger:         p.Logger,
	}
}

func (s *Saga) Ledger() *Ledger {
	return s.ledger
}

// InstanceID derives the id of an instance requested by caller under prefix.
func InstanceID(prefix, caller, factoryAccount string) (string, error) {
	if len(prefix) > maxPrefixLen || !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	if err := validAccount(caller); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s.%s", prefix, caller, factoryAccount), nil
}

// RequestProvisioning escrows one instance deposit of caller, records the
// instance as pending and submits its action chain. It returns as soon as
// the chain is queued; the id stays pending until ResolveProvisioning runs.
func (s *Saga) RequestProvisioning(ctx context.Context, caller string, req models.ProvisioningRequest) (string, error) {
	id, err := InstanceID(req.Prefix, caller, s.factoryAccount)
	if err != nil {
		return "", err
	}
	if err := s.ledger.reserve(ctx, caller, id); err != nil {
		return "", err
	}

	requestID := uuid.NewString()
	log := s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"caller":     caller,
		"instance":   id,
	})

	// published before submission so that it always precedes the resolution
	s.notify(requestID, caller, id, models.InstanceStatusPending, "")

	chain := s.chains.Chain(id, req.Basket, s.ledger.DepositPerInstance())
	handle, err := s.executor.Submit(ctx, chain, func(ctx context.Context, outcome executor.Outcome) {
		s.ResolveProvisioning(ctx, requestID, caller, id, outcome)
	})
	if err != nil {
		// the chain never ran, so the reservation is released right away
		if _, cerr := s.ledger.compensate(context.WithoutCancel(ctx), caller, id); cerr != nil {
			log.WithError(cerr).Error("Failed to release reservation of unsubmitted chain")
		}
		s.notify(requestID, caller, id, models.InstanceStatusCompensated, err.Error())
		return "", fmt.Errorf("submit action chain: %w", err)
	}

	log.WithField("chain", handle.ID).Info("Provisioning requested")
	return id, nil
}

// ResolveProvisioning is the continuation of a provisioning chain. Success
// confirms the instance; failure refunds the escrow and removes the
// instance. A pending outcome cannot be delivered by the executor and
// panics.
func (s *Saga) ResolveProvisioning(ctx context.Context, requestID, caller, id string, outcome executor.Outcome) {
	log := s.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"caller":     caller,
		"instance":   id,
	})

	switch outcome.Status {
	case executor.StatusSuccess:
		changed, err := s.ledger.confirm(ctx, caller, id)
		if err != nil {
			log.WithError(err).Error("Failed to confirm instance")
			return
		}
		if !changed {
			log.Debug("Instance already confirmed")
			return
		}
		log.Info("Instance provisioned")
		s.notify(requestID, caller, id, models.InstanceStatusConfirmed, "")

	case executor.StatusFailure:
		log.WithError(outcome.Err).WithField("step", outcome.FailedStep).
			Warnf("Registering instance %s for caller %s failed", id, caller)
		refunded, err := s.ledger.compensate(ctx, caller, id)
		if err != nil {
			log.WithError(err).Error("Failed to compensate instance")
			return
		}
		if refunded {
			log.WithField("refund", s.ledger.DepositPerInstance().String()).Info("Escrow refunded")
		}
		reason := outcome.FailedStep
		if outcome.Err != nil {
			reason = fmt.Sprintf("%s: %v", outcome.FailedStep, outcome.Err)
		}
		s.notify(requestID, caller, id, models.InstanceStatusCompensated, reason)

	default:
		panic(fmt.Sprintf("provisioning: unresolved chain outcome %s for instance %s", outcome.Status, id))
	}
}

// Recover resolves the instances an earlier run left pending: their chains
// were queued in memory and are gone. An instance that exists reports true
// and is confirmed; every other one is compensated. It runs before the
// executor accepts new chains and returns the number of resolved instances.
func (s *Saga) Recover(ctx context.Context, exists func(id string) bool) (int, error) {
	pending, err := s.ledger.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending instances: %w", err)
	}
	s.metrics.TrackPending(len(pending))
	for _, p := range pending {
		outcome := executor.Failure("recover", ErrInterrupted)
		if exists(p.ID) {
			outcome = executor.Success()
		}
		s.logger.WithFields(logrus.Fields{
			"caller":   p.Account,
			"instance": p.ID,
			"status":   outcome.Status.String(),
		}).Warn("Resolving instance left pending by an earlier run")
		s.ResolveProvisioning(ctx, uuid.NewString(), p.Account, p.ID, outcome)
	}
	return len(pending), nil
}

func (s *Saga) notify(requestID, caller, id string, status models.InstanceStatus, reason string) {
	s.metrics.ObserveProvisioning(status)
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(models.ProvisioningEvent{
		RequestID: requestID,
		Caller:    caller,
		Instance:  id,
		Status:    status,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	})
}

// ListProvisionedInstances returns every recorded instance id, pending or
// confirmed.
func (s *Saga) ListProvisionedInstances(ctx context.Context) ([]string, error) {
	return s.ledger.Instances(ctx)
}
