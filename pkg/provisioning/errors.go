package provisioning

import "errors"

var (
	ErrAccountNotFound    = errors.New("provisioning: account not found")
	ErrInsufficientEscrow = errors.New("provisioning: insufficient available deposit")
	ErrInstanceExists     = errors.New("provisioning: instance already recorded")
	ErrInvalidPrefix      = errors.New("provisioning: invalid instance prefix")
	ErrInvalidAccount     = errors.New("provisioning: invalid account id")
	ErrAccountBusy        = errors.New("provisioning: account has pending instances")
	ErrInterrupted        = errors.New("provisioning: chain was interrupted before it settled")
)
