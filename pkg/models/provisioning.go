package models

import (
	"time"
)

type InstanceStatus string

const (
	InstanceStatusPending     InstanceStatus = "pending"
	InstanceStatusConfirmed   InstanceStatus = "confirmed"
	InstanceStatusCompensated InstanceStatus = "compensated"
)

type ProvisioningRequest struct {
	Prefix string       `json:"prefix"`
	Basket BasketConfig `json:"basket"`
}

type ProvisioningAccount struct {
	Account   string                    `json:"account"`
	Deposited Amount                    `json:"deposited"`
	Escrowed  Amount                    `json:"escrowed"`
	Available Amount                    `json:"available"`
	Instances []string                  `json:"instances"`
	Status    map[string]InstanceStatus `json:"status"`
}

// ProvisioningEvent is published whenever a provisioning request changes state.
type ProvisioningEvent struct {
	RequestID string         `json:"request_id"`
	Caller    string         `json:"caller"`
	Instance  string         `json:"instance"`
	Status    InstanceStatus `json:"status"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
