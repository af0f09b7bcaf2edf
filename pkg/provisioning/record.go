package provisioning

import (
	"github.com/gregtusar/tokenset/pkg/models"
)

// Record is the provisioning state of one account. Escrowed is the part of
// Deposited that funds instances, pending or confirmed.
type Record struct {
	Account   string                           `json:"account"`
	Deposited models.Amount                    `json:"deposited"`
	Escrowed  models.Amount                    `json:"escrowed"`
	Instances []string                         `json:"instances"`
	Status    map[string]models.InstanceStatus `json:"status"`
}

func newRecord(account string) *Record {
	return &Record{
		Account: account,
		Status:  make(map[string]models.InstanceStatus),
	}
}

// Available is the deposit not held in escrow.
func (r *Record) Available() models.Amount {
	available, err := r.Deposited.Sub(r.Escrowed)
	if err != nil {
		return models.Amount{}
	}
	return available
}

func (r *Record) indexOf(id string) int {
	for i, instance := range r.Instances {
		if instance == id {
			return i
		}
	}
	return -1
}

func (r *Record) hasPending() bool {
	for _, id := range r.Instances {
		if r.Status[id] == models.InstanceStatusPending {
			return true
		}
	}
	return false
}

// swapRemove deletes id by moving the last instance into its slot. Order of
// the remaining instances is not kept.
func (r *Record) swapRemove(id string) bool {
	i := r.indexOf(id)
	if i < 0 {
		return false
	}
	last := len(r.Instances) - 1
	r.Instances[i] = r.Instances[last]
	r.Instances = r.Instances[:last]
	delete(r.Status, id)
	return true
}

func (r *Record) clone() *Record {
	out := &Record{
		Account:   r.Account,
		Deposited: r.Deposited,
		Escrowed:  r.Escrowed,
		Instances: append([]string(nil), r.Instances...),
		Status:    make(map[string]models.InstanceStatus, len(r.Status)),
	}
	for k, v := range r.Status {
		out.Status[k] = v
	}
	return out
}

func (r *Record) snapshot() models.ProvisioningAccount {
	c := r.clone()
	return models.ProvisioningAccount{
		Account:   c.Account,
		Deposited: c.Deposited,
		Escrowed:  c.Escrowed,
		Available: c.Available(),
		Instances: c.Instances,
		Status:    c.Status,
	}
}
