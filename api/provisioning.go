package api

import (
	"net/http"

	"github.com/gregtusar/tokenset/pkg/models"
)

func (s *Server) handleProvisioningDeposit(w http.ResponseWriter, r *http.Request) {
	var req models.AmountRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.saga.Ledger().Deposit(r.Context(), callerFrom(r.Context()), req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleProvisioningWithdraw(w http.ResponseWriter, r *http.Request) {
	var req models.AmountRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	account, err := s.saga.Ledger().Withdraw(r.Context(), callerFrom(r.Context()), req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleProvisioningClose(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r.Context())
	refund, err := s.saga.Ledger().Close(r.Context(), caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.RefundResponse{Account: caller, Refund: refund})
}

func (s *Server) handleProvisioningAccount(w http.ResponseWriter, r *http.Request) {
	account, err := s.saga.Ledger().Get(r.Context(), r.PathValue("account"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

// handleRequestProvisioning answers 202: the instance id is returned while
// its chain is still pending.
func (s *Server) handleRequestProvisioning(w http.ResponseWriter, r *http.Request) {
	var req models.ProvisioningRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.saga.RequestProvisioning(r.Context(), callerFrom(r.Context()), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, models.ProvisioningResponse{Instance: id})
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	ids, err := s.saga.ListProvisionedInstances(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, models.InstancesResponse{Instances: ids})
}
