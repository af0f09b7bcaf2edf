package api

import (
	"context"
	"net/http"

	"github.com/gregtusar/tokenset/pkg/basket"
	"github.com/gregtusar/tokenset/pkg/models"
)

func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*basket.Engine, bool) {
	e, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return nil, false
	}
	return e, true
}

func (s *Server) handleListBaskets(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleBasketMetadata(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, e.Metadata())
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	balances, err := e.Balances(r.Context(), r.PathValue("account"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req models.RegisterRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller := callerFrom(r.Context())
	refund, err := e.Register(r.Context(), caller, req.Deposit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.RegisterResponse{Account: caller, Refund: refund})
}

func (s *Server) handleDepositComponent(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, "deposit", (*basket.Engine).DepositComponent)
}

func (s *Server) handleWithdrawComponent(w http.ResponseWriter, r *http.Request) {
	s.transfer(w, r, "withdraw", (*basket.Engine).WithdrawComponent)
}

type transferFunc func(e *basket.Engine, ctx context.Context, account, asset string, amount models.Amount) error

func (s *Server) transfer(w http.ResponseWriter, r *http.Request, op string, fn transferFunc) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req models.TransferRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller := callerFrom(r.Context())
	err := fn(e, r.Context(), caller, req.Asset, req.Amount)
	s.metrics.ObserveBasketOp(e.ID(), op, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	balances, err := e.Balances(r.Context(), caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleWrap(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req models.WrapRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	minted, err := e.Wrap(r.Context(), callerFrom(r.Context()), req.Amount)
	s.metrics.ObserveBasketOp(e.ID(), "wrap", err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.WrapResponse{Basket: e.ID(), Minted: minted})
}

func (s *Server) handleUnwrap(w http.ResponseWriter, r *http.Request) {
	var req models.UnwrapRequest
	s.unwind(w, r, "unwrap", &req, func(e *basket.Engine, caller string) error {
		return e.Unwrap(r.Context(), caller, req.Amount)
	})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req models.BurnRequest
	s.unwind(w, r, "burn", &req, func(e *basket.Engine, caller string) error {
		return e.Burn(r.Context(), caller, req.Amount)
	})
}

// unwind decodes req, runs op for the caller and replies with the caller's
// balances.
func (s *Server) unwind(w http.ResponseWriter, r *http.Request, op string, req interface{}, fn func(e *basket.Engine, caller string) error) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	if err := s.decode(r, req); err != nil {
		s.writeError(w, err)
		return
	}
	caller := callerFrom(r.Context())
	err := fn(e, caller)
	s.metrics.ObserveBasketOp(e.ID(), op, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	balances, err := e.Balances(r.Context(), caller)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balances)
}

func (s *Server) handleCloseAccount(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req models.CloseRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	caller := callerFrom(r.Context())
	refund, err := e.CloseAccount(r.Context(), caller, req.Force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.RefundResponse{Account: caller, Refund: refund})
}

func (s *Server) handleUpdateFee(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req models.FeeRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := e.UpdateOwnerFee(r.Context(), callerFrom(r.Context()), req.OwnerFee); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.Metadata())
}

// handleUpdateMetadata clears the reference when the body is JSON null.
func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var ref *models.MetadataReference
	if err := s.decode(r, &ref); err != nil {
		s.writeError(w, err)
		return
	}
	if err := e.UpdateMetadataReference(r.Context(), callerFrom(r.Context()), ref); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, e.Metadata())
}
