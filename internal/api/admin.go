package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/digkill/screencopy/internal/service"
)

const adminReconcileLimit = 500

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.deps.Plans.List(r.Context(), false)
	if err != nil {
		s.internalError(w, err, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, plans)
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var input service.CreatePlanInput
	if err := decodeJSON(r, &input); err != nil {
		s.badRequest(w, err)
		return
	}
	plan, err := s.deps.Plans.Create(r.Context(), input)
	if err != nil {
		s.serviceError(w, err, "internal error")
		return
	}
	s.writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	var input service.UpdatePlanInput
	if err := decodeJSON(r, &input); err != nil {
		s.badRequest(w, err)
		return
	}
	plan, err := s.deps.Plans.Update(r.Context(), id, input)
	if err != nil {
		s.serviceError(w, err, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	if err := s.deps.Plans.Delete(r.Context(), id); err != nil {
		s.serviceError(w, err, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantRequest struct {
	Amount int    `json:"amount"`
	Reason string `json:"reason"`
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	if req.Amount <= 0 {
		s.writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Manual adjustment"
	}
	userID := chi.URLParam(r, "id")
	if err := s.deps.Ledger.Grant(r.Context(), userID, req.Amount, reason); err != nil {
		s.serviceError(w, err, "internal error")
		return
	}
	s.log.Info("credits granted", "user_id", userID, "amount", req.Amount)
	s.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "granted": req.Amount})
}

func (s *Server) handleReconcileBalance(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Ledger.ReconcileBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.serviceError(w, err, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReconcileRefunds(w http.ResponseWriter, r *http.Request) {
	applied, err := s.deps.Ledger.ReconcileRefunds(r.Context(), adminReconcileLimit)
	if err != nil {
		s.internalError(w, err, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"applied": applied})
}
