package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subscription-payments/internal/domain"
	"subscription-payments/internal/domain/model"
)

var errMissingTx = errors.New("transaction_id is required")

type createOrderRequest struct {
	UserID   string            `json:"user_id"`
	Tier     string            `json:"tier"`
	Provider string            `json:"provider"`
	Region   string            `json:"region"`
	Metadata map[string]string `json:"metadata"`
}

type verifyOrderRequest struct {
	TransactionID string `json:"transaction_id"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", domain.ErrInvalidArgument))
		return
	}
	provider, err := model.ParseProvider(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.uc.CreatePaymentOrder(r.Context(), req.UserID, model.NormalizeTier(req.Tier), provider, req.Region, req.Metadata)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseOrderKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	o, err := s.uc.GetOrder(r.Context(), key)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) verifyOrder(w http.ResponseWriter, r *http.Request) {
	key, err := model.ParseOrderKey(chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req verifyOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %w", errMissingTx, domain.ErrInvalidArgument))
		return
	}
	res, err := s.uc.VerifyAndActivatePayment(r.Context(), key, req.TransactionID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) activateOrder(w http.ResponseWriter, r *http.Request) {
	res, err := s.uc.RetryActivation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) pendingOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.uc.PendingOrder(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}
