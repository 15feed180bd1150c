package api

import (
	"net/http"

	"github.com/lreardon/agent-repository/infrastructure/httputil"
	"github.com/lreardon/agent-repository/wallet"
)

type walletHandlers struct {
	deposits    *wallet.DepositService
	withdrawals *wallet.WithdrawalService
}

func (h *walletHandlers) depositAddress(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	address, err := h.deposits.AddressFor(r.Context(), caller)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

type notifyDepositRequest struct {
	TxHash string `json:"tx_hash"`
}

func (h *walletHandlers) notifyDeposit(w http.ResponseWriter, r *http.Request) {
	var req notifyDepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	deposit, err := h.deposits.NotifyDeposit(r.Context(), req.TxHash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, deposit)
}

type requestWithdrawalRequest struct {
	Amount             float64 `json:"amount"`
	DestinationAddress string  `json:"destination_address"`
}

func (h *walletHandlers) requestWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAgentID(r)
	if !ok {
		httputil.RequireUserID(w, r)
		return
	}
	var req requestWithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	withdrawal, err := h.withdrawals.Request(r.Context(), caller, req.Amount, req.DestinationAddress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, withdrawal)
}
