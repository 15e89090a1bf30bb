package server

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"claimdrop/internal/claimerr"
	"claimdrop/internal/lifecycle"
	"claimdrop/internal/sponsor"
	"claimdrop/internal/txbuilder"
	"claimdrop/internal/validate"
)

type transactionBody struct {
	TxID  string `json:"txId"`
	Bytes string `json:"transaction"`
}

func unsignedBody(u txbuilder.Unsigned) transactionBody {
	return transactionBody{TxID: u.TxID, Bytes: u.Base64()}
}

// refBody names a claim by code or by escrow id.
type refBody struct {
	Code     string `json:"code,omitempty"`
	EscrowID uint64 `json:"escrowId,omitempty"`
	Network  string `json:"network,omitempty"`
}

func (b refBody) ref() lifecycle.Ref {
	return lifecycle.Ref{Code: b.Code, EscrowID: b.EscrowID, Network: b.Network}
}

type signedBody struct {
	refBody
	SignedTransaction string `json:"signedTransaction"`
}

func (b signedBody) request() (lifecycle.SubmitRequest, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b.SignedTransaction))
	if err != nil || len(raw) == 0 {
		return lifecycle.SubmitRequest{}, claimerr.New(claimerr.KindBuild, "signedTransaction must be base64 encoded signed transaction bytes")
	}
	return lifecycle.SubmitRequest{Signed: raw, Network: b.Network, Ref: b.ref()}, nil
}

type submitResponse struct {
	TxID           string `json:"txId"`
	ConfirmedRound uint64 `json:"confirmedRound"`
	EscrowID       uint64 `json:"escrowId,omitempty"`
	EscrowAddress  string `json:"escrowAddress,omitempty"`
	Stage          string `json:"stage,omitempty"`
}

func submitBody(res lifecycle.SubmitResult) submitResponse {
	return submitResponse{
		TxID:           res.TxID,
		ConfirmedRound: res.ConfirmedRound,
		EscrowID:       res.EscrowID,
		EscrowAddress:  res.EscrowAddress,
		Stage:          string(res.Stage),
	}
}

type createClaimRequest struct {
	Amount    float64 `json:"amount"`
	Recipient string  `json:"recipient"`
	Sender    string  `json:"sender"`
	Network   string  `json:"network"`
}

type createClaimResponse struct {
	Code        string          `json:"code"`
	Commitment  string          `json:"commitment"`
	Amount      float64         `json:"amount"`
	Network     string          `json:"network"`
	Transaction transactionBody `json:"deployment"`
}

func (s *Server) handleCreateClaim(w http.ResponseWriter, r *http.Request) {
	var payload createClaimRequest
	if !decode(w, r, &payload) {
		return
	}
	res, err := s.orch.CreateClaim(r.Context(), lifecycle.CreateClaimRequest{
		Amount:    payload.Amount,
		Recipient: payload.Recipient,
		Sender:    payload.Sender,
		Network:   payload.Network,
	})
	if err != nil {
		s.metrics.incClaim("failed")
		writeError(w, r, err)
		return
	}
	s.metrics.incClaim("created")
	writeJSON(w, http.StatusCreated, createClaimResponse{
		Code:        res.Code,
		Commitment:  res.Commitment.Hex(),
		Amount:      validate.DisplayAmount(res.Amount),
		Network:     string(res.Network),
		Transaction: unsignedBody(res.Transaction),
	})
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.orch.SubmitTransaction)
}

type fundRequest struct {
	refBody
	Sender string `json:"sender"`
}

func (s *Server) handleFundContract(w http.ResponseWriter, r *http.Request) {
	var payload fundRequest
	if !decode(w, r, &payload) {
		return
	}
	u, err := s.orch.FundContract(r.Context(), lifecycle.FundRequest{Ref: payload.ref(), Sender: payload.Sender})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unsignedBody(u))
}

func (s *Server) handleSubmitFunding(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.orch.SubmitFunding)
}

type claimFundsRequest struct {
	Code    string `json:"code"`
	Claimer string `json:"claimer"`
	Network string `json:"network,omitempty"`
}

type sponsorshipBody struct {
	Outcome string  `json:"outcome"`
	Amount  float64 `json:"amount,omitempty"`
	TxID    string  `json:"txId,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

type claimFundsResponse struct {
	Transaction transactionBody  `json:"redemption"`
	EscrowID    uint64           `json:"escrowId"`
	Amount      float64          `json:"amount"`
	Sponsorship *sponsorshipBody `json:"sponsorship,omitempty"`
}

func sponsorshipOf(res *sponsor.Result) *sponsorshipBody {
	if res == nil {
		return nil
	}
	return &sponsorshipBody{
		Outcome: string(res.Outcome),
		Amount:  validate.DisplayAmount(res.Amount),
		TxID:    res.TxID,
		Reason:  res.Reason,
	}
}

func (s *Server) handleClaimFunds(w http.ResponseWriter, r *http.Request) {
	var payload claimFundsRequest
	if !decode(w, r, &payload) {
		return
	}
	res, err := s.orch.ClaimFunds(r.Context(), lifecycle.ClaimRequest{
		Code:    strings.TrimSpace(payload.Code),
		Claimer: payload.Claimer,
		Network: payload.Network,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, claimFundsResponse{
		Transaction: unsignedBody(res.Transaction),
		EscrowID:    res.EscrowID,
		Amount:      validate.DisplayAmount(res.Amount),
		Sponsorship: sponsorshipOf(res.Sponsorship),
	})
}

func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	var payload signedBody
	if !decode(w, r, &payload) {
		return
	}
	req, err := payload.request()
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.orch.SubmitClaim(r.Context(), lifecycle.SubmitClaimRequest{
		Signed:  req.Signed,
		Code:    strings.TrimSpace(payload.Code),
		Network: payload.Network,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitBody(res))
}

type ownerRequest struct {
	refBody
	Owner string `json:"owner"`
}

func (s *Server) handleRefundFunds(w http.ResponseWriter, r *http.Request) {
	s.owner(w, r, s.orch.RefundFunds)
}

func (s *Server) handleSubmitRefund(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.orch.SubmitRefund)
}

func (s *Server) handleDeleteContract(w http.ResponseWriter, r *http.Request) {
	s.owner(w, r, s.orch.DeleteContract)
}

func (s *Server) handleSubmitDelete(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, s.orch.SubmitDelete)
}

type ownerOp func(ctx context.Context, req lifecycle.OwnerRequest) (txbuilder.Unsigned, error)

func (s *Server) owner(w http.ResponseWriter, r *http.Request, op ownerOp) {
	var payload ownerRequest
	if !decode(w, r, &payload) {
		return
	}
	u, err := op(r.Context(), lifecycle.OwnerRequest{Ref: payload.ref(), Owner: payload.Owner})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unsignedBody(u))
}

type submitOp func(ctx context.Context, req lifecycle.SubmitRequest) (lifecycle.SubmitResult, error)

func (s *Server) submit(w http.ResponseWriter, r *http.Request, op submitOp) {
	var payload signedBody
	if !decode(w, r, &payload) {
		return
	}
	req, err := payload.request()
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := op(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submitBody(res))
}

type claimStatusResponse struct {
	Stage         string  `json:"stage"`
	Consumed      bool    `json:"consumed"`
	Amount        float64 `json:"amount"`
	Network       string  `json:"network"`
	Commitment    string  `json:"commitment"`
	EscrowID      uint64  `json:"escrowId,omitempty"`
	EscrowAddress string  `json:"escrowAddress,omitempty"`
	Status        string  `json:"status,omitempty"`
	Balance       float64 `json:"balance"`
	Claimed       bool    `json:"claimed"`
}

func (s *Server) handleClaimStatus(w http.ResponseWriter, r *http.Request) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		writeError(w, r, claimerr.New(claimerr.KindClaimNotFound, "code query parameter is required"))
		return
	}
	st, err := s.orch.Reconcile(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := claimStatusResponse{
		Stage:         string(st.Record.Stage),
		Consumed:      st.Record.Consumed,
		Amount:        validate.DisplayAmount(st.Record.Amount),
		Network:       string(st.Record.Network),
		Commitment:    st.Record.Commitment.Hex(),
		EscrowID:      st.Record.EscrowID,
		EscrowAddress: st.Record.EscrowAddress,
		Status:        string(st.Status),
		Balance:       validate.DisplayAmount(st.Balance),
	}
	if st.Escrow != nil {
		resp.Claimed = st.Escrow.Claimed
	}
	writeJSON(w, http.StatusOK, resp)
}

type contractBody struct {
	EscrowID     uint64    `json:"escrowId"`
	Address      string    `json:"address"`
	Amount       float64   `json:"amount"`
	Balance      float64   `json:"balance"`
	Claimed      bool      `json:"claimed"`
	CreatedAt    time.Time `json:"createdAt"`
	RefundableAt time.Time `json:"refundableAt"`
	Status       string    `json:"status"`
}

func (s *Server) handleWalletContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contracts, err := s.orch.WalletContracts(r.Context(), q.Get("address"), q.Get("network"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]contractBody, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, contractBody{
			EscrowID:     c.EscrowID,
			Address:      c.Address,
			Amount:       validate.DisplayAmount(c.Amount),
			Balance:      validate.DisplayAmount(c.Balance),
			Claimed:      c.Claimed,
			CreatedAt:    c.CreatedAt.UTC(),
			RefundableAt: c.RefundableAt.UTC(),
			Status:       string(c.Status),
		})
	}
	writeJSON(w, http.StatusOK, struct {
		Contracts []contractBody `json:"contracts"`
	}{Contracts: out})
}
