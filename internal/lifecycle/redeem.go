package lifecycle

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
	"claimdrop/internal/log"
	"claimdrop/internal/notify"
	"claimdrop/internal/registry"
	"claimdrop/internal/sponsor"
	"claimdrop/internal/txbuilder"
	"claimdrop/internal/validate"
)

type ClaimRequest struct {
	Code    string
	Claimer string
	Network string
}

type ClaimResult struct {
	Transaction txbuilder.Unsigned
	EscrowID    uint64
	Amount      uint64
	// Sponsorship is nil when the claimer needed no top-up.
	Sponsorship *sponsor.Result
}

// ClaimFunds checks a claim against fresh registry and ledger state, tops up
// the claimer if needed and returns the unsigned redemption.
func (o *Orchestrator) ClaimFunds(ctx context.Context, req ClaimRequest) (ClaimResult, error) {
	claimer, err := validate.Address(req.Claimer)
	if err != nil {
		return ClaimResult{}, err
	}
	if req.Network != "" {
		if _, _, err := o.client(req.Network); err != nil {
			return ClaimResult{}, err
		}
	}
	rec, err := o.lookup(ctx, req.Code)
	if err != nil {
		return ClaimResult{}, err
	}
	c, err := o.clientFor(rec, req.Network)
	if err != nil {
		return ClaimResult{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", rec.Commitment.Hex())

	if rec.Consumed {
		return ClaimResult{}, claimerr.New(claimerr.KindAlreadyClaimed, "claim was already redeemed")
	}
	if !rec.Deployed() {
		return ClaimResult{}, claimerr.New(claimerr.KindNotDeployed, "escrow deployment has not confirmed")
	}

	st, err := o.escrowState(ctx, c, rec.EscrowID)
	if errors.Is(err, ledger.ErrNotFound) {
		return ClaimResult{}, claimerr.New(claimerr.KindAlreadyRefunded, "escrow %d has been deleted by its owner", rec.EscrowID)
	}
	if err != nil {
		return ClaimResult{}, err
	}
	if st.Claimed {
		return ClaimResult{}, o.claimedError(ctx, c, rec)
	}
	if !claimcode.Verify(rec.Code, st.Commitment) {
		return ClaimResult{}, claimerr.New(claimerr.KindRejected, "escrow %d does not hold this claim", rec.EscrowID)
	}

	sp, err := o.params(ctx, c)
	if err != nil {
		return ClaimResult{}, err
	}
	fee := txbuilder.Fee(sp)
	balance, err := o.balance(ctx, c, rec.EscrowAddress)
	if err != nil {
		return ClaimResult{}, err
	}
	if need := escrow.Redeemable(st.Amount, fee); balance < need {
		if rec.FundingTxID == "" {
			return ClaimResult{}, claimerr.New(claimerr.KindInsufficientEscrowBalance, "escrow %d was never funded", rec.EscrowID)
		}
		return ClaimResult{}, claimerr.New(claimerr.KindInsufficientEscrowBalance, "escrow %d is underfunded: holds %d, needs %d", rec.EscrowID, balance, need)
	}

	result := ClaimResult{EscrowID: rec.EscrowID, Amount: st.Amount}
	sponsorship, err := o.sponsor(ctx, claimer.String(), rec.Network, fee)
	if err != nil {
		return ClaimResult{}, err
	}
	result.Sponsorship = sponsorship

	u, err := txbuilder.Redeem(txbuilder.RedeemInput{
		Claimer:  claimer.String(),
		EscrowID: rec.EscrowID,
		Code:     rec.Code,
		Params:   sp,
	})
	if err != nil {
		return ClaimResult{}, err
	}
	_, err = o.registry.Update(ctx, rec.Code, func(r *registry.Record) error {
		r.Stage = registry.StageAwaitingRedemption
		r.PendingTxID = u.TxID
		return nil
	})
	if errors.Is(err, registry.ErrConsumed) {
		return ClaimResult{}, claimerr.New(claimerr.KindAlreadyClaimed, "claim was redeemed concurrently")
	}
	if err != nil {
		return ClaimResult{}, err
	}
	result.Transaction = u
	return result, nil
}

// sponsor tops up the claimer when it cannot pay the fee. Only a rate limit
// stops the redemption; other failures are logged.
func (o *Orchestrator) sponsor(ctx context.Context, claimer string, network validate.Network, fee uint64) (*sponsor.Result, error) {
	if !o.gate.Enabled() {
		return nil, nil
	}
	minimum := o.conf.SponsorMinBalance
	if minimum == 0 {
		minimum = fee
	}
	needs, err := o.gate.NeedsSponsorship(ctx, claimer, network, minimum)
	if err != nil {
		log.L(ctx).Warnf("could not check claimer balance, skipping sponsorship: %s", err)
		return nil, nil
	}
	if !needs {
		return nil, nil
	}
	res := o.gate.Sponsor(ctx, claimer, o.conf.SponsorAmount, network, uuid.NewString())
	o.observer.ObserveSponsorship(string(res.Outcome))
	switch res.Outcome {
	case sponsor.RateLimited:
		return &res, claimerr.New(claimerr.KindRateLimited, "fee sponsorship is rate limited, try again later")
	case sponsor.Failed:
		log.L(ctx).Warnf("sponsorship failed, attempting redemption anyway: %s", res.Reason)
	}
	return &res, nil
}

type SubmitClaimRequest struct {
	Signed  []byte
	Code    string
	Network string
}

// SubmitClaim submits a signed redemption. On confirmation the registry
// record is marked consumed and the recipient notified.
func (o *Orchestrator) SubmitClaim(ctx context.Context, req SubmitClaimRequest) (SubmitResult, error) {
	signed, err := txbuilder.DecodeSigned(req.Signed)
	if err != nil {
		return SubmitResult{}, err
	}
	rec, err := o.lookup(ctx, req.Code)
	if err != nil {
		return SubmitResult{}, err
	}
	c, err := o.clientFor(rec, req.Network)
	if err != nil {
		return SubmitResult{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", rec.Commitment.Hex())
	if !rec.Deployed() {
		return SubmitResult{}, claimerr.New(claimerr.KindNotDeployed, "escrow deployment has not confirmed")
	}
	if signed.AppID() != rec.EscrowID || txbuilder.ActionOf(signed.AppArgs()) != escrow.ActionClaim {
		return SubmitResult{}, claimerr.New(claimerr.KindBuild, "transaction is not a claim against escrow %d", rec.EscrowID)
	}

	receipt, err := o.submitAndConfirm(ctx, c, opRedeem, signed)
	if err != nil {
		return SubmitResult{}, o.rejected(ctx, c, rec, opRedeem, err)
	}

	consumed, changed, err := o.registry.MarkConsumed(ctx, rec.Code, o.now())
	switch {
	case err != nil:
		log.L(ctx).Warnf("redemption confirmed but registry not updated: %s", err)
		consumed = rec
		consumed.Stage = registry.StageRedeemed
	case !changed:
		log.L(ctx).Warnf("redemption confirmed for a record already marked consumed")
	}
	log.L(ctx).Infof("escrow %d redeemed by %s", rec.EscrowID, signed.Sender())

	o.notify(ctx, notify.Notification{
		Event:      notify.EventRedeemed,
		Recipient:  rec.Recipient,
		Commitment: rec.Commitment.Hex(),
		Amount:     validate.DisplayAmount(rec.Amount),
		Network:    rec.Network,
		EscrowID:   rec.EscrowID,
		TxID:       receipt.TxID,
	})

	return SubmitResult{
		TxID:           receipt.TxID,
		ConfirmedRound: receipt.ConfirmedRound,
		EscrowID:       rec.EscrowID,
		EscrowAddress:  rec.EscrowAddress,
		Stage:          consumed.Stage,
	}, nil
}
