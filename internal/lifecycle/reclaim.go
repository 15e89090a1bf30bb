package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
	"claimdrop/internal/log"
	"claimdrop/internal/registry"
	"claimdrop/internal/txbuilder"
	"claimdrop/internal/validate"
)

type OwnerRequest struct {
	Ref   Ref
	Owner string
}

// ownedEscrow loads the record and fresh escrow state for an owner operation.
func (o *Orchestrator) ownedEscrow(ctx context.Context, req OwnerRequest) (registry.Record, ledger.Client, escrow.State, types.Address, error) {
	owner, err := validate.Address(req.Owner)
	if err != nil {
		return registry.Record{}, nil, escrow.State{}, owner, err
	}
	rec, c, err := o.resolve(ctx, req.Ref)
	if err != nil {
		return rec, nil, escrow.State{}, owner, err
	}
	if !rec.Deployed() {
		return rec, nil, escrow.State{}, owner, claimerr.New(claimerr.KindNotDeployed, "escrow deployment has not confirmed")
	}
	st, err := o.escrowState(ctx, c, rec.EscrowID)
	if errors.Is(err, ledger.ErrNotFound) {
		return rec, nil, escrow.State{}, owner, claimerr.New(claimerr.KindRejected, "escrow %d has already been deleted", rec.EscrowID)
	}
	if err != nil {
		return rec, nil, escrow.State{}, owner, err
	}
	if st.Owner != owner {
		return rec, nil, escrow.State{}, owner, claimerr.New(claimerr.KindRejected, "only the owner of escrow %d may do this", rec.EscrowID)
	}
	return rec, c, st, owner, nil
}

// RefundFunds returns the unsigned reclaim of an unredeemed escrow whose
// refund timeout has elapsed.
func (o *Orchestrator) RefundFunds(ctx context.Context, req OwnerRequest) (txbuilder.Unsigned, error) {
	rec, c, st, owner, err := o.ownedEscrow(ctx, req)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", rec.Commitment.Hex())
	if st.Claimed {
		return txbuilder.Unsigned{}, o.claimedError(ctx, c, rec)
	}
	if at := st.RefundableAt(o.conf.RefundTimeout); o.now().Before(at) {
		return txbuilder.Unsigned{}, claimerr.New(claimerr.KindRefundLocked, "escrow %d is refundable from %s", rec.EscrowID, at.Format(time.RFC3339))
	}

	sp, err := o.params(ctx, c)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	balance, err := o.balance(ctx, c, rec.EscrowAddress)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	if need := escrow.Redeemable(st.Amount, txbuilder.Fee(sp)); balance < need {
		return txbuilder.Unsigned{}, claimerr.New(claimerr.KindInsufficientEscrowBalance, "escrow %d holds %d, nothing to reclaim; delete it instead", rec.EscrowID, balance)
	}

	u, err := txbuilder.Reclaim(txbuilder.ReclaimInput{Owner: owner.String(), EscrowID: rec.EscrowID, Params: sp})
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	o.update(ctx, rec, func(r *registry.Record) error {
		r.Stage = registry.StageReclaimable
		r.PendingTxID = u.TxID
		return nil
	})
	return u, nil
}

// SubmitRefund submits a signed reclaim.
func (o *Orchestrator) SubmitRefund(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	return o.submitOwner(ctx, req, opRefund, func(s txbuilder.Signed) bool {
		return s.OnCompletion() == types.NoOpOC && txbuilder.ActionOf(s.AppArgs()) == escrow.ActionRefund
	}, registry.StageReclaimed)
}

// DeleteContract returns the unsigned teardown of an escrow holding no more
// than dust, releasing the owner's storage reserve.
func (o *Orchestrator) DeleteContract(ctx context.Context, req OwnerRequest) (txbuilder.Unsigned, error) {
	rec, c, _, owner, err := o.ownedEscrow(ctx, req)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", rec.Commitment.Hex())
	balance, err := o.balance(ctx, c, rec.EscrowAddress)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	if balance > o.conf.DustThreshold {
		return txbuilder.Unsigned{}, claimerr.New(claimerr.KindRejected, "escrow %d still holds %d, above the dust threshold %d; reclaim it first", rec.EscrowID, balance, o.conf.DustThreshold)
	}
	sp, err := o.params(ctx, c)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	u, err := txbuilder.Delete(txbuilder.DeleteInput{Owner: owner.String(), EscrowID: rec.EscrowID, Params: sp})
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	o.update(ctx, rec, func(r *registry.Record) error {
		r.Stage = registry.StageDeletable
		r.PendingTxID = u.TxID
		return nil
	})
	return u, nil
}

// SubmitDelete submits a signed teardown.
func (o *Orchestrator) SubmitDelete(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	return o.submitOwner(ctx, req, opDelete, func(s txbuilder.Signed) bool {
		return s.OnCompletion() == types.DeleteApplicationOC
	}, registry.StageDeleted)
}

func (o *Orchestrator) submitOwner(ctx context.Context, req SubmitRequest, op string, matches func(txbuilder.Signed) bool, stage registry.Stage) (SubmitResult, error) {
	signed, err := txbuilder.DecodeSigned(req.Signed)
	if err != nil {
		return SubmitResult{}, err
	}
	ref := req.Ref
	if ref.Network == "" {
		ref.Network = req.Network
	}
	if ref.Code == "" && ref.EscrowID == 0 {
		ref.EscrowID = signed.AppID()
	}
	rec, c, err := o.resolve(ctx, ref)
	if err != nil {
		return SubmitResult{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", rec.Commitment.Hex())
	if !rec.Deployed() {
		return SubmitResult{}, claimerr.New(claimerr.KindNotDeployed, "escrow deployment has not confirmed")
	}
	if signed.AppID() != rec.EscrowID || !matches(signed) {
		return SubmitResult{}, claimerr.New(claimerr.KindBuild, "transaction is not a %s of escrow %d", op, rec.EscrowID)
	}

	receipt, err := o.submitAndConfirm(ctx, c, op, signed)
	if err != nil {
		return SubmitResult{}, o.rejected(ctx, c, rec, op, err)
	}
	updated := o.update(ctx, rec, func(r *registry.Record) error {
		r.Stage = stage
		r.PendingTxID = ""
		return nil
	})
	log.L(ctx).Infof("escrow %d %s confirmed", rec.EscrowID, op)
	return SubmitResult{
		TxID:           receipt.TxID,
		ConfirmedRound: receipt.ConfirmedRound,
		EscrowID:       rec.EscrowID,
		EscrowAddress:  rec.EscrowAddress,
		Stage:          updated.Stage,
	}, nil
}
