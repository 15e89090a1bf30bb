package lifecycle

import (
	"context"
	"errors"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimerr"
	"claimdrop/internal/ledger"
	"claimdrop/internal/log"
	"claimdrop/internal/notify"
	"claimdrop/internal/registry"
	"claimdrop/internal/txbuilder"
	"claimdrop/internal/validate"
)

type FundRequest struct {
	Ref    Ref
	Sender string
}

// FundContract returns the unsigned payment that funds a deployed escrow
// with its amount plus the reserves the program needs.
func (o *Orchestrator) FundContract(ctx context.Context, req FundRequest) (txbuilder.Unsigned, error) {
	sender, err := validate.Address(req.Sender)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	rec, c, err := o.resolve(ctx, req.Ref)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", rec.Commitment.Hex())
	if rec.Consumed {
		return txbuilder.Unsigned{}, claimerr.New(claimerr.KindAlreadyClaimed, "claim was already redeemed")
	}
	if !rec.Deployed() {
		return txbuilder.Unsigned{}, claimerr.New(claimerr.KindNotDeployed, "escrow deployment has not confirmed")
	}

	sp, err := o.params(ctx, c)
	if err != nil {
		return txbuilder.Unsigned{}, err
	}
	u, err := txbuilder.Fund(txbuilder.FundInput{
		Sender:   sender.String(),
		EscrowID: rec.EscrowID,
		Amount:   rec.Amount,
		Params:   sp,
	})
	if err != nil {
		return txbuilder.Unsigned{}, err
	}

	if _, err := o.registry.Update(ctx, rec.Code, func(r *registry.Record) error {
		if r.FundingTxID == "" {
			r.Stage = registry.StageAwaitingFunding
		}
		r.PendingTxID = u.TxID
		return nil
	}); err != nil {
		return txbuilder.Unsigned{}, err
	}
	return u, nil
}

// SubmitFunding submits a signed funding payment and records it.
func (o *Orchestrator) SubmitFunding(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	signed, err := txbuilder.DecodeSigned(req.Signed)
	if err != nil {
		return SubmitResult{}, err
	}
	ref := req.Ref
	if ref.Network == "" {
		ref.Network = req.Network
	}
	rec, c, err := o.resolve(ctx, ref)
	if err != nil {
		return SubmitResult{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", rec.Commitment.Hex())
	if !rec.Deployed() {
		return SubmitResult{}, claimerr.New(claimerr.KindNotDeployed, "escrow deployment has not confirmed")
	}
	txn := signed.Txn.Txn
	if txn.Type != types.PaymentTx || txn.PaymentTxnFields.Receiver.String() != rec.EscrowAddress {
		return SubmitResult{}, claimerr.New(claimerr.KindBuild, "transaction is not a payment to escrow %d", rec.EscrowID)
	}

	receipt, err := o.submitAndConfirm(ctx, c, opFund, signed)
	if err != nil {
		if rej, ok := ledger.AsRejection(err); ok {
			return SubmitResult{}, claimerr.Wrap(claimerr.KindRejected, rej, "funding rejected by the ledger")
		}
		return SubmitResult{}, err
	}

	updated, err := o.registry.Update(ctx, rec.Code, func(r *registry.Record) error {
		r.FundingTxID = receipt.TxID
		r.PendingTxID = ""
		if r.Stage == registry.StageDeployed || r.Stage == registry.StageAwaitingFunding {
			r.Stage = registry.StageFunded
		}
		return nil
	})
	if errors.Is(err, registry.ErrConsumed) {
		updated = rec
	} else if err != nil {
		return SubmitResult{}, err
	}
	log.L(ctx).Infof("escrow %d funded", rec.EscrowID)

	o.notify(ctx, notify.Notification{
		Event:      notify.EventFunded,
		Recipient:  rec.Recipient,
		Code:       rec.Code,
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
		Stage:          updated.Stage,
	}, nil
}
