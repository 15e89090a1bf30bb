package lifecycle

import (
	"context"
	"errors"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
	"claimdrop/internal/log"
	"claimdrop/internal/registry"
	"claimdrop/internal/txbuilder"
	"claimdrop/internal/validate"
)

type CreateClaimRequest struct {
	// Amount in display units.
	Amount    float64
	Recipient string
	Sender    string
	Network   string
}

type CreateClaimResult struct {
	Code        string
	Commitment  claimcode.Commitment
	Amount      uint64
	Network     validate.Network
	Transaction txbuilder.Unsigned
}

// SubmitRequest carries wallet-signed transaction bytes.
type SubmitRequest struct {
	Signed  []byte
	Network string
	Ref     Ref
}

type SubmitResult struct {
	TxID           string
	ConfirmedRound uint64
	EscrowID       uint64
	EscrowAddress  string
	Stage          registry.Stage
}

// CreateClaim registers a new claim and returns its unsigned deployment.
func (o *Orchestrator) CreateClaim(ctx context.Context, req CreateClaimRequest) (CreateClaimResult, error) {
	network, c, err := o.client(req.Network)
	if err != nil {
		return CreateClaimResult{}, err
	}
	owner, err := validate.Address(req.Sender)
	if err != nil {
		return CreateClaimResult{}, err
	}
	amount, err := validate.Amount(req.Amount)
	if err != nil {
		return CreateClaimResult{}, err
	}

	code, err := claimcode.Generate()
	if err != nil {
		return CreateClaimResult{}, claimerr.Wrap(claimerr.KindBuild, err, "generate claim code")
	}
	commitment := claimcode.Commit(code)
	ctx = log.WithLogField(ctx, "commitment", commitment.Hex())

	source, err := escrow.Render(escrow.Params{
		Commitment:    commitment,
		Owner:         owner,
		Amount:        amount,
		RefundTimeout: o.conf.RefundTimeout,
		DustThreshold: o.conf.DustThreshold,
	})
	if err != nil {
		return CreateClaimResult{}, claimerr.Wrap(claimerr.KindBuild, err, "render escrow program")
	}

	approval, err := o.compile(ctx, c, source)
	if err != nil {
		return CreateClaimResult{}, err
	}
	clearProg, err := o.compile(ctx, c, escrow.ClearProgram())
	if err != nil {
		return CreateClaimResult{}, err
	}
	sp, err := o.params(ctx, c)
	if err != nil {
		return CreateClaimResult{}, err
	}
	u, err := txbuilder.Deploy(txbuilder.DeployInput{
		Sender:     owner.String(),
		Commitment: commitment,
		Amount:     req.Amount,
		Approval:   approval,
		Clear:      clearProg,
		Params:     sp,
	})
	if err != nil {
		return CreateClaimResult{}, err
	}

	now := o.now()
	rec := registry.Record{
		Code:        code,
		Commitment:  commitment,
		Amount:      amount,
		Network:     network,
		Sender:      owner.String(),
		Recipient:   req.Recipient,
		Stage:       registry.StageAwaitingDeployment,
		PendingTxID: u.TxID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.registry.Put(ctx, rec); err != nil {
		return CreateClaimResult{}, err
	}
	log.L(ctx).Infof("claim of %d on %s awaiting deployment (tx=%s)", amount, network, u.TxID)

	return CreateClaimResult{
		Code:        code,
		Commitment:  commitment,
		Amount:      amount,
		Network:     network,
		Transaction: u,
	}, nil
}

// SubmitTransaction submits a signed deployment and records the new escrow.
// Other transaction types are submitted and confirmed without bookkeeping.
func (o *Orchestrator) SubmitTransaction(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	_, c, err := o.client(req.Network)
	if err != nil {
		return SubmitResult{}, err
	}
	signed, err := txbuilder.DecodeSigned(req.Signed)
	if err != nil {
		return SubmitResult{}, err
	}
	if !signed.IsAppCreate() {
		receipt, err := o.submitAndConfirm(ctx, c, opOther, signed)
		if err != nil {
			if rej, ok := ledger.AsRejection(err); ok {
				return SubmitResult{}, claimerr.Wrap(claimerr.KindRejected, rej, "transaction rejected by the ledger")
			}
			return SubmitResult{}, err
		}
		return SubmitResult{TxID: receipt.TxID, ConfirmedRound: receipt.ConfirmedRound}, nil
	}

	commitment, _, _, err := txbuilder.DecodeCreateArgs(signed.AppArgs())
	if err != nil {
		return SubmitResult{}, err
	}
	rec, err := o.registry.GetByCommitment(ctx, commitment)
	if errors.Is(err, registry.ErrNotFound) {
		return SubmitResult{}, claimerr.New(claimerr.KindClaimNotFound, "deployment does not match a registered claim")
	}
	if err != nil {
		return SubmitResult{}, err
	}
	if c, err = o.clientFor(rec, req.Network); err != nil {
		return SubmitResult{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", commitment.Hex())
	if rec.Deployed() {
		return SubmitResult{}, claimerr.New(claimerr.KindRejected, "claim is already deployed as escrow %d", rec.EscrowID)
	}

	receipt, err := o.submitAndConfirm(ctx, c, opDeploy, signed)
	if err != nil {
		if rej, ok := ledger.AsRejection(err); ok {
			return SubmitResult{}, claimerr.Wrap(claimerr.KindRejected, rej, "deployment rejected by the ledger")
		}
		return SubmitResult{}, err
	}
	id, address, err := escrowFromReceipt(receipt)
	if err != nil {
		return SubmitResult{}, err
	}

	updated, err := o.registry.Update(ctx, rec.Code, func(r *registry.Record) error {
		r.EscrowID = id
		r.EscrowAddress = address
		r.Stage = registry.StageDeployed
		r.PendingTxID = ""
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}
	log.L(ctx).Infof("escrow %d deployed at %s", id, address)
	return SubmitResult{
		TxID:           receipt.TxID,
		ConfirmedRound: receipt.ConfirmedRound,
		EscrowID:       id,
		EscrowAddress:  address,
		Stage:          updated.Stage,
	}, nil
}

// escrowFromReceipt extracts the created escrow from a confirmed deployment.
func escrowFromReceipt(r ledger.Receipt) (uint64, string, error) {
	if r.ConfirmedRound == 0 {
		return 0, "", claimerr.New(claimerr.KindInvalidReceipt, "receipt for %s is not confirmed", r.TxID)
	}
	if r.ApplicationIndex == 0 {
		return 0, "", claimerr.New(claimerr.KindInvalidReceipt, "receipt for %s carries no application index", r.TxID)
	}
	return r.ApplicationIndex, ledger.AppAddress(r.ApplicationIndex), nil
}
