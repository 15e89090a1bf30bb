package lifecycle

import (
	"context"
	"errors"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
	"claimdrop/internal/log"
	"claimdrop/internal/registry"
	"claimdrop/internal/txbuilder"
	"claimdrop/internal/validate"
)

// Contract is one escrow created by a wallet, as the ledger sees it.
type Contract struct {
	EscrowID     uint64
	Address      string
	Amount       uint64
	Balance      uint64
	Claimed      bool
	CreatedAt    time.Time
	RefundableAt time.Time
	Status       escrow.Status
}

// WalletContracts lists the escrows created by address, newest last.
// Applications that are not claim escrows are skipped.
func (o *Orchestrator) WalletContracts(ctx context.Context, address, network string) ([]Contract, error) {
	addr, err := validate.Address(address)
	if err != nil {
		return nil, err
	}
	_, c, err := o.client(network)
	if err != nil {
		return nil, err
	}

	var acct ledger.Account
	if err := o.read(ctx, "account", func() (err error) {
		acct, err = c.Account(ctx, addr.String())
		return err
	}); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return []Contract{}, nil
		}
		return nil, err
	}
	sp, err := o.params(ctx, c)
	if err != nil {
		return nil, err
	}
	fee := txbuilder.Fee(sp)

	var states []escrow.State
	for _, app := range acct.CreatedApps {
		st, err := escrow.DecodeState(app)
		if err != nil {
			log.L(ctx).Debugf("skipping application %d: %s", app.ID, err)
			continue
		}
		states = append(states, st)
	}

	contracts := make([]Contract, len(states))
	now := o.now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.conf.WalletScanConcurrency)
	for i, st := range states {
		i, st := i, st
		g.Go(func() error {
			balance, err := o.balance(gctx, c, st.Address)
			if err != nil {
				return err
			}
			contracts[i] = Contract{
				EscrowID:     st.EscrowID,
				Address:      st.Address,
				Amount:       st.Amount,
				Balance:      balance,
				Claimed:      st.Claimed,
				CreatedAt:    st.CreatedAt,
				RefundableAt: st.RefundableAt(o.conf.RefundTimeout),
				Status:       escrow.DeriveStatus(st, balance, fee, now, o.conf.RefundTimeout),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].EscrowID < contracts[j].EscrowID })
	return contracts, nil
}

// ClaimStatus is a registry record reconciled against the ledger.
type ClaimStatus struct {
	Record registry.Record
	// Escrow is nil before deployment and after deletion.
	Escrow  *escrow.State
	Balance uint64
	Status  escrow.Status
}

// Reconcile re-reads the ledger for a claim and brings its registry record
// in line. It resolves outcomes left unknown by a confirmation timeout.
func (o *Orchestrator) Reconcile(ctx context.Context, code string) (ClaimStatus, error) {
	rec, err := o.lookup(ctx, code)
	if err != nil {
		return ClaimStatus{}, err
	}
	c, err := o.clientFor(rec, "")
	if err != nil {
		return ClaimStatus{}, err
	}
	ctx = log.WithLogField(ctx, "commitment", rec.Commitment.Hex())

	if !rec.Deployed() {
		if rec, err = o.reconcileDeployment(ctx, c, rec); err != nil || !rec.Deployed() {
			return ClaimStatus{Record: rec}, err
		}
	}

	st, err := o.escrowState(ctx, c, rec.EscrowID)
	if errors.Is(err, ledger.ErrNotFound) {
		if !rec.Consumed && rec.Stage != registry.StageDeleted {
			rec = o.update(ctx, rec, func(r *registry.Record) error {
				r.Stage = registry.StageDeleted
				r.PendingTxID = ""
				return nil
			})
		}
		return ClaimStatus{Record: rec}, nil
	}
	if err != nil {
		return ClaimStatus{}, err
	}
	sp, err := o.params(ctx, c)
	if err != nil {
		return ClaimStatus{}, err
	}
	balance, err := o.balance(ctx, c, rec.EscrowAddress)
	if err != nil {
		return ClaimStatus{}, err
	}
	fee := txbuilder.Fee(sp)
	status := escrow.DeriveStatus(st, balance, fee, o.now(), o.conf.RefundTimeout)

	switch {
	case rec.Consumed:
	case st.Claimed && !o.redeemed(ctx, c, rec, balance):
		if rec.Stage != registry.StageReclaimed && rec.Stage != registry.StageDeletable {
			rec = o.update(ctx, rec, func(r *registry.Record) error {
				r.Stage = registry.StageReclaimed
				r.PendingTxID = ""
				return nil
			})
		}
	case st.Claimed:
		if consumed, changed, err := o.registry.MarkConsumed(ctx, rec.Code, o.now()); err == nil {
			if changed {
				log.L(ctx).Infof("escrow %d found redeemed on chain", rec.EscrowID)
			}
			rec = consumed
		}
	case rec.FundingTxID == "" && balance >= escrow.Redeemable(st.Amount, fee):
		pending := rec.PendingTxID
		rec = o.update(ctx, rec, func(r *registry.Record) error {
			r.FundingTxID = pending
			r.PendingTxID = ""
			if r.Stage == registry.StageDeployed || r.Stage == registry.StageAwaitingFunding {
				r.Stage = registry.StageFunded
			}
			return nil
		})
	}
	return ClaimStatus{Record: rec, Escrow: &st, Balance: balance, Status: status}, nil
}

// reconcileDeployment looks up a pending deployment that may have confirmed
// after the caller gave up waiting.
func (o *Orchestrator) reconcileDeployment(ctx context.Context, c ledger.Client, rec registry.Record) (registry.Record, error) {
	if rec.PendingTxID == "" {
		return rec, nil
	}
	var receipt ledger.Receipt
	err := o.read(ctx, "pending info", func() (err error) {
		receipt, err = c.PendingInfo(ctx, rec.PendingTxID)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && receipt.ConfirmedRound == 0) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	id, address, err := escrowFromReceipt(receipt)
	if err != nil {
		return rec, err
	}
	updated, err := o.registry.Update(ctx, rec.Code, func(r *registry.Record) error {
		r.EscrowID = id
		r.EscrowAddress = address
		r.Stage = registry.StageDeployed
		r.PendingTxID = ""
		return nil
	})
	if err != nil {
		return rec, err
	}
	log.L(ctx).Infof("late deployment of escrow %d reconciled", id)
	return updated, nil
}
