// Package registry maps claim codes to their lifecycle records.
//
// The registry is a cache of best-known on-chain status, not a source of
// truth. Every record can be rebuilt by re-reading the escrow's state from
// the ledger, and the ledger's own claimed flag is what prevents a double
// payout. No lock taken here spans a ledger submission.
package registry

import (
	"context"
	"errors"
	"time"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/validate"
)

var (
	ErrNotFound       = errors.New("claim not found")
	ErrExists         = errors.New("claim already registered")
	ErrConsumed       = errors.New("claim already consumed")
	ErrEscrowAssigned = errors.New("claim escrow already assigned")
	ErrImmutableField = errors.New("claim identity fields cannot change")
)

type Stage string

const (
	StageRequested          Stage = "Requested"
	StageAwaitingDeployment Stage = "AwaitingDeployment"
	StageDeployed           Stage = "Deployed"
	StageAwaitingFunding    Stage = "AwaitingFunding"
	StageFunded             Stage = "Funded"
	StageAwaitingRedemption Stage = "AwaitingRedemption"
	StageRedeemed           Stage = "Redeemed"
	StageReclaimable        Stage = "Reclaimable"
	StageReclaimed          Stage = "Reclaimed"
	StageDeletable          Stage = "Deletable"
	StageDeleted            Stage = "Deleted"
)

// Record is one claim's lifecycle bookkeeping.
type Record struct {
	Code          string
	Commitment    claimcode.Commitment
	Amount        uint64
	Network       validate.Network
	Sender        string
	Recipient     string
	EscrowID      uint64
	EscrowAddress string
	FundingTxID   string
	PendingTxID   string
	Stage         Stage
	Consumed      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ConsumedAt    time.Time
}

// Deployed reports whether the escrow id has been assigned.
func (r Record) Deployed() bool {
	return r.EscrowID != 0
}

// Store is the registry contract shared by all backends.
type Store interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, code string) (Record, error)
	GetByCommitment(ctx context.Context, c claimcode.Commitment) (Record, error)
	GetByEscrow(ctx context.Context, network validate.Network, escrowID uint64) (Record, error)
	// Update applies fn to a copy of the record and stores the result.
	// Consumption only happens through MarkConsumed.
	Update(ctx context.Context, code string, fn func(*Record) error) (Record, error)
	// MarkConsumed is idempotent; changed is false when the record was
	// already consumed, in which case ConsumedAt keeps its first value.
	MarkConsumed(ctx context.Context, code string, at time.Time) (rec Record, changed bool, err error)
	Evict(ctx context.Context, now time.Time) (int, error)
}

// Policy decides when records may be dropped.
type Policy struct {
	// PendingTTL evicts records whose deployment never confirmed.
	PendingTTL time.Duration
	// Retention keeps consumed and deleted records readable for this long.
	Retention time.Duration
}

var DefaultPolicy = Policy{
	PendingTTL: 24 * time.Hour,
	Retention:  time.Hour,
}

func (p Policy) evictable(rec Record, now time.Time) bool {
	switch {
	case rec.Consumed:
		return p.Retention > 0 && now.Sub(rec.ConsumedAt) > p.Retention
	case rec.Stage == StageDeleted:
		return p.Retention > 0 && now.Sub(rec.UpdatedAt) > p.Retention
	case !rec.Deployed():
		return p.PendingTTL > 0 && now.Sub(rec.CreatedAt) > p.PendingTTL
	default:
		return false
	}
}

// applyUpdate runs fn against a copy of old and enforces record invariants.
func applyUpdate(old Record, fn func(*Record) error, now time.Time) (Record, error) {
	if old.Consumed {
		return old, ErrConsumed
	}
	next := old
	if err := fn(&next); err != nil {
		return old, err
	}
	if next.Code != old.Code || next.Commitment != old.Commitment || next.Network != old.Network {
		return old, ErrImmutableField
	}
	if next.Consumed != old.Consumed || !next.ConsumedAt.Equal(old.ConsumedAt) {
		return old, ErrImmutableField
	}
	if old.Deployed() && next.EscrowID != old.EscrowID {
		return old, ErrEscrowAssigned
	}
	next.UpdatedAt = now
	return next, nil
}

func consume(rec Record, at time.Time) Record {
	rec.Consumed = true
	rec.ConsumedAt = at
	rec.UpdatedAt = at
	rec.Stage = StageRedeemed
	return rec
}
