package escrow

import (
	"errors"
	"fmt"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/ledger"
)

// ErrNotEscrow is returned for applications whose state does not match the
// escrow program's schema.
var ErrNotEscrow = errors.New("application is not a claim escrow")

// State mirrors the program's global state.
type State struct {
	EscrowID   uint64
	Address    string
	Commitment claimcode.Commitment
	Amount     uint64
	Owner      types.Address
	CreatedAt  time.Time
	Claimed    bool
}

func DecodeState(app ledger.Application) (State, error) {
	st := State{EscrowID: app.ID, Address: ledger.AppAddress(app.ID)}

	commitment, err := bytesValue(app, KeyCommitment)
	if err != nil {
		return State{}, err
	}
	if st.Commitment, err = claimcode.CommitmentFromBytes(commitment); err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrNotEscrow, err)
	}

	owner, err := bytesValue(app, KeyOwner)
	if err != nil {
		return State{}, err
	}
	if len(owner) != len(st.Owner) {
		return State{}, fmt.Errorf("%w: owner is %d bytes", ErrNotEscrow, len(owner))
	}
	copy(st.Owner[:], owner)

	if st.Amount, err = uintValue(app, KeyAmount); err != nil {
		return State{}, err
	}
	createdAt, err := uintValue(app, KeyCreatedAt)
	if err != nil {
		return State{}, err
	}
	st.CreatedAt = time.Unix(int64(createdAt), 0).UTC()

	claimed, err := uintValue(app, KeyClaimed)
	if err != nil {
		return State{}, err
	}
	st.Claimed = claimed == 1
	return st, nil
}

func bytesValue(app ledger.Application, key string) ([]byte, error) {
	v, ok := app.GlobalState[key]
	if !ok || !v.IsBytes {
		return nil, fmt.Errorf("%w: application %d has no byte value %q", ErrNotEscrow, app.ID, key)
	}
	return v.Bytes, nil
}

func uintValue(app ledger.Application, key string) (uint64, error) {
	v, ok := app.GlobalState[key]
	if !ok || v.IsBytes {
		return 0, fmt.Errorf("%w: application %d has no uint value %q", ErrNotEscrow, app.ID, key)
	}
	return v.Uint, nil
}

// RefundableAt is the earliest ledger time at which the owner may reclaim.
func (s State) RefundableAt(timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = DefaultRefundTimeout
	}
	return s.CreatedAt.Add(timeout)
}

type Status string

const (
	StatusActive     Status = "Active"
	StatusClaimed    Status = "Claimed"
	StatusRefundable Status = "Refundable"
	StatusEmpty      Status = "Empty"
)

// DeriveStatus reconstructs an escrow's status from its state and current
// holding balance.
func DeriveStatus(s State, balance, fee uint64, now time.Time, timeout time.Duration) Status {
	switch {
	case s.Claimed:
		return StatusClaimed
	case balance < Redeemable(s.Amount, fee):
		return StatusEmpty
	case !now.Before(s.RefundableAt(timeout)):
		return StatusRefundable
	default:
		return StatusActive
	}
}
