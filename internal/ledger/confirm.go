package ledger

import (
	"context"
	"errors"
	"fmt"
)

// DefaultConfirmationRounds bounds WaitForConfirmation when the caller passes zero.
const DefaultConfirmationRounds = 15

// ErrConfirmationTimeout means the round budget ran out while the transaction
// was still pending. It may yet confirm.
var ErrConfirmationTimeout = errors.New("transaction not confirmed within round budget")

// WaitForConfirmation polls once per round until txID is confirmed, rejected
// from the pool, or the round budget is exhausted.
func WaitForConfirmation(ctx context.Context, c Client, txID string, rounds uint64) (Receipt, error) {
	if rounds == 0 {
		rounds = DefaultConfirmationRounds
	}
	current, err := c.Status(ctx)
	if err != nil {
		return Receipt{}, err
	}
	start := current

	for current < start+rounds {
		receipt, err := c.PendingInfo(ctx, txID)
		if err != nil {
			return Receipt{}, err
		}
		if receipt.ConfirmedRound > 0 {
			return receipt, nil
		}
		if receipt.PoolError != "" {
			return receipt, &RejectedError{TxID: txID, Reason: receipt.PoolError}
		}
		if err := ctx.Err(); err != nil {
			return Receipt{}, err
		}
		next, err := c.WaitForRound(ctx, current+1)
		if err != nil {
			return Receipt{}, err
		}
		if next > current {
			current = next
		} else {
			current++
		}
	}
	return Receipt{TxID: txID}, fmt.Errorf("%s after %d rounds: %w", txID, rounds, ErrConfirmationTimeout)
}
