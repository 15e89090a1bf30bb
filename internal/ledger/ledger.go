// Package ledger is the boundary to the ledger node: compiling programs,
// fetching network parameters, submitting signed transactions and reading
// account and application state.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
)

var ErrNotFound = errors.New("not found")

// Client abstracts the ledger node.
type Client interface {
	Ping(ctx context.Context) error
	Compile(ctx context.Context, source string) (Program, error)
	SuggestedParams(ctx context.Context) (types.SuggestedParams, error)
	Submit(ctx context.Context, signed []byte) (string, error)
	PendingInfo(ctx context.Context, txID string) (Receipt, error)
	Status(ctx context.Context) (uint64, error)
	WaitForRound(ctx context.Context, round uint64) (uint64, error)
	Account(ctx context.Context, address string) (Account, error)
	Application(ctx context.Context, id uint64) (Application, error)
}

// Program is compiled bytecode plus its content digest.
type Program struct {
	Bytes []byte
	Hash  string
}

// Receipt is the node's view of a submitted transaction. ConfirmedRound is
// zero while the transaction is still in the pool.
type Receipt struct {
	TxID             string
	ConfirmedRound   uint64
	ApplicationIndex uint64
	PoolError        string
}

type Account struct {
	Address     string
	Amount      uint64
	MinBalance  uint64
	CreatedApps []Application
}

type StateValue struct {
	Bytes   []byte
	Uint    uint64
	IsBytes bool
}

type Application struct {
	ID          uint64
	Creator     string
	GlobalState map[string]StateValue
}

// AppAddress derives the account address controlled by an application.
func AppAddress(id uint64) string {
	return crypto.GetApplicationAddress(id).String()
}

// RejectedError is a transaction the ledger refused to apply, typically a
// failed program assertion. The transaction definitely did not take effect.
type RejectedError struct {
	TxID   string
	Reason string
}

func (e *RejectedError) Error() string {
	if e.TxID == "" {
		return "transaction rejected: " + e.Reason
	}
	return fmt.Sprintf("transaction %s rejected: %s", e.TxID, e.Reason)
}

// AsRejection returns the rejection in err's chain, if any.
func AsRejection(err error) (*RejectedError, bool) {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

var rejectionMarkers = []string{
	"logic eval error",
	"rejected by logic",
	"assert failed",
	"overspend",
	"below min",
}

// looksRejected reports whether a node error message describes a transaction
// that was evaluated and refused, as opposed to a transport failure.
func looksRejected(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range rejectionMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
