// Package txbuilder constructs the unsigned transactions of the claim
// lifecycle. It never touches the network.
package txbuilder

import (
	"encoding/base64"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
	"claimdrop/internal/validate"
)

const (
	// DefaultMinFee applies when the node reports no minimum fee.
	DefaultMinFee uint64 = 1000

	maxProgramVersion = 12
)

// Unsigned is a transaction ready to be handed to a wallet for signing.
type Unsigned struct {
	Txn   types.Transaction
	TxID  string
	Bytes []byte
}

// Base64 is the wire form wallets expect.
func (u Unsigned) Base64() string {
	return base64.StdEncoding.EncodeToString(u.Bytes)
}

type DeployInput struct {
	Sender     string
	Commitment claimcode.Commitment
	// Amount in display units.
	Amount   float64
	Approval ledger.Program
	Clear    ledger.Program
	Params   types.SuggestedParams
}

type FundInput struct {
	Sender   string
	EscrowID uint64
	// Amount is the escrow payout in microunits; reserves are added on top.
	Amount uint64
	Params types.SuggestedParams
}

type RedeemInput struct {
	Claimer  string
	EscrowID uint64
	Code     string
	Params   types.SuggestedParams
}

type ReclaimInput struct {
	Owner    string
	EscrowID uint64
	Params   types.SuggestedParams
}

type DeleteInput struct {
	Owner    string
	EscrowID uint64
	Params   types.SuggestedParams
}

// Fee is the flat fee every lifecycle transaction pays.
func Fee(sp types.SuggestedParams) uint64 {
	if sp.MinFee > 0 {
		return sp.MinFee
	}
	return DefaultMinFee
}

func Deploy(in DeployInput) (Unsigned, error) {
	sender, err := validate.Address(in.Sender)
	if err != nil {
		return Unsigned{}, err
	}
	amount, err := validate.Amount(in.Amount)
	if err != nil {
		return Unsigned{}, err
	}
	sp, err := flatParams(in.Params)
	if err != nil {
		return Unsigned{}, err
	}
	if err := checkProgram("approval", in.Approval.Bytes); err != nil {
		return Unsigned{}, err
	}
	if err := checkProgram("clear", in.Clear.Bytes); err != nil {
		return Unsigned{}, err
	}
	args, err := EncodeCreateArgs(in.Commitment, amount, sender)
	if err != nil {
		return Unsigned{}, err
	}
	tx, err := transaction.MakeApplicationCreateTx(
		false, in.Approval.Bytes, in.Clear.Bytes,
		escrow.GlobalSchema, types.StateSchema{},
		args, nil, nil, nil,
		sp, sender, nil, types.Digest{}, [32]byte{}, types.Address{},
	)
	if err != nil {
		return Unsigned{}, claimerr.Wrap(claimerr.KindBuild, err, "deploy transaction")
	}
	return finish(tx)
}

func Fund(in FundInput) (Unsigned, error) {
	sender, err := validate.Address(in.Sender)
	if err != nil {
		return Unsigned{}, err
	}
	if in.Amount == 0 {
		return Unsigned{}, claimerr.New(claimerr.KindInvalidAmount, "escrow amount must be positive")
	}
	if err := checkEscrowID(in.EscrowID); err != nil {
		return Unsigned{}, err
	}
	sp, err := flatParams(in.Params)
	if err != nil {
		return Unsigned{}, err
	}
	total := escrow.FundingAmount(in.Amount, Fee(sp))
	tx, err := transaction.MakePaymentTxn(sender.String(), ledger.AppAddress(in.EscrowID), total, nil, "", sp)
	if err != nil {
		return Unsigned{}, claimerr.Wrap(claimerr.KindBuild, err, "fund transaction")
	}
	return finish(tx)
}

func Redeem(in RedeemInput) (Unsigned, error) {
	claimer, err := validate.Address(in.Claimer)
	if err != nil {
		return Unsigned{}, err
	}
	if len(in.Code) != claimcode.CodeLength {
		return Unsigned{}, claimerr.New(claimerr.KindBuild, "claim code must be %d characters", claimcode.CodeLength)
	}
	args, err := EncodeClaimArgs(in.Code)
	if err != nil {
		return Unsigned{}, err
	}
	return appCall(claimer, in.EscrowID, args, in.Params, types.NoOpOC)
}

func Reclaim(in ReclaimInput) (Unsigned, error) {
	owner, err := validate.Address(in.Owner)
	if err != nil {
		return Unsigned{}, err
	}
	args, err := EncodeRefundArgs()
	if err != nil {
		return Unsigned{}, err
	}
	return appCall(owner, in.EscrowID, args, in.Params, types.NoOpOC)
}

func Delete(in DeleteInput) (Unsigned, error) {
	owner, err := validate.Address(in.Owner)
	if err != nil {
		return Unsigned{}, err
	}
	return appCall(owner, in.EscrowID, nil, in.Params, types.DeleteApplicationOC)
}

func appCall(sender types.Address, escrowID uint64, args [][]byte, params types.SuggestedParams, oc types.OnCompletion) (Unsigned, error) {
	if err := checkEscrowID(escrowID); err != nil {
		return Unsigned{}, err
	}
	sp, err := flatParams(params)
	if err != nil {
		return Unsigned{}, err
	}
	var tx types.Transaction
	switch oc {
	case types.DeleteApplicationOC:
		tx, err = transaction.MakeApplicationDeleteTx(escrowID, args, nil, nil, nil, sp, sender, nil, types.Digest{}, [32]byte{}, types.Address{})
	default:
		tx, err = transaction.MakeApplicationNoOpTx(escrowID, args, nil, nil, nil, sp, sender, nil, types.Digest{}, [32]byte{}, types.Address{})
	}
	if err != nil {
		return Unsigned{}, claimerr.Wrap(claimerr.KindBuild, err, "application call to %d", escrowID)
	}
	return finish(tx)
}

func finish(tx types.Transaction) (Unsigned, error) {
	return Unsigned{
		Txn:   tx,
		TxID:  crypto.GetTxID(tx),
		Bytes: msgpack.Encode(tx),
	}, nil
}

func flatParams(sp types.SuggestedParams) (types.SuggestedParams, error) {
	if len(sp.GenesisHash) != 32 {
		return sp, claimerr.New(claimerr.KindBuild, "network parameters are missing the genesis hash")
	}
	if sp.LastRoundValid == 0 || sp.LastRoundValid < sp.FirstRoundValid {
		return sp, claimerr.New(claimerr.KindBuild, "network parameters have an invalid validity window [%d, %d]", sp.FirstRoundValid, sp.LastRoundValid)
	}
	sp.FlatFee = true
	sp.Fee = types.MicroAlgos(Fee(sp))
	return sp, nil
}

func checkProgram(name string, prog []byte) error {
	if len(prog) < 2 {
		return claimerr.New(claimerr.KindBuild, "%s program is empty", name)
	}
	if prog[0] == 0 || prog[0] > maxProgramVersion {
		return claimerr.New(claimerr.KindBuild, "%s program has unsupported version byte %d", name, prog[0])
	}
	return nil
}

func checkEscrowID(id uint64) error {
	if id == 0 {
		return claimerr.New(claimerr.KindBuild, "escrow id is required")
	}
	return nil
}
