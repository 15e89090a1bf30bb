// Package escrow holds the hash-locked escrow program template and the
// decoding of its on-chain state.
package escrow

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimcode"
)

const (
	// DefaultRefundTimeout is how long the owner must wait before reclaiming.
	DefaultRefundTimeout = 300 * time.Second
	// MinAccountBalance is the ledger's minimum holding for a live account.
	MinAccountBalance uint64 = 100_000
	// DefaultDustThreshold caps the residual balance at teardown.
	DefaultDustThreshold uint64 = 200_000
)

// Action tags carried as the first application argument.
const (
	ActionClaim  = "claim"
	ActionRefund = "refund"
)

// Global state keys written by the program.
const (
	KeyCommitment = "commitment"
	KeyAmount     = "amount"
	KeyOwner      = "owner"
	KeyCreatedAt  = "created_at"
	KeyClaimed    = "claimed"
)

// GlobalSchema reserves the program's state: amount, created_at and claimed
// as uints; commitment and owner as byte slices.
var GlobalSchema = types.StateSchema{NumUint: 3, NumByteSlice: 2}

// Params are baked into a rendered program.
type Params struct {
	Commitment    claimcode.Commitment
	Owner         types.Address
	Amount        uint64
	RefundTimeout time.Duration
	DustThreshold uint64
}

func (p Params) withDefaults() Params {
	if p.RefundTimeout <= 0 {
		p.RefundTimeout = DefaultRefundTimeout
	}
	if p.DustThreshold == 0 {
		p.DustThreshold = DefaultDustThreshold
	}
	return p
}

// FundingAmount is what the escrow account must receive so that one payout
// with its fee succeeds and the account minimum is still covered.
func FundingAmount(amount, fee uint64) uint64 {
	return amount + MinAccountBalance + 2*fee
}

// Redeemable is the balance the program requires before paying out.
func Redeemable(amount, fee uint64) uint64 {
	return amount + fee
}

var approvalTemplate = template.Must(template.New("approval").Parse(`#pragma version 8
txn ApplicationID
int 0
==
bnz create

txn OnCompletion
int DeleteApplication
==
bnz teardown

txn OnCompletion
int CloseOut
==
bnz teardown

txn OnCompletion
int NoOp
==
assert

txna ApplicationArgs 0
byte "claim"
==
bnz claim

txna ApplicationArgs 0
byte "refund"
==
bnz refund

err

create:
txn NumAppArgs
int 3
==
assert
txna ApplicationArgs 0
byte 0x{{.Commitment}} // commitment
==
assert
txna ApplicationArgs 1
btoi
int {{.Amount}} // amount
==
assert
txna ApplicationArgs 2
addr {{.Owner}} // owner
==
assert
byte "commitment"
txna ApplicationArgs 0
app_global_put
byte "amount"
txna ApplicationArgs 1
btoi
app_global_put
byte "owner"
txna ApplicationArgs 2
app_global_put
byte "created_at"
global LatestTimestamp
app_global_put
byte "claimed"
int 0
app_global_put
int 1
return

claim:
txn NumAppArgs
int 2
==
assert
byte "claimed"
app_global_get
!
assert
txna ApplicationArgs 1
sha256
byte "commitment"
app_global_get
==
assert
callsub funded
byte "claimed"
int 1
app_global_put
itxn_begin
int pay
itxn_field TypeEnum
txn Sender
itxn_field Receiver
byte "amount"
app_global_get
itxn_field Amount
txn Sender
itxn_field CloseRemainderTo
global MinTxnFee
itxn_field Fee
itxn_submit
int 1
return

refund:
byte "claimed"
app_global_get
!
assert
txn Sender
byte "owner"
app_global_get
==
assert
global LatestTimestamp
byte "created_at"
app_global_get
-
int {{.RefundTimeout}} // refund timeout
>=
assert
callsub funded
byte "claimed"
int 1
app_global_put
itxn_begin
int pay
itxn_field TypeEnum
byte "owner"
app_global_get
itxn_field Receiver
byte "amount"
app_global_get
itxn_field Amount
global MinTxnFee
itxn_field Fee
itxn_submit
int 1
return

teardown:
txn Sender
byte "owner"
app_global_get
==
assert
global CurrentApplicationAddress
balance
int {{.DustThreshold}} // dust threshold
<=
assert
global CurrentApplicationAddress
balance
bz done
itxn_begin
int pay
itxn_field TypeEnum
byte "owner"
app_global_get
itxn_field Receiver
byte "owner"
app_global_get
itxn_field CloseRemainderTo
global MinTxnFee
itxn_field Fee
itxn_submit
done:
int 1
return

funded:
global CurrentApplicationAddress
balance
byte "amount"
app_global_get
global MinTxnFee
+
>=
assert
retsub
`))

const clearProgram = "#pragma version 8\nint 1\nreturn\n"

// Render emits the approval program source for one escrow.
func Render(p Params) (string, error) {
	p = p.withDefaults()
	if p.Amount == 0 {
		return "", fmt.Errorf("escrow amount must be positive")
	}
	if p.Owner == (types.Address{}) {
		return "", fmt.Errorf("escrow owner is required")
	}
	var buf bytes.Buffer
	err := approvalTemplate.Execute(&buf, map[string]any{
		"Commitment":    p.Commitment.Hex(),
		"Amount":        p.Amount,
		"Owner":         p.Owner.String(),
		"RefundTimeout": uint64(p.RefundTimeout / time.Second),
		"DustThreshold": p.DustThreshold,
	})
	if err != nil {
		return "", fmt.Errorf("render escrow program: %w", err)
	}
	return buf.String(), nil
}

// ClearProgram accepts every clear-state call; the escrow keeps no local state.
func ClearProgram() string {
	return clearProgram
}

// ParseParams recovers the baked constants from rendered program source.
func ParseParams(source string) (Params, error) {
	var (
		p     Params
		found = map[string]bool{}
	)
	for _, line := range strings.Split(source, "\n") {
		code, tag, ok := strings.Cut(line, " // ")
		if !ok {
			continue
		}
		tag = strings.TrimSpace(tag)
		fields := strings.Fields(code)
		if len(fields) != 2 {
			return Params{}, fmt.Errorf("malformed constant line %q", line)
		}
		value := fields[1]
		var err error
		switch tag {
		case "commitment":
			var raw []byte
			raw, err = hex.DecodeString(strings.TrimPrefix(value, "0x"))
			if err == nil {
				p.Commitment, err = claimcode.CommitmentFromBytes(raw)
			}
		case "amount":
			p.Amount, err = strconv.ParseUint(value, 10, 64)
		case "owner":
			p.Owner, err = types.DecodeAddress(value)
		case "refund timeout":
			var secs uint64
			secs, err = strconv.ParseUint(value, 10, 64)
			p.RefundTimeout = time.Duration(secs) * time.Second
		case "dust threshold":
			p.DustThreshold, err = strconv.ParseUint(value, 10, 64)
		default:
			continue
		}
		if err != nil {
			return Params{}, fmt.Errorf("parse %s: %w", tag, err)
		}
		found[tag] = true
	}
	for _, tag := range []string{"commitment", "amount", "owner", "refund timeout", "dust threshold"} {
		if !found[tag] {
			return Params{}, fmt.Errorf("program is missing %s", tag)
		}
	}
	return p, nil
}
