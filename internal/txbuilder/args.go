package txbuilder

import (
	"encoding/binary"
	"fmt"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
)

// All escrow program arguments are packed here. The order and encoding must
// match the branches of the approval program.

func packArgs(args ...any) ([][]byte, error) {
	out := make([][]byte, 0, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case []byte:
			out = append(out, v)
		case string:
			out = append(out, []byte(v))
		case claimcode.Commitment:
			out = append(out, v.Bytes())
		case types.Address:
			out = append(out, v[:])
		case uint64:
			out = append(out, binary.BigEndian.AppendUint64(nil, v))
		default:
			return nil, claimerr.New(claimerr.KindBuild, "argument %d has unsupported type %T", i, a)
		}
	}
	return out, nil
}

// EncodeCreateArgs packs [commitment, amount, owner].
func EncodeCreateArgs(c claimcode.Commitment, amount uint64, owner types.Address) ([][]byte, error) {
	return packArgs(c, amount, owner)
}

// EncodeClaimArgs packs ["claim", preimage].
func EncodeClaimArgs(code string) ([][]byte, error) {
	return packArgs(escrow.ActionClaim, code)
}

// EncodeRefundArgs packs ["refund"].
func EncodeRefundArgs() ([][]byte, error) {
	return packArgs(escrow.ActionRefund)
}

// DecodeCreateArgs reverses EncodeCreateArgs.
func DecodeCreateArgs(args [][]byte) (claimcode.Commitment, uint64, types.Address, error) {
	var owner types.Address
	if len(args) != 3 {
		return claimcode.Commitment{}, 0, owner, fmt.Errorf("expected 3 create arguments, got %d", len(args))
	}
	c, err := claimcode.CommitmentFromBytes(args[0])
	if err != nil {
		return claimcode.Commitment{}, 0, owner, err
	}
	if len(args[1]) != 8 {
		return claimcode.Commitment{}, 0, owner, fmt.Errorf("amount argument must be 8 bytes, got %d", len(args[1]))
	}
	if len(args[2]) != len(owner) {
		return claimcode.Commitment{}, 0, owner, fmt.Errorf("owner argument must be %d bytes, got %d", len(owner), len(args[2]))
	}
	copy(owner[:], args[2])
	return c, binary.BigEndian.Uint64(args[1]), owner, nil
}

// ActionOf returns the action tag of an application call, or "" if none.
func ActionOf(args [][]byte) string {
	if len(args) == 0 {
		return ""
	}
	return string(args[0])
}
