package txbuilder

import (
	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimerr"
)

// Signed is a wallet-returned transaction, decoded for routing.
type Signed struct {
	Txn  types.SignedTxn
	TxID string
	Raw  []byte
}

func (s Signed) IsAppCreate() bool {
	return s.Txn.Txn.Type == types.ApplicationCallTx && s.Txn.Txn.ApplicationFields.ApplicationCallTxnFields.ApplicationID == 0
}

func (s Signed) AppID() uint64 {
	return uint64(s.Txn.Txn.ApplicationFields.ApplicationCallTxnFields.ApplicationID)
}

func (s Signed) AppArgs() [][]byte {
	return s.Txn.Txn.ApplicationFields.ApplicationCallTxnFields.ApplicationArgs
}

func (s Signed) OnCompletion() types.OnCompletion {
	return s.Txn.Txn.ApplicationFields.ApplicationCallTxnFields.OnCompletion
}

func (s Signed) Sender() string {
	return s.Txn.Txn.Header.Sender.String()
}

// DecodeSigned parses canonical msgpack signed transaction bytes.
func DecodeSigned(raw []byte) (Signed, error) {
	if len(raw) == 0 {
		return Signed{}, claimerr.New(claimerr.KindBuild, "signed transaction is empty")
	}
	var stx types.SignedTxn
	if err := msgpack.Decode(raw, &stx); err != nil {
		return Signed{}, claimerr.Wrap(claimerr.KindBuild, err, "signed transaction does not decode")
	}
	if stx.Txn.Type == "" {
		return Signed{}, claimerr.New(claimerr.KindBuild, "signed transaction has no type")
	}
	return Signed{Txn: stx, TxID: crypto.GetTxID(stx.Txn), Raw: raw}, nil
}
