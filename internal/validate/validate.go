// Package validate normalizes addresses, amounts and network names before
// they reach any transaction.
package validate

import (
	"math"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimerr"
)

// MicrounitsPerUnit is the ratio between display units and ledger microunits.
const MicrounitsPerUnit = 1_000_000

// MaxAmount is the largest claim, in microunits. It is far below the
// uint64 range so funding arithmetic cannot overflow.
const MaxAmount uint64 = 10_000_000_000_000_000

type Network string

const (
	Mainnet  Network = "mainnet"
	Testnet  Network = "testnet"
	Betanet  Network = "betanet"
	Localnet Network = "localnet"
)

var networks = map[Network]struct{}{
	Mainnet:  {},
	Testnet:  {},
	Betanet:  {},
	Localnet: {},
}

func ParseNetwork(raw string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := networks[n]; !ok {
		return "", claimerr.New(claimerr.KindInvalidNetwork, "unknown network %q", raw)
	}
	return n, nil
}

// Address trims and upper-cases raw, then checks length and checksum.
func Address(raw string) (types.Address, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if normalized == "" {
		return types.Address{}, claimerr.New(claimerr.KindInvalidAddress, "address is required")
	}
	addr, err := types.DecodeAddress(normalized)
	if err != nil {
		return types.Address{}, claimerr.Wrap(claimerr.KindInvalidAddress, err, "malformed address %q", raw)
	}
	return addr, nil
}

// Amount converts a display-unit value into microunits.
func Amount(display float64) (uint64, error) {
	if math.IsNaN(display) || math.IsInf(display, 0) {
		return 0, claimerr.New(claimerr.KindInvalidAmount, "amount must be a finite number")
	}
	if display <= 0 {
		return 0, claimerr.New(claimerr.KindInvalidAmount, "amount must be positive, got %v", display)
	}
	scaled := math.Round(display * MicrounitsPerUnit)
	if scaled > float64(MaxAmount) {
		return 0, claimerr.New(claimerr.KindInvalidAmount, "amount %v exceeds the maximum of %v", display, DisplayAmount(MaxAmount))
	}
	micro := uint64(scaled)
	if micro == 0 {
		return 0, claimerr.New(claimerr.KindInvalidAmount, "amount %v is below the smallest unit", display)
	}
	return micro, nil
}

// DisplayAmount converts microunits back into display units.
func DisplayAmount(micro uint64) float64 {
	return float64(micro) / MicrounitsPerUnit
}
