// Package sponsor tops up claimer wallets that cannot afford the redemption fee.
package sponsor

import (
	"context"
	"errors"
	"time"

	"claimdrop/internal/claimerr"
	"claimdrop/internal/ledger"
	"claimdrop/internal/log"
	"claimdrop/internal/validate"
)

const DefaultTimeout = 10 * time.Second

// ErrRateLimited is returned by a Funder that refused the request for now.
var ErrRateLimited = errors.New("funding collaborator rate limited the request")

type Outcome string

const (
	Succeeded   Outcome = "succeeded"
	RateLimited Outcome = "rate_limited"
	Failed      Outcome = "failed"
)

type FundRequest struct {
	Address       string           `json:"address"`
	Amount        uint64           `json:"amount"`
	Network       validate.Network `json:"network"`
	CorrelationID string           `json:"correlationId"`
}

type FundResponse struct {
	Amount uint64 `json:"amount"`
	TxID   string `json:"txId"`
}

// Funder is the external funding collaborator.
type Funder interface {
	Fund(ctx context.Context, req FundRequest) (FundResponse, error)
}

// Result of a sponsorship attempt. Failed is not fatal to redemption.
type Result struct {
	Outcome Outcome
	Amount  uint64
	TxID    string
	Reason  string
}

type Gate struct {
	ledgers map[validate.Network]ledger.Client
	funder  Funder
	timeout time.Duration
}

func NewGate(ledgers map[validate.Network]ledger.Client, funder Funder, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{ledgers: ledgers, funder: funder, timeout: timeout}
}

// Enabled reports whether a funding collaborator is configured.
func (g *Gate) Enabled() bool {
	return g != nil && g.funder != nil
}

// NeedsSponsorship reports whether address holds less than minimumBalance.
func (g *Gate) NeedsSponsorship(ctx context.Context, address string, network validate.Network, minimumBalance uint64) (bool, error) {
	client, ok := g.ledgers[network]
	if !ok {
		return false, claimerr.New(claimerr.KindInvalidNetwork, "network %q is not configured", network)
	}
	acct, err := client.Account(ctx, address)
	if errors.Is(err, ledger.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return acct.Amount < minimumBalance, nil
}

// Sponsor asks the funding collaborator for a top-up. It never returns an
// error; failures are reported through the Result.
func (g *Gate) Sponsor(ctx context.Context, address string, amount uint64, network validate.Network, correlationID string) Result {
	ctx = log.WithLogField(ctx, "correlation", correlationID)
	if !g.Enabled() {
		return Result{Outcome: Failed, Reason: "no funding collaborator configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res, err := g.funder.Fund(ctx, FundRequest{
		Address:       address,
		Amount:        amount,
		Network:       network,
		CorrelationID: correlationID,
	})
	switch {
	case errors.Is(err, ErrRateLimited):
		log.L(ctx).Warnf("sponsorship of %s rate limited", address)
		return Result{Outcome: RateLimited, Reason: err.Error()}
	case err != nil:
		log.L(ctx).Warnf("sponsorship of %s failed: %s", address, err)
		return Result{Outcome: Failed, Reason: err.Error()}
	}
	if res.Amount == 0 {
		res.Amount = amount
	}
	log.L(ctx).Infof("sponsored %s with %d (tx=%s)", address, res.Amount, res.TxID)
	return Result{Outcome: Succeeded, Amount: res.Amount, TxID: res.TxID}
}
