// Package lifecycle drives a claim through deployment, funding, redemption and
// the sender's reclaim path. Each step hands out an unsigned transaction,
// accepts the signed bytes back, submits them, waits for confirmation and
// reconciles the registry with what the ledger confirmed.
//
// The ledger's claimed flag is the only guard against double payout. Nothing
// here serializes concurrent attempts on the same claim.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
	"claimdrop/internal/log"
	"claimdrop/internal/notify"
	"claimdrop/internal/registry"
	"claimdrop/internal/retry"
	"claimdrop/internal/sponsor"
	"claimdrop/internal/txbuilder"
	"claimdrop/internal/validate"
)

const (
	DefaultNotifyTimeout         = 5 * time.Second
	DefaultWalletScanConcurrency = 8
	DefaultClockSkew             = 30 * time.Second
	// DefaultSponsorAmount covers a couple of fees plus headroom.
	DefaultSponsorAmount uint64 = 10_000
)

type Config struct {
	RefundTimeout      time.Duration
	DustThreshold      uint64
	ConfirmationRounds uint64
	// SponsorAmount is requested from the funder for a claimer below
	// SponsorMinBalance. A zero minimum means one transaction fee.
	SponsorAmount         uint64
	SponsorMinBalance     uint64
	NotifyTimeout         time.Duration
	WalletScanConcurrency int
	// ClockSkew is how far the local clock may run ahead of the ledger's
	// last block timestamp, which the refund timeout is checked against.
	ClockSkew time.Duration
	Retry     retry.Config
}

func (c Config) withDefaults() Config {
	if c.RefundTimeout <= 0 {
		c.RefundTimeout = escrow.DefaultRefundTimeout
	}
	if c.DustThreshold == 0 {
		c.DustThreshold = escrow.DefaultDustThreshold
	}
	if c.ConfirmationRounds == 0 {
		c.ConfirmationRounds = ledger.DefaultConfirmationRounds
	}
	if c.SponsorAmount == 0 {
		c.SponsorAmount = DefaultSponsorAmount
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = DefaultNotifyTimeout
	}
	if c.WalletScanConcurrency <= 0 {
		c.WalletScanConcurrency = DefaultWalletScanConcurrency
	}
	if c.ClockSkew <= 0 {
		c.ClockSkew = DefaultClockSkew
	}
	return c
}

// Observer is told about outcomes worth counting.
type Observer interface {
	ObserveSubmission(op, result string)
	ObserveSponsorship(outcome string)
	ObserveRetry(result string)
}

type nopObserver struct{}

func (nopObserver) ObserveSubmission(string, string) {}
func (nopObserver) ObserveSponsorship(string)        {}
func (nopObserver) ObserveRetry(string)              {}

type Orchestrator struct {
	conf     Config
	ledgers  map[validate.Network]ledger.Client
	registry registry.Store
	gate     *sponsor.Gate
	notifier notify.Notifier
	observer Observer
	retry    *retry.Retry
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithSponsor(g *sponsor.Gate) Option {
	return func(o *Orchestrator) { o.gate = g }
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock sets the clock compared against escrow creation times.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(conf Config, ledgers map[validate.Network]ledger.Client, store registry.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		conf:     conf.withDefaults(),
		ledgers:  ledgers,
		registry: store,
		notifier: notify.LogNotifier{},
		observer: nopObserver{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.retry = retry.New(conf.Retry)
	o.retry.Observe = o.observer.ObserveRetry
	return o
}

// Networks lists the networks with a configured ledger client.
func (o *Orchestrator) Networks() map[validate.Network]ledger.Client {
	return o.ledgers
}

func (o *Orchestrator) client(raw string) (validate.Network, ledger.Client, error) {
	network, err := validate.ParseNetwork(raw)
	if err != nil {
		return "", nil, err
	}
	c, ok := o.ledgers[network]
	if !ok {
		return "", nil, claimerr.New(claimerr.KindInvalidNetwork, "network %q is not configured", network)
	}
	return network, c, nil
}

// clientFor resolves the client for a record, rejecting a mismatched request network.
func (o *Orchestrator) clientFor(rec registry.Record, requested string) (ledger.Client, error) {
	if requested != "" {
		network, err := validate.ParseNetwork(requested)
		if err != nil {
			return nil, err
		}
		if network != rec.Network {
			return nil, claimerr.New(claimerr.KindInvalidNetwork, "claim lives on %s, not %s", rec.Network, network)
		}
	}
	_, c, err := o.client(string(rec.Network))
	return c, err
}

// read runs a retry-safe ledger read.
func (o *Orchestrator) read(ctx context.Context, op string, fn func() error) error {
	return o.retry.Do(ctx, op, func(int) error { return fn() })
}

func (o *Orchestrator) params(ctx context.Context, c ledger.Client) (types.SuggestedParams, error) {
	var sp types.SuggestedParams
	err := o.read(ctx, "suggested params", func() (err error) {
		sp, err = c.SuggestedParams(ctx)
		return err
	})
	return sp, err
}

func (o *Orchestrator) compile(ctx context.Context, c ledger.Client, source string) (ledger.Program, error) {
	var prog ledger.Program
	err := o.read(ctx, "compile", func() (err error) {
		prog, err = c.Compile(ctx, source)
		return err
	})
	return prog, err
}

func (o *Orchestrator) balance(ctx context.Context, c ledger.Client, address string) (uint64, error) {
	var acct ledger.Account
	err := o.read(ctx, "account", func() (err error) {
		acct, err = c.Account(ctx, address)
		return err
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return 0, nil
	}
	return acct.Amount, err
}

// escrowState freshly reads and decodes an escrow. A deleted escrow is
// reported as ledger.ErrNotFound.
func (o *Orchestrator) escrowState(ctx context.Context, c ledger.Client, id uint64) (escrow.State, error) {
	var app ledger.Application
	err := o.read(ctx, "application", func() (err error) {
		app, err = c.Application(ctx, id)
		return err
	})
	if err != nil {
		return escrow.State{}, err
	}
	st, err := escrow.DecodeState(app)
	if err != nil {
		return escrow.State{}, claimerr.Wrap(claimerr.KindInvalidReceipt, err, "escrow %d", id)
	}
	return st, nil
}

func (o *Orchestrator) lookup(ctx context.Context, code string) (registry.Record, error) {
	rec, err := o.registry.Get(ctx, code)
	if errors.Is(err, registry.ErrNotFound) {
		return rec, claimerr.New(claimerr.KindClaimNotFound, "no claim registered for this code")
	}
	return rec, err
}

// Ref names a claim by code or by escrow id on a network.
type Ref struct {
	Code     string
	EscrowID uint64
	Network  string
}

func (o *Orchestrator) resolve(ctx context.Context, ref Ref) (registry.Record, ledger.Client, error) {
	var (
		rec registry.Record
		err error
	)
	switch {
	case ref.Code != "":
		rec, err = o.lookup(ctx, ref.Code)
	case ref.EscrowID != 0:
		var network validate.Network
		if network, _, err = o.client(ref.Network); err != nil {
			return rec, nil, err
		}
		rec, err = o.registry.GetByEscrow(ctx, network, ref.EscrowID)
		if errors.Is(err, registry.ErrNotFound) {
			err = claimerr.New(claimerr.KindClaimNotFound, "no claim registered for escrow %d on %s", ref.EscrowID, network)
		}
	default:
		err = claimerr.New(claimerr.KindClaimNotFound, "a claim code or escrow id is required")
	}
	if err != nil {
		return rec, nil, err
	}
	c, err := o.clientFor(rec, ref.Network)
	return rec, c, err
}

// submitAndConfirm submits once and waits for confirmation. Submissions are
// never retried. A rejection comes back as *ledger.RejectedError for the
// caller to classify.
func (o *Orchestrator) submitAndConfirm(ctx context.Context, c ledger.Client, op string, signed txbuilder.Signed) (ledger.Receipt, error) {
	ctx = log.WithLogField(ctx, "tx", signed.TxID)
	txID, err := c.Submit(ctx, signed.Raw)
	if err != nil {
		if _, ok := ledger.AsRejection(err); ok {
			o.observer.ObserveSubmission(op, "rejected")
			return ledger.Receipt{}, err
		}
		o.observer.ObserveSubmission(op, "error")
		return ledger.Receipt{}, claimerr.Wrap(claimerr.KindNetwork, err, "submit %s transaction %s; resubmitting the same signed bytes is safe", op, signed.TxID)
	}
	log.L(ctx).Infof("submitted %s transaction", op)

	receipt, err := ledger.WaitForConfirmation(ctx, c, txID, o.conf.ConfirmationRounds)
	switch {
	case err == nil:
		o.observer.ObserveSubmission(op, "confirmed")
		log.L(ctx).Infof("%s transaction confirmed in round %d", op, receipt.ConfirmedRound)
		return receipt, nil
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		o.observer.ObserveSubmission(op, "timeout")
		return receipt, claimerr.Wrap(claimerr.KindConfirmationTimeout, err, "%s transaction %s may still confirm; check status before retrying", op, txID)
	default:
		if _, ok := ledger.AsRejection(err); ok {
			o.observer.ObserveSubmission(op, "rejected")
			return receipt, err
		}
		o.observer.ObserveSubmission(op, "timeout")
		return receipt, claimerr.Wrap(claimerr.KindConfirmationTimeout, err, "lost track of %s transaction %s; check status before retrying", op, txID)
	}
}

// rejected turns a ledger rejection into a business outcome by re-reading
// the escrow.
func (o *Orchestrator) rejected(ctx context.Context, c ledger.Client, rec registry.Record, op string, cause error) error {
	rej, ok := ledger.AsRejection(cause)
	if !ok {
		return cause
	}
	st, err := o.escrowState(ctx, c, rec.EscrowID)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return claimerr.Wrap(claimerr.KindRejected, rej, "escrow %d no longer exists", rec.EscrowID)
	case err != nil:
		log.L(ctx).Warnf("could not re-read escrow %d after rejection: %s", rec.EscrowID, err)
		return claimerr.Wrap(claimerr.KindRejected, rej, "%s rejected by the ledger", op)
	}
	if st.Claimed && (op == opRedeem || op == opRefund) {
		return o.claimedError(ctx, c, rec)
	}
	// the last block may lag the local clock, so a refund rejected just past
	// the timeout is still a locked refund
	if at := st.RefundableAt(o.conf.RefundTimeout); op == opRefund && o.now().Before(at.Add(o.conf.ClockSkew)) {
		return claimerr.Wrap(claimerr.KindRefundLocked, rej, "escrow %d is refundable from %s once the ledger catches up", rec.EscrowID, at.Format(time.RFC3339))
	}
	return claimerr.Wrap(claimerr.KindRejected, rej, "%s rejected by the ledger", op)
}

// claimedError reports an escrow whose claimed flag is set, which both a
// redemption and a reclaim leave behind.
func (o *Orchestrator) claimedError(ctx context.Context, c ledger.Client, rec registry.Record) error {
	if rec.Consumed {
		return alreadyRedeemed(rec)
	}
	balance, err := o.balance(ctx, c, rec.EscrowAddress)
	if err != nil {
		return err
	}
	if o.redeemed(ctx, c, rec, balance) {
		return alreadyRedeemed(rec)
	}
	return claimerr.New(claimerr.KindAlreadyRefunded, "escrow %d was already reclaimed by its owner", rec.EscrowID)
}

// redeemed tells which settlement drained a claimed escrow. A redemption
// closes the escrow account out to the claimer while a reclaim pays only the
// amount and leaves the reserve, so a zero balance means redeemed. A
// confirmed pending transaction is used first when the stage says what it was.
func (o *Orchestrator) redeemed(ctx context.Context, c ledger.Client, rec registry.Record, balance uint64) bool {
	if rec.Consumed {
		return true
	}
	if rec.PendingTxID != "" {
		receipt, err := c.PendingInfo(ctx, rec.PendingTxID)
		if err == nil && receipt.ConfirmedRound > 0 {
			switch rec.Stage {
			case registry.StageAwaitingRedemption:
				return true
			case registry.StageReclaimable:
				return false
			}
		}
	}
	return balance == 0
}

func alreadyRedeemed(rec registry.Record) error {
	return claimerr.New(claimerr.KindAlreadyClaimed, "escrow %d was already redeemed", rec.EscrowID)
}

func (o *Orchestrator) notify(ctx context.Context, n notify.Notification) {
	if o.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.conf.NotifyTimeout)
	defer cancel()
	if err := o.notifier.Notify(ctx, n); err != nil {
		log.L(ctx).Warnf("%s notification for escrow %d failed: %s", n.Event, n.EscrowID, err)
	}
}

// update applies fn, tolerating a record that was consumed or evicted
// meanwhile. The ledger outcome already happened; bookkeeping is best effort.
func (o *Orchestrator) update(ctx context.Context, rec registry.Record, fn func(*registry.Record) error) registry.Record {
	updated, err := o.registry.Update(ctx, rec.Code, fn)
	if err != nil {
		log.L(ctx).Debugf("registry update skipped: %s", err)
		return rec
	}
	return updated
}

const (
	opDeploy = "deploy"
	opFund   = "fund"
	opRedeem = "redeem"
	opRefund = "refund"
	opDelete = "delete"
	opOther  = "other"
)
