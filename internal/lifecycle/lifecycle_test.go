package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
	"claimdrop/internal/ledger/ledgersim"
	"claimdrop/internal/notify"
	"claimdrop/internal/registry"
	"claimdrop/internal/retry"
	"claimdrop/internal/sponsor"
	"claimdrop/internal/txbuilder"
	"claimdrop/internal/validate"
)

const testnet = "testnet"

type funderFunc func(ctx context.Context, req sponsor.FundRequest) (sponsor.FundResponse, error)

func (f funderFunc) Fund(ctx context.Context, req sponsor.FundRequest) (sponsor.FundResponse, error) {
	return f(ctx, req)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, n := range r.sent {
		out = append(out, n.Event)
	}
	return out
}

type countingObserver struct {
	mu          sync.Mutex
	submissions map[string]int
	sponsored   map[string]int
}

func (c *countingObserver) ObserveSubmission(op, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submissions[op+"/"+result]++
}

func (c *countingObserver) ObserveSponsorship(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sponsored[outcome]++
}

func (c *countingObserver) ObserveRetry(string) {}

type harness struct {
	t        *testing.T
	ctx      context.Context
	sim      *ledgersim.Simulator
	store    *registry.MemoryStore
	orch     *Orchestrator
	ledgers  map[validate.Network]ledger.Client
	owner    crypto.Account
	notes    *recordingNotifier
	observed *countingObserver
	funder   funderFunc
}

func newHarness(t *testing.T) *harness {
	sim := ledgersim.New()
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		sim:      sim,
		store:    registry.NewMemoryStore(),
		owner:    crypto.GenerateAccount(),
		notes:    &recordingNotifier{},
		observed: &countingObserver{submissions: map[string]int{}, sponsored: map[string]int{}},
	}
	h.funder = func(_ context.Context, req sponsor.FundRequest) (sponsor.FundResponse, error) {
		require.NoError(t, sim.Credit(req.Address, req.Amount))
		return sponsor.FundResponse{Amount: req.Amount, TxID: "SPONSOR-" + req.CorrelationID}, nil
	}
	ledgers := map[validate.Network]ledger.Client{validate.Testnet: sim}
	h.ledgers = ledgers
	gate := sponsor.NewGate(ledgers, funderFunc(func(ctx context.Context, req sponsor.FundRequest) (sponsor.FundResponse, error) {
		return h.funder(ctx, req)
	}), time.Second)
	h.orch = New(Config{
		ConfirmationRounds: 5,
		Retry:              retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, ledgers, h.store,
		WithSponsor(gate),
		WithNotifier(h.notes),
		WithObserver(h.observed),
		WithClock(sim.Now),
	)
	require.NoError(t, sim.Credit(h.owner.Address.String(), 100_000_000))
	return h
}

func (h *harness) sign(acct crypto.Account, u txbuilder.Unsigned) []byte {
	_, raw, err := crypto.SignTransaction(acct.PrivateKey, u.Txn)
	require.NoError(h.t, err)
	return raw
}

func (h *harness) deploy(amount float64) (CreateClaimResult, SubmitResult) {
	created, err := h.orch.CreateClaim(h.ctx, CreateClaimRequest{
		Amount:    amount,
		Recipient: "friend@example.com",
		Sender:    h.owner.Address.String(),
		Network:   testnet,
	})
	require.NoError(h.t, err)
	deployed, err := h.orch.SubmitTransaction(h.ctx, SubmitRequest{Signed: h.sign(h.owner, created.Transaction), Network: testnet})
	require.NoError(h.t, err)
	return created, deployed
}

func (h *harness) fund(code string) SubmitResult {
	u, err := h.orch.FundContract(h.ctx, FundRequest{Ref: Ref{Code: code}, Sender: h.owner.Address.String()})
	require.NoError(h.t, err)
	res, err := h.orch.SubmitFunding(h.ctx, SubmitRequest{Signed: h.sign(h.owner, u), Ref: Ref{Code: code}})
	require.NoError(h.t, err)
	return res
}

func (h *harness) claimer(balance uint64) crypto.Account {
	acct := crypto.GenerateAccount()
	if balance > 0 {
		require.NoError(h.t, h.sim.Credit(acct.Address.String(), balance))
	}
	return acct
}

func (h *harness) redeem(claimer crypto.Account, code string) (SubmitResult, error) {
	claim, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: code, Claimer: claimer.Address.String(), Network: testnet})
	if err != nil {
		return SubmitResult{}, err
	}
	return h.orch.SubmitClaim(h.ctx, SubmitClaimRequest{Signed: h.sign(claimer, claim.Transaction), Code: code})
}

func (h *harness) escrowState(id uint64) escrow.State {
	app, err := h.sim.Application(h.ctx, id)
	require.NoError(h.t, err)
	st, err := escrow.DecodeState(app)
	require.NoError(h.t, err)
	return st
}

func TestHappyPathWithSponsorship(t *testing.T) {
	h := newHarness(t)
	created, deployed := h.deploy(5.0)
	assert.Equal(t, uint64(5_000_000), created.Amount)
	assert.Equal(t, registry.StageDeployed, deployed.Stage)
	assert.Equal(t, ledger.AppAddress(deployed.EscrowID), deployed.EscrowAddress)

	funded := h.fund(created.Code)
	assert.Equal(t, registry.StageFunded, funded.Stage)
	assert.Equal(t, escrow.FundingAmount(5_000_000, 1000), h.sim.Balance(deployed.EscrowAddress))

	claimer := h.claimer(0)
	claim, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: claimer.Address.String(), Network: testnet})
	require.NoError(t, err)
	require.NotNil(t, claim.Sponsorship)
	assert.Equal(t, sponsor.Succeeded, claim.Sponsorship.Outcome)
	assert.Equal(t, DefaultSponsorAmount, h.sim.Balance(claimer.Address.String()))

	rec, err := h.store.Get(h.ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, registry.StageAwaitingRedemption, rec.Stage)

	redeemed, err := h.orch.SubmitClaim(h.ctx, SubmitClaimRequest{Signed: h.sign(claimer, claim.Transaction), Code: created.Code})
	require.NoError(t, err)
	assert.Equal(t, registry.StageRedeemed, redeemed.Stage)

	assert.Zero(t, h.sim.Balance(deployed.EscrowAddress))
	assert.True(t, h.escrowState(deployed.EscrowID).Claimed)
	assert.Equal(t, DefaultSponsorAmount-1000+5_000_000+escrow.MinAccountBalance+1000, h.sim.Balance(claimer.Address.String()))

	rec, err = h.store.Get(h.ctx, created.Code)
	require.NoError(t, err)
	assert.True(t, rec.Consumed)
	assert.Equal(t, []notify.Event{notify.EventFunded, notify.EventRedeemed}, h.notes.events())
	assert.Equal(t, created.Code, h.notes.sent[0].Code)
	assert.Empty(t, h.notes.sent[1].Code)
	assert.Equal(t, 1, h.observed.sponsored["succeeded"])
	assert.Equal(t, 1, h.observed.submissions["redeem/confirmed"])
}

func TestDeploymentArgsCarryCommitment(t *testing.T) {
	h := newHarness(t)
	created, err := h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 2.5, Sender: h.owner.Address.String(), Network: testnet})
	require.NoError(t, err)

	commitment, amount, owner, err := txbuilder.DecodeCreateArgs(created.Transaction.Txn.ApplicationArgs)
	require.NoError(t, err)
	assert.Equal(t, claimcode.Commit(created.Code), commitment)
	assert.Equal(t, created.Commitment, commitment)
	assert.Equal(t, uint64(2_500_000), amount)
	assert.Equal(t, h.owner.Address, owner)
	assert.Len(t, created.Code, claimcode.CodeLength)

	rec, err := h.store.Get(h.ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, registry.StageAwaitingDeployment, rec.Stage)
	assert.Equal(t, created.Transaction.TxID, rec.PendingTxID)
}

func TestValidationFailsBeforeNetwork(t *testing.T) {
	h := newHarness(t)
	h.sim.FailNext(1000)

	_, err := h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 1, Sender: "not-an-address", Network: testnet})
	assert.ErrorIs(t, err, claimerr.ErrInvalidAddress)

	_, err = h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 0, Sender: h.owner.Address.String(), Network: testnet})
	assert.ErrorIs(t, err, claimerr.ErrInvalidAmount)

	_, err = h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 1, Sender: h.owner.Address.String(), Network: "mainnet"})
	assert.ErrorIs(t, err, claimerr.ErrInvalidNetwork)

	_, err = h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 1, Sender: h.owner.Address.String(), Network: "moonnet"})
	assert.ErrorIs(t, err, claimerr.ErrInvalidNetwork)

	assert.Zero(t, h.store.Len())
}

func TestReadsRetriedOnNetworkError(t *testing.T) {
	h := newHarness(t)
	h.sim.FailNext(2)
	_, err := h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 1, Sender: h.owner.Address.String(), Network: testnet})
	require.NoError(t, err)
}

func TestFailedCreateLeavesNoRecord(t *testing.T) {
	h := newHarness(t)
	h.sim.FailNext(3)
	_, err := h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 1, Sender: h.owner.Address.String(), Network: testnet})
	require.ErrorIs(t, err, claimerr.ErrNetwork)
	assert.Zero(t, h.store.Len())

	created, err := h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 1, Sender: h.owner.Address.String(), Network: testnet})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.Len())
	rec, err := h.store.Get(h.ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, registry.StageAwaitingDeployment, rec.Stage)
	assert.Equal(t, created.Transaction.TxID, rec.PendingTxID)
}

func TestDoubleRedemptionReportsAlreadyClaimed(t *testing.T) {
	h := newHarness(t)
	created, deployed := h.deploy(5.0)
	h.fund(created.Code)

	first, second := h.claimer(1000), h.claimer(1000)
	claimA, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: first.Address.String()})
	require.NoError(t, err)
	assert.Nil(t, claimA.Sponsorship)
	claimB, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: second.Address.String()})
	require.NoError(t, err)

	_, err = h.orch.SubmitClaim(h.ctx, SubmitClaimRequest{Signed: h.sign(first, claimA.Transaction), Code: created.Code})
	require.NoError(t, err)
	rec, err := h.store.Get(h.ctx, created.Code)
	require.NoError(t, err)
	consumedAt := rec.ConsumedAt

	_, err = h.orch.SubmitClaim(h.ctx, SubmitClaimRequest{Signed: h.sign(second, claimB.Transaction), Code: created.Code})
	assert.ErrorIs(t, err, claimerr.ErrAlreadyClaimed)
	assert.False(t, claimerr.Retryable(err))

	rec, err = h.store.Get(h.ctx, created.Code)
	require.NoError(t, err)
	assert.True(t, consumedAt.Equal(rec.ConsumedAt))
	assert.Equal(t, uint64(1000), h.sim.Balance(second.Address.String()))
	assert.Zero(t, h.sim.Balance(deployed.EscrowAddress))

	_, err = h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: second.Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrAlreadyClaimed)
}

func TestConcurrentRedemptionsPayOnce(t *testing.T) {
	h := newHarness(t)
	created, _ := h.deploy(3.0)
	h.fund(created.Code)

	claimers := []crypto.Account{h.claimer(1000), h.claimer(1000), h.claimer(1000)}
	var signed [][]byte
	for _, c := range claimers {
		claim, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: c.Address.String()})
		require.NoError(t, err)
		signed = append(signed, h.sign(c, claim.Transaction))
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for _, raw := range signed {
		wg.Add(1)
		go func(raw []byte) {
			defer wg.Done()
			_, err := h.orch.SubmitClaim(h.ctx, SubmitClaimRequest{Signed: raw, Code: created.Code})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case claimerr.KindOf(err) == claimerr.KindAlreadyClaimed:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(raw)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, 2, rejected)

	paid := 0
	for _, c := range claimers {
		if h.sim.Balance(c.Address.String()) > 1000 {
			paid++
		}
	}
	assert.Equal(t, 1, paid)
}

func TestNeverFundedDistinctFromUnderfunded(t *testing.T) {
	h := newHarness(t)
	created, deployed := h.deploy(5.0)
	claimer := h.claimer(1000)

	_, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: claimer.Address.String()})
	require.ErrorIs(t, err, claimerr.ErrInsufficientEscrowBalance)
	assert.Contains(t, err.Error(), "never funded")

	sp, err := h.sim.SuggestedParams(h.ctx)
	require.NoError(t, err)
	sp.FlatFee = true
	sp.Fee = 1000
	partial, err := transaction.MakePaymentTxn(h.owner.Address.String(), deployed.EscrowAddress, 1_000_000, nil, "", sp)
	require.NoError(t, err)
	_, raw, err := crypto.SignTransaction(h.owner.PrivateKey, partial)
	require.NoError(t, err)
	_, err = h.orch.SubmitFunding(h.ctx, SubmitRequest{Signed: raw, Ref: Ref{Code: created.Code}})
	require.NoError(t, err)

	_, err = h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: claimer.Address.String()})
	require.ErrorIs(t, err, claimerr.ErrInsufficientEscrowBalance)
	assert.Contains(t, err.Error(), "underfunded")
	assert.NotContains(t, err.Error(), "never funded")
}

func TestWrongPreimageRejected(t *testing.T) {
	h := newHarness(t)
	created, deployed := h.deploy(5.0)
	h.fund(created.Code)
	claimer := h.claimer(1000)

	other, err := claimcode.Generate()
	require.NoError(t, err)
	sp, err := h.sim.SuggestedParams(h.ctx)
	require.NoError(t, err)
	u, err := txbuilder.Redeem(txbuilder.RedeemInput{Claimer: claimer.Address.String(), EscrowID: deployed.EscrowID, Code: other, Params: sp})
	require.NoError(t, err)

	_, err = h.orch.SubmitClaim(h.ctx, SubmitClaimRequest{Signed: h.sign(claimer, u), Code: created.Code})
	assert.ErrorIs(t, err, claimerr.ErrRejected)

	rec, err := h.store.Get(h.ctx, created.Code)
	require.NoError(t, err)
	assert.False(t, rec.Consumed)
	assert.False(t, h.escrowState(deployed.EscrowID).Claimed)
	assert.Equal(t, escrow.FundingAmount(5_000_000, 1000), h.sim.Balance(deployed.EscrowAddress))
}

func TestReclaimTimeoutAndDelete(t *testing.T) {
	h := newHarness(t)
	created, deployed := h.deploy(5.0)
	h.fund(created.Code)
	ownerReq := OwnerRequest{Ref: Ref{EscrowID: deployed.EscrowID, Network: testnet}, Owner: h.owner.Address.String()}

	h.sim.Advance(60 * time.Second)
	_, err := h.orch.RefundFunds(h.ctx, ownerReq)
	assert.ErrorIs(t, err, claimerr.ErrRefundLocked)

	// the program enforces the timeout even when the pre-check is bypassed
	sp, err := h.sim.SuggestedParams(h.ctx)
	require.NoError(t, err)
	early, err := txbuilder.Reclaim(txbuilder.ReclaimInput{Owner: h.owner.Address.String(), EscrowID: deployed.EscrowID, Params: sp})
	require.NoError(t, err)
	_, err = h.orch.SubmitRefund(h.ctx, SubmitRequest{Signed: h.sign(h.owner, early), Network: testnet})
	assert.ErrorIs(t, err, claimerr.ErrRefundLocked)

	stranger := crypto.GenerateAccount()
	_, err = h.orch.RefundFunds(h.ctx, OwnerRequest{Ref: ownerReq.Ref, Owner: stranger.Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrRejected)

	h.sim.Advance(241 * time.Second)
	before := h.sim.Balance(h.owner.Address.String())
	u, err := h.orch.RefundFunds(h.ctx, ownerReq)
	require.NoError(t, err)
	refunded, err := h.orch.SubmitRefund(h.ctx, SubmitRequest{Signed: h.sign(h.owner, u), Network: testnet})
	require.NoError(t, err)
	assert.Equal(t, registry.StageReclaimed, refunded.Stage)
	assert.Equal(t, before-1000+5_000_000, h.sim.Balance(h.owner.Address.String()))

	_, err = h.orch.RefundFunds(h.ctx, ownerReq)
	assert.ErrorIs(t, err, claimerr.ErrAlreadyRefunded)
	_, err = h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: h.claimer(1000).Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrAlreadyRefunded)

	u, err = h.orch.DeleteContract(h.ctx, ownerReq)
	require.NoError(t, err)
	deleted, err := h.orch.SubmitDelete(h.ctx, SubmitRequest{Signed: h.sign(h.owner, u), Network: testnet})
	require.NoError(t, err)
	assert.Equal(t, registry.StageDeleted, deleted.Stage)
	assert.Zero(t, h.sim.Balance(deployed.EscrowAddress))

	_, err = h.sim.Application(h.ctx, deployed.EscrowID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// nextRound lets a paused simulator include its pending transactions.
func (h *harness) nextRound() {
	h.sim.Pause(false)
	round, err := h.sim.Status(h.ctx)
	require.NoError(h.t, err)
	_, err = h.sim.WaitForRound(h.ctx, round+1)
	require.NoError(h.t, err)
}

func TestLateRedemptionAfterReclaimRequested(t *testing.T) {
	h := newHarness(t)
	created, deployed := h.deploy(5.0)
	h.fund(created.Code)
	h.sim.Advance(301 * time.Second)

	claimer := h.claimer(0)
	claim, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: claimer.Address.String()})
	require.NoError(t, err)
	// the owner asks for a reclaim but never signs it
	_, err = h.orch.RefundFunds(h.ctx, OwnerRequest{Ref: Ref{Code: created.Code}, Owner: h.owner.Address.String()})
	require.NoError(t, err)

	h.sim.Pause(true)
	_, err = h.orch.SubmitClaim(h.ctx, SubmitClaimRequest{Signed: h.sign(claimer, claim.Transaction), Code: created.Code})
	require.ErrorIs(t, err, claimerr.ErrConfirmationTimeout)
	h.nextRound()
	assert.Zero(t, h.sim.Balance(deployed.EscrowAddress))

	status, err := h.orch.Reconcile(h.ctx, created.Code)
	require.NoError(t, err)
	assert.True(t, status.Record.Consumed)
	assert.Equal(t, registry.StageRedeemed, status.Record.Stage)

	_, err = h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: h.claimer(1000).Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrAlreadyClaimed)
}

func TestLateReclaimReportsAlreadyRefunded(t *testing.T) {
	h := newHarness(t)
	created, deployed := h.deploy(5.0)
	h.fund(created.Code)
	h.sim.Advance(301 * time.Second)
	ownerReq := OwnerRequest{Ref: Ref{Code: created.Code}, Owner: h.owner.Address.String()}

	u, err := h.orch.RefundFunds(h.ctx, ownerReq)
	require.NoError(t, err)
	h.sim.Pause(true)
	_, err = h.orch.SubmitRefund(h.ctx, SubmitRequest{Signed: h.sign(h.owner, u), Ref: ownerReq.Ref})
	require.ErrorIs(t, err, claimerr.ErrConfirmationTimeout)
	h.nextRound()
	assert.NotZero(t, h.sim.Balance(deployed.EscrowAddress))

	// the record still reads Reclaimable
	_, err = h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: h.claimer(1000).Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrAlreadyRefunded)

	status, err := h.orch.Reconcile(h.ctx, created.Code)
	require.NoError(t, err)
	assert.False(t, status.Record.Consumed)
	assert.Equal(t, registry.StageReclaimed, status.Record.Stage)
}

func TestRefundRejectedWhileLedgerLagsIsLocked(t *testing.T) {
	h := newHarness(t)
	created, _ := h.deploy(5.0)
	h.fund(created.Code)
	// the local clock runs ten seconds ahead of the last block
	orch := New(Config{
		ConfirmationRounds: 5,
		Retry:              retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}, h.ledgers, h.store, WithClock(func() time.Time { return h.sim.Now().Add(10 * time.Second) }))
	ownerReq := OwnerRequest{Ref: Ref{Code: created.Code}, Owner: h.owner.Address.String()}

	h.sim.Advance(295 * time.Second)
	u, err := orch.RefundFunds(h.ctx, ownerReq)
	require.NoError(t, err)
	_, err = orch.SubmitRefund(h.ctx, SubmitRequest{Signed: h.sign(h.owner, u), Ref: ownerReq.Ref})
	assert.ErrorIs(t, err, claimerr.ErrRefundLocked)
}

func TestDeleteRefusedWhileFunded(t *testing.T) {
	h := newHarness(t)
	created, _ := h.deploy(5.0)
	h.fund(created.Code)

	_, err := h.orch.DeleteContract(h.ctx, OwnerRequest{Ref: Ref{Code: created.Code}, Owner: h.owner.Address.String()})
	require.ErrorIs(t, err, claimerr.ErrRejected)
	assert.Contains(t, err.Error(), "dust")
}

func TestSponsorshipRateLimitedAndFailed(t *testing.T) {
	h := newHarness(t)
	created, _ := h.deploy(5.0)
	h.fund(created.Code)
	claimer := h.claimer(0)

	h.funder = func(context.Context, sponsor.FundRequest) (sponsor.FundResponse, error) {
		return sponsor.FundResponse{}, sponsor.ErrRateLimited
	}
	_, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: claimer.Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrRateLimited)

	h.funder = func(context.Context, sponsor.FundRequest) (sponsor.FundResponse, error) {
		return sponsor.FundResponse{}, assert.AnError
	}
	claim, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: claimer.Address.String()})
	require.NoError(t, err)
	assert.Equal(t, sponsor.Failed, claim.Sponsorship.Outcome)
	assert.NotEmpty(t, claim.Transaction.Bytes)
}

func TestConfirmationTimeoutThenReconcile(t *testing.T) {
	h := newHarness(t)
	created, deployed := h.deploy(5.0)

	u, err := h.orch.FundContract(h.ctx, FundRequest{Ref: Ref{Code: created.Code}, Sender: h.owner.Address.String()})
	require.NoError(t, err)

	h.sim.Pause(true)
	_, err = h.orch.SubmitFunding(h.ctx, SubmitRequest{Signed: h.sign(h.owner, u), Ref: Ref{Code: created.Code}})
	require.ErrorIs(t, err, claimerr.ErrConfirmationTimeout)
	assert.True(t, claimerr.Ambiguous(err))

	status, err := h.orch.Reconcile(h.ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, registry.StageAwaitingFunding, status.Record.Stage)
	assert.Equal(t, escrow.StatusEmpty, status.Status)

	h.sim.Pause(false)
	round, err := h.sim.Status(h.ctx)
	require.NoError(t, err)
	_, err = h.sim.WaitForRound(h.ctx, round+1)
	require.NoError(t, err)

	status, err = h.orch.Reconcile(h.ctx, created.Code)
	require.NoError(t, err)
	assert.Equal(t, registry.StageFunded, status.Record.Stage)
	assert.Equal(t, u.TxID, status.Record.FundingTxID)
	assert.Equal(t, escrow.StatusActive, status.Status)
	assert.Equal(t, deployed.EscrowID, status.Escrow.EscrowID)
}

func TestReconcileLateDeployment(t *testing.T) {
	h := newHarness(t)
	created, err := h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 1, Sender: h.owner.Address.String(), Network: testnet})
	require.NoError(t, err)

	h.sim.Pause(true)
	_, err = h.orch.SubmitTransaction(h.ctx, SubmitRequest{Signed: h.sign(h.owner, created.Transaction), Network: testnet})
	require.ErrorIs(t, err, claimerr.ErrConfirmationTimeout)

	h.sim.Pause(false)
	round, err := h.sim.Status(h.ctx)
	require.NoError(t, err)
	_, err = h.sim.WaitForRound(h.ctx, round+1)
	require.NoError(t, err)

	status, err := h.orch.Reconcile(h.ctx, created.Code)
	require.NoError(t, err)
	assert.True(t, status.Record.Deployed())
	assert.Equal(t, registry.StageDeployed, status.Record.Stage)
	require.NotNil(t, status.Escrow)
	assert.Equal(t, created.Commitment, status.Escrow.Commitment)
}

func TestWalletContracts(t *testing.T) {
	h := newHarness(t)
	funded, fundedDeploy := h.deploy(5.0)
	h.fund(funded.Code)
	_, emptyDeploy := h.deploy(1.0)

	contracts, err := h.orch.WalletContracts(h.ctx, h.owner.Address.String(), testnet)
	require.NoError(t, err)
	require.Len(t, contracts, 2)
	byID := map[uint64]Contract{}
	for _, c := range contracts {
		byID[c.EscrowID] = c
	}
	assert.Equal(t, escrow.StatusActive, byID[fundedDeploy.EscrowID].Status)
	assert.Equal(t, escrow.StatusEmpty, byID[emptyDeploy.EscrowID].Status)

	h.sim.Advance(301 * time.Second)
	contracts, err = h.orch.WalletContracts(h.ctx, h.owner.Address.String(), testnet)
	require.NoError(t, err)
	for _, c := range contracts {
		if c.EscrowID == fundedDeploy.EscrowID {
			assert.Equal(t, escrow.StatusRefundable, c.Status)
		}
	}

	_, err = h.redeem(h.claimer(1000), funded.Code)
	require.NoError(t, err)
	contracts, err = h.orch.WalletContracts(h.ctx, h.owner.Address.String(), testnet)
	require.NoError(t, err)
	for _, c := range contracts {
		if c.EscrowID == fundedDeploy.EscrowID {
			assert.Equal(t, escrow.StatusClaimed, c.Status)
		}
	}

	none, err := h.orch.WalletContracts(h.ctx, crypto.GenerateAccount().Address.String(), testnet)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUnknownCodeIsClaimNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: "00000000000000000000000000000000", Claimer: h.owner.Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrClaimNotFound)

	_, err = h.orch.Reconcile(h.ctx, "missing")
	assert.ErrorIs(t, err, claimerr.ErrClaimNotFound)
}

func TestClaimBeforeDeploymentIsNotDeployed(t *testing.T) {
	h := newHarness(t)
	created, err := h.orch.CreateClaim(h.ctx, CreateClaimRequest{Amount: 1, Sender: h.owner.Address.String(), Network: testnet})
	require.NoError(t, err)

	_, err = h.orch.ClaimFunds(h.ctx, ClaimRequest{Code: created.Code, Claimer: h.owner.Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrNotDeployed)
	_, err = h.orch.FundContract(h.ctx, FundRequest{Ref: Ref{Code: created.Code}, Sender: h.owner.Address.String()})
	assert.ErrorIs(t, err, claimerr.ErrNotDeployed)
}

func TestEscrowFromReceipt(t *testing.T) {
	_, _, err := escrowFromReceipt(ledger.Receipt{TxID: "T", ConfirmedRound: 5})
	assert.ErrorIs(t, err, claimerr.ErrInvalidReceipt)
	_, _, err = escrowFromReceipt(ledger.Receipt{TxID: "T", ApplicationIndex: 9})
	assert.ErrorIs(t, err, claimerr.ErrInvalidReceipt)

	id, addr, err := escrowFromReceipt(ledger.Receipt{TxID: "T", ConfirmedRound: 5, ApplicationIndex: 9})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), id)
	assert.Equal(t, ledger.AppAddress(9), addr)
}
