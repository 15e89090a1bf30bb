package ledgersim

import (
	"context"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimdrop/internal/claimcode"
	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
	"claimdrop/internal/txbuilder"
)

type harness struct {
	t      *testing.T
	ctx    context.Context
	sim    *Simulator
	owner  crypto.Account
	code   string
	id     uint64
	amount uint64
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, ctx: context.Background(), sim: New(), owner: crypto.GenerateAccount(), amount: 5_000_000}
	require.NoError(t, h.sim.Credit(h.owner.Address.String(), 100_000_000))
	code, err := claimcode.Generate()
	require.NoError(t, err)
	h.code = code
	return h
}

// send signs, submits and confirms one transaction.
func (h *harness) send(signer crypto.Account, u txbuilder.Unsigned) (ledger.Receipt, error) {
	_, raw, err := crypto.SignTransaction(signer.PrivateKey, u.Txn)
	require.NoError(h.t, err)
	txID, err := h.sim.Submit(h.ctx, raw)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.WaitForConfirmation(h.ctx, h.sim, txID, 5)
}

func (h *harness) params() types.SuggestedParams {
	sp, err := h.sim.SuggestedParams(h.ctx)
	require.NoError(h.t, err)
	return sp
}

func (h *harness) deploy() {
	src, err := escrow.Render(escrow.Params{Commitment: claimcode.Commit(h.code), Owner: h.owner.Address, Amount: h.amount})
	require.NoError(h.t, err)
	approval, err := h.sim.Compile(h.ctx, src)
	require.NoError(h.t, err)
	clearProg, err := h.sim.Compile(h.ctx, escrow.ClearProgram())
	require.NoError(h.t, err)
	u, err := txbuilder.Deploy(txbuilder.DeployInput{
		Sender:     h.owner.Address.String(),
		Commitment: claimcode.Commit(h.code),
		Amount:     5.0,
		Approval:   approval,
		Clear:      clearProg,
		Params:     h.params(),
	})
	require.NoError(h.t, err)
	receipt, err := h.send(h.owner, u)
	require.NoError(h.t, err)
	require.NotZero(h.t, receipt.ApplicationIndex)
	h.id = receipt.ApplicationIndex
}

func (h *harness) fund() {
	u, err := txbuilder.Fund(txbuilder.FundInput{Sender: h.owner.Address.String(), EscrowID: h.id, Amount: h.amount, Params: h.params()})
	require.NoError(h.t, err)
	_, err = h.send(h.owner, u)
	require.NoError(h.t, err)
}

func (h *harness) redeem(claimer crypto.Account, code string) error {
	u, err := txbuilder.Redeem(txbuilder.RedeemInput{Claimer: claimer.Address.String(), EscrowID: h.id, Code: code, Params: h.params()})
	require.NoError(h.t, err)
	_, err = h.send(claimer, u)
	return err
}

func (h *harness) reclaim() error {
	u, err := txbuilder.Reclaim(txbuilder.ReclaimInput{Owner: h.owner.Address.String(), EscrowID: h.id, Params: h.params()})
	require.NoError(h.t, err)
	_, err = h.send(h.owner, u)
	return err
}

func TestRedeemPaysClaimerAndEmptiesEscrow(t *testing.T) {
	h := newHarness(t)
	h.deploy()
	h.fund()

	escrowAddr := ledger.AppAddress(h.id)
	assert.Equal(t, escrow.FundingAmount(h.amount, 1000), h.sim.Balance(escrowAddr))

	claimer := crypto.GenerateAccount()
	require.NoError(t, h.sim.Credit(claimer.Address.String(), 1000))
	require.NoError(t, h.redeem(claimer, h.code))

	assert.Zero(t, h.sim.Balance(escrowAddr))
	// fee paid from the claimer's 1000; reserve minus the inner fee closed back
	assert.Equal(t, h.amount+escrow.MinAccountBalance+1000, h.sim.Balance(claimer.Address.String()))

	app, err := h.sim.Application(h.ctx, h.id)
	require.NoError(t, err)
	st, err := escrow.DecodeState(app)
	require.NoError(t, err)
	assert.True(t, st.Claimed)

	err = h.redeem(claimer, h.code)
	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "already claimed")
}

func TestRedeemWrongPreimageRejected(t *testing.T) {
	h := newHarness(t)
	h.deploy()
	h.fund()

	claimer := crypto.GenerateAccount()
	require.NoError(t, h.sim.Credit(claimer.Address.String(), 1000))
	other, err := claimcode.Generate()
	require.NoError(t, err)

	err = h.redeem(claimer, other)
	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, escrow.FundingAmount(h.amount, 1000), h.sim.Balance(ledger.AppAddress(h.id)))
}

func TestRedeemUnfundedRejected(t *testing.T) {
	h := newHarness(t)
	h.deploy()
	claimer := crypto.GenerateAccount()
	require.NoError(t, h.sim.Credit(claimer.Address.String(), 1000))

	var rejected *ledger.RejectedError
	require.ErrorAs(t, h.redeem(claimer, h.code), &rejected)
}

func TestClaimerWithoutFeeOverspends(t *testing.T) {
	h := newHarness(t)
	h.deploy()
	h.fund()

	var rejected *ledger.RejectedError
	require.ErrorAs(t, h.redeem(crypto.GenerateAccount(), h.code), &rejected)
	assert.Contains(t, rejected.Reason, "overspend")
}

func TestRefundTimeoutEnforced(t *testing.T) {
	h := newHarness(t)
	h.deploy()
	h.fund()

	h.sim.Advance(60 * time.Second)
	var rejected *ledger.RejectedError
	require.ErrorAs(t, h.reclaim(), &rejected)
	assert.Contains(t, rejected.Reason, "refund timeout")

	h.sim.Advance(241 * time.Second)
	before := h.sim.Balance(h.owner.Address.String())
	require.NoError(t, h.reclaim())
	assert.Equal(t, before-1000+h.amount, h.sim.Balance(h.owner.Address.String()))

	escrowAddr := ledger.AppAddress(h.id)
	assert.Equal(t, escrow.MinAccountBalance+1000, h.sim.Balance(escrowAddr))

	u, err := txbuilder.Delete(txbuilder.DeleteInput{Owner: h.owner.Address.String(), EscrowID: h.id, Params: h.params()})
	require.NoError(t, err)
	_, err = h.send(h.owner, u)
	require.NoError(t, err)
	assert.Zero(t, h.sim.Balance(escrowAddr))

	_, err = h.sim.Application(h.ctx, h.id)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDeleteAboveDustRejected(t *testing.T) {
	h := newHarness(t)
	h.deploy()
	h.fund()

	u, err := txbuilder.Delete(txbuilder.DeleteInput{Owner: h.owner.Address.String(), EscrowID: h.id, Params: h.params()})
	require.NoError(t, err)
	_, err = h.send(h.owner, u)
	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "dust")
}

func TestSecondClaimInSameRoundFailsAtConfirmation(t *testing.T) {
	h := newHarness(t)
	h.deploy()
	h.fund()

	a, b := crypto.GenerateAccount(), crypto.GenerateAccount()
	require.NoError(t, h.sim.Credit(a.Address.String(), 1000))
	require.NoError(t, h.sim.Credit(b.Address.String(), 1000))

	var ids []string
	for _, claimer := range []crypto.Account{a, b} {
		u, err := txbuilder.Redeem(txbuilder.RedeemInput{Claimer: claimer.Address.String(), EscrowID: h.id, Code: h.code, Params: h.params()})
		require.NoError(t, err)
		_, raw, err := crypto.SignTransaction(claimer.PrivateKey, u.Txn)
		require.NoError(t, err)
		txID, err := h.sim.Submit(h.ctx, raw)
		require.NoError(t, err)
		ids = append(ids, txID)
	}

	_, err := ledger.WaitForConfirmation(h.ctx, h.sim, ids[0], 5)
	require.NoError(t, err)
	_, err = ledger.WaitForConfirmation(h.ctx, h.sim, ids[1], 5)
	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestCreateRejectsMismatchedArgs(t *testing.T) {
	h := newHarness(t)
	other, err := claimcode.Generate()
	require.NoError(t, err)
	src, err := escrow.Render(escrow.Params{Commitment: claimcode.Commit(other), Owner: h.owner.Address, Amount: h.amount})
	require.NoError(t, err)
	approval, err := h.sim.Compile(h.ctx, src)
	require.NoError(t, err)
	clearProg, err := h.sim.Compile(h.ctx, escrow.ClearProgram())
	require.NoError(t, err)

	u, err := txbuilder.Deploy(txbuilder.DeployInput{
		Sender:     h.owner.Address.String(),
		Commitment: claimcode.Commit(h.code),
		Amount:     5.0,
		Approval:   approval,
		Clear:      clearProg,
		Params:     h.params(),
	})
	require.NoError(t, err)
	_, err = h.send(h.owner, u)
	var rejected *ledger.RejectedError
	require.ErrorAs(t, err, &rejected)
}

func TestCompileNeedsPragma(t *testing.T) {
	_, err := New().Compile(context.Background(), "int 1\nreturn\n")
	assert.ErrorIs(t, err, claimerr.ErrBuild)
}

func TestAccountListsCreatedApps(t *testing.T) {
	h := newHarness(t)
	h.deploy()

	acct, err := h.sim.Account(h.ctx, h.owner.Address.String())
	require.NoError(t, err)
	require.Len(t, acct.CreatedApps, 1)
	assert.Equal(t, h.id, acct.CreatedApps[0].ID)
	assert.Equal(t, uint64(100_000+100_000+3*28_500+2*50_000), acct.MinBalance)
}

func TestPausedLedgerTimesOut(t *testing.T) {
	h := newHarness(t)
	h.sim.Pause(true)
	u, err := txbuilder.Fund(txbuilder.FundInput{Sender: h.owner.Address.String(), EscrowID: 5, Amount: h.amount, Params: h.params()})
	require.NoError(t, err)
	_, err = h.send(h.owner, u)
	assert.ErrorIs(t, err, ledger.ErrConfirmationTimeout)
}

func TestFailNextSurfacesNetworkError(t *testing.T) {
	sim := New()
	sim.FailNext(1)
	_, err := sim.Status(context.Background())
	assert.True(t, claimerr.Retryable(err))
	_, err = sim.Status(context.Background())
	assert.NoError(t, err)
}
