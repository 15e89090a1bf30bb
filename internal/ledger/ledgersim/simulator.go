// Package ledgersim is an in-process ledger that evaluates the escrow
// program's transitions. It backs tests and local runs without a node.
package ledgersim

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"claimdrop/internal/claimerr"
	"claimdrop/internal/escrow"
	"claimdrop/internal/ledger"
)

const (
	defaultMinFee = 1000
	validWindow   = 1000
	// minimum balance added per created application with the escrow schema
	appBaseMinBalance   = 100_000
	uintMinBalance      = 28_500
	byteSliceMinBalance = 50_000
)

type app struct {
	id       uint64
	creator  types.Address
	params   escrow.Params
	schema   types.StateSchema
	state    map[string]ledger.StateValue
	approval []byte
}

func (a *app) clone() *app {
	c := *a
	c.state = make(map[string]ledger.StateValue, len(a.state))
	for k, v := range a.state {
		c.state[k] = v
	}
	return &c
}

// world is the mutable ledger state a transaction is evaluated against.
type world struct {
	balances  map[types.Address]uint64
	apps      map[uint64]*app
	nextAppID uint64
}

func (w *world) clone() *world {
	c := &world{
		balances:  make(map[types.Address]uint64, len(w.balances)),
		apps:      make(map[uint64]*app, len(w.apps)),
		nextAppID: w.nextAppID,
	}
	for k, v := range w.balances {
		c.balances[k] = v
	}
	for k, v := range w.apps {
		c.apps[k] = v.clone()
	}
	return c
}

type pendingTx struct {
	txID string
	stx  types.SignedTxn
}

// Simulator implements ledger.Client.
type Simulator struct {
	mu          sync.Mutex
	world       *world
	round       uint64
	now         time.Time
	minFee      uint64
	genesisHash []byte
	genesisID   string
	pending     []pendingTx
	receipts    map[string]ledger.Receipt
	paused      bool
	failNext    int
}

type Option func(*Simulator)

func WithTime(t time.Time) Option {
	return func(s *Simulator) { s.now = t }
}

func WithMinFee(fee uint64) Option {
	return func(s *Simulator) { s.minFee = fee }
}

func New(opts ...Option) *Simulator {
	hash := sha256.Sum256([]byte("claimdrop-sim"))
	s := &Simulator{
		world: &world{
			balances:  make(map[types.Address]uint64),
			apps:      make(map[uint64]*app),
			nextAppID: 1001,
		},
		round:       1000,
		now:         time.Unix(1_700_000_000, 0).UTC(),
		minFee:      defaultMinFee,
		genesisHash: hash[:],
		genesisID:   "sim-v1",
		receipts:    make(map[string]ledger.Receipt),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Credit adds funds to an address out of thin air.
func (s *Simulator) Credit(address string, amount uint64) error {
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.world.balances[addr] += amount
	return nil
}

func (s *Simulator) Balance(address string) uint64 {
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world.balances[addr]
}

// Advance moves the ledger clock forward.
func (s *Simulator) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *Simulator) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pause stops pending transactions from being included in new rounds.
func (s *Simulator) Pause(paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = paused
}

// FailNext makes the next n calls fail as if the node were unreachable.
func (s *Simulator) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Simulator) injected(op string) error {
	if s.failNext > 0 {
		s.failNext--
		return claimerr.New(claimerr.KindNetwork, "simulated outage during %s", op)
	}
	return nil
}

func (s *Simulator) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injected("ping")
}

func (s *Simulator) Compile(_ context.Context, source string) (ledger.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("compile"); err != nil {
		return ledger.Program{}, err
	}
	first, _, _ := strings.Cut(source, "\n")
	version, ok := strings.CutPrefix(strings.TrimSpace(first), "#pragma version ")
	if !ok {
		return ledger.Program{}, claimerr.New(claimerr.KindBuild, "program does not compile: missing version pragma")
	}
	v, err := strconv.ParseUint(version, 10, 8)
	if err != nil || v == 0 {
		return ledger.Program{}, claimerr.New(claimerr.KindBuild, "program does not compile: bad version %q", version)
	}
	bytecode := append([]byte{byte(v)}, source...)
	digest := sha256.Sum256(bytecode)
	return ledger.Program{Bytes: bytecode, Hash: hex.EncodeToString(digest[:])}, nil
}

func (s *Simulator) SuggestedParams(context.Context) (types.SuggestedParams, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("suggested params"); err != nil {
		return types.SuggestedParams{}, err
	}
	return types.SuggestedParams{
		GenesisID:       s.genesisID,
		GenesisHash:     append([]byte(nil), s.genesisHash...),
		FirstRoundValid: types.Round(s.round),
		LastRoundValid:  types.Round(s.round + validWindow),
		MinFee:          s.minFee,
	}, nil
}

// Submit evaluates the transaction against current state and queues it.
func (s *Simulator) Submit(_ context.Context, raw []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("submit"); err != nil {
		return "", err
	}
	var stx types.SignedTxn
	if err := msgpack.Decode(raw, &stx); err != nil {
		return "", claimerr.Wrap(claimerr.KindBuild, err, "undecodable transaction")
	}
	txID := crypto.GetTxID(stx.Txn)
	if _, seen := s.receipts[txID]; seen {
		return "", &ledger.RejectedError{TxID: txID, Reason: "transaction already in ledger"}
	}
	for _, p := range s.pending {
		if p.txID == txID {
			return "", &ledger.RejectedError{TxID: txID, Reason: "transaction already in pool"}
		}
	}
	if err := s.checkHeader(stx.Txn); err != nil {
		return "", &ledger.RejectedError{TxID: txID, Reason: err.Error()}
	}
	if _, err := s.apply(s.world.clone(), stx.Txn); err != nil {
		return "", &ledger.RejectedError{TxID: txID, Reason: err.Error()}
	}
	s.pending = append(s.pending, pendingTx{txID: txID, stx: stx})
	return txID, nil
}

func (s *Simulator) PendingInfo(_ context.Context, txID string) (ledger.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("pending info"); err != nil {
		return ledger.Receipt{}, err
	}
	if r, ok := s.receipts[txID]; ok {
		return r, nil
	}
	for _, p := range s.pending {
		if p.txID == txID {
			return ledger.Receipt{TxID: txID}, nil
		}
	}
	return ledger.Receipt{}, fmt.Errorf("pending transaction %s: %w", txID, ledger.ErrNotFound)
}

func (s *Simulator) Status(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("status"); err != nil {
		return 0, err
	}
	return s.round, nil
}

// WaitForRound produces blocks until round is reached. Each block includes
// every pending transaction in submission order.
func (s *Simulator) WaitForRound(ctx context.Context, round uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("wait for round"); err != nil {
		return 0, err
	}
	for s.round < round {
		if err := ctx.Err(); err != nil {
			return s.round, err
		}
		s.round++
		if !s.paused {
			s.includePending()
		}
	}
	return s.round, nil
}

func (s *Simulator) includePending() {
	queue := s.pending
	s.pending = nil
	for _, p := range queue {
		receipt := ledger.Receipt{TxID: p.txID}
		if err := s.checkHeader(p.stx.Txn); err != nil {
			receipt.PoolError = err.Error()
			s.receipts[p.txID] = receipt
			continue
		}
		next := s.world.clone()
		appID, err := s.apply(next, p.stx.Txn)
		if err != nil {
			receipt.PoolError = err.Error()
		} else {
			s.world = next
			receipt.ConfirmedRound = s.round
			receipt.ApplicationIndex = appID
		}
		s.receipts[p.txID] = receipt
	}
}

func (s *Simulator) Account(_ context.Context, address string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("account"); err != nil {
		return ledger.Account{}, err
	}
	addr, err := types.DecodeAddress(address)
	if err != nil {
		return ledger.Account{}, claimerr.Wrap(claimerr.KindInvalidAddress, err, "account %s", address)
	}
	acct := ledger.Account{
		Address:    address,
		Amount:     s.world.balances[addr],
		MinBalance: s.world.minBalance(addr),
	}
	for _, a := range s.world.apps {
		if a.creator == addr {
			acct.CreatedApps = append(acct.CreatedApps, a.view())
		}
	}
	sortApps(acct.CreatedApps)
	return acct, nil
}

func (s *Simulator) Application(_ context.Context, id uint64) (ledger.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("application"); err != nil {
		return ledger.Application{}, err
	}
	a, ok := s.world.apps[id]
	if !ok {
		return ledger.Application{}, fmt.Errorf("application %d: %w", id, ledger.ErrNotFound)
	}
	return a.view(), nil
}

func (a *app) view() ledger.Application {
	out := ledger.Application{
		ID:          a.id,
		Creator:     a.creator.String(),
		GlobalState: make(map[string]ledger.StateValue, len(a.state)),
	}
	for k, v := range a.state {
		if v.IsBytes {
			v.Bytes = append([]byte(nil), v.Bytes...)
		}
		out.GlobalState[k] = v
	}
	return out
}

func sortApps(apps []ledger.Application) {
	for i := 1; i < len(apps); i++ {
		for j := i; j > 0 && apps[j].ID < apps[j-1].ID; j-- {
			apps[j], apps[j-1] = apps[j-1], apps[j]
		}
	}
}

func (w *world) minBalance(addr types.Address) uint64 {
	total := uint64(appBaseMinBalance)
	for _, a := range w.apps {
		if a.creator == addr {
			total += appBaseMinBalance + uintMinBalance*a.schema.NumUint + byteSliceMinBalance*a.schema.NumByteSlice
		}
	}
	return total
}

func (s *Simulator) checkHeader(tx types.Transaction) error {
	if !bytes.Equal(tx.Header.GenesisHash[:], s.genesisHash) {
		return fmt.Errorf("genesis hash mismatch")
	}
	if uint64(tx.Header.LastValid) < s.round || uint64(tx.Header.FirstValid) > s.round+1 {
		return fmt.Errorf("txn dead: round %d outside [%d, %d]", s.round, tx.Header.FirstValid, tx.Header.LastValid)
	}
	if uint64(tx.Header.Fee) < s.minFee {
		return fmt.Errorf("fee %d below minimum %d", tx.Header.Fee, s.minFee)
	}
	return nil
}

// apply evaluates tx against w, mutating it. The caller discards w on error.
func (s *Simulator) apply(w *world, tx types.Transaction) (uint64, error) {
	sender := tx.Header.Sender
	touched := []types.Address{sender}
	if err := w.debit(sender, uint64(tx.Header.Fee)); err != nil {
		return 0, err
	}

	var createdApp uint64
	switch tx.Type {
	case types.PaymentTx:
		pay := tx.PaymentTxnFields
		if err := w.debit(sender, uint64(pay.Amount)); err != nil {
			return 0, err
		}
		w.balances[pay.Receiver] += uint64(pay.Amount)
		touched = append(touched, pay.Receiver)
		if !pay.CloseRemainderTo.IsZero() {
			w.balances[pay.CloseRemainderTo] += w.balances[sender]
			w.balances[sender] = 0
			touched = append(touched, pay.CloseRemainderTo)
		}
	case types.ApplicationCallTx:
		call := tx.ApplicationFields.ApplicationCallTxnFields
		var (
			appAddr types.Address
			err     error
		)
		appAddr, createdApp, err = s.applyAppCall(w, sender, call)
		if err != nil {
			return 0, err
		}
		touched = append(touched, appAddr)
	default:
		return 0, fmt.Errorf("unsupported transaction type %q", tx.Type)
	}

	for _, addr := range touched {
		if bal := w.balances[addr]; bal != 0 && bal < w.minBalance(addr) {
			return 0, fmt.Errorf("account %s balance %d below min %d", addr, bal, w.minBalance(addr))
		}
	}
	return createdApp, nil
}

func (w *world) debit(addr types.Address, amount uint64) error {
	if w.balances[addr] < amount {
		return fmt.Errorf("overspend: account %s balance %d, tried to spend %d", addr, w.balances[addr], amount)
	}
	w.balances[addr] -= amount
	return nil
}

func assertFailed(format string, args ...any) error {
	return fmt.Errorf("logic eval error: assert failed: "+format, args...)
}

func (s *Simulator) applyAppCall(w *world, sender types.Address, call types.ApplicationCallTxnFields) (types.Address, uint64, error) {
	if call.ApplicationID == 0 {
		return s.createApp(w, sender, call)
	}
	id := uint64(call.ApplicationID)
	a, ok := w.apps[id]
	if !ok {
		return types.Address{}, 0, fmt.Errorf("application %d does not exist", id)
	}
	appAddr := crypto.GetApplicationAddress(id)
	args := call.ApplicationArgs

	switch call.OnCompletion {
	case types.NoOpOC:
	case types.DeleteApplicationOC:
		return appAddr, 0, s.teardown(w, sender, a, appAddr)
	case types.CloseOutOC:
		return appAddr, 0, fmt.Errorf("account %s is not opted in to application %d", sender, id)
	default:
		return appAddr, 0, fmt.Errorf("logic eval error: assert failed: on-completion %d not allowed", call.OnCompletion)
	}

	if len(args) == 0 {
		return appAddr, 0, fmt.Errorf("logic eval error: invalid ApplicationArgs index 0")
	}
	switch string(args[0]) {
	case escrow.ActionClaim:
		if len(args) != 2 {
			return appAddr, 0, assertFailed("claim takes 2 arguments, got %d", len(args))
		}
		if a.state[escrow.KeyClaimed].Uint != 0 {
			return appAddr, 0, assertFailed("escrow already claimed")
		}
		digest := sha256.Sum256(args[1])
		if !bytes.Equal(digest[:], a.state[escrow.KeyCommitment].Bytes) {
			return appAddr, 0, assertFailed("preimage does not match commitment")
		}
		if err := s.requireFunded(w, a, appAddr); err != nil {
			return appAddr, 0, err
		}
		a.state[escrow.KeyClaimed] = ledger.StateValue{Uint: 1}
		if err := s.innerPay(w, appAddr, sender, a.state[escrow.KeyAmount].Uint, sender); err != nil {
			return appAddr, 0, err
		}
		return appAddr, 0, nil
	case escrow.ActionRefund:
		if a.state[escrow.KeyClaimed].Uint != 0 {
			return appAddr, 0, assertFailed("escrow already claimed")
		}
		if !bytes.Equal(sender[:], a.state[escrow.KeyOwner].Bytes) {
			return appAddr, 0, assertFailed("sender is not the owner")
		}
		createdAt := a.state[escrow.KeyCreatedAt].Uint
		now := uint64(s.now.Unix())
		if now < createdAt {
			return appAddr, 0, fmt.Errorf("logic eval error: - would result negative")
		}
		if now-createdAt < uint64(a.params.RefundTimeout/time.Second) {
			return appAddr, 0, assertFailed("refund timeout not elapsed (%ds of %ds)", now-createdAt, uint64(a.params.RefundTimeout/time.Second))
		}
		if err := s.requireFunded(w, a, appAddr); err != nil {
			return appAddr, 0, err
		}
		a.state[escrow.KeyClaimed] = ledger.StateValue{Uint: 1}
		var owner types.Address
		copy(owner[:], a.state[escrow.KeyOwner].Bytes)
		if err := s.innerPay(w, appAddr, owner, a.state[escrow.KeyAmount].Uint, types.Address{}); err != nil {
			return appAddr, 0, err
		}
		return appAddr, 0, nil
	default:
		return appAddr, 0, fmt.Errorf("logic eval error: err opcode executed")
	}
}

func (s *Simulator) createApp(w *world, sender types.Address, call types.ApplicationCallTxnFields) (types.Address, uint64, error) {
	if len(call.ApprovalProgram) < 2 {
		return types.Address{}, 0, fmt.Errorf("approval program is empty")
	}
	params, err := escrow.ParseParams(string(call.ApprovalProgram[1:]))
	if err != nil {
		return types.Address{}, 0, fmt.Errorf("logic eval error: unsupported program: %v", err)
	}
	args := call.ApplicationArgs
	if len(args) != 3 {
		return types.Address{}, 0, assertFailed("create takes 3 arguments, got %d", len(args))
	}
	if !bytes.Equal(args[0], params.Commitment.Bytes()) {
		return types.Address{}, 0, assertFailed("commitment argument does not match program")
	}
	if len(args[1]) > 8 {
		return types.Address{}, 0, fmt.Errorf("logic eval error: btoi arg too long")
	}
	padded := make([]byte, 8)
	copy(padded[8-len(args[1]):], args[1])
	if binary.BigEndian.Uint64(padded) != params.Amount {
		return types.Address{}, 0, assertFailed("amount argument does not match program")
	}
	if !bytes.Equal(args[2], params.Owner[:]) {
		return types.Address{}, 0, assertFailed("owner argument does not match program")
	}
	schema := call.GlobalStateSchema
	if schema.NumUint < escrow.GlobalSchema.NumUint || schema.NumByteSlice < escrow.GlobalSchema.NumByteSlice {
		return types.Address{}, 0, fmt.Errorf("store integer count exceeded: schema %+v", schema)
	}

	id := w.nextAppID
	w.nextAppID++
	w.apps[id] = &app{
		id:       id,
		creator:  sender,
		params:   params,
		schema:   schema,
		approval: call.ApprovalProgram,
		state: map[string]ledger.StateValue{
			escrow.KeyCommitment: {Bytes: append([]byte(nil), args[0]...), IsBytes: true},
			escrow.KeyAmount:     {Uint: params.Amount},
			escrow.KeyOwner:      {Bytes: append([]byte(nil), args[2]...), IsBytes: true},
			escrow.KeyCreatedAt:  {Uint: uint64(s.now.Unix())},
			escrow.KeyClaimed:    {Uint: 0},
		},
	}
	return crypto.GetApplicationAddress(id), id, nil
}

func (s *Simulator) requireFunded(w *world, a *app, appAddr types.Address) error {
	need := escrow.Redeemable(a.state[escrow.KeyAmount].Uint, s.minFee)
	if have := w.balances[appAddr]; have < need {
		return assertFailed("escrow balance %d below required %d", have, need)
	}
	return nil
}

// innerPay models the program's inner payment: fee and amount from the
// escrow, optionally closing the remainder.
func (s *Simulator) innerPay(w *world, from, to types.Address, amount uint64, closeTo types.Address) error {
	if err := w.debit(from, s.minFee+amount); err != nil {
		return fmt.Errorf("logic eval error: inner transaction: %v", err)
	}
	w.balances[to] += amount
	if !closeTo.IsZero() {
		w.balances[closeTo] += w.balances[from]
		w.balances[from] = 0
	}
	return nil
}

func (s *Simulator) teardown(w *world, sender types.Address, a *app, appAddr types.Address) error {
	if !bytes.Equal(sender[:], a.state[escrow.KeyOwner].Bytes) {
		return assertFailed("sender is not the owner")
	}
	balance := w.balances[appAddr]
	if balance > a.params.DustThreshold {
		return assertFailed("escrow balance %d above dust threshold %d", balance, a.params.DustThreshold)
	}
	if balance > 0 {
		var owner types.Address
		copy(owner[:], a.state[escrow.KeyOwner].Bytes)
		if err := s.innerPay(w, appAddr, owner, 0, owner); err != nil {
			return err
		}
	}
	delete(w.apps, a.id)
	return nil
}
