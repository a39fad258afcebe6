package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
	"github.com/uhyunpark/custodex/pkg/app/core/events"
	"github.com/uhyunpark/custodex/pkg/util"
)

var (
	engineAddr = common.HexToAddress("0xE000000000000000000000000000000000000000")
	feeAccount = common.HexToAddress("0xFE00000000000000000000000000000000000000")
	deployer   = common.HexToAddress("0xD000000000000000000000000000000000000000")
	maker      = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	filler     = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	tokenAddr  = common.HexToAddress("0x7700000000000000000000000000000000000000")
	native     = asset.Native
)

type harness struct {
	engine *Engine
	token  *asset.Token
	vault  *asset.NativeVault
	rec    *events.Recorder
	ctx    context.Context
}

func newHarness(t *testing.T, mods ...func(*Config)) *harness {
	t.Helper()

	tok := asset.NewToken(tokenAddr, "Test Token", "TT", 18, asset.Tokens("1000000"), deployer)
	reg := asset.NewRegistry()
	if err := reg.Register(tokenAddr, tok.As(engineAddr)); err != nil {
		t.Fatalf("register token: %v", err)
	}
	vault := asset.NewNativeVault()

	cfg := Config{
		Address:    engineAddr,
		FeeAccount: feeAccount,
		FeePercent: 10,
		Assets:     reg,
		Bank:       vault,
		Clock:      util.NewManualClock(time.Unix(1700000000, 0)),
	}
	for _, m := range mods {
		m(&cfg)
	}

	e, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	rec := &events.Recorder{}
	unsub := e.Bus().Subscribe(rec.Handle)
	t.Cleanup(unsub)

	return &harness{engine: e, token: tok, vault: vault, rec: rec, ctx: context.Background()}
}

// fundToken gives user n tokens and approves the engine for them
func (h *harness) fundToken(t *testing.T, user common.Address, n *uint256.Int) {
	t.Helper()
	if ok, err := h.token.As(deployer).Transfer(h.ctx, user, n); !ok || err != nil {
		t.Fatalf("fund %s: ok=%v err=%v", user.Hex(), ok, err)
	}
	if ok, err := h.token.As(user).Approve(h.ctx, engineAddr, n); !ok || err != nil {
		t.Fatalf("approve %s: ok=%v err=%v", user.Hex(), ok, err)
	}
}

func (h *harness) balance(a, user common.Address) *uint256.Int {
	return h.engine.BalanceOf(h.ctx, a, user)
}

func wantBalance(t *testing.T, h *harness, a, user common.Address, want *uint256.Int) {
	t.Helper()
	if got := h.balance(a, user); !got.Eq(want) {
		t.Errorf("balance(%s, %s) = %s, want %s", a.Hex(), user.Hex(), got.Dec(), want.Dec())
	}
}

func TestEndToEndTrade(t *testing.T) {
	h := newHarness(t)
	e := h.engine

	if _, err := e.DepositNative(h.ctx, maker, asset.Ether("1")); err != nil {
		t.Fatalf("deposit native: %v", err)
	}
	id, err := e.MakeOrder(h.ctx, maker, tokenAddr, asset.Tokens("1"), native, asset.Ether("1"))
	if err != nil {
		t.Fatalf("make order: %v", err)
	}
	if id != 1 {
		t.Fatalf("order id = %d, want 1", id)
	}

	h.fundToken(t, filler, asset.Tokens("2"))
	if _, err := e.DepositAsset(h.ctx, tokenAddr, filler, asset.Tokens("2")); err != nil {
		t.Fatalf("deposit token: %v", err)
	}

	if err := e.FillOrder(h.ctx, filler, id); err != nil {
		t.Fatalf("fill: %v", err)
	}

	wantBalance(t, h, tokenAddr, maker, asset.Tokens("1"))
	wantBalance(t, h, native, filler, asset.Ether("1"))
	wantBalance(t, h, native, maker, new(uint256.Int))
	wantBalance(t, h, tokenAddr, filler, asset.Tokens("0.9"))
	wantBalance(t, h, tokenAddr, feeAccount, asset.Tokens("0.1"))

	filled, err := e.Filled(h.ctx, id)
	if err != nil || !filled {
		t.Errorf("filled = %v, %v; want true", filled, err)
	}

	// Custody holds the deposited tokens
	if got := h.token.BalanceOf(engineAddr); !got.Eq(asset.Tokens("2")) {
		t.Errorf("engine token holdings = %s, want 2 tokens", got.Dec())
	}

	var types []events.Type
	for _, env := range h.rec.Envelopes() {
		types = append(types, env.Type)
	}
	want := []events.Type{events.TypeDeposit, events.TypeOrder, events.TypeDeposit, events.TypeTrade}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}

	trade := h.rec.Envelopes()[3].Event.(events.Trade)
	if trade.User != maker || trade.UserFill != filler || trade.ID != id {
		t.Errorf("unexpected trade: %+v", trade)
	}
}

func TestEventSequence(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.engine.DepositNative(h.ctx, maker, uint256.NewInt(1))
	}
	// Rejected operations emit nothing and consume no sequence number
	h.engine.WithdrawNative(h.ctx, maker, uint256.NewInt(100))
	h.engine.DepositNative(h.ctx, maker, uint256.NewInt(1))

	envs := h.rec.Envelopes()
	if len(envs) != 4 {
		t.Fatalf("got %d events, want 4", len(envs))
	}
	for i, env := range envs {
		if env.Seq != uint64(i+1) {
			t.Errorf("event %d seq = %d, want %d", i, env.Seq, i+1)
		}
	}
	last := envs[3].Event.(events.Deposit)
	if last.Balance.Uint64() != 4 {
		t.Errorf("deposit balance = %d, want 4", last.Balance.Uint64())
	}
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	h := newHarness(t)
	e := h.engine

	if _, err := e.DepositNative(h.ctx, maker, asset.Ether("3")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	bal, err := e.WithdrawNative(h.ctx, maker, asset.Ether("1"))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !bal.Eq(asset.Ether("2")) {
		t.Errorf("balance after withdraw = %s, want 2 ether", bal.Dec())
	}
	if got := h.vault.Balance(maker); !got.Eq(asset.Ether("1")) {
		t.Errorf("wallet = %s, want 1 ether", got.Dec())
	}

	h.fundToken(t, filler, asset.Tokens("5"))
	if _, err := e.DepositAsset(h.ctx, tokenAddr, filler, asset.Tokens("5")); err != nil {
		t.Fatalf("deposit token: %v", err)
	}
	if _, err := e.WithdrawAsset(h.ctx, tokenAddr, filler, asset.Tokens("5")); err != nil {
		t.Fatalf("withdraw token: %v", err)
	}
	wantBalance(t, h, tokenAddr, filler, new(uint256.Int))
	if got := h.token.BalanceOf(filler); !got.Eq(asset.Tokens("5")) {
		t.Errorf("filler wallet = %s, want 5 tokens", got.Dec())
	}
}

func TestWithdrawInsufficient(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	e.DepositNative(h.ctx, maker, uint256.NewInt(10))

	if _, err := e.WithdrawNative(h.ctx, maker, uint256.NewInt(11)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	wantBalance(t, h, native, maker, uint256.NewInt(10))

	if _, err := e.WithdrawAsset(h.ctx, tokenAddr, maker, uint256.NewInt(1)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("token err = %v, want ErrInsufficientBalance", err)
	}
}

func TestInvalidAsset(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	unknown := common.HexToAddress("0x9900000000000000000000000000000000000000")

	tests := []struct {
		name string
		call func() error
	}{
		{"deposit native via token path", func() error {
			_, err := e.DepositAsset(h.ctx, native, maker, uint256.NewInt(1))
			return err
		}},
		{"withdraw native via token path", func() error {
			_, err := e.WithdrawAsset(h.ctx, native, maker, uint256.NewInt(1))
			return err
		}},
		{"deposit unregistered token", func() error {
			_, err := e.DepositAsset(h.ctx, unknown, maker, uint256.NewInt(1))
			return err
		}},
		{"plain value transfer", func() error {
			return e.Receive(h.ctx, maker, uint256.NewInt(1))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, ErrInvalidAsset) {
				t.Errorf("err = %v, want ErrInvalidAsset", err)
			}
		})
	}
	if len(h.rec.Envelopes()) != 0 {
		t.Errorf("rejected calls emitted events")
	}
}

func TestDepositAssetWithoutAllowance(t *testing.T) {
	h := newHarness(t)
	h.token.As(deployer).Transfer(h.ctx, maker, uint256.NewInt(100))

	_, err := h.engine.DepositAsset(h.ctx, tokenAddr, maker, uint256.NewInt(100))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	wantBalance(t, h, tokenAddr, maker, new(uint256.Int))
	if got := h.token.BalanceOf(maker); got.Uint64() != 100 {
		t.Errorf("wallet moved: %d", got.Uint64())
	}
}

func TestWithdrawNativeFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	e.DepositNative(h.ctx, maker, uint256.NewInt(50))
	h.vault.Reject(maker, true)

	_, err := e.WithdrawNative(h.ctx, maker, uint256.NewInt(20))
	if !errors.Is(err, ErrWithdrawFailed) {
		t.Fatalf("err = %v, want ErrWithdrawFailed", err)
	}
	if !errors.Is(err, asset.ErrRecipientRejected) {
		t.Errorf("cause not preserved: %v", err)
	}
	wantBalance(t, h, native, maker, uint256.NewInt(50))
	if n := len(h.rec.Envelopes()); n != 1 {
		t.Errorf("events = %d, want only the deposit", n)
	}
}

// falseAsset reports failure without an error
type falseAsset struct{ asset.FungibleAsset }

func (falseAsset) Transfer(context.Context, common.Address, *uint256.Int) (bool, error) {
	return false, nil
}

func TestWithdrawAssetFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.fundToken(t, maker, uint256.NewInt(30))
	if _, err := h.engine.DepositAsset(h.ctx, tokenAddr, maker, uint256.NewInt(30)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	h.engine.Assets().Register(tokenAddr, falseAsset{h.token.As(engineAddr)})
	_, err := h.engine.WithdrawAsset(h.ctx, tokenAddr, maker, uint256.NewInt(30))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	wantBalance(t, h, tokenAddr, maker, uint256.NewInt(30))
}

// reentrantAsset re-enters the engine from inside Transfer, the way a
// malicious token contract would
type reentrantAsset struct {
	asset.FungibleAsset
	engine *Engine
	token  common.Address
	victim common.Address
	amount *uint256.Int

	calls    int
	innerErr error
}

func (r *reentrantAsset) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	r.calls++
	if r.calls == 1 {
		_, r.innerErr = r.engine.WithdrawAsset(ctx, r.token, r.victim, r.amount)
	}
	return r.FungibleAsset.Transfer(ctx, to, amount)
}

func TestWithdrawReentrancyCannotDoubleSpend(t *testing.T) {
	h := newHarness(t)
	h.fundToken(t, maker, uint256.NewInt(100))
	if _, err := h.engine.DepositAsset(h.ctx, tokenAddr, maker, uint256.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	attacker := &reentrantAsset{
		FungibleAsset: h.token.As(engineAddr),
		engine:        h.engine,
		token:         tokenAddr,
		victim:        maker,
		amount:        uint256.NewInt(100),
	}
	h.engine.Assets().Register(tokenAddr, attacker)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.WithdrawAsset(h.ctx, tokenAddr, maker, uint256.NewInt(100))
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("outer withdraw: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reentrant call deadlocked")
	}

	if !errors.Is(attacker.innerErr, ErrInsufficientBalance) {
		t.Errorf("inner withdraw err = %v, want ErrInsufficientBalance", attacker.innerErr)
	}
	wantBalance(t, h, tokenAddr, maker, new(uint256.Int))
	if got := h.token.BalanceOf(maker); got.Uint64() != 100 {
		t.Errorf("maker wallet = %d, want 100", got.Uint64())
	}
}

// keepingAsset remembers the ctx of the last Transfer and, when block is set,
// parks inside Transfer until block is closed
type keepingAsset struct {
	asset.FungibleAsset
	kept    context.Context
	entered chan struct{}
	block   chan struct{}
}

func (k *keepingAsset) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	k.kept = ctx
	if k.block != nil {
		close(k.entered)
		<-k.block
	}
	return k.FungibleAsset.Transfer(ctx, to, amount)
}

func TestStaleOperationContextTakesLock(t *testing.T) {
	h := newHarness(t)
	h.fundToken(t, maker, uint256.NewInt(10))
	if _, err := h.engine.DepositAsset(h.ctx, tokenAddr, maker, uint256.NewInt(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	keeper := &keepingAsset{FungibleAsset: h.token.As(engineAddr)}
	h.engine.Assets().Register(tokenAddr, keeper)

	if _, err := h.engine.WithdrawAsset(h.ctx, tokenAddr, maker, uint256.NewInt(1)); err != nil {
		t.Fatalf("first withdraw: %v", err)
	}
	stale := keeper.kept

	keeper.entered = make(chan struct{})
	keeper.block = make(chan struct{})
	held := make(chan error, 1)
	go func() {
		_, err := h.engine.WithdrawAsset(h.ctx, tokenAddr, maker, uint256.NewInt(1))
		held <- err
	}()
	<-keeper.entered

	read := make(chan struct{})
	go func() {
		h.engine.BalanceOf(stale, tokenAddr, maker)
		close(read)
	}()

	select {
	case <-read:
		t.Fatal("finished operation's context ran while another operation held the engine")
	case <-time.After(100 * time.Millisecond):
	}

	close(keeper.block)
	if err := <-held; err != nil {
		t.Fatalf("second withdraw: %v", err)
	}
	select {
	case <-read:
	case <-time.After(5 * time.Second):
		t.Fatal("read with stale context never acquired the engine")
	}
	wantBalance(t, h, tokenAddr, maker, uint256.NewInt(8))
}

// nestedDepositAsset deposits native on behalf of someone else during
// Transfer, then fails; the nested effect must survive the outer rollback
type nestedDepositAsset struct {
	asset.FungibleAsset
	engine *Engine
}

func (n *nestedDepositAsset) Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	if _, err := n.engine.DepositNative(ctx, filler, uint256.NewInt(7)); err != nil {
		return false, err
	}
	return false, nil
}

func TestNestedEffectsSurviveOuterRollback(t *testing.T) {
	h := newHarness(t)
	h.fundToken(t, maker, uint256.NewInt(10))
	h.engine.DepositAsset(h.ctx, tokenAddr, maker, uint256.NewInt(10))
	h.engine.Assets().Register(tokenAddr, &nestedDepositAsset{h.token.As(engineAddr), h.engine})

	if _, err := h.engine.WithdrawAsset(h.ctx, tokenAddr, maker, uint256.NewInt(10)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}
	wantBalance(t, h, tokenAddr, maker, uint256.NewInt(10))
	wantBalance(t, h, native, filler, uint256.NewInt(7))
}

func TestMakeOrder(t *testing.T) {
	h := newHarness(t)
	e := h.engine

	// No balance needed to post
	for want := uint64(1); want <= 3; want++ {
		id, err := e.MakeOrder(h.ctx, maker, tokenAddr, uint256.NewInt(1), native, uint256.NewInt(2))
		if err != nil {
			t.Fatalf("make: %v", err)
		}
		if id != want || e.OrderCount(h.ctx) != want {
			t.Errorf("id = %d, count = %d, want %d", id, e.OrderCount(h.ctx), want)
		}
	}

	if _, err := e.MakeOrder(h.ctx, maker, tokenAddr, new(uint256.Int), native, uint256.NewInt(2)); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("zero amount err = %v, want ErrInvalidOrder", err)
	}
	if e.OrderCount(h.ctx) != 3 {
		t.Errorf("count advanced on rejected order")
	}

	rec, err := e.Order(h.ctx, 2)
	if err != nil {
		t.Fatalf("order: %v", err)
	}
	if rec.Order.Maker != maker || rec.Order.Timestamp != 1700000000 || !rec.State.Open() {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestFillOrderFailures(t *testing.T) {
	setup := func(t *testing.T) *harness {
		h := newHarness(t)
		h.engine.DepositNative(h.ctx, maker, asset.Ether("1"))
		h.engine.MakeOrder(h.ctx, maker, tokenAddr, asset.Tokens("1"), native, asset.Ether("1"))
		h.fundToken(t, filler, asset.Tokens("2"))
		h.engine.DepositAsset(h.ctx, tokenAddr, filler, asset.Tokens("2"))
		h.rec.Reset()
		return h
	}

	tests := []struct {
		name    string
		prepare func(t *testing.T, h *harness)
		id      uint64
		want    error
	}{
		{"unknown id", nil, 2, ErrInvalidOrder},
		{"zero id", nil, 0, ErrInvalidOrder},
		{"already filled", func(t *testing.T, h *harness) {
			if err := h.engine.FillOrder(h.ctx, filler, 1); err != nil {
				t.Fatalf("first fill: %v", err)
			}
		}, 1, ErrOrderUnavailable},
		{"cancelled", func(t *testing.T, h *harness) {
			h.engine.CancelOrder(h.ctx, maker, 1)
		}, 1, ErrOrderUnavailable},
		{"filler cannot cover fee", func(t *testing.T, h *harness) {
			h.engine.WithdrawAsset(h.ctx, tokenAddr, filler, asset.Tokens("0.95"))
		}, 1, ErrInsufficientBalance},
		{"maker cannot deliver", func(t *testing.T, h *harness) {
			h.engine.WithdrawNative(h.ctx, maker, uint256.NewInt(1))
		}, 1, ErrInsufficientBalance},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t)
			if tt.prepare != nil {
				tt.prepare(t, h)
			}
			fillerT := h.balance(tokenAddr, filler)
			makerN := h.balance(native, maker)
			before := len(h.rec.Envelopes())

			err := h.engine.FillOrder(h.ctx, filler, tt.id)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			wantBalance(t, h, tokenAddr, filler, fillerT)
			wantBalance(t, h, native, maker, makerN)
			if len(h.rec.Envelopes()) != before {
				t.Errorf("failed fill emitted an event")
			}
		})
	}
}

func TestFillOwnOrderSameAsset(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	e.DepositNative(h.ctx, maker, uint256.NewInt(100))
	id, _ := e.MakeOrder(h.ctx, maker, native, uint256.NewInt(100), native, uint256.NewInt(100))

	// Prechecks see 100 >= 100+10 fail on the filler side first
	if err := e.FillOrder(h.ctx, maker, id); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	e.DepositNative(h.ctx, maker, uint256.NewInt(10))
	// 110 covers the debit, and the maker's own credit covers the give leg
	if err := e.FillOrder(h.ctx, maker, id); err != nil {
		t.Fatalf("self fill: %v", err)
	}
	wantBalance(t, h, native, maker, uint256.NewInt(100))
	wantBalance(t, h, native, feeAccount, uint256.NewInt(10))
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	e := h.engine
	id, _ := e.MakeOrder(h.ctx, maker, tokenAddr, uint256.NewInt(1), native, uint256.NewInt(1))

	if err := e.CancelOrder(h.ctx, filler, id); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if err := e.CancelOrder(h.ctx, maker, id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := e.CancelOrder(h.ctx, maker, id); !errors.Is(err, ErrOrderUnavailable) {
		t.Errorf("second cancel err = %v, want ErrOrderUnavailable", err)
	}
	if err := e.CancelOrder(h.ctx, maker, 9); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("unknown cancel err = %v, want ErrInvalidOrder", err)
	}

	cancelled, _ := e.Cancelled(h.ctx, id)
	if !cancelled {
		t.Error("order not cancelled")
	}

	envs := h.rec.Envelopes()
	c, ok := envs[len(envs)-1].Event.(events.Cancel)
	if !ok || c.ID != id || c.User != maker || c.Timestamp != 1700000000 {
		t.Errorf("unexpected cancel event: %+v", envs[len(envs)-1])
	}
}

func TestDepositOverflow(t *testing.T) {
	h := newHarness(t)
	top := new(uint256.Int).SetAllOne()
	if _, err := h.engine.DepositNative(h.ctx, maker, top); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := h.engine.DepositNative(h.ctx, maker, uint256.NewInt(1)); !errors.Is(err, ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", err)
	}
	wantBalance(t, h, native, maker, top)
}

// failingStore accepts the first n commits and rejects the rest
type failingStore struct {
	n       int
	commits []*Changeset
}

var errDiskFull = errors.New("disk full")

func (s *failingStore) Commit(cs *Changeset) error {
	if len(s.commits) >= s.n {
		return errDiskFull
	}
	s.commits = append(s.commits, cs)
	return nil
}

func (s *failingStore) Load() (*Snapshot, error) { return &Snapshot{}, nil }

func TestCommitFailureRollsBack(t *testing.T) {
	store := &failingStore{n: 1}
	h := newHarness(t, func(c *Config) { c.Store = store })
	e := h.engine

	if _, err := e.DepositNative(h.ctx, maker, uint256.NewInt(5)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if _, err := e.DepositNative(h.ctx, maker, uint256.NewInt(5)); !errors.Is(err, ErrPersistence) || !errors.Is(err, errDiskFull) {
		t.Fatalf("err = %v, want ErrPersistence wrapping disk error", err)
	}
	wantBalance(t, h, native, maker, uint256.NewInt(5))

	if _, err := e.MakeOrder(h.ctx, maker, tokenAddr, uint256.NewInt(1), native, uint256.NewInt(1)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("make err = %v, want ErrPersistence", err)
	}
	if e.OrderCount(h.ctx) != 0 {
		t.Errorf("uncommitted order kept")
	}

	// Debit is committed before the send; a store that fails here means no value leaves
	if _, err := e.WithdrawNative(h.ctx, maker, uint256.NewInt(5)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("withdraw err = %v, want ErrPersistence", err)
	}
	if h.vault.Balance(maker).Sign() != 0 {
		t.Errorf("value sent despite failed commit")
	}
	wantBalance(t, h, native, maker, uint256.NewInt(5))

	if n := len(h.rec.Envelopes()); n != 1 {
		t.Errorf("events = %d, want 1", n)
	}
}

func TestDepositAssetRefundOnCommitFailure(t *testing.T) {
	store := &failingStore{n: 0}
	h := newHarness(t, func(c *Config) { c.Store = store })
	h.fundToken(t, maker, uint256.NewInt(40))

	if _, err := h.engine.DepositAsset(h.ctx, tokenAddr, maker, uint256.NewInt(40)); !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if got := h.token.BalanceOf(maker); got.Uint64() != 40 {
		t.Errorf("tokens not refunded: wallet = %d", got.Uint64())
	}
	wantBalance(t, h, tokenAddr, maker, new(uint256.Int))
}

func TestChangesetContents(t *testing.T) {
	store := &failingStore{n: 100}
	h := newHarness(t, func(c *Config) { c.Store = store })
	e := h.engine

	e.DepositNative(h.ctx, maker, asset.Ether("1"))
	e.MakeOrder(h.ctx, maker, tokenAddr, asset.Tokens("1"), native, asset.Ether("1"))
	h.fundToken(t, filler, asset.Tokens("2"))
	e.DepositAsset(h.ctx, tokenAddr, filler, asset.Tokens("2"))
	e.FillOrder(h.ctx, filler, 1)

	if len(store.commits) != 4 {
		t.Fatalf("commits = %d, want 4", len(store.commits))
	}
	fill := store.commits[3]
	// filler T, maker T, fee T, maker native, filler native
	if len(fill.Balances) != 5 {
		t.Errorf("fill touched %d balances, want 5", len(fill.Balances))
	}
	if len(fill.Orders) != 1 || !fill.Orders[0].State.Filled {
		t.Errorf("fill orders = %+v", fill.Orders)
	}
	if len(fill.Events) != 1 || fill.Events[0].Seq != 4 || fill.Events[0].Type != events.TypeTrade {
		t.Errorf("fill events = %+v", fill.Events)
	}
}

// snapshotStore replays a fixed snapshot
type snapshotStore struct {
	NopStore
	snap *Snapshot
}

func (s snapshotStore) Load() (*Snapshot, error) { return s.snap, nil }

func TestRestoreFromStore(t *testing.T) {
	src := &failingStore{n: 100}
	h := newHarness(t, func(c *Config) { c.Store = src })
	h.engine.DepositNative(h.ctx, maker, uint256.NewInt(9))
	h.engine.MakeOrder(h.ctx, maker, tokenAddr, uint256.NewInt(1), native, uint256.NewInt(1))

	snap := &Snapshot{LastSeq: 2}
	for _, cs := range src.commits {
		snap.Balances = append(snap.Balances, cs.Balances...)
		snap.Orders = append(snap.Orders, cs.Orders...)
	}

	h2 := newHarness(t, func(c *Config) { c.Store = snapshotStore{snap: snap} })
	wantBalance(t, h2, native, maker, uint256.NewInt(9))
	if h2.engine.OrderCount(h2.ctx) != 1 {
		t.Errorf("order count = %d, want 1", h2.engine.OrderCount(h2.ctx))
	}
	h2.engine.DepositNative(h2.ctx, maker, uint256.NewInt(1))
	if envs := h2.rec.Envelopes(); len(envs) != 1 || envs[0].Seq != 3 {
		t.Errorf("sequence did not continue: %+v", envs)
	}
}

func TestNewRequiresBank(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without native bank")
	}
}
