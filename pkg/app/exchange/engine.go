// Package exchange implements the settlement engine: custody of native value
// and registered tokens, a bilateral order book, and fee-charging fills.
//
// Every public operation is atomic. It either applies all of its ledger and
// order book mutations, commits them to the Store and emits exactly one event,
// or it fails and leaves state as it was before the call.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
	"github.com/uhyunpark/custodex/pkg/app/core/events"
	"github.com/uhyunpark/custodex/pkg/app/core/fee"
	"github.com/uhyunpark/custodex/pkg/app/core/ledger"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/util"
)

// Config holds construction parameters. FeeAccount and FeePercent are fixed
// for the engine's lifetime.
type Config struct {
	Address    common.Address // custody identity; tokens are pulled to and sent from here
	FeeAccount common.Address
	FeePercent uint64

	Assets *asset.Registry
	Bank   asset.NativeBank

	Store  Store       // defaults to NopStore
	Bus    *events.Bus // defaults to a private bus
	Clock  util.Clock  // defaults to RealClock
	Logger *zap.Logger // defaults to zap.NewNop
}

// Engine is the single authoritative state machine. Operations are
// serialized; an operation re-entered through an external asset call (same
// context) runs nested under the outer operation's lock.
type Engine struct {
	addr       common.Address
	feeAccount common.Address
	feePercent uint64

	assets *asset.Registry
	bank   asset.NativeBank
	store  Store
	bus    *events.Bus
	clock  util.Clock
	log    *zap.Logger

	mu     sync.Mutex
	ledger *ledger.Ledger
	book   *orderbook.OrderBook
	seq    uint64 // last committed event sequence
}

// ctxKey marks a context as belonging to an operation already holding mu
type ctxKey struct{}

// hold is the mark stored under ctxKey. active is cleared when the owning
// operation releases mu, after which the context no longer skips the lock.
type hold struct {
	engine *Engine
	active atomic.Bool
}

// New builds an engine and restores any state held by cfg.Store
func New(cfg Config) (*Engine, error) {
	if cfg.Assets == nil {
		cfg.Assets = asset.NewRegistry()
	}
	if cfg.Bank == nil {
		return nil, errors.New("exchange: native bank is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewNopStore()
	}
	if cfg.Bus == nil {
		cfg.Bus = events.NewBus()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	e := &Engine{
		addr:       cfg.Address,
		feeAccount: cfg.FeeAccount,
		feePercent: cfg.FeePercent,
		assets:     cfg.Assets,
		bank:       cfg.Bank,
		store:      cfg.Store,
		bus:        cfg.Bus,
		clock:      cfg.Clock,
		log:        cfg.Logger.Named("exchange"),
		ledger:     ledger.New(),
		book:       orderbook.New(),
	}

	snap, err := cfg.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	e.ledger.Restore(snap.Balances)
	if err := e.book.Restore(snap.Orders); err != nil {
		return nil, fmt.Errorf("restore orders: %w", err)
	}
	e.seq = snap.LastSeq

	e.log.Info("engine_ready",
		zap.String("address", e.addr.Hex()),
		zap.String("fee_account", e.feeAccount.Hex()),
		zap.Uint64("fee_percent", e.feePercent),
		zap.Int("balances", len(snap.Balances)),
		zap.Uint64("orders", e.book.Count()),
		zap.Uint64("last_seq", e.seq),
	)
	return e, nil
}

// enter acquires the engine for one operation. A context carrying this
// engine's mark from a still-running operation proceeds without locking.
func (e *Engine) enter(ctx context.Context) (context.Context, func()) {
	if h, _ := ctx.Value(ctxKey{}).(*hold); h != nil && h.engine == e && h.active.Load() {
		return ctx, func() {}
	}
	e.mu.Lock()
	h := &hold{engine: e}
	h.active.Store(true)
	return context.WithValue(ctx, ctxKey{}, h), func() {
		h.active.Store(false)
		e.mu.Unlock()
	}
}

// Address is the engine's custody identity
func (e *Engine) Address() common.Address { return e.addr }

func (e *Engine) FeeAccount() common.Address { return e.feeAccount }

func (e *Engine) FeePercent() uint64 { return e.feePercent }

// Bus is where committed events are published
func (e *Engine) Bus() *events.Bus { return e.bus }

// Assets is the token registry deposits and withdrawals resolve against
func (e *Engine) Assets() *asset.Registry { return e.assets }

// BalanceOf returns the custody balance of user in asset (zero if never credited)
func (e *Engine) BalanceOf(ctx context.Context, asset, user common.Address) *uint256.Int {
	_, release := e.enter(ctx)
	defer release()
	return e.ledger.BalanceOf(asset, user)
}

// OrderCount is the id of the most recent order (0 if none)
func (e *Engine) OrderCount(ctx context.Context) uint64 {
	_, release := e.enter(ctx)
	defer release()
	return e.book.Count()
}

// Order returns order id together with its flags
func (e *Engine) Order(ctx context.Context, id uint64) (orderbook.Record, error) {
	_, release := e.enter(ctx)
	defer release()

	ord, err := e.book.Get(id)
	if err != nil {
		return orderbook.Record{}, bookErr(err)
	}
	st, _ := e.book.State(id)
	return orderbook.Record{Order: ord, State: st}, nil
}

// Filled reports whether order id has been filled
func (e *Engine) Filled(ctx context.Context, id uint64) (bool, error) {
	rec, err := e.Order(ctx, id)
	return rec.State.Filled, err
}

// Cancelled reports whether order id has been cancelled
func (e *Engine) Cancelled(ctx context.Context, id uint64) (bool, error) {
	rec, err := e.Order(ctx, id)
	return rec.State.Cancelled, err
}

// Receive handles native value sent to the engine without naming an
// operation. Such value is always refused; use DepositNative.
func (e *Engine) Receive(ctx context.Context, from common.Address, amount *uint256.Int) error {
	e.log.Info("receive_rejected", zap.String("from", from.Hex()), zap.String("amount", dec(amount)))
	return fmt.Errorf("%w: plain value transfers are not accepted, use deposit", ErrInvalidAsset)
}

// DepositNative credits amount of native value received from user.
// Returns the new balance.
func (e *Engine) DepositNative(ctx context.Context, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	_, release := e.enter(ctx)
	defer release()
	amount = orZero(amount)

	o := e.begin("deposit_native")
	bal, err := o.credit(asset.Native, user, amount)
	if err != nil {
		return nil, e.reject(o, err, zap.String("user", user.Hex()))
	}
	if err := e.finish(o, events.Deposit{Token: asset.Native, User: user, Amount: amount, Balance: bal}); err != nil {
		return nil, err
	}

	e.log.Debug("deposit", zap.String("token", "native"), zap.String("user", user.Hex()),
		zap.String("amount", amount.Dec()), zap.String("balance", bal.Dec()))
	return bal, nil
}

// DepositAsset pulls amount of token from user into custody using the
// allowance user granted the engine, then credits it. Returns the new balance.
func (e *Engine) DepositAsset(ctx context.Context, token, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	ctx, release := e.enter(ctx)
	defer release()
	amount = orZero(amount)

	o := e.begin("deposit_asset")
	fa, err := e.token(token)
	if err != nil {
		return nil, e.reject(o, err, zap.String("token", token.Hex()))
	}

	// Fail before moving funds if the credit could never be applied
	cur := e.ledger.BalanceOf(token, user)
	if _, overflow := new(uint256.Int).AddOverflow(cur, amount); overflow {
		return nil, e.reject(o, fmt.Errorf("%w: balance of %s would exceed 256 bits", ErrOverflow, user.Hex()))
	}

	ok, err := fa.TransferFrom(ctx, user, e.addr, amount)
	if err != nil || !ok {
		return nil, e.reject(o, transferErr(ErrTransferFailed, "transferFrom", err),
			zap.String("token", token.Hex()), zap.String("user", user.Hex()))
	}

	// A nested operation may have raised the balance since the precheck
	bal, err := o.credit(token, user, amount)
	if err == nil {
		err = e.finish(o, events.Deposit{Token: token, User: user, Amount: amount, Balance: bal})
	}
	if err != nil {
		e.refund(ctx, fa, token, user, amount)
		return nil, e.reject(o, err)
	}

	e.log.Debug("deposit", zap.String("token", token.Hex()), zap.String("user", user.Hex()),
		zap.String("amount", amount.Dec()), zap.String("balance", bal.Dec()))
	return bal, nil
}

// WithdrawNative debits amount from user and sends it out of custody.
// Returns the balance after the withdrawal.
func (e *Engine) WithdrawNative(ctx context.Context, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	ctx, release := e.enter(ctx)
	defer release()
	amount = orZero(amount)

	return e.withdraw(ctx, "withdraw_native", asset.Native, user, amount, func() error {
		if err := e.bank.Send(ctx, user, amount); err != nil {
			return transferErr(ErrWithdrawFailed, "send", err)
		}
		return nil
	})
}

// WithdrawAsset debits amount of token from user and transfers it out of custody.
// Returns the balance after the withdrawal.
func (e *Engine) WithdrawAsset(ctx context.Context, token, user common.Address, amount *uint256.Int) (*uint256.Int, error) {
	ctx, release := e.enter(ctx)
	defer release()
	amount = orZero(amount)

	fa, err := e.token(token)
	if err != nil {
		return nil, e.reject(e.begin("withdraw_asset"), err, zap.String("token", token.Hex()))
	}
	return e.withdraw(ctx, "withdraw_asset", token, user, amount, func() error {
		ok, err := fa.Transfer(ctx, user, amount)
		if err != nil || !ok {
			return transferErr(ErrTransferFailed, "transfer", err)
		}
		return nil
	})
}

// withdraw debits and commits before calling out, so a reentrant call
// during send sees the reduced balance
func (e *Engine) withdraw(ctx context.Context, name string, token, user common.Address, amount *uint256.Int, send func() error) (*uint256.Int, error) {
	o := e.begin(name)
	if _, err := o.debit(token, user, amount); err != nil {
		return nil, e.reject(o, err, zap.String("user", user.Hex()), zap.String("amount", amount.Dec()))
	}
	if _, err := o.commit(); err != nil {
		return nil, e.reject(o, err)
	}

	if err := send(); err != nil {
		o.rollback()
		if _, cerr := o.commit(); cerr != nil {
			// Memory is restored but the store still holds the debit
			e.log.Error("withdraw_compensation_failed", zap.String("op", name),
				zap.String("user", user.Hex()), zap.Error(cerr))
			err = fmt.Errorf("%w; %w", err, cerr)
		}
		e.log.Info("op_rejected", zap.String("op", name), zap.String("token", token.Hex()),
			zap.String("user", user.Hex()), zap.Error(err))
		return nil, err
	}

	bal := e.ledger.BalanceOf(token, user)
	envs, err := o.commit(events.Withdraw{Token: token, User: user, Amount: amount, Balance: bal})
	if err != nil {
		// Funds have left custody and the debit is durable; only the event
		// record is missing, so the withdrawal stands.
		e.log.Error("withdraw_event_commit_failed", zap.String("op", name),
			zap.String("user", user.Hex()), zap.Error(err))
		envs = []events.Envelope{e.unsequenced(events.Withdraw{Token: token, User: user, Amount: amount, Balance: bal})}
	}
	e.publish(envs)

	e.log.Debug("withdraw", zap.String("token", token.Hex()), zap.String("user", user.Hex()),
		zap.String("amount", amount.Dec()), zap.String("balance", bal.Dec()))
	return bal, nil
}

// MakeOrder posts an offer to give amountGive of tokenGive for amountGet of
// tokenGet. No balance is checked until fill. Returns the new order id.
func (e *Engine) MakeOrder(ctx context.Context, maker, tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int) (uint64, error) {
	_, release := e.enter(ctx)
	defer release()

	o := e.begin("make_order")
	ts := e.clock.Now().Unix()
	id, err := o.createOrder(maker, tokenGet, amountGet, tokenGive, amountGive, ts)
	if err != nil {
		return 0, e.reject(o, err, zap.String("maker", maker.Hex()))
	}
	ev := events.Order{
		ID:         id,
		User:       maker,
		TokenGet:   tokenGet,
		AmountGet:  new(uint256.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(uint256.Int).Set(amountGive),
		Timestamp:  ts,
	}
	if err := e.finish(o, ev); err != nil {
		return 0, err
	}

	e.log.Debug("order", zap.Uint64("id", id), zap.String("maker", maker.Hex()))
	return id, nil
}

// FillOrder executes order id in full against filler. The filler pays
// amountGet plus the fee in tokenGet and receives amountGive in tokenGive.
func (e *Engine) FillOrder(ctx context.Context, filler common.Address, id uint64) error {
	_, release := e.enter(ctx)
	defer release()

	o := e.begin("fill_order")
	ord, err := e.book.Get(id)
	if err != nil {
		return e.reject(o, bookErr(err), zap.Uint64("id", id))
	}
	if st, _ := e.book.State(id); !st.Open() {
		return e.reject(o, fmt.Errorf("%w: order %d is %s", ErrOrderUnavailable, id, st), zap.Uint64("id", id))
	}

	f, err := fee.For(ord.AmountGet, e.feePercent)
	if err != nil {
		return e.reject(o, fmt.Errorf("%w: %w", ErrOverflow, err), zap.Uint64("id", id))
	}
	cost, overflow := new(uint256.Int).AddOverflow(ord.AmountGet, f)
	if overflow {
		return e.reject(o, fmt.Errorf("%w: amount plus fee exceeds 256 bits", ErrOverflow), zap.Uint64("id", id))
	}

	if have := e.ledger.BalanceOf(ord.TokenGet, filler); have.Lt(cost) {
		return e.reject(o, fmt.Errorf("%w: filler %s has %s of %s, needs %s",
			ErrInsufficientBalance, filler.Hex(), have.Dec(), ord.TokenGet.Hex(), cost.Dec()), zap.Uint64("id", id))
	}
	if have := e.ledger.BalanceOf(ord.TokenGive, ord.Maker); have.Lt(ord.AmountGive) {
		return e.reject(o, fmt.Errorf("%w: maker %s has %s of %s, offered %s",
			ErrInsufficientBalance, ord.Maker.Hex(), have.Dec(), ord.TokenGive.Hex(), ord.AmountGive.Dec()), zap.Uint64("id", id))
	}

	// Prechecks pass on distinct slots; when the parties or assets coincide a
	// later step can still fail, and the journal reverses the earlier ones.
	steps := []func() error{
		func() error { _, err := o.debit(ord.TokenGet, filler, cost); return err },
		func() error { _, err := o.credit(ord.TokenGet, ord.Maker, ord.AmountGet); return err },
		func() error { _, err := o.credit(ord.TokenGet, e.feeAccount, f); return err },
		func() error { _, err := o.debit(ord.TokenGive, ord.Maker, ord.AmountGive); return err },
		func() error { _, err := o.credit(ord.TokenGive, filler, ord.AmountGive); return err },
		func() error { return o.markFilled(id) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return e.reject(o, err, zap.Uint64("id", id))
		}
	}

	ts := e.clock.Now().Unix()
	ev := events.Trade{
		ID:         id,
		User:       ord.Maker,
		TokenGet:   ord.TokenGet,
		AmountGet:  ord.AmountGet,
		TokenGive:  ord.TokenGive,
		AmountGive: ord.AmountGive,
		UserFill:   filler,
		Timestamp:  ts,
	}
	if err := e.finish(o, ev); err != nil {
		return err
	}

	e.log.Debug("trade", zap.Uint64("id", id), zap.String("maker", ord.Maker.Hex()),
		zap.String("filler", filler.Hex()), zap.String("fee", f.Dec()))
	return nil
}

// CancelOrder closes order id. Only the maker may cancel an open order.
func (e *Engine) CancelOrder(ctx context.Context, caller common.Address, id uint64) error {
	_, release := e.enter(ctx)
	defer release()

	o := e.begin("cancel_order")
	if err := o.markCancelled(id, caller); err != nil {
		return e.reject(o, err, zap.Uint64("id", id), zap.String("caller", caller.Hex()))
	}
	ord, _ := e.book.Get(id)
	ev := events.Cancel{
		ID:         id,
		User:       ord.Maker,
		TokenGet:   ord.TokenGet,
		AmountGet:  ord.AmountGet,
		TokenGive:  ord.TokenGive,
		AmountGive: ord.AmountGive,
		Timestamp:  ord.Timestamp,
	}
	if err := e.finish(o, ev); err != nil {
		return err
	}

	e.log.Debug("cancel", zap.Uint64("id", id))
	return nil
}

// finish commits o with its event and publishes it. On commit failure o is
// rolled back and the persistence error returned.
func (e *Engine) finish(o *op, ev events.Event) error {
	envs, err := o.commit(ev)
	if err != nil {
		o.rollback()
		e.log.Error("commit_failed", zap.String("op", o.name), zap.Error(err))
		return err
	}
	e.publish(envs)
	return nil
}

func (e *Engine) publish(envs []events.Envelope) {
	for _, env := range envs {
		e.bus.Publish(env)
	}
}

// unsequenced wraps an event whose record could not be stored. It takes the
// next sequence number so subscribers keep a gap-free order.
func (e *Engine) unsequenced(ev events.Event) events.Envelope {
	e.seq++
	return events.Envelope{Seq: e.seq, Type: ev.Type(), Event: ev}
}

// reject rolls back whatever o applied and logs the failure
func (e *Engine) reject(o *op, err error, fields ...zap.Field) error {
	o.rollback()
	fields = append([]zap.Field{zap.String("op", o.name)}, fields...)
	e.log.Info("op_rejected", append(fields, zap.Error(err))...)
	return err
}

// refund returns tokens pulled by a deposit that could not be recorded
func (e *Engine) refund(ctx context.Context, fa asset.FungibleAsset, token, user common.Address, amount *uint256.Int) {
	ok, err := fa.Transfer(ctx, user, amount)
	if err != nil || !ok {
		e.log.Error("deposit_refund_failed",
			zap.String("token", token.Hex()),
			zap.String("user", user.Hex()),
			zap.String("amount", amount.Dec()),
			zap.Bool("ok", ok),
			zap.Error(err),
		)
	}
}

// token resolves a registered token handle; the native sentinel and unknown
// addresses are invalid here
func (e *Engine) token(addr common.Address) (asset.FungibleAsset, error) {
	if asset.IsNative(addr) {
		return nil, fmt.Errorf("%w: native asset must use the native path", ErrInvalidAsset)
	}
	fa, ok := e.assets.Lookup(addr)
	if !ok {
		return nil, fmt.Errorf("%w: token %s is not registered", ErrInvalidAsset, addr.Hex())
	}
	return fa, nil
}

func transferErr(kind error, call string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s returned false", kind, call)
	}
	return fmt.Errorf("%w: %s: %w", kind, call, cause)
}

func orZero(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}
