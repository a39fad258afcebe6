package exchange

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/events"
	"github.com/uhyunpark/custodex/pkg/app/core/ledger"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
)

// op records the mutations of one public operation so they can be committed
// together or reversed exactly. Reversal is by inverse delta (a debit is
// undone by a credit of the same amount), never by restoring old values, so
// effects of operations nested inside an external call are preserved.
type op struct {
	e    *Engine
	name string

	undo     []func() error
	balances []ledger.Key
	seenBal  map[ledger.Key]bool
	orders   []uint64
	seenOrd  map[uint64]bool
}

func (e *Engine) begin(name string) *op {
	return &op{
		e:       e,
		name:    name,
		seenBal: make(map[ledger.Key]bool),
		seenOrd: make(map[uint64]bool),
	}
}

func (o *op) touchBalance(asset, owner common.Address) {
	k := ledger.Key{Asset: asset, Owner: owner}
	if !o.seenBal[k] {
		o.seenBal[k] = true
		o.balances = append(o.balances, k)
	}
}

func (o *op) touchOrder(id uint64) {
	if !o.seenOrd[id] {
		o.seenOrd[id] = true
		o.orders = append(o.orders, id)
	}
}

func (o *op) credit(asset, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	bal, err := o.e.ledger.Credit(asset, owner, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOverflow, err)
	}
	amt := new(uint256.Int).Set(amount)
	o.undo = append(o.undo, func() error {
		_, err := o.e.ledger.Debit(asset, owner, amt)
		return err
	})
	o.touchBalance(asset, owner)
	return bal, nil
}

func (o *op) debit(asset, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	bal, err := o.e.ledger.Debit(asset, owner, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientBalance, err)
	}
	amt := new(uint256.Int).Set(amount)
	o.undo = append(o.undo, func() error {
		_, err := o.e.ledger.Credit(asset, owner, amt)
		return err
	})
	o.touchBalance(asset, owner)
	return bal, nil
}

func (o *op) createOrder(maker, tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int, ts int64) (uint64, error) {
	id, err := o.e.book.Create(maker, tokenGet, amountGet, tokenGive, amountGive, ts)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	o.undo = append(o.undo, func() error { return o.e.book.DiscardLast(id) })
	o.touchOrder(id)
	return id, nil
}

func (o *op) markFilled(id uint64) error {
	if err := o.e.book.MarkFilled(id); err != nil {
		return bookErr(err)
	}
	o.undo = append(o.undo, func() error { return o.e.book.Reopen(id) })
	o.touchOrder(id)
	return nil
}

func (o *op) markCancelled(id uint64, caller common.Address) error {
	if err := o.e.book.MarkCancelled(id, caller); err != nil {
		return bookErr(err)
	}
	o.undo = append(o.undo, func() error { return o.e.book.Reopen(id) })
	o.touchOrder(id)
	return nil
}

// rollback reverses every mutation recorded so far, newest first
func (o *op) rollback() {
	for i := len(o.undo) - 1; i >= 0; i-- {
		if err := o.undo[i](); err != nil {
			// Only reachable if a nested operation consumed funds this op credited
			o.e.log.Error("rollback_step_failed", zap.String("op", o.name), zap.Error(err))
		}
	}
	o.undo = nil
}

// commit makes the current value of every touched slot and order durable,
// together with evs. On success the events are sequenced and returned.
func (o *op) commit(evs ...events.Event) ([]events.Envelope, error) {
	cs := &Changeset{}
	for _, k := range o.balances {
		cs.Balances = append(cs.Balances, ledger.Entry{
			Asset:   k.Asset,
			Owner:   k.Owner,
			Balance: o.e.ledger.BalanceOf(k.Asset, k.Owner),
		})
	}
	for _, id := range o.orders {
		// Orders discarded by a rollback no longer exist; their slot is
		// simply not written.
		ord, err := o.e.book.Get(id)
		if err != nil {
			continue
		}
		st, _ := o.e.book.State(id)
		cs.Orders = append(cs.Orders, orderbook.Record{Order: ord, State: st})
	}
	for i, ev := range evs {
		cs.Events = append(cs.Events, events.Envelope{
			Seq:   o.e.seq + uint64(i) + 1,
			Type:  ev.Type(),
			Event: ev,
		})
	}

	if cs.Empty() {
		return nil, nil
	}
	if err := o.e.store.Commit(cs); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPersistence, o.name, err)
	}
	o.e.seq += uint64(len(cs.Events))
	return cs.Events, nil
}

func bookErr(err error) error {
	switch {
	case errors.Is(err, orderbook.ErrInvalidOrder):
		return fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	case errors.Is(err, orderbook.ErrOrderUnavailable):
		return fmt.Errorf("%w: %w", ErrOrderUnavailable, err)
	case errors.Is(err, orderbook.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	default:
		return err
	}
}
