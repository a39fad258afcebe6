package orderbook

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrOrderUnavailable = errors.New("order already filled or cancelled")
	ErrUnauthorized     = errors.New("caller is not the order maker")
)

// Order is immutable once created
type Order struct {
	ID         uint64         `json:"id"`
	Maker      common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"` // Unix seconds
}

// State holds the two terminal flags of an order. At most one is ever true.
type State struct {
	Filled    bool `json:"filled"`
	Cancelled bool `json:"cancelled"`
}

// Open returns true if the order can still be filled or cancelled
func (s State) Open() bool {
	return !s.Filled && !s.Cancelled
}

func (s State) String() string {
	switch {
	case s.Filled:
		return "filled"
	case s.Cancelled:
		return "cancelled"
	default:
		return "open"
	}
}

// Record pairs an order with its current state (persistence and queries)
type Record struct {
	Order Order `json:"order"`
	State State `json:"state"`
}

// OrderBook stores orders under sequential ids starting at 1.
// Not thread-safe: owned and serialized by the settlement engine.
type OrderBook struct {
	orders []Order // orders[id-1]
	states []State
}

func New() *OrderBook {
	return &OrderBook{}
}

// Count returns the id of the most recently created order (0 if none)
func (ob *OrderBook) Count() uint64 {
	return uint64(len(ob.orders))
}

// Create stores a new order and returns its id
func (ob *OrderBook) Create(maker, tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int, timestamp int64) (uint64, error) {
	if amountGet == nil || amountGet.IsZero() {
		return 0, fmt.Errorf("%w: amountGet must be positive", ErrInvalidOrder)
	}
	if amountGive == nil || amountGive.IsZero() {
		return 0, fmt.Errorf("%w: amountGive must be positive", ErrInvalidOrder)
	}

	id := ob.Count() + 1
	ob.orders = append(ob.orders, Order{
		ID:         id,
		Maker:      maker,
		TokenGet:   tokenGet,
		AmountGet:  new(uint256.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(uint256.Int).Set(amountGive),
		Timestamp:  timestamp,
	})
	ob.states = append(ob.states, State{})
	return id, nil
}

// Get returns a copy of the order
func (ob *OrderBook) Get(id uint64) (Order, error) {
	if id == 0 || id > ob.Count() {
		return Order{}, fmt.Errorf("%w: unknown id %d", ErrInvalidOrder, id)
	}
	return ob.orders[id-1].clone(), nil
}

// State returns the flags of a known order
func (ob *OrderBook) State(id uint64) (State, error) {
	if id == 0 || id > ob.Count() {
		return State{}, fmt.Errorf("%w: unknown id %d", ErrInvalidOrder, id)
	}
	return ob.states[id-1], nil
}

// MarkFilled transitions an open order to filled
func (ob *OrderBook) MarkFilled(id uint64) error {
	st, err := ob.State(id)
	if err != nil {
		return err
	}
	if !st.Open() {
		return fmt.Errorf("%w: order %d is %s", ErrOrderUnavailable, id, st)
	}
	ob.states[id-1].Filled = true
	return nil
}

// MarkCancelled transitions an open order to cancelled; only the maker may cancel
func (ob *OrderBook) MarkCancelled(id uint64, caller common.Address) error {
	st, err := ob.State(id)
	if err != nil {
		return err
	}
	if !st.Open() {
		return fmt.Errorf("%w: order %d is %s", ErrOrderUnavailable, id, st)
	}
	if maker := ob.orders[id-1].Maker; caller != maker {
		return fmt.Errorf("%w: order %d belongs to %s", ErrUnauthorized, id, maker.Hex())
	}
	ob.states[id-1].Cancelled = true
	return nil
}

// Undo helpers. The engine applies an operation in memory before it is
// durably committed; if the commit fails these reverse the uncommitted change.
// Committed orders are never reopened.

// DiscardLast removes order id if it is the most recently created one
func (ob *OrderBook) DiscardLast(id uint64) error {
	if id == 0 || id != ob.Count() {
		return fmt.Errorf("discard: order %d is not the latest (%d)", id, ob.Count())
	}
	ob.orders = ob.orders[:id-1]
	ob.states = ob.states[:id-1]
	return nil
}

// Reopen clears the terminal flag set on id by the failed operation
func (ob *OrderBook) Reopen(id uint64) error {
	if _, err := ob.State(id); err != nil {
		return err
	}
	ob.states[id-1] = State{}
	return nil
}

// Restore appends persisted records. Records must be contiguous from Count()+1.
func (ob *OrderBook) Restore(records []Record) error {
	for _, r := range records {
		if r.Order.ID != ob.Count()+1 {
			return fmt.Errorf("restore: expected order id %d, got %d", ob.Count()+1, r.Order.ID)
		}
		if r.State.Filled && r.State.Cancelled {
			return fmt.Errorf("restore: order %d is both filled and cancelled", r.Order.ID)
		}
		ob.orders = append(ob.orders, r.Order.clone())
		ob.states = append(ob.states, r.State)
	}
	return nil
}

func (o Order) clone() Order {
	out := o
	if o.AmountGet != nil {
		out.AmountGet = new(uint256.Int).Set(o.AmountGet)
	}
	if o.AmountGive != nil {
		out.AmountGive = new(uint256.Int).Set(o.AmountGive)
	}
	return out
}
