// Package events defines the notifications emitted by the settlement engine
// and an ordered in-process bus that delivers them to subscribers.
package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Type names an event kind (also used as websocket channel and kafka key)
type Type string

const (
	TypeDeposit  Type = "deposit"
	TypeWithdraw Type = "withdraw"
	TypeOrder    Type = "order"
	TypeCancel   Type = "cancel"
	TypeTrade    Type = "trade"
)

// Event is implemented by every notification payload
type Event interface {
	Type() Type
	// Users returns every identity the event concerns (for per-account routing)
	Users() []common.Address
}

// Envelope is an event stamped with its position in the global emission order
type Envelope struct {
	Seq   uint64 `json:"seq"`
	Type  Type   `json:"type"`
	Event Event  `json:"payload"`
}

type Deposit struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

type Withdraw struct {
	Token   common.Address `json:"token"`
	User    common.Address `json:"user"`
	Amount  *uint256.Int   `json:"amount"`
	Balance *uint256.Int   `json:"balance"`
}

// Order is emitted when an order is posted
type Order struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

// Cancel carries the cancelled order's original terms
type Cancel struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

// Trade is emitted on fill. User is the maker, UserFill the filler;
// Timestamp is the fill time.
type Trade struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   common.Address `json:"tokenGet"`
	AmountGet  *uint256.Int   `json:"amountGet"`
	TokenGive  common.Address `json:"tokenGive"`
	AmountGive *uint256.Int   `json:"amountGive"`
	UserFill   common.Address `json:"userFill"`
	Timestamp  int64          `json:"timestamp"`
}

func (Deposit) Type() Type  { return TypeDeposit }
func (Withdraw) Type() Type { return TypeWithdraw }
func (Order) Type() Type    { return TypeOrder }
func (Cancel) Type() Type   { return TypeCancel }
func (Trade) Type() Type    { return TypeTrade }

func (e Deposit) Users() []common.Address  { return []common.Address{e.User} }
func (e Withdraw) Users() []common.Address { return []common.Address{e.User} }
func (e Order) Users() []common.Address    { return []common.Address{e.User} }
func (e Cancel) Users() []common.Address   { return []common.Address{e.User} }
func (e Trade) Users() []common.Address    { return []common.Address{e.User, e.UserFill} }
