package api

import "github.com/uhyunpark/custodex/pkg/app/core/events"

// API request/response types for REST endpoints and WebSocket messages.
// Addresses are 0x-prefixed hex; amounts are decimal strings in base units.

// ==============================
// REST Request Types
// ==============================

// AmountRequest is the payload for deposits and withdrawals.
// Token is ignored on the native routes.
type AmountRequest struct {
	From   string `json:"from"`
	Token  string `json:"token,omitempty"`
	Amount string `json:"amount"`
}

// OrderRequest is the payload for POST /api/v1/orders
type OrderRequest struct {
	From       string `json:"from"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
}

// CallerRequest identifies who fills or cancels an order
type CallerRequest struct {
	From string `json:"from"`
}

type ApproveRequest struct {
	From    string `json:"from"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type TransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// FaucetRequest mints devnet native value into a wallet
type FaucetRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// ==============================
// REST Response Types
// ==============================

type ExchangeInfo struct {
	Address    string `json:"address"`
	FeeAccount string `json:"feeAccount"`
	FeePercent uint64 `json:"feePercent"`
	OrderCount uint64 `json:"orderCount"`
}

// BalanceInfo is a custody (or wallet) balance
type BalanceInfo struct {
	Asset     string `json:"asset"`
	User      string `json:"user"`
	Balance   string `json:"balance"`   // base units
	Formatted string `json:"formatted"` // whole units
}

type OrderInfo struct {
	ID         uint64 `json:"id"`
	Maker      string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"` // "open" | "filled" | "cancelled"
	Filled     bool   `json:"filled"`
	Cancelled  bool   `json:"cancelled"`
}

type OrderCreated struct {
	ID uint64 `json:"id"`
}

type TokenInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

// EventsPage is one page of the stored event log. Next is the cursor for
// the following page (pass as ?after=).
type EventsPage struct {
	Events []events.Envelope `json:"events"`
	Next   uint64            `json:"next"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage carries one engine event to subscribers of Channel
type WSMessage struct {
	Channel string          `json:"channel"` // "trades", "account:0x...", ...
	Event   events.Envelope `json:"event"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades", "orders", "account:0x..."]
}
