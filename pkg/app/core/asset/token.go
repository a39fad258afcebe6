package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrZeroAddress         = errors.New("zero address")
	ErrInsufficientFunds   = errors.New("insufficient token balance")
	ErrInsufficientAllowed = errors.New("insufficient allowance")
)

// Transfer and Approval are the token's own log records
type Transfer struct {
	From  common.Address
	To    common.Address
	Value *uint256.Int
}

type Approval struct {
	Owner   common.Address
	Spender common.Address
	Value   *uint256.Int
}

// Token is an in-memory ERC-20 style asset used by the devnet node and tests.
// The full supply is minted to the deployer at construction.
type Token struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8

	mu          sync.Mutex
	totalSupply *uint256.Int
	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int

	transfers []Transfer
	approvals []Approval
}

// NewToken deploys a token and mints supply (base units) to deployer
func NewToken(addr common.Address, name, symbol string, decimals uint8, supply *uint256.Int, deployer common.Address) *Token {
	t := &Token{
		Address:     addr,
		Name:        name,
		Symbol:      symbol,
		Decimals:    decimals,
		totalSupply: new(uint256.Int).Set(supply),
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
	}
	t.balances[deployer] = new(uint256.Int).Set(supply)
	return t
}

// TotalSupply returns the minted supply
func (t *Token) TotalSupply() *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(uint256.Int).Set(t.totalSupply)
}

// BalanceOf returns owner's token balance (zero if unknown)
func (t *Token) BalanceOf(owner common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balanceLocked(owner)
}

// Allowance returns what spender may still pull from owner
func (t *Token) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allowanceLocked(owner, spender)
}

// Transfers returns a copy of the transfer log
func (t *Token) Transfers() []Transfer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Transfer(nil), t.transfers...)
}

// Approvals returns a copy of the approval log
func (t *Token) Approvals() []Approval {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Approval(nil), t.approvals...)
}

// As returns a FungibleAsset handle acting on behalf of caller
func (t *Token) As(caller common.Address) FungibleAsset {
	return &tokenHandle{token: t, caller: caller}
}

func (t *Token) balanceLocked(owner common.Address) *uint256.Int {
	if b, ok := t.balances[owner]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

func (t *Token) allowanceLocked(owner, spender common.Address) *uint256.Int {
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(uint256.Int).Set(a)
		}
	}
	return new(uint256.Int)
}

func (t *Token) transfer(from, to common.Address, value *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("transfer to %w", ErrZeroAddress)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(from, to, value)
}

func (t *Token) transferLocked(from, to common.Address, value *uint256.Int) error {
	fromBal := t.balanceLocked(from)
	if fromBal.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientFunds, fromBal.Dec(), value.Dec())
	}
	t.balances[from] = fromBal.Sub(fromBal, value)
	// Cannot overflow: every balance is bounded by the fixed supply
	toBal := t.balanceLocked(to)
	t.balances[to] = toBal.Add(toBal, value)
	t.transfers = append(t.transfers, Transfer{From: from, To: to, Value: new(uint256.Int).Set(value)})
	return nil
}

func (t *Token) approve(owner, spender common.Address, value *uint256.Int) error {
	if spender == (common.Address{}) {
		return fmt.Errorf("approve %w", ErrZeroAddress)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = new(uint256.Int).Set(value)
	t.approvals = append(t.approvals, Approval{Owner: owner, Spender: spender, Value: new(uint256.Int).Set(value)})
	return nil
}

func (t *Token) transferFrom(spender, from, to common.Address, value *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("transfer to %w", ErrZeroAddress)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowanceLocked(from, spender)
	if allowed.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowed, allowed.Dec(), value.Dec())
	}
	if err := t.transferLocked(from, to, value); err != nil {
		return err
	}
	if m, ok := t.allowances[from]; ok {
		m[spender] = allowed.Sub(allowed, value)
	}
	return nil
}

// tokenHandle binds a Token to the identity making the calls
type tokenHandle struct {
	token  *Token
	caller common.Address
}

func (h *tokenHandle) Transfer(_ context.Context, to common.Address, amount *uint256.Int) (bool, error) {
	if err := h.token.transfer(h.caller, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (h *tokenHandle) TransferFrom(_ context.Context, from, to common.Address, amount *uint256.Int) (bool, error) {
	if err := h.token.transferFrom(h.caller, from, to, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (h *tokenHandle) Approve(_ context.Context, spender common.Address, amount *uint256.Int) (bool, error) {
	if err := h.token.approve(h.caller, spender, amount); err != nil {
		return false, err
	}
	return true, nil
}

func (h *tokenHandle) BalanceOf(_ context.Context, owner common.Address) (*uint256.Int, error) {
	return h.token.BalanceOf(owner), nil
}

var _ FungibleAsset = (*tokenHandle)(nil)
