// Package ledger holds custody balances keyed by (asset, owner).
// Balances are 256-bit unsigned integers; the only ways to change one are
// Credit and Debit, which refuse to overflow or go negative.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrOverflow            = errors.New("balance overflow")
)

// Key identifies one balance slot
type Key struct {
	Asset common.Address
	Owner common.Address
}

// Entry is a balance slot and its value (used for persistence and restore)
type Entry struct {
	Asset   common.Address `json:"asset"`
	Owner   common.Address `json:"owner"`
	Balance *uint256.Int   `json:"balance"`
}

// Ledger is not thread-safe: the settlement engine owns it and serializes access
type Ledger struct {
	balances map[Key]*uint256.Int
}

func New() *Ledger {
	return &Ledger{balances: make(map[Key]*uint256.Int)}
}

// BalanceOf returns a copy of the balance, zero for unknown keys
func (l *Ledger) BalanceOf(asset, owner common.Address) *uint256.Int {
	if b, ok := l.balances[Key{asset, owner}]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Credit adds amount and returns the new balance
func (l *Ledger) Credit(asset, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	cur := l.BalanceOf(asset, owner)
	sum, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return nil, fmt.Errorf("credit %s to %s/%s: %w", amount.Dec(), asset.Hex(), owner.Hex(), ErrOverflow)
	}
	l.balances[Key{asset, owner}] = sum
	return new(uint256.Int).Set(sum), nil
}

// Debit subtracts amount and returns the new balance.
// Fails without mutating if the balance is smaller than amount.
func (l *Ledger) Debit(asset, owner common.Address, amount *uint256.Int) (*uint256.Int, error) {
	cur := l.BalanceOf(asset, owner)
	if cur.Lt(amount) {
		return nil, fmt.Errorf("debit %s from %s/%s (have %s): %w",
			amount.Dec(), asset.Hex(), owner.Hex(), cur.Dec(), ErrInsufficientBalance)
	}
	diff := new(uint256.Int).Sub(cur, amount)
	l.balances[Key{asset, owner}] = diff
	return new(uint256.Int).Set(diff), nil
}

// Restore overwrites balances from persisted entries. Only used before the engine starts.
func (l *Ledger) Restore(entries []Entry) {
	for _, e := range entries {
		if e.Balance == nil {
			continue
		}
		l.balances[Key{e.Asset, e.Owner}] = new(uint256.Int).Set(e.Balance)
	}
}

// Entries returns every non-zero slot ordered by asset then owner
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, 0, len(l.balances))
	for k, v := range l.balances {
		if v.IsZero() {
			continue
		}
		out = append(out, Entry{Asset: k.Asset, Owner: k.Owner, Balance: new(uint256.Int).Set(v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Asset.Cmp(out[j].Asset); c != 0 {
			return c < 0
		}
		return out[i].Owner.Cmp(out[j].Owner) < 0
	})
	return out
}
