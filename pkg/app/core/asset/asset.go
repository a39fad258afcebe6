package asset

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Native is the sentinel asset identifier for the chain's intrinsic currency.
// Token assets are identified by the (non-zero) address of their contract.
var Native = common.Address{}

// IsNative reports whether id is the native sentinel
func IsNative(id common.Address) bool {
	return id == Native
}

// FungibleAsset is the transfer capability of a token asset.
// A handle is bound to one caller identity: Transfer and Approve move or
// delegate the caller's own funds, TransferFrom spends an allowance granted to the caller.
//
// A (false, nil) return and a non-nil error both mean the call did not succeed.
// The context is the caller's; an implementation that calls back into the
// exchange must pass the same context along.
type FungibleAsset interface {
	Transfer(ctx context.Context, to common.Address, amount *uint256.Int) (bool, error)
	TransferFrom(ctx context.Context, from, to common.Address, amount *uint256.Int) (bool, error)
	Approve(ctx context.Context, spender common.Address, amount *uint256.Int) (bool, error)
	BalanceOf(ctx context.Context, owner common.Address) (*uint256.Int, error)
}

// NativeBank moves native value out of custody
type NativeBank interface {
	Send(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Registry resolves token addresses to FungibleAsset handles
// Thread-safe
type Registry struct {
	mu     sync.RWMutex
	assets map[common.Address]FungibleAsset
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{assets: make(map[common.Address]FungibleAsset)}
}

// Register binds a token address to a handle. The native sentinel cannot be registered.
func (r *Registry) Register(addr common.Address, fa FungibleAsset) error {
	if IsNative(addr) {
		return fmt.Errorf("cannot register native sentinel as token")
	}
	if fa == nil {
		return fmt.Errorf("nil asset handle for %s", addr.Hex())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.assets[addr] = fa
	return nil
}

// Lookup returns the handle for addr, or false if none is registered
func (r *Registry) Lookup(addr common.Address) (FungibleAsset, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fa, ok := r.assets[addr]
	return fa, ok
}

// Addresses lists all registered token addresses
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]common.Address, 0, len(r.assets))
	for addr := range r.assets {
		out = append(out, addr)
	}
	return out
}
