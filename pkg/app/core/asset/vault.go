package asset

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrRecipientRejected is returned when a recipient refuses native value
var ErrRecipientRejected = errors.New("recipient rejected native value")

// ErrWalletOverflow is returned when a wallet balance would pass 2^256-1
var ErrWalletOverflow = errors.New("wallet overflow")

// NativeVault tracks native holdings held outside custody (devnet wallets).
// Send credits the recipient; recipients marked with Reject refuse value the way
// a reverting receiver would.
type NativeVault struct {
	mu       sync.Mutex
	wallets  map[common.Address]*uint256.Int
	rejected map[common.Address]bool
}

func NewNativeVault() *NativeVault {
	return &NativeVault{
		wallets:  make(map[common.Address]*uint256.Int),
		rejected: make(map[common.Address]bool),
	}
}

// Send implements NativeBank
func (v *NativeVault) Send(_ context.Context, to common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.rejected[to] {
		return fmt.Errorf("send to %s: %w", to.Hex(), ErrRecipientRejected)
	}
	bal := v.walletLocked(to)
	sum, overflow := new(uint256.Int).AddOverflow(bal, amount)
	if overflow {
		return fmt.Errorf("send to %s: %w", to.Hex(), ErrWalletOverflow)
	}
	v.wallets[to] = sum
	return nil
}

// Fund adds native value to a wallet (faucet)
func (v *NativeVault) Fund(addr common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	sum, overflow := new(uint256.Int).AddOverflow(v.walletLocked(addr), amount)
	if overflow {
		return fmt.Errorf("fund %s: %w", addr.Hex(), ErrWalletOverflow)
	}
	v.wallets[addr] = sum
	return nil
}

// Spend removes native value from a wallet, used to back a native deposit
func (v *NativeVault) Spend(addr common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	bal := v.walletLocked(addr)
	if bal.Lt(amount) {
		return fmt.Errorf("wallet %s: have %s, need %s", addr.Hex(), bal.Dec(), amount.Dec())
	}
	v.wallets[addr] = bal.Sub(bal, amount)
	return nil
}

// Balance returns addr's wallet balance
func (v *NativeVault) Balance(addr common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.walletLocked(addr)
}

// Reject makes future sends to addr fail (or succeed again when reject is false)
func (v *NativeVault) Reject(addr common.Address, reject bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reject {
		v.rejected[addr] = true
	} else {
		delete(v.rejected, addr)
	}
}

func (v *NativeVault) walletLocked(addr common.Address) *uint256.Int {
	if b, ok := v.wallets[addr]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

var _ NativeBank = (*NativeVault)(nil)
