package fee

import (
	"errors"

	"github.com/holiman/uint256"
)

// ErrOverflow is returned when the fee does not fit in 256 bits
var ErrOverflow = errors.New("fee overflow")

var hundred = uint256.NewInt(100)

// For returns floor(amount * percent / 100).
// The product is computed in 512 bits so large amounts never wrap.
func For(amount *uint256.Int, percent uint64) (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulDivOverflow(amount, uint256.NewInt(percent), hundred)
	if overflow {
		return nil, ErrOverflow
	}
	return fee, nil
}
