package storage

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Key schema:
//
//	bal:<asset>:<owner> → ledger.Entry
//	ord:<id>            → orderbook.Record
//	ev:<seq>            → events.Envelope
//	meta:seq            → last committed event sequence
//
// Ids and sequence numbers are zero-padded (20 digits) so prefix scans
// return them in numeric order.
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixEvent   = "ev:"
)

func balanceKey(asset, owner common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), owner.Hex()))
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixEvent, seq))
}

func kLastSeq() []byte { return []byte("meta:seq") }

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
