package exchange

import (
	"github.com/uhyunpark/custodex/pkg/app/core/events"
	"github.com/uhyunpark/custodex/pkg/app/core/ledger"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
)

// Changeset is everything one commit makes durable: the resulting value of
// each touched balance slot, each touched order with its flags, and events.
type Changeset struct {
	Balances []ledger.Entry
	Orders   []orderbook.Record
	Events   []events.Envelope
}

// Empty returns true if there is nothing to write
func (cs *Changeset) Empty() bool {
	return len(cs.Balances) == 0 && len(cs.Orders) == 0 && len(cs.Events) == 0
}

// Snapshot is the durable state an engine restores from at startup
type Snapshot struct {
	Balances []ledger.Entry
	Orders   []orderbook.Record // ordered by id, contiguous from 1
	LastSeq  uint64             // sequence number of the last stored event
}

// Store makes engine state durable. Commit must apply a changeset atomically.
type Store interface {
	Commit(cs *Changeset) error
	Load() (*Snapshot, error)
}

// NopStore keeps nothing (in-memory engine)
type NopStore struct{}

func NewNopStore() *NopStore               { return &NopStore{} }
func (NopStore) Commit(_ *Changeset) error { return nil }
func (NopStore) Load() (*Snapshot, error)  { return &Snapshot{}, nil }

var _ Store = (*NopStore)(nil)
