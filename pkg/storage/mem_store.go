package storage

import (
	"sort"
	"sync"

	"github.com/uhyunpark/custodex/pkg/app/core/events"
	"github.com/uhyunpark/custodex/pkg/app/core/ledger"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/app/exchange"
)

// MemStore is an in-memory Store that also keeps the event log, used when
// the node runs without a database
type MemStore struct {
	mu       sync.Mutex
	balances map[ledger.Key]ledger.Entry
	orders   map[uint64]orderbook.Record
	events   []events.Envelope
	lastSeq  uint64
}

func NewMemStore() *MemStore {
	return &MemStore{
		balances: make(map[ledger.Key]ledger.Entry),
		orders:   make(map[uint64]orderbook.Record),
	}
}

func (s *MemStore) Commit(cs *exchange.Changeset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range cs.Balances {
		k := ledger.Key{Asset: e.Asset, Owner: e.Owner}
		if e.Balance == nil || e.Balance.IsZero() {
			delete(s.balances, k)
			continue
		}
		s.balances[k] = e
	}
	for _, r := range cs.Orders {
		s.orders[r.Order.ID] = r
	}
	for _, env := range cs.Events {
		s.events = append(s.events, env)
		s.lastSeq = env.Seq
	}
	return nil
}

func (s *MemStore) Load() (*exchange.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &exchange.Snapshot{LastSeq: s.lastSeq}
	for _, e := range s.balances {
		snap.Balances = append(snap.Balances, e)
	}
	for _, r := range s.orders {
		snap.Orders = append(snap.Orders, r)
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].Order.ID < snap.Orders[j].Order.ID })
	return snap, nil
}

// Events returns up to limit stored events with sequence greater than after
func (s *MemStore) Events(after uint64, limit int) ([]events.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Seq > after })
	end := min(i+limit, len(s.events))
	return append([]events.Envelope(nil), s.events[i:end]...), nil
}

var _ exchange.Store = (*MemStore)(nil)
