package storage

import (
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/custodex/pkg/app/core/events"
	"github.com/uhyunpark/custodex/pkg/app/core/ledger"
	"github.com/uhyunpark/custodex/pkg/app/core/orderbook"
	"github.com/uhyunpark/custodex/pkg/app/exchange"
)

// PebbleStore persists engine state in a Pebble database. Each changeset is
// written as one synced batch.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

// Commit writes every balance, order and event of cs atomically
func (s *PebbleStore) Commit(cs *exchange.Changeset) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, e := range cs.Balances {
		key := balanceKey(e.Asset, e.Owner)
		if e.Balance == nil || e.Balance.IsZero() {
			if err := batch.Delete(key, nil); err != nil {
				return fmt.Errorf("delete balance: %w", err)
			}
			continue
		}
		if err := s.put(batch, key, e); err != nil {
			return fmt.Errorf("save balance: %w", err)
		}
	}

	for _, r := range cs.Orders {
		if err := s.put(batch, orderKey(r.Order.ID), r); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
	}

	var last uint64
	for _, env := range cs.Events {
		if err := s.put(batch, eventKey(env.Seq), env); err != nil {
			return fmt.Errorf("save event: %w", err)
		}
		last = env.Seq
	}
	if last > 0 {
		if err := batch.Set(kLastSeq(), seqBytes(last), nil); err != nil {
			return fmt.Errorf("save sequence: %w", err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *PebbleStore) put(batch *pebble.Batch, key []byte, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return batch.Set(key, data, nil)
}

// Load reads back everything needed to rebuild an engine
func (s *PebbleStore) Load() (*exchange.Snapshot, error) {
	snap := &exchange.Snapshot{}

	err := s.scan([]byte(prefixBalance), func(val []byte) error {
		var e ledger.Entry
		if err := decode(val, &e); err != nil {
			return err
		}
		snap.Balances = append(snap.Balances, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}

	err = s.scan([]byte(prefixOrder), func(val []byte) error {
		var r orderbook.Record
		if err := decode(val, &r); err != nil {
			return err
		}
		snap.Orders = append(snap.Orders, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}

	val, closer, err := s.db.Get(kLastSeq())
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load sequence: %w", err)
	default:
		snap.LastSeq, err = bytesSeq(val)
		closer.Close()
		if err != nil {
			return nil, err
		}
	}

	return snap, nil
}

// Events returns up to limit stored events with sequence greater than after
func (s *PebbleStore) Events(after uint64, limit int) ([]events.Envelope, error) {
	if after == math.MaxUint64 || limit <= 0 {
		return nil, nil
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: keyUpperBound([]byte(prefixEvent)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []events.Envelope
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var env events.Envelope
		if err := decode(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("event %s: %w", iter.Key(), err)
		}
		out = append(out, env)
	}
	return out, iter.Error()
}

func (s *PebbleStore) scan(prefix []byte, fn func(val []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("key %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}

var _ exchange.Store = (*PebbleStore)(nil)
