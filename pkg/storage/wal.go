package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/uhyunpark/custodex/pkg/app/core/events"
)

// Journal receives every published event. Subscribe its Append to the bus.
type Journal interface {
	Append(env events.Envelope)
	Close() error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal               { return &NopJournal{} }
func (j *NopJournal) Append(_ events.Envelope) {}
func (j *NopJournal) Close() error             { return nil }

// FileJournal appends one JSON line per event, an audit trail that can be
// tailed independently of the database
type FileJournal struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
	err error // first write error
}

func NewFileJournal(path string) (*FileJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f, enc: json.NewEncoder(f)}, nil
}

func (j *FileJournal) Append(env events.Envelope) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.enc.Encode(env); err != nil && j.err == nil {
		j.err = fmt.Errorf("journal seq %d: %w", env.Seq, err)
	}
}

// Err returns the first write error, if any
func (j *FileJournal) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
