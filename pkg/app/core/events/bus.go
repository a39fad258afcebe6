package events

import "sync"

// Handler receives envelopes in emission order. Handlers run on the
// publishing goroutine and must not block; hand work to a channel instead.
type Handler func(Envelope)

// Bus fans envelopes out to subscribers
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
	order    []int
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	b.handlers[id] = h
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
		for i, v := range b.order {
			if v == id {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers env to every subscriber in subscription order
func (b *Bus) Publish(env Envelope) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		hs = append(hs, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(env)
	}
}

// Recorder is a subscriber that keeps every envelope (tests, debugging)
type Recorder struct {
	mu  sync.Mutex
	got []Envelope
}

func (r *Recorder) Handle(env Envelope) {
	r.mu.Lock()
	r.got = append(r.got, env)
	r.mu.Unlock()
}

// Envelopes returns a copy of everything recorded so far
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.got...)
}

// Reset drops recorded envelopes
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}
