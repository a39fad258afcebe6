// Package broker forwards engine events to Kafka
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/events"
)

// Writer is the subset of *kafka.Writer the publisher needs
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// Publisher subscribes to the event bus and writes each envelope to Kafka
// from its own goroutine, so publishing never blocks the engine. Events that
// arrive while the buffer is full are dropped and counted.
type Publisher struct {
	w       Writer
	log     *zap.Logger
	timeout time.Duration

	queue chan events.Envelope
	done  chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
	failed  uint64
}

func NewPublisher(w Writer, buffer int, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		w:       w,
		log:     logger.Named("kafka"),
		timeout: 5 * time.Second,
		queue:   make(chan events.Envelope, buffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Handle is an events.Handler
func (p *Publisher) Handle(env events.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- env:
	default:
		p.dropped++
		p.log.Warn("event_dropped", zap.Uint64("seq", env.Seq), zap.String("type", string(env.Type)))
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for env := range p.queue {
		msg, err := Encode(env)
		if err != nil {
			p.log.Error("event_encode_failed", zap.Uint64("seq", env.Seq), zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err = p.w.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			p.mu.Lock()
			p.failed++
			p.mu.Unlock()
			p.log.Error("event_publish_failed", zap.Uint64("seq", env.Seq), zap.Error(err))
		}
	}
}

// Stats returns how many events were dropped on a full buffer and how many
// writes failed
func (p *Publisher) Stats() (dropped, failed uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped, p.failed
}

// Close stops accepting events, drains the buffer and closes the writer
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.w.Close()
}

// Encode builds the Kafka message for env: JSON {seq,type,payload} keyed by type
func Encode(env events.Envelope) (kafka.Message, error) {
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(env.Type),
		Value: value,
	}, nil
}
