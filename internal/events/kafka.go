package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
)

// ErrPublisherBusy is returned when the producer's input buffer is full and
// the event was dropped.
var ErrPublisherBusy = errors.New("kafka publisher input buffer full")

// ErrPublisherClosed is returned by Notify after Close.
var ErrPublisherClosed = errors.New("kafka publisher closed")

// KafkaPublisher publishes events as JSON to one topic, keyed by account id
// so each account's events stay ordered within a partition. Notify hands
// the message to an async producer and never waits on the broker; delivery
// failures are logged and counted from a background goroutine.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	failed atomic.Int64
}

// NewKafkaPublisher connects an idempotent async producer to brokers.
func NewKafkaPublisher(brokers []string, topic, clientID string, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = false
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Flush.Frequency = 50 * time.Millisecond

	producer, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return NewKafkaPublisherWithProducer(producer, topic, logger), nil
}

// NewKafkaPublisherWithProducer wraps an existing producer. The producer
// must report errors; successes are not read.
func NewKafkaPublisherWithProducer(producer sarama.AsyncProducer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	p := &KafkaPublisher{producer: producer, topic: topic, logger: logger, done: make(chan struct{})}
	go p.drainErrors()
	return p
}

func (p *KafkaPublisher) drainErrors() {
	defer close(p.done)
	for perr := range p.producer.Errors() {
		p.failed.Add(1)
		attrs := []any{"topic", p.topic, "err", perr.Err}
		if perr.Msg != nil {
			if key, err := perr.Msg.Key.Encode(); err == nil {
				attrs = append(attrs, "account", string(key))
			}
		}
		p.logger.Error("kafka publish failed", attrs...)
	}
}

func (p *KafkaPublisher) Notify(ctx context.Context, ev Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(ev.AccountID),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(ev.Type)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.producer.Input() <- msg:
		return nil
	default:
		p.failed.Add(1)
		return ErrPublisherBusy
	}
}

// Failed returns how many events were dropped or rejected by the broker.
func (p *KafkaPublisher) Failed() int64 { return p.failed.Load() }

// Close flushes buffered messages and waits for the producer to shut down.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.producer.AsyncClose()
	<-p.done
	return nil
}
