package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// KafkaDispatcher publishes commit events from a bounded local queue with a
// pool of workers and a finite number of retries.
// - Publish never blocks the session that calls it.
// - A slow broker is absorbed by the queue.
// - When the queue is full, events are dropped rather than buffered without bound.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan CommitEvent
	wg     sync.WaitGroup

	// bounds concurrent SendMessage calls across workers
	sem *semaphore.Weighted

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxInFlight int64 // concurrent sends; 0 means one per worker
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o *KafkaDispatcherOptions) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 10_000
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = int64(o.Workers)
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, log *zap.Logger, opt KafkaDispatcherOptions) *KafkaDispatcher {
	opt.withDefaults()
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		log:         log,
		queue:       make(chan CommitEvent, opt.QueueSize),
		sem:         semaphore.NewWeighted(opt.MaxInFlight),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	d.start()
	return d
}

// NewSyncProducer builds the producer the dispatcher sends through.
func NewSyncProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	// required by SyncProducer
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	return sarama.NewSyncProducer(brokers, cfg)
}

// Publish enqueues evt, dropping it when the queue is full or the
// dispatcher is closed. Commit events are best effort.
func (d *KafkaDispatcher) Publish(evt CommitEvent) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- evt:
	default:
		d.log.Warn("kafka queue full, drop event",
			zap.String("document", evt.DocumentID), zap.String("event", evt.EventID))
	}
}

func (d *KafkaDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CommitEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		// workers may wait here indefinitely, sessions never do
		_ = d.sem.Acquire(context.Background(), 1)
		err := d.sendOnce(evt)
		d.sem.Release(1)

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.log.Error("kafka send failed, drop event",
				zap.String("document", evt.DocumentID),
				zap.String("event", evt.EventID),
				zap.Int("head", evt.Head),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}

		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt CommitEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocumentID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}

// Close stops accepting events, waits for the queue to drain and closes the
// producer.
func (d *KafkaDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if d.producer != nil {
		return d.producer.Close()
	}
	return nil
}
