// Package feed implements the Work Feed: pulling activation requests
// from Kafka with explicit per-message acknowledgement, per-namespace
// concurrency limiting, and bounded-retry resubmission on pool
// rejection, grounded on the reference project's kgo-based
// KafkaServer, generalised from its fire-and-forget consumer loop into
// an explicit-commit one.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/openwhisk/invoker-pool/internal/pool"
)

// Message is one decoded activation request pulled off the topic.
type Message struct {
	Namespace string          `json:"namespace"`
	ActionID  string          `json:"action_id"`
	Rev       string          `json:"rev"`
	Kind      string          `json:"kind"`
	Image     string          `json:"image"`
	MemoryMB  int             `json:"memory_mb"`
	TimeLimitS int            `json:"time_limit_seconds"`
	Concurrency int           `json:"concurrency_limit"`
	Args      json.RawMessage `json:"args"`

	record *kgo.Record
}

// Handler is invoked once per pulled message, with the pool submission
// and activation run already the caller's responsibility; it returns
// whether the message should be treated as accepted (ack) or rejected
// for retry (per the pool's admission decision).
type Handler func(ctx context.Context, msg *Message) error

// kafkaClient is the slice of *kgo.Client this package calls, narrowed
// to an interface so tests can substitute a mock, the way the
// reference project's kafka consumer tests do.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// Feed is the Work Feed (spec component D).
type Feed struct {
	client kafkaClient
	log    *slog.Logger

	maxRetries    int
	backoffBase   time.Duration
	nsConcurrency int

	mu       sync.Mutex
	nsSem    map[string]chan struct{}
	stopped  bool
	wg       sync.WaitGroup
}

// New connects to brokers and joins the consumer group, subscribing to
// topic.
func New(brokers []string, topic, group string, maxRetries int, backoffBaseMS, nsConcurrency int, log *slog.Logger) (*Feed, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, err
	}

	return &Feed{
		client:        client,
		log:           log,
		maxRetries:    maxRetries,
		backoffBase:   time.Duration(backoffBaseMS) * time.Millisecond,
		nsConcurrency: nsConcurrency,
		nsSem:         make(map[string]chan struct{}),
	}, nil
}

func (f *Feed) semFor(ns string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	sem, ok := f.nsSem[ns]
	if !ok {
		sem = make(chan struct{}, f.nsConcurrency)
		f.nsSem[ns] = sem
	}
	return sem
}

// Run pulls fetches in a loop, dispatching each record to handle
// subject to the per-namespace concurrency cap, until ctx is
// cancelled.
func (f *Feed) Run(ctx context.Context, handle Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetches := f.client.PollFetches(ctx)
		if ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, e := range errs {
				f.log.Error("kafka fetch error", "topic", e.Topic, "partition", e.Partition, "err", e.Err)
			}
			continue
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			f.dispatch(ctx, record, handle)
		}
	}
}

func (f *Feed) dispatch(ctx context.Context, record *kgo.Record, handle Handler) {
	var msg Message
	if err := json.Unmarshal(record.Value, &msg); err != nil {
		f.log.Error("dropping unparseable message", "err", err)
		f.commit(ctx, record)
		return
	}
	msg.record = record

	// acquiring the per-namespace slot happens inside the goroutine, not
	// here, so one saturated namespace never blocks the fetch loop from
	// dispatching records for other namespaces later in the same batch.
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		sem := f.semFor(msg.Namespace)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-sem }()

		f.runWithRetry(ctx, &msg, handle)
	}()
}

func (f *Feed) runWithRetry(ctx context.Context, msg *Message, handle Handler) {
	for attempt := 0; attempt <= f.maxRetries; attempt++ {
		err := handle(ctx, msg)
		if err == nil {
			f.commit(ctx, msg.record)
			return
		}
		if err != pool.ErrSystemOverloaded {
			// any non-overload failure has already produced a final
			// activation record (application/developer/whisk error);
			// the message itself was successfully processed.
			f.commit(ctx, msg.record)
			return
		}
		if attempt == f.maxRetries {
			f.log.Warn("activation failed after retries, giving up", "action", msg.ActionID, "namespace", msg.Namespace)
			f.commit(ctx, msg.record)
			return
		}
		backoff := f.backoffBase * time.Duration(1<<uint(attempt))
		jitter := time.Duration(rand.Int63n(int64(backoff/2 + 1)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
	}
}

func (f *Feed) commit(ctx context.Context, record *kgo.Record) {
	if err := f.client.CommitRecords(ctx, record); err != nil {
		f.log.Error("commit failed", "err", err)
	}
}

// Shutdown stops pulling and waits up to grace for in-flight handlers
// to finish before returning.
func (f *Feed) Shutdown(grace time.Duration) {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		f.log.Warn("shutdown grace period elapsed with activations still in flight")
	}

	f.client.Close()
}
