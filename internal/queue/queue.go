// Package queue moves background jobs over Redis Streams. Each queue is one
// stream drained by a consumer group; failed messages are re-added with a
// bumped retry count and parked on a dead-letter stream once the budget is
// spent.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/bookforge/bookforge/internal/logging"
)

// Stream names.
const (
	StreamCovers   = "queue:covers"
	StreamEnrich   = "queue:enrich"
	StreamBackfill = "queue:backfill"
)

// _maxRetries is how many re-deliveries a message gets before the DLQ.
const _maxRetries = 2

// CoverJob asks for one cover to be processed.
type CoverJob struct {
	ISBN        string `json:"isbn"`
	WorkKey     string `json:"work_key,omitempty"`
	ProviderURL string `json:"provider_url,omitempty"`
	Priority    string `json:"priority,omitempty"` // low|normal|high.
	Source      string `json:"source"`
}

// EnrichmentJob asks for one ISBN to be enriched.
type EnrichmentJob struct {
	ISBN   string `json:"isbn"`
	Source string `json:"source,omitempty"`
}

// BackfillJob resumes a month of release ingestion.
type BackfillJob struct {
	Year       int `json:"year"`
	Month      int `json:"month"`
	ResumePage int `json:"resume_page,omitempty"`
}

// Producer enqueues jobs.
type Producer struct {
	rdb redis.UniversalClient
}

// NewProducer creates a Producer.
func NewProducer(rdb redis.UniversalClient) *Producer {
	return &Producer{rdb: rdb}
}

func (p *Producer) add(ctx context.Context, stream string, job any) error {
	raw, err := sonic.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshaling job: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"body": raw, "retries": 0},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueueing on %s: %w", stream, err)
	}
	return nil
}

// EnqueueCover adds a cover job.
func (p *Producer) EnqueueCover(ctx context.Context, job CoverJob) error {
	return p.add(ctx, StreamCovers, job)
}

// EnqueueEnrichment adds an enrichment job.
func (p *Producer) EnqueueEnrichment(ctx context.Context, job EnrichmentJob) error {
	return p.add(ctx, StreamEnrich, job)
}

// EnqueueBackfill adds a backfill job.
func (p *Producer) EnqueueBackfill(ctx context.Context, job BackfillJob) error {
	return p.add(ctx, StreamBackfill, job)
}

// Message is one delivery.
type Message struct {
	ID      string
	Retries int
	Body    []byte
}

// Outcome is a handler's per-message decision.
type Outcome int

// Per-message decisions. Ack is terminal; Retry re-adds the message until
// the retry budget routes it to the dead-letter stream.
const (
	Ack Outcome = iota
	Retry
)

// Handler processes one batch. The returned slice must be positionally
// aligned with msgs.
type Handler interface {
	HandleBatch(ctx context.Context, msgs []Message) []Outcome
}

// Consumer drains one stream through a handler.
type Consumer struct {
	rdb     redis.UniversalClient
	stream  string
	group   string
	name    string
	batch   int64
	handler Handler
}

// NewConsumer creates a Consumer. name distinguishes workers within the
// group.
func NewConsumer(rdb redis.UniversalClient, stream, group, name string, batch int64, handler Handler) *Consumer {
	return &Consumer{rdb: rdb, stream: stream, group: group, name: name, batch: batch, handler: handler}
}

// DLQStream is the dead-letter stream for a queue.
func DLQStream(stream string) string { return stream + ":dlq" }

func (c *Consumer) ensureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("creating group %s on %s: %w", c.group, c.stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// DrainOnce reads and processes at most one batch. Returns how many messages
// were handled. Zero with a nil error means the stream was idle.
func (c *Consumer) DrainOnce(ctx context.Context) (int, error) {
	if err := c.ensureGroup(ctx); err != nil {
		return 0, err
	}

	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    c.batch,
		Block:    time.Second,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", c.stream, err)
	}

	var msgs []Message
	var ids []string
	for _, s := range streams {
		for _, m := range s.Messages {
			msgs = append(msgs, decodeMessage(m))
			ids = append(ids, m.ID)
		}
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	outcomes := c.handler.HandleBatch(ctx, msgs)
	for i, msg := range msgs {
		outcome := Ack
		if i < len(outcomes) {
			outcome = outcomes[i]
		}
		c.settle(ctx, msg, ids[i], outcome)
	}
	return len(msgs), nil
}

// Run drains until the context ends.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := c.DrainOnce(ctx)
		if err != nil {
			logging.Log(ctx).Warn("queue drain failed", "stream", c.stream, "err", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if n == 0 {
			// Blocked read already paced us; loop straight back around.
			continue
		}
	}
}

// settle acks the delivery and, on Retry, re-adds the message or parks it on
// the DLQ once the budget is spent.
func (c *Consumer) settle(ctx context.Context, msg Message, id string, outcome Outcome) {
	if outcome == Retry {
		target := c.stream
		retries := msg.Retries + 1
		if retries > _maxRetries {
			target = DLQStream(c.stream)
			logging.Log(ctx).Warn("message exhausted retries", "stream", c.stream, "id", id)
		}
		err := c.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: target,
			Values: map[string]any{"body": msg.Body, "retries": retries},
		}).Err()
		if err != nil {
			// Leave the delivery pending so the group re-delivers it.
			logging.Log(ctx).Error("unable to requeue message", "stream", c.stream, "id", id, "err", err)
			return
		}
	}
	if err := c.rdb.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		logging.Log(ctx).Warn("problem acking message", "stream", c.stream, "id", id, "err", err)
	}
}

func decodeMessage(m redis.XMessage) Message {
	msg := Message{ID: m.ID}
	if body, ok := m.Values["body"].(string); ok {
		msg.Body = []byte(body)
	}
	if raw, ok := m.Values["retries"].(string); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			msg.Retries = n
		}
	}
	return msg
}
