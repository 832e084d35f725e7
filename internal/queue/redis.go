package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	_ Broker    = (*RedisBroker)(nil)
	_ Reclaimer = (*RedisBroker)(nil)
)

// RedisConfig configures a stream-backed broker.
type RedisConfig struct {
	Stream      string        // Redis stream name
	Group       string        // Redis consumer group name
	Consumer    string        // Redis consumer name, unique per process
	DLQStream   string        // Dead letter stream for undeliverable messages
	Block       time.Duration // How long one XREADGROUP call blocks
	MaxAttempts int           // Deliveries before a message goes to the DLQ
	MinIdle     time.Duration // Pending age after which Reclaim takes a message over
	ReclaimSize int64         // Messages inspected per Reclaim call

	// Live reports whether a job is still being worked on. Reclaim leaves
	// such messages pending instead of requeueing them. Optional.
	Live func(ctx context.Context, jobID string) bool
}

// RedisBroker delivers jobs through a Redis stream consumer group.
// Unacknowledged messages stay pending in the group until Reclaim requeues
// them.
type RedisBroker struct {
	client *redis.Client
	cfg    RedisConfig
}

// NewRedisBroker creates the consumer group if needed.
func NewRedisBroker(ctx context.Context, client *redis.Client, cfg RedisConfig) (*RedisBroker, error) {
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ReclaimSize <= 0 {
		cfg.ReclaimSize = 50
	}
	b := &RedisBroker{client: client, cfg: cfg}
	if err := b.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Connect parses url, pings the server and returns a client.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (b *RedisBroker) ensureGroup(ctx context.Context) error {
	// Start from "0" so messages published before the group existed are
	// still delivered.
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (b *RedisBroker) Publish(ctx context.Context, jobID string) error {
	return b.add(ctx, b.cfg.Stream, map[string]any{"job_id": jobID, "attempt": 1})
}

func (b *RedisBroker) add(ctx context.Context, stream string, values map[string]any) error {
	if err := b.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", stream, err)
	}
	return nil
}

func (b *RedisBroker) Consume(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			// ">" reads messages never delivered to anyone; stale pending
			// ones are handled by Reclaim.
			Streams: []string{b.cfg.Stream, ">"},
			Count:   1,
			Block:   b.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return Delivery{}, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return Delivery{}, ErrClosed
			}
			return Delivery{}, fmt.Errorf("reading from stream: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				d, parseErr := parseDelivery(msg)
				if parseErr != nil {
					slog.Error("failed to parse message", "error", parseErr, "message_id", msg.ID, "stream", b.cfg.Stream)
					b.deadLetter(ctx, msg.ID, msg.Values, parseErr.Error())
					continue
				}
				return d, nil
			}
		}
	}
}

func (b *RedisBroker) Ack(ctx context.Context, d Delivery) error {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, d.ID).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", b.cfg.Stream, err)
	}
	slog.Debug("message acknowledged", "job_id", d.JobID, "message_id", d.ID)
	return nil
}

// Nack acks the message and publishes it again with the attempt counter
// bumped. Messages past MaxAttempts go to the dead letter stream instead.
func (b *RedisBroker) Nack(ctx context.Context, d Delivery, reason string) error {
	next := d.Attempt + 1
	values := map[string]any{"job_id": d.JobID, "attempt": next}
	if reason != "" {
		values["last_error"] = reason
	}

	if next > b.cfg.MaxAttempts {
		b.deadLetter(ctx, d.ID, values, reason)
		return nil
	}

	if err := b.Ack(ctx, d); err != nil {
		return fmt.Errorf("acking message for requeue: %w", err)
	}
	if err := b.add(ctx, b.cfg.Stream, values); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	slog.Info("message requeued for retry", "job_id", d.JobID, "next_attempt", next, "reason", reason)
	return nil
}

func (b *RedisBroker) deadLetter(ctx context.Context, id string, values map[string]any, reason string) {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, id).Err(); err != nil {
		slog.Error("failed to ack dead letter", "error", err, "message_id", id)
	}
	if b.cfg.DLQStream == "" {
		return
	}
	dlq := make(map[string]any, len(values)+1)
	for k, v := range values {
		dlq[k] = v
	}
	dlq["error"] = reason
	if err := b.add(ctx, b.cfg.DLQStream, dlq); err != nil {
		slog.Error("failed to write dead letter", "error", err, "message_id", id)
		return
	}
	slog.Error("message sent to DLQ", "message_id", id, "final_error", reason, "dlq_stream", b.cfg.DLQStream)
}

// Reclaim takes over messages pending longer than MinIdle and requeues them,
// covering workers that died between XREADGROUP and XACK. Messages whose job
// is still live stay pending; the claim resets their idle time.
func (b *RedisBroker) Reclaim(ctx context.Context) (int, error) {
	if b.cfg.MinIdle <= 0 {
		return 0, nil
	}
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.cfg.Stream,
		Group:  b.cfg.Group,
		Idle:   b.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  b.cfg.ReclaimSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}

	n := 0
	for _, p := range pending {
		msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   b.cfg.Stream,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.MinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			slog.Error("failed to reclaim message", "error", err, "message_id", p.ID, "original_consumer", p.Consumer)
			continue
		}
		if len(msgs) == 0 {
			// Another worker got there first.
			continue
		}

		d, parseErr := parseDelivery(msgs[0])
		if parseErr != nil {
			b.deadLetter(ctx, p.ID, msgs[0].Values, parseErr.Error())
			continue
		}
		if b.cfg.Live != nil && b.cfg.Live(ctx, d.JobID) {
			slog.Debug("leaving message of live job pending", "job_id", d.JobID, "original_consumer", p.Consumer)
			continue
		}
		slog.Info("reclaiming stale message", "job_id", d.JobID, "original_consumer", p.Consumer, "idle_time", p.Idle)
		if err := b.Nack(ctx, d, "reclaimed after consumer went idle"); err != nil {
			slog.Error("failed to requeue reclaimed message", "error", err, "message_id", p.ID)
			continue
		}
		n++
	}
	return n, nil
}

// Close closes the underlying client.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}

func parseDelivery(msg redis.XMessage) (Delivery, error) {
	jobID, ok := msg.Values["job_id"]
	if !ok || fmt.Sprint(jobID) == "" {
		return Delivery{}, errors.New("missing job_id")
	}
	attempt, err := parseOptionalInt(msg.Values, "attempt")
	if err != nil {
		return Delivery{}, err
	}
	if attempt == 0 {
		attempt = 1
	}
	return Delivery{ID: msg.ID, JobID: fmt.Sprint(jobID), Attempt: attempt}, nil
}

func parseOptionalInt(values map[string]any, key string) (int, error) {
	raw, ok := values[key]
	if !ok {
		return 0, nil
	}
	num, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return num, nil
}
