/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue implements a durable at-least-once work queue on Redis
// Streams. Producers XADD JSON payloads; consumer groups deliver each entry
// to one consumer, which acknowledges only after its handler succeeds.
// Unacknowledged entries are reclaimed after a visibility timeout and parked
// in a dead-letter stream once the delivery budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/traceprism/traceprism/pkg/observability"
)

// Stream names used by the pipeline.
const (
	StreamTraceUpsert         = "TraceUpsert"
	StreamEvaluationExecution = "EvaluationExecution"
)

const (
	dataField       = "data"
	enqueuedAtField = "enqueued_at"
	carrierPrefix   = "tc:"

	dlqSuffix    = ":dlq"
	dlqMaxLength = 10_000
)

// Message is one delivered queue entry.
type Message struct {
	ID            string
	Payload       []byte
	EnqueuedAt    time.Time
	DeliveryCount int64
	// Carrier holds W3C trace-context metadata injected at enqueue time so
	// consumers can continue the producer's trace.
	Carrier map[string]string
}

// Decode unmarshals the JSON payload into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler processes one message. A nil return acknowledges the message; an
// error leaves it pending for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Options tunes a consumer. Zero values take the defaults below.
type Options struct {
	Group             string
	Consumer          string
	Concurrency       int
	ReadCount         int64
	BlockDuration     time.Duration
	VisibilityTimeout time.Duration
	ClaimInterval     time.Duration
	MaxDeliveries     int64
}

func (o Options) withDefaults(stream string) Options {
	if o.Group == "" {
		o.Group = stream + "-workers"
	}
	if o.Consumer == "" {
		o.Consumer = "consumer-" + uuid.NewString()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.ReadCount <= 0 {
		o.ReadCount = 10
	}
	if o.BlockDuration <= 0 {
		o.BlockDuration = time.Second
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.ClaimInterval <= 0 {
		o.ClaimInterval = 10 * time.Second
	}
	if o.MaxDeliveries <= 0 {
		o.MaxDeliveries = 5
	}
	return o
}

// Queue is one named stream with an optional consumer loop.
type Queue struct {
	client  redis.UniversalClient
	stream  string
	logger  *zap.Logger
	opts    Options
	handler Handler

	quit    chan struct{}
	wg      sync.WaitGroup
	running int64
}

func New(client redis.UniversalClient, stream string, logger *zap.Logger, opts Options) *Queue {
	return &Queue{
		client: client,
		stream: stream,
		logger: logger.With(zap.String("stream", stream)),
		opts:   opts.withDefaults(stream),
		quit:   make(chan struct{}),
	}
}

// Stream returns the underlying stream name.
func (q *Queue) Stream() string {
	return q.stream
}

// Enqueue appends a job. The payload is JSON-encoded; the current span
// context rides along so the consumer can parent its span correctly.
func (q *Queue) Enqueue(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s payload: %w", q.stream, err)
	}
	values := map[string]any{
		dataField:       string(data),
		enqueuedAtField: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	for k, v := range observability.Inject(ctx) {
		values[carrierPrefix+k] = v
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.stream, Values: values}).Err()
}

// Length returns the current stream depth.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}

// Start launches the consumer loops. The handler must be safe for
// Concurrency parallel invocations.
func (q *Queue) Start(ctx context.Context, handler Handler) error {
	if !atomic.CompareAndSwapInt64(&q.running, 0, 1) {
		return errors.New("queue consumer already running")
	}
	q.handler = handler
	if err := q.ensureGroup(ctx); err != nil {
		return fmt.Errorf("ensuring consumer group for %s: %w", q.stream, err)
	}

	q.logger.Info("starting queue consumer",
		zap.String("group", q.opts.Group),
		zap.String("consumer", q.opts.Consumer),
		zap.Int("concurrency", q.opts.Concurrency),
	)

	q.wg.Add(2)
	go q.consumeLoop(ctx)
	go q.claimLoop(ctx)
	return nil
}

// Stop drains the consumer loops. In-flight handlers finish; unacknowledged
// entries are redelivered elsewhere.
func (q *Queue) Stop() {
	if !atomic.CompareAndSwapInt64(&q.running, 1, 0) {
		return
	}
	close(q.quit)
	q.wg.Wait()
	q.logger.Info("queue consumer stopped")
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *Queue) consumeLoop(ctx context.Context) {
	defer q.wg.Done()
	sem := make(chan struct{}, q.opts.Concurrency)

	for {
		select {
		case <-q.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.opts.ReadCount,
			Block:    q.opts.BlockDuration,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			q.logger.Error("reading stream", zap.Error(err))
			select {
			case <-time.After(100 * time.Millisecond):
			case <-q.quit:
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				select {
				case sem <- struct{}{}:
				case <-q.quit:
					return
				case <-ctx.Done():
					return
				}
				msg := parseMessage(entry, 1)
				q.wg.Add(1)
				go func() {
					defer q.wg.Done()
					defer func() { <-sem }()
					q.handle(ctx, msg)
				}()
			}
		}
	}
}

// claimLoop redelivers entries whose consumer went silent past the
// visibility timeout, and parks entries that exhausted their deliveries.
func (q *Queue) claimLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.reclaim(ctx); err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn("reclaiming stale deliveries", zap.Error(err))
			}
		}
	}
}

func (q *Queue) reclaim(ctx context.Context) error {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.opts.Group,
		Idle:   q.opts.VisibilityTimeout,
		Start:  "-",
		End:    "+",
		Count:  q.opts.ReadCount,
	}).Result()
	if err != nil {
		return err
	}

	for _, p := range pending {
		if p.RetryCount >= q.opts.MaxDeliveries {
			if err := q.park(ctx, p.ID, p.RetryCount); err != nil {
				q.logger.Error("parking poisoned entry", zap.String("entry", p.ID), zap.Error(err))
			}
			continue
		}
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.VisibilityTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			return err
		}
		for _, entry := range claimed {
			q.handle(ctx, parseMessage(entry, p.RetryCount+1))
		}
	}
	return nil
}

// park moves one entry to the dead-letter stream and acknowledges it so the
// pending list cannot grow without bound.
func (q *Queue) park(ctx context.Context, id string, deliveries int64) error {
	entries, err := q.client.XRangeN(ctx, q.stream, id, id, 1).Result()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		values := entries[0].Values
		values["deliveries"] = strconv.FormatInt(deliveries, 10)
		if err := q.client.XAdd(ctx, &redis.XAddArgs{
			Stream: q.stream + dlqSuffix,
			MaxLen: dlqMaxLength,
			Approx: true,
			Values: values,
		}).Err(); err != nil {
			return err
		}
	}
	q.logger.Warn("entry exceeded delivery budget, moved to dead-letter stream",
		zap.String("entry", id), zap.Int64("deliveries", deliveries))
	return q.client.XAck(ctx, q.stream, q.opts.Group, id).Err()
}

func (q *Queue) handle(ctx context.Context, msg *Message) {
	if err := q.handler(ctx, msg); err != nil {
		// no ack: the entry stays pending and is redelivered after the
		// visibility timeout
		q.logger.Warn("handler failed, leaving entry pending",
			zap.String("entry", msg.ID),
			zap.Int64("delivery", msg.DeliveryCount),
			zap.Error(err),
		)
		return
	}
	if err := q.client.XAck(ctx, q.stream, q.opts.Group, msg.ID).Err(); err != nil {
		q.logger.Warn("acknowledging entry", zap.String("entry", msg.ID), zap.Error(err))
	}
}

func parseMessage(entry redis.XMessage, delivery int64) *Message {
	msg := &Message{
		ID:            entry.ID,
		DeliveryCount: delivery,
		Carrier:       map[string]string{},
	}
	if data, ok := entry.Values[dataField].(string); ok {
		msg.Payload = []byte(data)
	}
	if raw, ok := entry.Values[enqueuedAtField].(string); ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			msg.EnqueuedAt = time.UnixMilli(ms)
		}
	}
	for k, v := range entry.Values {
		if strings.HasPrefix(k, carrierPrefix) {
			if s, ok := v.(string); ok {
				msg.Carrier[strings.TrimPrefix(k, carrierPrefix)] = s
			}
		}
	}
	return msg
}
