// Package redisstream consumes device readings from a Redis Stream through
// a consumer group, so multiple engine instances can share one stream.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/vitalmesh/vitalmesh/pkg/types"
)

// payloadField is the stream entry field carrying the JSON-encoded reading.
const payloadField = "reading"

// Handler consumes one decoded reading. A returned error leaves the entry
// unacknowledged for redelivery, except validation errors which are logged
// and acknowledged to keep poison entries out of the pending list.
type Handler func(reading types.Reading) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable; the entry is acknowledged.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Options configures a Source.
type Options struct {
	Addr     string
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration // XREADGROUP block duration, default 5s
	Batch    int64         // entries per read, default 32
}

// Source is a Redis Streams reading consumer.
type Source struct {
	log     *zap.Logger
	client  *redis.Client
	opts    Options
	handler Handler
}

// New creates a source with its own Redis client.
func New(log *zap.Logger, opts Options, handler Handler) *Source {
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 32
	}
	return &Source{
		log:     log,
		client:  redis.NewClient(&redis.Options{Addr: opts.Addr}),
		opts:    opts,
		handler: handler,
	}
}

// NewWithClient creates a source on an existing client. Used by tests.
func NewWithClient(log *zap.Logger, client *redis.Client, opts Options, handler Handler) *Source {
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 32
	}
	return &Source{log: log, client: client, opts: opts, handler: handler}
}

// Run consumes the stream until the context is cancelled.
func (s *Source) Run(ctx context.Context) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	s.log.Info("redis stream source started",
		zap.String("stream", s.opts.Stream),
		zap.String("group", s.opts.Group),
		zap.String("consumer", s.opts.Consumer),
	)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.opts.Group,
			Consumer: s.opts.Consumer,
			Streams:  []string{s.opts.Stream, ">"},
			Count:    s.opts.Batch,
			Block:    s.opts.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // block timeout, nothing new
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.log.Error("stream read failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.handleEntry(ctx, msg)
			}
		}
	}
}

func (s *Source) handleEntry(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values[payloadField].(string)
	if !ok {
		s.log.Warn("stream entry missing payload field", zap.String("id", msg.ID))
		s.ack(ctx, msg.ID)
		return
	}

	var reading types.Reading
	if err := json.Unmarshal([]byte(raw), &reading); err != nil {
		s.log.Warn("undecodable stream entry dropped",
			zap.String("id", msg.ID),
			zap.Error(err),
		)
		s.ack(ctx, msg.ID)
		return
	}

	if err := s.handler(reading); err != nil {
		var perm *permanentError
		if errors.As(err, &perm) {
			s.log.Warn("reading rejected",
				zap.String("id", msg.ID),
				zap.String("device_id", reading.DeviceID),
				zap.Error(err),
			)
			s.ack(ctx, msg.ID)
			return
		}
		// Retryable: leave pending for redelivery.
		s.log.Error("reading handling failed, left pending",
			zap.String("id", msg.ID),
			zap.Error(err),
		)
		return
	}

	s.ack(ctx, msg.ID)
}

func (s *Source) ack(ctx context.Context, id string) {
	if err := s.client.XAck(ctx, s.opts.Stream, s.opts.Group, id).Err(); err != nil {
		s.log.Warn("stream ack failed", zap.String("id", id), zap.Error(err))
	}
}

func (s *Source) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.opts.Stream, s.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Close releases the Redis client.
func (s *Source) Close() error {
	return s.client.Close()
}
