package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/domain"
)

type StreamsConfig struct {
	// Client is reused when set; otherwise Addr/Password/DB build one.
	Client      *redis.Client
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
	Block       time.Duration
	Logger      *zap.SugaredLogger
}

// StreamsQueue implements Producer+Consumer backed by Redis Streams, so
// events survive a process restart between receipt and processing.
type StreamsQueue struct {
	client      *redis.Client
	ownsClient  bool
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
	block       time.Duration
	logger      *zap.SugaredLogger
}

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig) (*StreamsQueue, error) {
	if cfg.Client == nil && cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "dvm_requests"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "dvm_requests_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "dvm_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "dvm-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	client := cfg.Client
	ownsClient := false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		ownsClient = true
	}

	if err := client.Ping(ctx).Err(); err != nil {
		if ownsClient {
			_ = client.Close()
		}
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		ownsClient:  ownsClient,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		block:       cfg.Block,
		logger:      cfg.Logger.With("component", "streams_queue"),
	}
	if err := queue.ensureGroup(ctx); err != nil {
		if ownsClient {
			_ = client.Close()
		}
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	if !q.ownsClient {
		return nil
	}
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.InboundMessage) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: messageValues(message),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handleItem(ctx, item, handler)
			}
		}
	}
}

func (q *StreamsQueue) handleItem(ctx context.Context, item redis.XMessage, handler Handler) {
	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.logger.Warnw("dropping malformed stream message", "stream_id", item.ID, "error", parseErr)
		_ = q.sendToDLQ(ctx, domain.InboundMessage{}, item, parseErr.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		q.logger.Warnw("moved message to DLQ", "event_id", message.EventID, "error", handleErr)
		_ = q.sendToDLQ(ctx, message, item, handleErr.Error())
		_ = q.ackAndDelete(ctx, item.ID)
		return
	}

	if requeueErr := q.Enqueue(ctx, message); requeueErr != nil {
		_ = q.sendToDLQ(ctx, message, item, fmt.Sprintf("requeue failed: %v", requeueErr))
	}
	_ = q.ackAndDelete(ctx, item.ID)
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) sendToDLQ(
	ctx context.Context,
	message domain.InboundMessage,
	item redis.XMessage,
	errorMessage string,
) error {
	values := messageValues(message)
	values["stream_id"] = item.ID
	values["error"] = errorMessage
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		return fmt.Errorf("send to dlq: %w", err)
	}
	return nil
}

// DLQSize reports the length of the dead-letter stream.
func (q *StreamsQueue) DLQSize(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.dlqStream).Result()
}

func messageValues(message domain.InboundMessage) map[string]any {
	return map[string]any{
		"event_id":    message.EventID,
		"relay":       message.Relay,
		"event":       string(message.Event),
		"attempt":     message.Attempt,
		"received_at": message.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.InboundMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	eventString, err := getString("event")
	if err != nil {
		return domain.InboundMessage{}, err
	}
	if strings.TrimSpace(eventString) == "" {
		return domain.InboundMessage{}, errors.New("empty event payload")
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.InboundMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.InboundMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	receivedAtString, err := getString("received_at")
	if err != nil {
		return domain.InboundMessage{}, err
	}
	receivedAt, err := time.Parse(time.RFC3339Nano, receivedAtString)
	if err != nil {
		return domain.InboundMessage{}, fmt.Errorf("invalid received_at: %w", err)
	}

	eventID, err := getString("event_id")
	if err != nil {
		return domain.InboundMessage{}, err
	}
	relay, err := getString("relay")
	if err != nil {
		return domain.InboundMessage{}, err
	}

	return domain.InboundMessage{
		EventID:    eventID,
		Relay:      relay,
		Event:      []byte(eventString),
		Attempt:    attempt,
		ReceivedAt: receivedAt,
	}, nil
}
