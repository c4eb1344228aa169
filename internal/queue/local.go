package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iago/llm-dvm/internal/domain"
)

// LocalQueue is the in-process queue used when Redis is not configured.
type LocalQueue struct {
	ch          chan domain.InboundMessage
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.SugaredLogger

	closeOnce sync.Once
	done      chan struct{}

	dlqMu sync.Mutex
	dlq   []domain.InboundMessage
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *zap.SugaredLogger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalQueue{
		ch:          make(chan domain.InboundMessage, bufferSize),
		maxAttempts: maxAttempts,
		retryDelay:  500 * time.Millisecond,
		logger:      logger.With("component", "local_queue"),
		done:        make(chan struct{}),
		dlq:         make([]domain.InboundMessage, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.InboundMessage) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrQueueClosed
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			message.Attempt++
			if message.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message)
				q.dlqMu.Unlock()
				q.logger.Warnw("moved message to DLQ", "event_id", message.EventID, "error", err)
				continue
			}

			delay := time.Duration(message.Attempt) * q.retryDelay
			go func(retryMessage domain.InboundMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					_ = q.Enqueue(ctx, retryMessage)
				}
			}(message)
		}
	}
}

// Len is the number of buffered messages.
func (q *LocalQueue) Len() int {
	return len(q.ch)
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}

func (q *LocalQueue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
	})
	return nil
}
