// Package queue buffers inbound relay events between the relay callbacks and
// the job pool.
package queue

import (
	"context"
	"errors"

	"github.com/iago/llm-dvm/internal/domain"
)

var ErrQueueClosed = errors.New("queue closed")

// Handler processes one inbound message. A non-nil error schedules a retry
// until the queue's attempt budget is spent.
type Handler func(context.Context, domain.InboundMessage) error

// Producer sends inbound events to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.InboundMessage) error
}

// Consumer receives inbound events and executes handlers until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}

type Queue interface {
	Producer
	Consumer
}
