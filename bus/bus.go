// Package bus provides the in-process message queues connecting channel
// frontends to the agent loop: inbound messages flow toward the loop,
// outbound responses flow back toward their channel.
package bus

import (
	"context"

	"github.com/sudalk/nanobot/core"
)

// DefaultBuffer is the per-direction queue capacity.
const DefaultBuffer = 64

// Bus carries inbound and outbound messages between the presentation layer
// and the agent loop. All methods are safe for concurrent use and honor
// context cancellation instead of blocking forever on a full or empty queue.
type Bus struct {
	inbound  chan core.InboundMessage
	outbound chan core.OutboundMessage
}

// New creates a bus with the given per-direction buffer; zero or negative
// selects DefaultBuffer.
func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		inbound:  make(chan core.InboundMessage, buffer),
		outbound: make(chan core.OutboundMessage, buffer),
	}
}

// PublishInbound enqueues a message for the agent loop.
func (b *Bus) PublishInbound(ctx context.Context, msg core.InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound blocks until a message is available or the context ends.
func (b *Bus) ConsumeInbound(ctx context.Context) (core.InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return core.InboundMessage{}, ctx.Err()
	}
}

// PublishOutbound enqueues a response for its channel frontend.
func (b *Bus) PublishOutbound(ctx context.Context, msg core.OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound blocks until a response is available or the context ends.
func (b *Bus) ConsumeOutbound(ctx context.Context) (core.OutboundMessage, error) {
	select {
	case msg := <-b.outbound:
		return msg, nil
	case <-ctx.Done():
		return core.OutboundMessage{}, ctx.Err()
	}
}
