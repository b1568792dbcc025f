package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/sudalk/nanobot/bus"
	"github.com/sudalk/nanobot/core"
)

// apologyFormat is the user-visible wrapper for any cycle failure. Nothing
// below the orchestrator boundary may take down the host process.
const apologyFormat = "Sorry, I encountered an error: %v"

// Run consumes inbound messages from the bus until the context ends,
// publishing one outbound response per message. Cycle errors and panics
// become apology responses routed back to the message's channel.
func (l *Loop) Run(ctx context.Context, b *bus.Bus) error {
	l.logger.Info("agent.run.started")
	defer l.logger.Info("agent.run.stopped")

	for {
		msg, err := b.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		out := l.safeProcess(ctx, msg)
		if err := b.PublishOutbound(ctx, out); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// safeProcess absorbs cycle failures into an apology response.
func (l *Loop) safeProcess(ctx context.Context, msg core.InboundMessage) (out core.OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("agent.cycle.panic", "panic", fmt.Sprint(r))
			out = apology(msg, fmt.Errorf("%v", r))
		}
	}()

	out, err := l.Process(ctx, msg)
	if err != nil {
		l.logger.Error("agent.cycle.failed", "channel", msg.Channel, "error", err.Error())
		return apology(msg, err)
	}
	return out
}

func apology(msg core.InboundMessage, err error) core.OutboundMessage {
	channel, chatID := msg.Channel, msg.ChatID
	if channel == core.SystemChannel {
		channel, chatID = core.ParseSystemOrigin(msg.ChatID)
	}
	return core.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: fmt.Sprintf(apologyFormat, err),
	}
}
