package app

import (
	"context"

	"e2e_messenger/internal/protocol/wire"
	"e2e_messenger/internal/utils/log"

	"go.uber.org/zap"
)

type (
	// Outbound is the part of the sender that consumes relay replies.
	Outbound interface {
		HandleReply(ctx context.Context, m wire.RelayMessage)
		HandleOnline(ctx context.Context, online bool, tag uint64)
	}

	Inbound interface {
		HandleNewMessage(ctx context.Context, m wire.RelayMessage) error
	}

	// Router dispatches frames from the connection manager to the sender and
	// the receiver.
	Router struct {
		out Outbound
		in  Inbound
		log *zap.Logger
	}
)

func NewRouter(out Outbound, in Inbound) *Router {
	return &Router{out: out, in: in, log: log.Named("router")}
}

func (r *Router) HandleMessage(ctx context.Context, m wire.RelayMessage) {
	switch m.Header.Command {
	case wire.CmdNewMessage:
		if err := r.in.HandleNewMessage(ctx, m); err != nil {
			r.log.Error("inbound message not stored",
				zap.Stringer("from", m.Header.From),
				zap.String("message_id", wire.MessageIdOf(m)),
				zap.Error(err))
		}
	case wire.CmdMessageSent, wire.CmdDeviceMismatch:
		r.out.HandleReply(ctx, m)
	default:
		r.log.Debug("ignoring frame", zap.Stringer("command", m.Header.Command))
	}
}

func (r *Router) HandleOnline(ctx context.Context, online bool, tag uint64) {
	r.out.HandleOnline(ctx, online, tag)
}
