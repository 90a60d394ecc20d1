package ws

import (
	"context"
	"encoding/json"

	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/message"
	"github.com/kasuganosora/nearchat/realtime"
	"go.uber.org/zap"
)

// Client event types.
const (
	EventJoin    = "join"
	EventLeave   = "leave"
	EventMessage = "message"
	EventPing    = "ping"
)

// Server replies.
const (
	ReplyJoined      = "joined"
	ReplyLeft        = "left"
	ReplyMessageSent = "message_sent"
	ReplyPong        = "pong"
)

type channelPayload struct {
	UserID int64 `json:"userId"`
}

func (h *Handler) registerEvents() {
	h.router.On(EventJoin, h.handleJoin)
	h.router.On(EventLeave, h.handleLeave)
	h.router.On(EventMessage, h.handleMessage)
	h.router.On(EventPing, func(_ context.Context, conn *realtime.Conn, pkt *realtime.Packet) error {
		reply(conn, pkt.Seq, ReplyPong, nil)
		return nil
	})
}

// ownChannel decodes the optional {userId}. Only the caller's channel may be
// named.
func ownChannel(conn *realtime.Conn, raw json.RawMessage) error {
	var p channelPayload
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return apperr.Validation("Invalid payload")
		}
	}
	if p.UserID != 0 && p.UserID != conn.UserID {
		return apperr.Forbidden("Cannot join another user's channel")
	}
	return nil
}

func (h *Handler) handleJoin(ctx context.Context, conn *realtime.Conn, pkt *realtime.Packet) error {
	if err := ownChannel(conn, pkt.Payload); err != nil {
		return err
	}
	if err := h.hub.Join(ctx, conn.UserID, conn); err != nil {
		return err
	}
	reply(conn, pkt.Seq, ReplyJoined, channelPayload{UserID: conn.UserID})
	return nil
}

func (h *Handler) handleLeave(ctx context.Context, conn *realtime.Conn, pkt *realtime.Packet) error {
	if err := ownChannel(conn, pkt.Payload); err != nil {
		return err
	}
	h.hub.Leave(ctx, conn.UserID, conn)
	reply(conn, pkt.Seq, ReplyLeft, channelPayload{UserID: conn.UserID})
	return nil
}

// handleMessage persists and pushes exactly like POST /api/messages.
func (h *Handler) handleMessage(ctx context.Context, conn *realtime.Conn, pkt *realtime.Packet) error {
	var in message.AppendInput
	if err := json.Unmarshal(pkt.Payload, &in); err != nil {
		return apperr.Validation("Invalid payload")
	}
	msg, err := h.messages.Append(ctx, conn.UserID, in)
	if err != nil {
		return err
	}
	h.logger.Debug("ws message stored",
		zap.Int64("message_id", msg.ID),
		zap.String("trace_id", TraceID(ctx)))
	reply(conn, pkt.Seq, ReplyMessageSent, msg)
	return nil
}

func reply(conn *realtime.Conn, seq uint64, typ string, payload interface{}) {
	out, err := realtime.NewPacket(typ, payload)
	if err != nil {
		return
	}
	out.Seq = seq
	conn.Send(out)
}
