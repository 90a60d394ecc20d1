package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/nearchat/apperr"
	"github.com/kasuganosora/nearchat/realtime"
	"go.uber.org/zap"
)

// HandlerFunc processes one decoded client event. A returned error is sent
// back to the client as an "error" event carrying the packet's seq.
type HandlerFunc func(ctx context.Context, conn *realtime.Conn, pkt *realtime.Packet) error

// Router dispatches incoming packets to registered handlers.
type Router struct {
	handlers map[string]HandlerFunc
	logger   *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// On registers fn for the given event type.
func (r *Router) On(eventType string, fn HandlerFunc) {
	r.handlers[eventType] = fn
}

const eventTimeout = 10 * time.Second

// Dispatch decodes raw, drops replays and runs the matching handler with a
// per-event trace id and deadline derived from ctx.
func (r *Router) Dispatch(ctx context.Context, conn *realtime.Conn, raw []byte) {
	var pkt realtime.Packet
	if err := json.Unmarshal(raw, &pkt); err != nil || pkt.Type == "" {
		r.logger.Debug("undecodable frame", zap.Int64("user_id", conn.UserID), zap.Int("bytes", len(raw)))
		conn.SendError(0, "malformed packet")
		return
	}
	if !conn.Advance(pkt.Seq) {
		r.logger.Warn("stale seq dropped",
			zap.Int64("user_id", conn.UserID),
			zap.Uint64("seq", pkt.Seq))
		return
	}

	fn := r.handlers[pkt.Type]
	if fn == nil {
		conn.SendError(pkt.Seq, "unknown event "+pkt.Type)
		return
	}

	trace := uuid.NewString()
	ctx, cancel := context.WithTimeout(withTrace(ctx, trace), eventTimeout)
	defer cancel()
	err := fn(ctx, conn, &pkt)
	if err == nil {
		return
	}
	if apperr.KindOf(err) == apperr.KindInternal {
		r.logger.Error("event failed",
			zap.String("event", pkt.Type),
			zap.Int64("user_id", conn.UserID),
			zap.String("trace_id", trace),
			zap.Error(err))
	}
	conn.SendError(pkt.Seq, apperr.PublicMessage(err))
}

type traceKey struct{}

func withTrace(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceID returns the id Dispatch attached to an event's context.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}
