package realtime

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
)

// Packet is the websocket envelope used in both directions.
type Packet struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewPacket marshals payload into a Packet of the given type.
func NewPacket(typ string, payload interface{}) (*Packet, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Packet{Type: typ, Payload: raw}, nil
}

// Client is a live delivery handle registered in the Hub.
type Client interface {
	// Deliver queues an encoded packet without blocking.
	Deliver(data []byte)
}

var connSeq atomic.Uint64

// Conn is one authenticated websocket connection. Writes go through a
// buffered channel drained by a single writer goroutine.
type Conn struct {
	ID     uint64
	UserID int64
	WS     *websocket.Conn

	lastSeq uint64 // reader goroutine only

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

// Advance records seq as the newest client sequence number. It returns false
// for a seq at or below the last one seen; seq 0 is never tracked.
func (c *Conn) Advance(seq uint64) bool {
	if seq == 0 {
		return true
	}
	if seq <= c.lastSeq {
		return false
	}
	c.lastSeq = seq
	return true
}

// NewConn wraps ws and starts its write pump.
func NewConn(userID int64, ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := newConn(userID, ws, logger)
	go c.writePump()
	return c
}

func newConn(userID int64, ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		ID:     connSeq.Add(1),
		UserID: userID,
		WS:     ws,
		send:   make(chan []byte, sendChanBuf),
		done:   make(chan struct{}),
		logger: logger,
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.WS.Close()
	for {
		select {
		case data := <-c.send:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WS.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("ws write error",
					zap.Int64("user_id", c.UserID),
					zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.WS.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.WS.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.WS.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// SetReadDeadline pushes the read deadline forward.
func (c *Conn) SetReadDeadline() {
	_ = c.WS.SetReadDeadline(time.Now().Add(readDeadline))
}

// Send encodes pkt and queues it. Drops it if the buffer is full.
func (c *Conn) Send(pkt *Packet) {
	data, err := json.Marshal(pkt)
	if err != nil {
		c.logger.Warn("encode packet", zap.String("type", pkt.Type), zap.Error(err))
		return
	}
	c.Deliver(data)
}

// SendError sends an error event carrying message.
func (c *Conn) SendError(seq uint64, message string) {
	pkt, _ := NewPacket("error", map[string]string{"message": message})
	pkt.Seq = seq
	c.Send(pkt)
}

func (c *Conn) Deliver(data []byte) {
	if c.IsClosed() {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("send channel full, dropping packet", zap.Int64("user_id", c.UserID))
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }
