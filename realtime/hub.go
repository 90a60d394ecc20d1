// Package realtime delivers pushes to users' live connections. Every user has
// one pub/sub channel "user_{id}"; a node subscribes to it while at least one
// of that user's connections is attached locally and fans each payload out to
// all of them.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/nearchat/cache"
	"github.com/kasuganosora/nearchat/model"
	"go.uber.org/zap"
)

const (
	onlineSetKey    = "online_users"
	presenceTimeout = 5 * time.Second
	presenceStripes = 64
)

// Channel returns the pub/sub channel name of userID.
func Channel(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10)
}

// presenceKey names the set of node ids holding a connection of userID.
func presenceKey(userID int64) string {
	return "online:" + Channel(userID)
}

type room struct {
	clients map[Client]struct{}
	cancel  func()
}

// Hub is the registry of live delivery handles keyed by user id. It is safe
// for concurrent use.
type Hub struct {
	pubsub cache.PubSub
	cache  cache.Cache
	logger *zap.Logger
	nodeID string

	mu    sync.RWMutex
	rooms map[int64]*room

	// presence writes for one user are serialized so the last one reflects
	// the current local state.
	presenceMu [presenceStripes]sync.Mutex
}

// NewHub creates a Hub. c may be nil, in which case the online set is only
// tracked in memory.
func NewHub(ps cache.PubSub, c cache.Cache, logger *zap.Logger) *Hub {
	return &Hub{
		pubsub: ps,
		cache:  c,
		logger: logger,
		nodeID: uuid.NewString(),
		rooms:  make(map[int64]*room),
	}
}

// Join attaches client to userID's channel. Joining twice is a no-op.
func (h *Hub) Join(ctx context.Context, userID int64, client Client) error {
	h.mu.Lock()
	if r, ok := h.rooms[userID]; ok {
		r.clients[client] = struct{}{}
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	// First local client: subscribe outside the lock so a slow broker does not
	// stall other users.
	msgs, cancel, err := h.pubsub.Subscribe(context.Background(), Channel(userID))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", Channel(userID), err)
	}

	h.mu.Lock()
	if r, ok := h.rooms[userID]; ok {
		// Lost the race with another first join.
		r.clients[client] = struct{}{}
		h.mu.Unlock()
		cancel()
		return nil
	}
	r := &room{
		clients: map[Client]struct{}{client: {}},
		cancel:  cancel,
	}
	h.rooms[userID] = r
	h.mu.Unlock()

	go h.forward(userID, r, msgs)
	h.syncPresence(ctx, userID)
	h.logger.Debug("channel joined", zap.Int64("user_id", userID))
	return nil
}

// Leave detaches client. The channel subscription ends with the user's last
// local client.
func (h *Hub) Leave(ctx context.Context, userID int64, client Client) {
	h.mu.Lock()
	r, ok := h.rooms[userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := r.clients[client]; !member {
		h.mu.Unlock()
		return
	}
	delete(r.clients, client)
	if len(r.clients) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, userID)
	h.mu.Unlock()

	r.cancel()
	h.syncPresence(ctx, userID)
	h.logger.Debug("channel left", zap.Int64("user_id", userID))
}

// forward delivers payloads of one subscription to r's clients. Once r is no
// longer the user's current room its leftovers are dropped; a newer room has
// its own subscription.
func (h *Hub) forward(userID int64, r *room, msgs <-chan *cache.Message) {
	for m := range msgs {
		data := []byte(m.Payload)
		h.mu.RLock()
		var targets []Client
		if h.rooms[userID] == r {
			targets = make([]Client, 0, len(r.clients))
			for c := range r.clients {
				targets = append(targets, c)
			}
		}
		h.mu.RUnlock()
		for _, c := range targets {
			c.Deliver(data)
		}
	}
}

// Push publishes msg as a "message" event on the receiver's channel. Nobody
// listening is not an error.
func (h *Hub) Push(ctx context.Context, msg *model.Message) error {
	pkt, err := NewPacket("message", msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		return err
	}
	return h.pubsub.Publish(ctx, Channel(msg.ReceiverID), string(data))
}

// syncPresence records in the shared cache whether this node currently holds
// a connection of userID. It reads the local state under the user's stripe
// lock, so racing Join and Leave calls settle on the final state.
func (h *Hub) syncPresence(ctx context.Context, userID int64) {
	if h.cache == nil {
		return
	}
	lock := &h.presenceMu[uint64(userID)%presenceStripes]
	lock.Lock()
	defer lock.Unlock()

	h.mu.RLock()
	_, here := h.rooms[userID]
	h.mu.RUnlock()

	// Leave often runs while the connection's context is being torn down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), presenceTimeout)
	defer cancel()

	key, member := presenceKey(userID), strconv.FormatInt(userID, 10)
	var err error
	if here {
		if err = h.cache.SAdd(ctx, key, h.nodeID); err == nil {
			err = h.cache.SAdd(ctx, onlineSetKey, member)
		}
	} else {
		err = h.markOffline(ctx, key, member)
	}
	if err != nil {
		h.logger.Warn("sync presence", zap.Int64("user_id", userID), zap.Bool("online", here), zap.Error(err))
	}
}

// markOffline drops this node from the user's node set and takes the user out
// of the online set once no node is left. A node that joins in between is
// caught by the second count and puts the user back.
func (h *Hub) markOffline(ctx context.Context, key, member string) error {
	if err := h.cache.SRem(ctx, key, h.nodeID); err != nil {
		return err
	}
	n, err := h.cache.SCard(ctx, key)
	if err != nil || n > 0 {
		return err
	}
	if err := h.cache.SRem(ctx, onlineSetKey, member); err != nil {
		return err
	}
	if n, err = h.cache.SCard(ctx, key); err != nil || n == 0 {
		return err
	}
	return h.cache.SAdd(ctx, onlineSetKey, member)
}

// IsOnline reports whether userID has a live connection on this node or, when
// a shared cache is configured, on any node.
func (h *Hub) IsOnline(ctx context.Context, userID int64) bool {
	h.mu.RLock()
	_, ok := h.rooms[userID]
	h.mu.RUnlock()
	if ok || h.cache == nil {
		return ok
	}
	n, err := h.cache.SCard(ctx, presenceKey(userID))
	if err != nil {
		h.logger.Warn("online lookup", zap.Int64("user_id", userID), zap.Error(err))
		return false
	}
	return n > 0
}

// Stats returns the number of users with local clients and the number of
// local clients.
func (h *Hub) Stats() (users, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.rooms {
		clients += len(r.clients)
	}
	return len(h.rooms), clients
}

// OnlineCount returns the size of the shared online set, or the local user
// count when no cache is configured or it cannot be read.
func (h *Hub) OnlineCount(ctx context.Context) int64 {
	local, _ := h.Stats()
	if h.cache == nil {
		return int64(local)
	}
	n, err := h.cache.SCard(ctx, onlineSetKey)
	if err != nil {
		h.logger.Warn("online count", zap.Error(err))
		return int64(local)
	}
	return n
}

// Close drops every subscription and withdraws this node's presence.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[int64]*room)
	h.mu.Unlock()
	for userID, r := range rooms {
		r.cancel()
		h.syncPresence(context.Background(), userID)
	}
}
