package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/nearchat/api/ws"
	"github.com/kasuganosora/nearchat/config"
	"github.com/kasuganosora/nearchat/contact"
	"github.com/kasuganosora/nearchat/identity"
	"github.com/kasuganosora/nearchat/message"
	"github.com/kasuganosora/nearchat/model"
	"github.com/kasuganosora/nearchat/realtime"
	"github.com/kasuganosora/nearchat/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	srv   *httptest.Server
	hub   *realtime.Hub
	alice *identity.AuthResult
	bob   *identity.AuthResult
	carol *identity.AuthResult
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zap.NewNop()
	db := testutil.SetupTestDB(t)
	c, ps := testutil.SetupTestCache(t)

	ids := identity.NewService(db, c, config.SecurityConfig{
		JWTSecret:  "ws-test-secret",
		BcryptCost: bcrypt.MinCost,
	}, logger)
	graph := contact.NewGraph(db, logger)
	hub := realtime.NewHub(ps, c, logger)
	t.Cleanup(hub.Close)
	msgs := message.NewLog(db, graph, hub, logger)

	f := &fixture{hub: hub}
	register := func(name string) *identity.AuthResult {
		res, err := ids.Register(ctx, identity.RegisterInput{
			Username: name, Email: name + "@example.com", Password: "secret123",
		})
		require.NoError(t, err)
		return res
	}
	f.alice = register("alice")
	f.bob = register("bob")
	f.carol = register("carol")
	require.NoError(t, graph.Request(ctx, f.alice.User.ID, f.bob.User.ID))
	require.NoError(t, graph.Accept(ctx, f.bob.User.ID, f.alice.User.ID))

	h := ws.NewHandler(ids, hub, msgs, config.SecurityConfig{}, logger)
	r := gin.New()
	r.GET("/ws", h.ServeWS)
	f.srv = httptest.NewServer(r)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	// The first pong proves the server finished joining the own channel.
	send(t, conn, 0, ws.EventPing, nil)
	pkt := read(t, conn)
	require.Equal(t, ws.ReplyPong, pkt.Type)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, seq uint64, typ string, payload interface{}) {
	t.Helper()
	pkt, err := realtime.NewPacket(typ, payload)
	require.NoError(t, err)
	pkt.Seq = seq
	require.NoError(t, conn.WriteJSON(pkt))
}

func read(t *testing.T, conn *websocket.Conn) *realtime.Packet {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var pkt realtime.Packet
	require.NoError(t, conn.ReadJSON(&pkt))
	return &pkt
}

func errorMessage(t *testing.T, pkt *realtime.Packet) string {
	t.Helper()
	require.Equal(t, "error", pkt.Type)
	var p struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(pkt.Payload, &p))
	return p.Message
}

func TestServeWS_RejectsMissingAndBadToken(t *testing.T) {
	f := newFixture(t)
	base := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWS_MessageIsPushedToReceiver(t *testing.T) {
	f := newFixture(t)
	aliceWS := f.dial(t, f.alice.Token)
	bobWS := f.dial(t, f.bob.Token)

	send(t, aliceWS, 1, ws.EventMessage, map[string]interface{}{
		"receiverId": f.bob.User.ID,
		"text":       "hi bob",
	})

	ack := read(t, aliceWS)
	require.Equal(t, ws.ReplyMessageSent, ack.Type)
	assert.Equal(t, uint64(1), ack.Seq)
	var stored model.Message
	require.NoError(t, json.Unmarshal(ack.Payload, &stored))
	assert.NotZero(t, stored.ID)

	push := read(t, bobWS)
	require.Equal(t, "message", push.Type)
	var got model.Message
	require.NoError(t, json.Unmarshal(push.Payload, &got))
	assert.Equal(t, "hi bob", got.Text)
	assert.Equal(t, f.alice.User.ID, got.SenderID)
	assert.Equal(t, f.bob.User.ID, got.ReceiverID)
	assert.Equal(t, model.MessageText, got.Type)
}

func TestServeWS_AllConnectionsOfReceiverGetPush(t *testing.T) {
	f := newFixture(t)
	aliceWS := f.dial(t, f.alice.Token)
	bob1 := f.dial(t, f.bob.Token)
	bob2 := f.dial(t, f.bob.Token)

	send(t, aliceWS, 1, ws.EventMessage, map[string]interface{}{
		"receiverId": f.bob.User.ID, "text": "both tabs",
	})
	require.Equal(t, ws.ReplyMessageSent, read(t, aliceWS).Type)
	assert.Equal(t, "message", read(t, bob1).Type)
	assert.Equal(t, "message", read(t, bob2).Type)
}

func TestServeWS_MessageToNonContactIsRefused(t *testing.T) {
	f := newFixture(t)
	aliceWS := f.dial(t, f.alice.Token)

	send(t, aliceWS, 1, ws.EventMessage, map[string]interface{}{
		"receiverId": f.carol.User.ID, "text": "hello?",
	})
	pkt := read(t, aliceWS)
	assert.Equal(t, uint64(1), pkt.Seq)
	assert.Contains(t, errorMessage(t, pkt), "contacts")
}

func TestServeWS_JoinOwnChannelOnly(t *testing.T) {
	f := newFixture(t)
	aliceWS := f.dial(t, f.alice.Token)

	send(t, aliceWS, 1, ws.EventJoin, map[string]int64{"userId": f.alice.User.ID})
	assert.Equal(t, ws.ReplyJoined, read(t, aliceWS).Type)

	send(t, aliceWS, 2, ws.EventJoin, nil)
	assert.Equal(t, ws.ReplyJoined, read(t, aliceWS).Type)

	send(t, aliceWS, 3, ws.EventJoin, map[string]int64{"userId": f.bob.User.ID})
	pkt := read(t, aliceWS)
	assert.Equal(t, uint64(3), pkt.Seq)
	assert.NotEmpty(t, errorMessage(t, pkt))
}

func TestServeWS_ReplayedSeqIsIgnored(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.alice.Token)

	send(t, conn, 5, ws.EventPing, nil)
	assert.Equal(t, uint64(5), read(t, conn).Seq)

	send(t, conn, 5, ws.EventPing, nil)
	send(t, conn, 4, ws.EventPing, nil)
	send(t, conn, 6, ws.EventPing, nil)
	pkt := read(t, conn)
	assert.Equal(t, ws.ReplyPong, pkt.Type)
	assert.Equal(t, uint64(6), pkt.Seq)
}

func TestServeWS_MalformedAndUnknownEvents(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.alice.Token)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "malformed packet", errorMessage(t, read(t, conn)))

	send(t, conn, 1, "teleport", nil)
	assert.Contains(t, errorMessage(t, read(t, conn)), "teleport")
}

func TestServeWS_DisconnectLeavesHub(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, f.alice.Token)

	users, clients := f.hub.Stats()
	assert.Equal(t, 1, users)
	assert.Equal(t, 1, clients)

	conn.Close()
	assert.Eventually(t, func() bool {
		u, c := f.hub.Stats()
		return u == 0 && c == 0
	}, 3*time.Second, 20*time.Millisecond)
}
