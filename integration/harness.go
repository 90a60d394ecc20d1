// Package integration drives a fully wired server over real HTTP and
// websocket connections.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/nearchat/app"
	"github.com/kasuganosora/nearchat/config"
	"github.com/kasuganosora/nearchat/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Server is a running nearchat instance on a loopback port.
type Server struct {
	App   *app.App
	URL   string
	WSURL string
	srv   *httptest.Server
}

// StartServer builds the application on a private in-memory database and the
// in-process cache. Everything is torn down with the test.
func StartServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server: config.ServerConfig{AdminKey: "integration-admin"},
		Security: config.SecurityConfig{
			JWTSecret:      "integration-secret",
			BcryptCost:     bcrypt.MinCost,
			RevokeOnLogout: true,
		},
		Upload: config.UploadConfig{
			Backend:     "disk",
			Dir:         t.TempDir(),
			URLPrefix:   "/uploads",
			MaxBytes:    1 << 20,
			AllowedExts: []string{".png", ".jpg", ".mp3", ".webm", ".mp4", ".pdf"},
		},
		Nearby: config.NearbyConfig{DefaultRadiusM: 100, MaxRadiusM: 50000, Freshness: 5 * time.Minute},
	}
	a, err := app.New(cfg, testutil.SetupTestDB(t), zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(a.Engine)
	s := &Server{
		App:   a,
		URL:   srv.URL,
		WSURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		srv:   srv,
	}
	t.Cleanup(func() {
		srv.Close()
		a.Close(context.Background())
	})
	return s
}

func (s *Server) call(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.URL+path, rd)
	require.NoError(t, err)
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "%s %s", method, path)
	return resp
}

// MustStatus fails unless resp carries want, then discards the body.
func MustStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	require.Equal(t, want, resp.StatusCode, "body: %s", raw)
}

// Decode requires a 200 and unmarshals the body into v.
func Decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	require.NoError(t, json.Unmarshal(raw, v), "body: %s", raw)
}

var nameSeq uint64

// User is a signed-up account together with its session token.
type User struct {
	ID    int64
	Name  string
	Token string
	s     *Server
}

// SignUp registers a fresh account whose name starts with prefix.
func (s *Server) SignUp(t *testing.T, prefix string) *User {
	t.Helper()
	name := fmt.Sprintf("%s_%d", prefix, atomic.AddUint64(&nameSeq, 1))
	var out struct {
		Token string `json:"token"`
		User  struct {
			ID int64 `json:"id"`
		} `json:"user"`
	}
	Decode(t, s.call(t, http.MethodPost, "/api/auth/register", "", map[string]string{
		"username": name,
		"email":    name + "@example.com",
		"password": "pw-" + name,
	}), &out)
	return &User{ID: out.User.ID, Name: name, Token: out.Token, s: s}
}

// Post sends body as JSON with u's token.
func (u *User) Post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	return u.s.call(t, http.MethodPost, path, u.Token, body)
}

// Get requests path with u's token.
func (u *User) Get(t *testing.T, path string) *http.Response {
	t.Helper()
	return u.s.call(t, http.MethodGet, path, u.Token, nil)
}

// AddContact has u request other and other accept.
func (u *User) AddContact(t *testing.T, other *User) {
	t.Helper()
	MustStatus(t, u.Post(t, "/api/contacts/request", map[string]int64{"contactId": other.ID}), http.StatusOK)
	MustStatus(t, other.Post(t, "/api/contacts/accept", map[string]int64{"requesterId": u.ID}), http.StatusOK)
}

// Event is one packet received on a socket.
type Event struct {
	Seq     uint64          `json:"seq"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Fields decodes the payload as a JSON object.
func (e Event) Fields(t *testing.T) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	if len(e.Payload) > 0 {
		require.NoError(t, json.Unmarshal(e.Payload, &out))
	}
	return out
}

// Socket is a live websocket session. Packets are decoded by a reader
// goroutine so waiting never touches the connection's deadlines.
type Socket struct {
	t      *testing.T
	conn   *websocket.Conn
	seq    uint64
	events chan Event
	failed chan error
}

// Dial opens a websocket as u and returns once the server answers a ping,
// which means the connection is attached to u's channel.
func (u *User) Dial(t *testing.T) *Socket {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(u.s.WSURL+"?token="+u.Token, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "dial as %s", u.Name)

	s := &Socket{t: t, conn: conn, events: make(chan Event, 256), failed: make(chan error, 1)}
	go s.read()
	t.Cleanup(func() { _ = conn.Close() })

	s.Emit("ping", nil)
	s.Await("pong", 5*time.Second)
	return s
}

func (s *Socket) read() {
	for {
		var e Event
		if err := s.conn.ReadJSON(&e); err != nil {
			s.failed <- err
			return
		}
		s.events <- e
	}
}

// Emit sends an event with the next sequence number and returns that number.
func (s *Socket) Emit(typ string, payload interface{}) uint64 {
	s.t.Helper()
	out := struct {
		Seq     uint64      `json:"seq"`
		Type    string      `json:"type"`
		Payload interface{} `json:"payload,omitempty"`
	}{atomic.AddUint64(&s.seq, 1), typ, payload}
	require.NoError(s.t, s.conn.WriteJSON(out))
	return out.Seq
}

// Await discards events until one of type typ arrives.
func (s *Socket) Await(typ string, within time.Duration) Event {
	s.t.Helper()
	timeout := time.After(within)
	for {
		select {
		case e := <-s.events:
			if e.Type == typ {
				return e
			}
		case err := <-s.failed:
			s.t.Fatalf("socket closed while waiting for %q: %v", typ, err)
		case <-timeout:
			s.t.Fatalf("no %q event within %s", typ, within)
		}
	}
}

// Quiet fails if anything arrives within d.
func (s *Socket) Quiet(d time.Duration) {
	s.t.Helper()
	select {
	case e := <-s.events:
		s.t.Fatalf("unexpected %q event: %s", e.Type, e.Payload)
	case <-time.After(d):
	}
}
