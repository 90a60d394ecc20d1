package middleware

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// chain mirrors the global stack the server installs in front of every route.
func chain(log *zap.Logger, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(TraceID(), Logger(log), Recovery(log))
	r.Use(extra...)
	r.GET("/api/contacts", func(c *gin.Context) { c.String(http.StatusOK, GetTraceID(c)) })
	r.GET("/api/messages/:userId", func(c *gin.Context) { panic("message store exploded") })
	return r
}

func send(r http.Handler, path, clientIP string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if clientIP != "" {
		req.Header.Set("X-Real-IP", clientIP)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTraceID(t *testing.T) {
	r := chain(zap.NewNop())

	fresh := send(r, "/api/contacts", "", nil)
	require.Equal(t, http.StatusOK, fresh.Code)
	assert.Len(t, fresh.Body.String(), 36)
	assert.Equal(t, fresh.Body.String(), fresh.Header().Get(TraceIDHeader))

	again := send(r, "/api/contacts", "", nil)
	assert.NotEqual(t, fresh.Body.String(), again.Body.String())

	kept := send(r, "/api/contacts", "", map[string]string{TraceIDHeader: "mobile-app.7f3a_01"})
	assert.Equal(t, "mobile-app.7f3a_01", kept.Body.String())

	for _, bad := range []string{"has space", "line\nbreak", strings.Repeat("a", maxTraceIDLen+1)} {
		w := send(r, "/api/contacts", "", map[string]string{TraceIDHeader: bad})
		assert.Len(t, w.Body.String(), 36, "%q replaced", bad)
	}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Empty(t, GetTraceID(c))
}

func TestLogger_OneLinePerRequest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := chain(zap.New(core))

	w := send(r, "/api/contacts", "203.0.113.9", nil)
	require.Equal(t, http.StatusOK, w.Code)

	entries := logs.FilterMessage("http").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/contacts", fields["path"])
	assert.EqualValues(t, http.StatusOK, fields["status"])
	assert.Equal(t, "203.0.113.9", fields["client_ip"])
	assert.Equal(t, w.Body.String(), fields["trace_id"])
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := chain(zap.New(core))

	w := send(r, "/api/messages/2", "", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "exploded")
	assert.Contains(t, w.Body.String(), w.Header().Get(TraceIDHeader))
	assert.Contains(t, w.Body.String(), `"message":"internal server error"`)

	require.Equal(t, 1, logs.FilterMessage("handler panic").Len())
	access := logs.FilterMessage("http").All()
	require.Len(t, access, 1)
	assert.Equal(t, zapcore.ErrorLevel, access[0].Level)
}

func TestRecovery_ReraisesAbortHandler(t *testing.T) {
	r := gin.New()
	r.Use(Recovery(zap.NewNop()))
	r.GET("/sse", func(c *gin.Context) { panic(http.ErrAbortHandler) })

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		send(r, "/sse", "", nil)
	})
}

func TestRateLimit_BurstThenRetryAfter(t *testing.T) {
	r := chain(zap.NewNop(), RateLimit(rate.Every(time.Hour), 3))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, send(r, "/api/contacts", "198.51.100.1", nil).Code, "request %d", i+1)
	}
	w := send(r, "/api/contacts", "198.51.100.1", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"message":"Too many requests"}`, w.Body.String())
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 3600, secs, 5)

	// Another client has its own bucket.
	assert.Equal(t, http.StatusOK, send(r, "/api/contacts", "198.51.100.2", nil).Code)
}

func TestBucketPool_RejectionDoesNotConsume(t *testing.T) {
	p := newBucketPool(rate.Every(100*time.Millisecond), 1)
	now := time.Now()

	ok, _ := p.take("a", now)
	require.True(t, ok)
	ok, wait := p.take("a", now)
	require.False(t, ok)
	assert.InDelta(t, float64(100*time.Millisecond), float64(wait), float64(5*time.Millisecond))

	// A refused request gave its reservation back, so the next token is
	// available on schedule.
	ok, _ = p.take("a", now.Add(110*time.Millisecond))
	assert.True(t, ok)
}

func TestBucketPool_SweepsIdleClients(t *testing.T) {
	p := newBucketPool(rate.Limit(10), 1)
	start := time.Now()

	p.take("idle", start)
	p.take("busy", start)
	require.Equal(t, 2, p.size())

	later := start.Add(bucketIdleAfter - time.Minute)
	p.take("busy", later)
	p.take("busy", later.Add(bucketSweepEvery+time.Minute))
	assert.Equal(t, 1, p.size())
}

func TestIPWhitelist(t *testing.T) {
	cases := []struct {
		name    string
		entries []string
		ip      string
		want    int
	}{
		{"no list", nil, "192.0.2.10", http.StatusOK},
		{"blank entries only", []string{" ", ""}, "192.0.2.10", http.StatusOK},
		{"exact address", []string{"192.0.2.10"}, "192.0.2.10", http.StatusOK},
		{"other address", []string{"192.0.2.10"}, "192.0.2.11", http.StatusForbidden},
		{"inside range", []string{"10.8.0.0/16"}, "10.8.3.4", http.StatusOK},
		{"outside range", []string{"10.8.0.0/16"}, "10.9.0.1", http.StatusForbidden},
		{"unmasked range", []string{"10.8.3.4/16"}, "10.8.200.1", http.StatusOK},
		{"padded entry", []string{" 127.0.0.1 "}, "127.0.0.1", http.StatusOK},
		{"ipv6", []string{"2001:db8::/32"}, "2001:db8::1", http.StatusOK},
		{"garbage denies all", []string{"not-an-ip"}, "10.0.0.1", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.Use(IPWhitelist(tc.entries))
			r.GET("/api/admin/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
			assert.Equal(t, tc.want, send(r, "/api/admin/metrics", tc.ip, nil).Code)
		})
	}
}

func TestLogger_LevelsAndQuietPaths(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/profile", func(c *gin.Context) { c.Status(http.StatusUnauthorized) })
	r.GET("/ws", func(c *gin.Context) { c.Status(http.StatusOK) })

	send(r, "/health", "", nil)
	assert.Zero(t, logs.Len())

	send(r, "/api/profile", "", nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[0].Level)

	send(r, "/ws?token=secret-jwt", "", nil)
	for _, e := range logs.All() {
		for k, v := range e.ContextMap() {
			if s, ok := v.(string); ok {
				assert.NotContains(t, s, "secret-jwt", k)
			}
		}
	}
}
