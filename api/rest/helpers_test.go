package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/nearchat/app"
	"github.com/kasuganosora/nearchat/config"
	"github.com/kasuganosora/nearchat/identity"
	"github.com/kasuganosora/nearchat/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const testAdminKey = "test-admin-key"

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{AdminKey: testAdminKey},
		Security: config.SecurityConfig{
			JWTSecret:      "rest-test-secret",
			BcryptCost:     bcrypt.MinCost,
			RevokeOnLogout: true,
		},
		Upload: config.UploadConfig{
			Backend:     "disk",
			Dir:         t.TempDir(),
			URLPrefix:   "/uploads",
			MaxBytes:    1 << 10,
			AllowedExts: []string{".png", ".jpg", ".mp3", ".pdf"},
		},
		Nearby: config.NearbyConfig{DefaultRadiusM: 100, MaxRadiusM: 10000},
	}
}

func newApp(t *testing.T) *app.App {
	t.Helper()
	db := testutil.SetupTestDB(t)
	a, err := app.New(testConfig(t), db, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func register(t *testing.T, a *app.App, name string) *identity.AuthResult {
	t.Helper()
	res, err := a.Identity.Register(context.Background(), identity.RegisterInput{
		Username: name, Email: name + "@example.com", Password: "secret123",
	})
	require.NoError(t, err)
	return res
}

// befriend makes a and b accepted contacts.
func befriend(t *testing.T, a *app.App, x, y *identity.AuthResult) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, a.Contacts.Request(ctx, x.User.ID, y.User.ID))
	require.NoError(t, a.Contacts.Accept(ctx, y.User.ID, x.User.ID))
}

func do(a *app.App, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.Engine.ServeHTTP(w, req)
	return w
}

func postJSON(a *app.App, path, token string, body interface{}) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	return do(a, http.MethodPost, path, token, bytes.NewReader(b), "application/json")
}

func putJSON(a *app.App, path, token string, body interface{}) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	return do(a, http.MethodPut, path, token, bytes.NewReader(b), "application/json")
}

func get(a *app.App, path, token string) *httptest.ResponseRecorder {
	return do(a, http.MethodGet, path, token, nil, "")
}

func del(a *app.App, path, token string) *httptest.ResponseRecorder {
	return do(a, http.MethodDelete, path, token, nil, "")
}

func postFile(a *app.App, path, token, filename string, content []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	fw, _ := mpw.CreateFormFile("file", filename)
	_, _ = fw.Write(content)
	_ = mpw.Close()
	return do(a, http.MethodPost, path, token, &buf, mpw.FormDataContentType())
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func messageOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Message string `json:"message"`
	}
	decode(t, w, &body)
	return body.Message
}
