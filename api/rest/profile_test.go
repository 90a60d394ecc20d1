package rest_test

import (
	"bytes"
	"net/http"
	"strings"
	"testing"

	"github.com/kasuganosora/nearchat/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake image body")

func TestProfile_GetAndUpdate(t *testing.T) {
	a := newApp(t)
	me := register(t, a, "alice")
	register(t, a, "bob")

	var u model.User
	w := get(a, "/api/profile", me.Token)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &u)
	assert.Equal(t, "alice", u.Username)
	assert.NotContains(t, w.Body.String(), "password")

	w = putJSON(a, "/api/profile", me.Token, map[string]string{"username": "alicia", "about": "hi there"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &u)
	assert.Equal(t, "alicia", u.Username)
	assert.Equal(t, "hi there", u.About)

	w = putJSON(a, "/api/profile", me.Token, map[string]string{"username": "bob"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = putJSON(a, "/api/profile", me.Token, map[string]string{"username": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProfile_AvatarLifecycle(t *testing.T) {
	a := newApp(t)
	me := register(t, a, "alice")

	w := postFile(a, "/api/profile/avatar", me.Token, "me.png", pngBytes)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first struct {
		URL string `json:"url"`
	}
	decode(t, w, &first)
	require.True(t, strings.HasPrefix(first.URL, "/uploads/"))

	served := get(a, first.URL, "")
	require.Equal(t, http.StatusOK, served.Code)
	assert.Equal(t, "image/png", served.Header().Get("Content-Type"))
	assert.True(t, bytes.Equal(pngBytes, served.Body.Bytes()))

	// A second upload replaces and removes the first file.
	w = postFile(a, "/api/profile/avatar", me.Token, "me2.png", pngBytes)
	require.Equal(t, http.StatusOK, w.Code)
	var second struct {
		URL string `json:"url"`
	}
	decode(t, w, &second)
	assert.NotEqual(t, first.URL, second.URL)
	assert.Equal(t, http.StatusNotFound, get(a, first.URL, "").Code)

	var u model.User
	decode(t, get(a, "/api/profile", me.Token), &u)
	assert.Equal(t, second.URL, u.AvatarURL)

	w = del(a, "/api/profile/avatar", me.Token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusNotFound, get(a, second.URL, "").Code)
	assert.Equal(t, http.StatusNotFound, del(a, "/api/profile/avatar", me.Token).Code)
}

func TestProfile_AvatarMustBeImage(t *testing.T) {
	a := newApp(t)
	me := register(t, a, "alice")

	w := postFile(a, "/api/profile/avatar", me.Token, "song.mp3", []byte("ID3 audio"))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(a, http.MethodPost, "/api/profile/avatar", me.Token, strings.NewReader(""), "multipart/form-data; boundary=x")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type uploadResp struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Type string `json:"type"`
}

func TestUpload_CreateServeDelete(t *testing.T) {
	a := newApp(t)
	me := register(t, a, "alice")

	w := postFile(a, "/api/upload", me.Token, "Report.PDF", []byte("%PDF-1.4 body"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res uploadResp
	decode(t, w, &res)
	assert.Equal(t, "file", res.Type)
	assert.True(t, strings.HasSuffix(res.Name, ".pdf"))
	assert.Equal(t, "/uploads/"+res.Name, res.URL)

	served := get(a, res.URL, "")
	require.Equal(t, http.StatusOK, served.Code)
	assert.Equal(t, "%PDF-1.4 body", served.Body.String())

	w = postFile(a, "/api/upload", me.Token, "tune.mp3", []byte("ID3"))
	require.Equal(t, http.StatusOK, w.Code)
	var audio uploadResp
	decode(t, w, &audio)
	assert.Equal(t, "audio", audio.Type)

	require.Equal(t, http.StatusOK, del(a, "/api/upload/"+res.Name, me.Token).Code)
	assert.Equal(t, http.StatusNotFound, get(a, res.URL, "").Code)
	assert.Equal(t, http.StatusNotFound, del(a, "/api/upload/"+res.Name, me.Token).Code)
}

func TestUpload_Rejections(t *testing.T) {
	a := newApp(t)
	me := register(t, a, "alice")

	assert.Equal(t, http.StatusBadRequest, postFile(a, "/api/upload", me.Token, "noext", []byte("x")).Code)
	assert.Equal(t, http.StatusBadRequest, postFile(a, "/api/upload", me.Token, "run.exe", []byte("MZ")).Code)
	assert.Equal(t, http.StatusBadRequest, postFile(a, "/api/upload", me.Token, "empty.png", nil).Code)

	big := bytes.Repeat([]byte("a"), 2<<10)
	w := postFile(a, "/api/upload", me.Token, "big.png", big)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, http.StatusUnauthorized, postFile(a, "/api/upload", "", "a.png", pngBytes).Code)
	assert.Equal(t, http.StatusNotFound, get(a, "/uploads/missing.png", "").Code)
}

func TestUpload_DeleteRequiresOwner(t *testing.T) {
	a := newApp(t)
	alice := register(t, a, "alice")
	mallory := register(t, a, "mallory")

	w := postFile(a, "/api/upload", alice.Token, "doc.pdf", []byte("%PDF-1.4 private"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res uploadResp
	decode(t, w, &res)

	assert.Equal(t, http.StatusForbidden, del(a, "/api/upload/"+res.Name, mallory.Token).Code)
	assert.Equal(t, http.StatusOK, get(a, res.URL, "").Code)

	// Pointing one's avatar at someone else's file is refused, so clearing
	// the avatar cannot remove it either.
	w = putJSON(a, "/api/profile", mallory.Token, map[string]string{"avatar_url": res.URL})
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
	w = putJSON(a, "/api/profile", mallory.Token, map[string]string{"avatar_url": "https://elsewhere.example/x.png"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusNotFound, del(a, "/api/profile/avatar", mallory.Token).Code)
	assert.Equal(t, http.StatusOK, get(a, res.URL, "").Code)

	// The owner may use their own upload as an avatar.
	w = postFile(a, "/api/upload", alice.Token, "me.png", pngBytes)
	require.Equal(t, http.StatusOK, w.Code)
	var img uploadResp
	decode(t, w, &img)
	w = putJSON(a, "/api/profile", alice.Token, map[string]string{"avatar_url": img.URL})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var u model.User
	decode(t, w, &u)
	assert.Equal(t, img.URL, u.AvatarURL)
}
