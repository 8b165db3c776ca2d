package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUploaderValidates(t *testing.T) {
	_, err := NewUploader(Config{Region: "us-east-1", AccessKey: "a", SecretKey: "b", PublicBaseURL: "https://cdn"})
	assert.ErrorContains(t, err, "bucket")

	u, err := NewUploader(Config{Bucket: "b", Region: "us-east-1", AccessKey: "a", SecretKey: "b", PublicBaseURL: "https://cdn"})
	require.NoError(t, err)
	assert.Equal(t, "screenshots", u.cfg.Prefix)
}

func TestGenerateKeyNamespacesByUser(t *testing.T) {
	u, err := NewUploader(Config{Bucket: "b", Region: "r", AccessKey: "a", SecretKey: "s", PublicBaseURL: "https://cdn/", Prefix: "/shots/"})
	require.NoError(t, err)
	u.now = func() time.Time { return time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC) }

	key := u.generateKey("user/../1", "image/jpeg", false)
	assert.True(t, strings.HasPrefix(key, "shots/user____1/2026/03/07/"), key)
	assert.True(t, strings.HasSuffix(key, ".jpg"), key)

	gen := u.generateKey("user-1", "image/png", true)
	parts := strings.Split(gen, "/")
	assert.True(t, strings.HasPrefix(parts[len(parts)-1], GeneratedPrefix), gen)
	assert.Equal(t, "https://cdn/"+gen, u.PublicURL(gen))
}

func TestUploadPutsPublicObject(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		acl    string
		ctype  string
		body   []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		method, path = r.Method, r.URL.Path
		acl = r.Header.Get("x-amz-acl")
		ctype = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := NewUploader(Config{
		Endpoint:      srv.URL,
		Region:        "us-east-1",
		AccessKey:     "a",
		SecretKey:     "s",
		Bucket:        "media",
		PublicBaseURL: "https://cdn.example.com",
		UsePathStyle:  true,
	})
	require.NoError(t, err)

	url, err := u.Upload(context.Background(), Object{UserID: "user-1", Data: []byte("png-bytes"), ContentType: "image/png"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/screenshots/user-1/"), url)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasPrefix(path, "/media/screenshots/user-1/"), path)
	assert.Equal(t, "public-read", acl)
	assert.Equal(t, "image/png", ctype)
	assert.Contains(t, string(body), "png-bytes")
}

func TestUploadRejectsEmpty(t *testing.T) {
	u, err := NewUploader(Config{Bucket: "b", Region: "r", AccessKey: "a", SecretKey: "s", PublicBaseURL: "https://cdn"})
	require.NoError(t, err)
	_, err = u.Upload(context.Background(), Object{UserID: "u"})
	assert.Error(t, err)
}
