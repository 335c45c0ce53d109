package cloudinary

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClient(baseURL string) *Client {
	c := New("demo", "key", "secret", "attendance/students")
	c.HTTP.SetBaseURL(baseURL)
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func TestSign(t *testing.T) {
	c := New("demo", "key", "secret", "")
	got := c.sign(map[string]string{
		"timestamp": "1700000000",
		"folder":    "attendance/students",
		"api_key":   "key",
		"empty":     "",
	})
	want := sha1.Sum([]byte("folder=attendance/students&timestamp=1700000000secret"))
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/demo/image/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "key", r.FormValue("api_key"))
		assert.Equal(t, "1700000000", r.FormValue("timestamp"))
		assert.Equal(t, "attendance/students", r.FormValue("folder"))
		assert.NotEmpty(t, r.FormValue("signature"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "asha.jpg", hdr.Filename)
		assert.Equal(t, []byte("jpeg-bytes"), body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"public_id":"p1","secure_url":"https://res.example/p1.jpg","url":"http://res.example/p1.jpg"}`))
	}))
	defer srv.Close()

	url, err := fixedClient(srv.URL).Archive(context.Background(), []byte("jpeg-bytes"), "asha.jpg")
	require.NoError(t, err)
	assert.Equal(t, "https://res.example/p1.jpg", url)
}

func TestArchive_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Invalid Signature"}}`))
	}))
	defer srv.Close()

	_, err := fixedClient(srv.URL).Archive(context.Background(), []byte("x"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Contains(t, err.Error(), "Invalid Signature")
}

func TestUploadBytes_Empty(t *testing.T) {
	_, err := New("demo", "k", "s", "").UploadBytes(context.Background(), nil, "x.jpg")
	assert.Error(t, err)
}
