package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/gigchat/internal/auth"
	"github.com/stretchr/testify/require"
)

var testCred = auth.Static{Token: "tok", UserID: "userA"}

func TestFetchConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"status":"success","data":[
			{"_id":"c1","type":"DIRECT","recipients":[{"_id":"userA"},{"_id":"userB","firstName":"Bruno"}],"messages":[]},
			{"_id":"c2","type":"GROUP","title":"crew","recipients":[],"messages":[{"_id":"m1","user":"userB","content":"hi","attachments":[{"_id":"a","size":"2048"}]}]}
		]}`)
	}))
	defer srv.Close()

	c := New(srv.URL, testCred, srv.Client(), nil)
	list, err := c.FetchConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list.Conversations, 2)
	require.Equal(t, []string{"c1", "c2"}, list.IDs())
	require.EqualValues(t, 2048, list.Conversations[1].Messages[0].Attachments[0].Size)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(list.Raw[1], &raw))
	require.Equal(t, "crew", raw["title"])
}

func TestFetchUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"status":"fail","message":"token expired"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, testCred, srv.Client(), nil).FetchConversations(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	require.Equal(t, "token expired", serr.Message)
}

func TestFetchWithoutCredential(t *testing.T) {
	c := New("http://127.0.0.1:1", auth.FileSource{Path: filepath.Join(t.TempDir(), "credential")}, nil, nil)
	_, err := c.FetchConversations(context.Background())
	require.ErrorIs(t, err, auth.ErrNoCredential)
}

func TestUploadStreamsMultipart(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n" + string(make([]byte, 64*1024)))
	path := filepath.Join(t.TempDir(), "shot.png")
	require.NoError(t, os.WriteFile(path, png, 0o600))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload", r.URL.Path)
		file, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		body, _ := io.ReadAll(file)
		require.Len(t, body, len(png))
		require.Equal(t, "shot.png", hdr.Filename)
		require.Equal(t, "image/png", hdr.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, `{"status":"success","data":{"_id":"asset1","url":"http://cdn/shot.png","name":"shot.png"}}`)
	}))
	defer srv.Close()

	var (
		mu  sync.Mutex
		pct []int
	)
	asset, err := New(srv.URL, testCred, srv.Client(), nil).Upload(context.Background(), path, func(p int) {
		mu.Lock()
		pct = append(pct, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Equal(t, "asset1", asset.ID)
	require.Equal(t, "image/png", asset.Type)
	require.EqualValues(t, len(png), asset.Size)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, pct)
	require.Equal(t, 100, pct[len(pct)-1])
	for i := 1; i < len(pct); i++ {
		require.Greater(t, pct[i], pct[i-1])
	}
}

func TestUploadServerError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(srv.URL, testCred, srv.Client(), nil).Upload(context.Background(), path, nil)
	require.ErrorIs(t, err, ErrUploadFailed)
}

func TestUploadMissingFile(t *testing.T) {
	_, err := New("http://127.0.0.1:1", testCred, nil, nil).Upload(context.Background(), "/does/not/exist", nil)
	require.ErrorIs(t, err, ErrUploadFailed)
}
