package contentstore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/content/file", r.URL.Path)
		require.Equal(t, "/sessions/s1/messages.json", r.URL.Query().Get("path"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := New(srv.URL, WithBearerToken("tok"))
	got := c.Read(t.Context(), "/sessions/s1/messages.json")
	assert.Equal(t, []byte("hello"), got)
}

func TestReadDegradesOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL)
	assert.Nil(t, c.Read(t.Context(), "/missing"))

	srv.Close()
	assert.Nil(t, c.Read(t.Context(), "/missing"))
}

func TestWrite(t *testing.T) {
	var got writeRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/content/write", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(srv.URL)
	ok := c.Write(t.Context(), "/sessions/s1/out.txt", "data", EncodingUTF8)
	require.True(t, ok)
	assert.Equal(t, "/sessions/s1/out.txt", got.Path)
	assert.Equal(t, "data", got.Content)
	assert.Equal(t, "utf8", got.Encoding)
}

func TestWriteFalseOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)
	assert.False(t, c.Write(t.Context(), "/p", "x", EncodingUTF8))
}

func TestList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/content/list", r.URL.Path)
		_ = json.NewEncoder(w).Encode(listResponse{Items: []Entry{
			{Name: "specs", Path: "/sessions/s1/workspace/specs", IsDir: true},
			{Name: "notes.md", Path: "/sessions/s1/workspace/notes.md", IsDir: false, Size: 12},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	items := c.List(t.Context(), "/sessions/s1/workspace")
	require.Len(t, items, 2)
	assert.True(t, items[0].IsDir)
	assert.Equal(t, "notes.md", items[1].Name)
}

func TestListEmptyOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c := New(srv.URL)
	assert.Empty(t, c.List(t.Context(), "/p"))
}
