package origin

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	filecdn "github.com/syncshard/filecdn"
)

func TestFetchFile(t *testing.T) {
	assert := require.New(t)

	content := []byte("hello world")
	h := filecdn.HashBytes(content)

	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal("/serverfiles/"+h.String(), r.URL.Path)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	c := New(srv.URL, WithToken("secret"))

	body, size, err := c.FetchFile(context.Background(), h)
	assert.NoError(err)
	defer body.Close()

	assert.Equal(int64(len(content)), size)
	assert.Equal("Bearer secret", gotAuth)

	data, err := io.ReadAll(body)
	assert.NoError(err)
	assert.Equal(content, data)
}

func TestFetchFileNotFound(t *testing.T) {
	assert := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL)

	_, _, err := c.FetchFile(context.Background(), filecdn.HashBytes([]byte("missing")))
	assert.ErrorIs(err, ErrNotFound)
}

func TestFetchFileServerError(t *testing.T) {
	assert := require.New(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL)

	_, _, err := c.FetchFile(context.Background(), filecdn.HashBytes([]byte("broken")))
	assert.Error(err)
	assert.NotErrorIs(err, ErrNotFound)
}

func TestTrailingSlashTrimmed(t *testing.T) {
	assert := require.New(t)

	c := New("http://origin.internal/")
	assert.Equal("http://origin.internal", c.URL())
}
