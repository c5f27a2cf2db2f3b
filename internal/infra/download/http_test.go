package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pylint.tar.gz":
			assert.Equal(t, "automaton-node/1.0", r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte("package-bytes"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := New()
	var buf bytes.Buffer
	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/pylint.tar.gz", &buf))
	assert.Equal(t, "package-bytes", buf.String())

	err := f.Fetch(context.Background(), srv.URL+"/missing", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestFetch_SizeLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 64))
	}))
	defer srv.Close()

	f := New()
	f.MaxBytes = 16
	err := f.Fetch(context.Background(), srv.URL, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}
