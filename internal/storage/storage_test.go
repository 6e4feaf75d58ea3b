package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	require.NoError(t, s.Upload(ctx, "biz/src/a.csv", strings.NewReader("a,b"), 3, "text/csv"))
	data, err := ReadAll(ctx, s, "biz/src/a.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(data))

	require.NoError(t, s.Delete(ctx, "biz/src/a.csv"))
	assert.False(t, s.Has("biz/src/a.csv"))

	_, err = s.Download(ctx, "biz/src/a.csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseStorage(t *testing.T) {
	objects := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		key := strings.TrimPrefix(r.URL.Path, "/storage/v1/object/uploads/")
		switch r.Method {
		case http.MethodPost:
			b, _ := io.ReadAll(r.Body)
			objects[key] = string(b)
		case http.MethodGet:
			v, ok := objects[key]
			if !ok {
				http.NotFound(w, r)
				return
			}
			io.WriteString(w, v)
		case http.MethodDelete:
			delete(objects, key)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	s := NewSupabaseStorage(srv.URL+"/", "service-key", "uploads")

	require.NoError(t, s.Upload(ctx, "biz/src/menu.txt", strings.NewReader("soup"), 4, "text/plain"))
	assert.Equal(t, "soup", objects["biz/src/menu.txt"])

	data, err := ReadAll(ctx, s, "biz/src/menu.txt")
	require.NoError(t, err)
	assert.Equal(t, "soup", string(data))

	require.NoError(t, s.Delete(ctx, "biz/src/menu.txt"))
	_, err = s.Download(ctx, "biz/src/menu.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}
