package fastdl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/media-relay/internal/relay"
)

func newTestServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("url"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchSingleVideo(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, http.StatusOK,
		`{"status":"ok","caption":"a reel","medias":[{"type":"video","url":"https://cdn.example/v.mp4"}]}`)
	f := New(Config{Endpoint: srv.URL, Timeout: 5 * time.Second})

	result, err := f.Fetch(context.Background(), "https://www.instagram.com/reel/DAbc/")
	require.NoError(t, err)
	require.Equal(t, relay.KindVideo, result.MediaKind)
	require.Equal(t, "a reel", result.Caption)
	require.Len(t, result.Items, 1)
	require.Equal(t, "https://cdn.example/v.mp4", result.Items[0].URL)
}

func TestFetchAlbumFromMultipleMedias(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, http.StatusOK,
		`{"status":"ok","medias":[{"type":"photo","url":"https://cdn.example/1.jpg"},{"type":"video","url":"https://cdn.example/2.mp4"}]}`)
	f := New(Config{Endpoint: srv.URL})

	result, err := f.Fetch(context.Background(), "https://www.instagram.com/p/Cxyz/")
	require.NoError(t, err)
	require.Equal(t, relay.KindAlbum, result.MediaKind)
	require.Len(t, result.Items, 2)
	require.Equal(t, relay.KindImage, result.Items[0].Kind)
	require.Equal(t, relay.KindVideo, result.Items[1].Kind)
}

func TestFetchFailsOnRejectedStatus(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, http.StatusOK, `{"status":"error","message":"content removed"}`)
	f := New(Config{Endpoint: srv.URL})

	_, err := f.Fetch(context.Background(), "https://www.instagram.com/p/gone/")
	require.Error(t, err)
	require.Contains(t, err.Error(), "content removed")
}

func TestFetchFailsOnEmptyMedias(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, http.StatusOK, `{"status":"ok","medias":[]}`)
	f := New(Config{Endpoint: srv.URL})

	_, err := f.Fetch(context.Background(), "https://www.instagram.com/p/empty/")
	require.Error(t, err)
}

func TestFetchFailsOnServerError(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, http.StatusBadGateway, "upstream broken")
	f := New(Config{Endpoint: srv.URL})

	_, err := f.Fetch(context.Background(), "https://www.instagram.com/p/Cxyz/")
	require.Error(t, err)
}

func TestFetchRequiresEndpoint(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), "https://www.instagram.com/p/Cxyz/")
	require.Error(t, err)
}
