package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invisimark/internal/models"
)

func TestSendEmbed(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		var got EmbedRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/apply", r.URL.Path)
			assert.Equal(t, "secret", r.Header.Get(InternalTokenHeader))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusAccepted)
		}))
		defer srv.Close()

		c := New(srv.URL, "secret")
		err := c.SendEmbed(context.Background(), EmbedRequest{
			JobID:   "j1",
			Payload: "0123456789abcdef",
			Method:  "dwtDct",
		})
		require.NoError(t, err)
		assert.Equal(t, "j1", got.JobID)
		assert.Equal(t, "0123456789abcdef", got.Payload)
	})

	t.Run("rejected carries diagnostic", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"ok":false,"error":"missing fields"}`))
		}))
		defer srv.Close()

		err := New(srv.URL, "secret").SendEmbed(context.Background(), EmbedRequest{JobID: "j1"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrWorkerRejected))
		assert.Contains(t, err.Error(), "missing fields")
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		err := New(url, "secret").SendEmbed(context.Background(), EmbedRequest{JobID: "j1"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrWorkerUnreachable))
	})
}

func TestSendExtract(t *testing.T) {
	t.Run("payload", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req ExtractRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, []byte("image-bytes"), req.SourceBytes)
			assert.Equal(t, 16, req.ExpectedLength)
			_, _ = w.Write([]byte(`{"ok":true,"payload":"abc123"}`))
		}))
		defer srv.Close()

		p, err := New(srv.URL, "secret").SendExtract(context.Background(), ExtractRequest{
			SourceBytes:    []byte("image-bytes"),
			Method:         "dwtDct",
			ExpectedLength: 16,
		})
		require.NoError(t, err)
		assert.Equal(t, "abc123", p)
	})

	t.Run("no payload found", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		p, err := New(srv.URL, "secret").SendExtract(context.Background(), ExtractRequest{})
		require.NoError(t, err)
		assert.Empty(t, p)
	})

	t.Run("worker reports failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ok":false,"error":"decode error"}`))
		}))
		defer srv.Close()

		_, err := New(srv.URL, "secret").SendExtract(context.Background(), ExtractRequest{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrWorkerRejected))
	})

	t.Run("timeout is unreachable", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()
		defer close(release)

		c := New(srv.URL, "secret", WithTimeouts(time.Second, 50*time.Millisecond))
		_, err := c.SendExtract(context.Background(), ExtractRequest{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, models.ErrWorkerUnreachable))
	})
}
