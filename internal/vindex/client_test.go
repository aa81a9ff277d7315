package vindex

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestClientExtractDecodesVector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/extract", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://example.com/a.jpg", body["url"])
		_ = json.NewEncoder(w).Encode(extractResponse{Vector: []float32{0.1, 0.2}})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	vec, err := client.Extract(context.Background(), "https://example.com/a.jpg")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestClientExtractEmptyVector(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(extractResponse{})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	vec, err := client.Extract(context.Background(), "https://example.com/a.jpg")
	require.NoError(t, err)
	require.Empty(t, vec)
}

func TestClientIndexRejection(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/index", r.URL.Path)
		var body indexRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "protests", body.Collection)
		_ = json.NewEncoder(w).Encode(statusResponse{Success: false, Message: "near-duplicate"})
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	ok, err := client.Index(context.Background(), "protests", "img-1", []float32{0.5})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClientCollectionLifecycle(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/protests", r.URL.Path)
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(statusResponse{Success: true})
		case http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, client.CreateCollection(context.Background(), "protests"))
	require.NoError(t, client.DeleteCollection(context.Background(), "protests"))
}

func TestClientServerErrorSurfaces(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(Config{BaseURL: srv.URL}, zap.NewNop())
	require.NoError(t, err)

	_, err = client.Extract(context.Background(), "https://example.com/a.jpg")
	require.Error(t, err)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zap.NewNop())
	require.Error(t, err)
}
