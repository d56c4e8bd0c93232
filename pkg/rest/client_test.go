package rest

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
)

func TestJoinPath(t *testing.T) {
	assert.Equal(t, "users/a%2Fb", JoinPath("users", "a/b"))
	assert.Equal(t, "token", JoinPath("token"))
	assert.Equal(t, "", JoinPath())
}

func TestClientGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/things/42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "widget"})
	}))
	defer server.Close()

	client := NewClient(server.URL + "/api")
	var result struct {
		Name string `json:"name"`
	}
	require.NoError(t, client.Get(context.Background(), JoinPath("things", "42"), &result))
	assert.Equal(t, "widget", result.Name)
}

func TestClientPostSendsJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "value", body["key"])
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "1"})
	}))
	defer server.Close()

	client := NewClient(server.URL)
	var result struct {
		ID string `json:"id"`
	}
	err := client.Post(context.Background(), "things", map[string]string{"key": "value"}, &result)
	require.NoError(t, err)
	assert.Equal(t, "1", result.ID)
}

func TestClientErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nothing here", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	err := client.Get(context.Background(), "missing", nil)
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "nothing here")
}

func TestClientDelete(t *testing.T) {
	var method string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	require.NoError(t, NewClient(server.URL).Delete(context.Background(), "things/1"))
	assert.Equal(t, http.MethodDelete, method)
}

func TestClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithTimeout(20*time.Millisecond))
	err := client.Get(context.Background(), "slow", nil)
	assert.Error(t, err)
}

func TestClientContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := NewClient(server.URL).Get(ctx, "slow", nil)
	assert.Error(t, err)
}
