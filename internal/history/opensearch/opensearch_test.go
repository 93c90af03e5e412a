package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/gw2am/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var (
		body   []byte
		path   string
		method string
		ctype  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		ctype = r.Header.Get("Content-Type")
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"created"}`))
	}))
	defer srv.Close()

	sink := New(srv.URL+"/", "launch-test")
	ev := history.Event{
		OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		AccountID:  "acc-1",
		From:       "launching",
		To:         "running",
		Certainty:  "verified",
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/launch-test/_doc", path)
	assert.Equal(t, "application/json", ctype)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "acc-1", got["account_id"])
	assert.Equal(t, "running", got["to"])
	assert.NotContains(t, got, "note")
}

func TestOpenSearchSink_DefaultIndex(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "").Send(context.Background(), history.Event{AccountID: "a"}))
	assert.Equal(t, "/"+DefaultIndex+"/_doc", path)
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := New(srv.URL, "idx").Send(context.Background(), history.Event{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.Error(t, New("http://127.0.0.1:1", "idx").Send(ctx, history.Event{}))
}
