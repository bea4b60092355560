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

	"github.com/loykin/spawnd/internal/history"
)

func TestOpenSearchSink_Send(t *testing.T) {
	var receivedBody []byte
	var receivedURL, receivedMethod, contentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedMethod = r.Method
		receivedURL = r.URL.Path
		contentType = r.Header.Get("Content-Type")
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"_id":"test","_index":"spawn","result":"created"}`))
	}))
	defer server.Close()

	sink := New(server.URL+"/", "spawn")
	event := history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now().UTC(),
		Record:     history.Record{TaskID: "worker", Slot: 2, PID: 12345, StartedAt: time.Now().Add(-time.Minute).UTC()},
		Reason:     history.ReasonReload,
	}
	require.NoError(t, sink.Send(context.Background(), event))

	assert.Equal(t, http.MethodPost, receivedMethod)
	assert.Equal(t, "/spawn/_doc", receivedURL)
	assert.Equal(t, "application/json", contentType)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(receivedBody, &doc))
	assert.Equal(t, "stop", doc["type"])
	assert.Equal(t, "reload", doc["reason"])
	rec, ok := doc["record"].(map[string]any)
	require.True(t, ok, "missing record in payload: %v", doc)
	assert.Equal(t, "worker", rec["task_id"])
	assert.EqualValues(t, 12345, rec["pid"])
	assert.EqualValues(t, 2, rec["slot"])
}

func TestOpenSearchSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "idx").Send(context.Background(), history.Event{Type: history.EventSpawn})
	assert.ErrorContains(t, err, "status 400")
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := New(url, "idx").Send(context.Background(), history.Event{Type: history.EventSpawn})
	assert.Error(t, err)
}
