package discord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristeoibarra/nextdns-blocker/internal/notify"
)

func TestSend(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	sender := NewSender(srv.URL)
	err := sender.Send(context.Background(), notify.Message{
		Subject: "retry exhausted",
		Body:    "block a.com gave up after 5 attempts",
	})
	require.NoError(t, err)

	assert.Contains(t, received.Content, "**retry exhausted**")
	assert.Contains(t, received.Content, "a.com")
}

func TestSend_TruncatesLongContent(t *testing.T) {
	var received webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	sender := NewSender(srv.URL)
	err := sender.Send(context.Background(), notify.Message{
		Body: strings.Repeat("x", 3000),
	})
	require.NoError(t, err)
	assert.Len(t, received.Content, 2000)
}

func TestSend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	sender := NewSender(srv.URL)
	err := sender.Send(context.Background(), notify.Message{Body: "b"})
	assert.Error(t, err)
}
