package mailer

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

func TestClient_Send_Success(t *testing.T) {
	var got Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/send-email", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	}))
	defer srv.Close()

	c := NewClient(&Config{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second}, nil)
	res, err := c.Send(context.Background(), &Message{
		To:      "a@example.com",
		Subject: "hi",
		Body:    "body",
		CardID:  "card-1",
		SentVia: "automation",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "msg-1", res.MessageID)
	assert.Equal(t, "a@example.com", got.To)
	assert.Equal(t, "card-1", got.CardID)
	assert.Equal(t, "automation", got.SentVia)
}

func TestClient_Send_NonSuccessIsDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("smtp relay unavailable"))
	}))
	defer srv.Close()

	c := NewClient(&Config{BaseURL: srv.URL, Timeout: time.Second}, nil)
	_, err := c.Send(context.Background(), &Message{To: "a@example.com", CardID: "c"})
	require.Error(t, err)

	var de *DispatchError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, http.StatusBadGateway, de.StatusCode)
	assert.Equal(t, "smtp relay unavailable", de.Error())
}

func TestClient_Send_NilMessage(t *testing.T) {
	c := NewClient(nil, nil)
	_, err := c.Send(context.Background(), nil)
	assert.Error(t, err)
}
