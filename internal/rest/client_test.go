package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opscrm/chatsync/internal/apperr"
	"github.com/opscrm/chatsync/internal/logger"
	"github.com/opscrm/chatsync/internal/model"
)

type staticTokens string

func (s staticTokens) AccessToken(context.Context) (string, error) { return string(s), nil }

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		BaseURL:         srv.URL,
		Timeout:         2 * time.Second,
		RetryMaxElapsed: time.Second,
	}, staticTokens("tok"), logger.Nop())
}

func TestMessagesPageAndAuthHeader(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(MessagesPage{
			Items:       []model.Message{{ID: "m1", Content: "hi"}},
			HasNextPage: true,
		})
	}))
	defer srv.Close()

	page, err := newTestClient(srv).Messages(context.Background(), "c1", 2, 50)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "pageIndex=2&pageSize=50", gotQuery)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "m1", page.Items[0].ID)
	assert.True(t, page.HasNextPage)
}

func TestServerErrorRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(ConversationsPage{Items: []model.Conversation{{ID: "c1"}}})
	}))
	defer srv.Close()

	page, err := newTestClient(srv).Conversations(context.Background(), 0, 20)
	require.NoError(t, err)
	assert.EqualValues(t, 3, calls.Load())
	require.Len(t, page.Items, 1)
}

func TestClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	err := newTestClient(srv).MarkRead(context.Background(), "c1")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load(), "4xx must not be retried")
}

func TestMessagesErrorWrapsHistoryFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).Messages(context.Background(), "c1", 4, 50)
	var hfe *apperr.HistoryFetchError
	require.ErrorAs(t, err, &hfe)
	assert.Equal(t, "c1", hfe.ConversationID)
	assert.Equal(t, 4, hfe.Page)
}

func TestSendMessageCarriesCorrelationToken(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(model.Message{ID: "m9", ClientMsgID: got.ClientMsgID, Content: got.Content})
	}))
	defer srv.Close()

	msg, err := newTestClient(srv).SendMessage(context.Background(), "c1", "tok-123", "hello")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", got.ClientMsgID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "m9", msg.ID)
	assert.Equal(t, "tok-123", msg.ClientMsgID)
}

func TestCommandPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()
	require.NoError(t, c.EditMessage(ctx, "c1", "m1", "fixed"))
	require.NoError(t, c.DeleteMessage(ctx, "c1", "m1"))
	require.NoError(t, c.CloseConversation(ctx, "c1"))
	require.NoError(t, c.TransferConversation(ctx, "c1", "op7"))

	assert.Equal(t, []string{
		"PUT /api/chat/conversations/c1/messages/m1",
		"DELETE /api/chat/conversations/c1/messages/m1",
		"POST /api/chat/conversations/c1/close",
		"POST /api/chat/conversations/c1/transfer",
	}, paths)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.Error(t, c.MarkRead(ctx, "c1"))
	}

	start := time.Now()
	err := c.MarkRead(ctx, "c1")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "open breaker fails without a round trip")
}
