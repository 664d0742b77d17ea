// Package rest is the request/response surface: history and
// conversation paging, plus send/edit/delete/close/transfer commands
// used as the fallback when the real-time channel is unavailable.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/opscrm/chatsync/internal/apperr"
	"github.com/opscrm/chatsync/internal/model"
)

type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Config struct {
	BaseURL            string
	Timeout            time.Duration
	RetryMaxElapsed    time.Duration
	RateLimitPerMinute int
}

type MessagesPage struct {
	Items       []model.Message `json:"items"`
	HasNextPage bool            `json:"has_next_page"`
}

type ConversationsPage struct {
	Items       []model.Conversation `json:"items"`
	HasNextPage bool                 `json:"has_next_page"`
}

type Client struct {
	base    string
	http    *http.Client
	tokens  TokenSource
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	retry   time.Duration
	log     *zap.SugaredLogger
}

func NewClient(cfg Config, tokens TokenSource, log *zap.SugaredLogger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.RetryMaxElapsed == 0 {
		cfg.RetryMaxElapsed = 20 * time.Second
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = 300
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "crm-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{
		base:    cfg.BaseURL,
		http:    &http.Client{Transport: tr, Timeout: cfg.Timeout},
		tokens:  tokens,
		breaker: cb,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60.0), 10),
		retry:   cfg.RetryMaxElapsed,
		log:     log,
	}
}

func (c *Client) Conversations(ctx context.Context, pageIndex, pageSize int) (ConversationsPage, error) {
	var page ConversationsPage
	path := "/api/chat/conversations?pageIndex=" + strconv.Itoa(pageIndex) + "&pageSize=" + strconv.Itoa(pageSize)
	err := c.do(ctx, http.MethodGet, path, nil, &page)
	return page, err
}

func (c *Client) Conversation(ctx context.Context, convID string) (model.Conversation, error) {
	var conv model.Conversation
	err := c.do(ctx, http.MethodGet, "/api/chat/conversations/"+convID, nil, &conv)
	return conv, err
}

// Messages returns one history page, newest page first (pageIndex 0).
func (c *Client) Messages(ctx context.Context, convID string, pageIndex, pageSize int) (MessagesPage, error) {
	var page MessagesPage
	path := fmt.Sprintf("/api/chat/conversations/%s/messages?pageIndex=%d&pageSize=%d", convID, pageIndex, pageSize)
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return MessagesPage{}, &apperr.HistoryFetchError{ConversationID: convID, Page: pageIndex, Err: err}
	}
	return page, nil
}

type sendRequest struct {
	ClientMsgID string `json:"client_msg_id"`
	Content     string `json:"content"`
}

// SendMessage is the fallback send path; the server echoes
// client_msg_id in the confirmed message.
func (c *Client) SendMessage(ctx context.Context, convID, clientMsgID, content string) (model.Message, error) {
	var msg model.Message
	body := sendRequest{ClientMsgID: clientMsgID, Content: content}
	err := c.do(ctx, http.MethodPost, "/api/chat/conversations/"+convID+"/messages", body, &msg)
	return msg, err
}

func (c *Client) EditMessage(ctx context.Context, convID, msgID, content string) error {
	body := map[string]string{"content": content}
	return c.do(ctx, http.MethodPut, "/api/chat/conversations/"+convID+"/messages/"+msgID, body, nil)
}

func (c *Client) DeleteMessage(ctx context.Context, convID, msgID string) error {
	return c.do(ctx, http.MethodDelete, "/api/chat/conversations/"+convID+"/messages/"+msgID, nil, nil)
}

func (c *Client) MarkRead(ctx context.Context, convID string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/conversations/"+convID+"/read", nil, nil)
}

func (c *Client) CloseConversation(ctx context.Context, convID string) error {
	return c.do(ctx, http.MethodPost, "/api/chat/conversations/"+convID+"/close", nil, nil)
}

func (c *Client) TransferConversation(ctx context.Context, convID, operatorID string) error {
	body := map[string]string{"operator_id": operatorID}
	return c.do(ctx, http.MethodPost, "/api/chat/conversations/"+convID+"/transfer", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	res, err := c.breaker.Execute(func() (any, error) {
		return c.doWithRetry(ctx, method, path, token, payload)
	})
	if err != nil {
		return err
	}
	data := res.([]byte)
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// doWithRetry runs the request with exponential backoff; 5xx responses
// are retryable, 4xx are permanent.
func (c *Client) doWithRetry(ctx context.Context, method, path, token string, payload []byte) ([]byte, error) {
	var data []byte
	operation := func() error {
		var rdr io.Reader
		if payload != nil {
			rdr = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("request rejected: %s", resp.Status))
		}
		data = b
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = c.retry
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return data, nil
}
