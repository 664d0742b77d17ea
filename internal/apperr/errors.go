package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by channel invokes issued while the
	// channel is not in the Connected state. Callers fall back to REST
	// or re-issue after reconnect.
	ErrNotConnected = errors.New("channel not connected")

	// ErrConnectionFailed means the reconnect attempts cap was reached.
	ErrConnectionFailed = errors.New("connection failed: retries exhausted")

	// ErrSendFailed marks a message send that was rejected or timed out.
	ErrSendFailed = errors.New("message send failed")
)

// ChannelError wraps a transport or command failure on the real-time channel.
type ChannelError struct {
	Method string
	Err    error
}

func (e *ChannelError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("channel error: %v", e.Err)
	}
	return fmt.Sprintf("channel error: %s: %v", e.Method, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// HistoryFetchError wraps a REST failure while loading messages or
// conversations. The synchronizer degrades to an empty page on it.
type HistoryFetchError struct {
	ConversationID string
	Page           int
	Err            error
}

func (e *HistoryFetchError) Error() string {
	return fmt.Sprintf("history fetch failed: conversation=%s page=%d: %v", e.ConversationID, e.Page, e.Err)
}

func (e *HistoryFetchError) Unwrap() error { return e.Err }
