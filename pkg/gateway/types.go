package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChatRequest is the body of POST /v1/chat and the optional first frame of
// a stream connection.
type ChatRequest struct {
	SessionID   string                 `json:"session_id"`
	Message     string                 `json:"message"`
	RequestID   string                 `json:"request_id,omitempty"`
	TopK        int                    `json:"top_k,omitempty"`
	Permissions []string               `json:"permissions,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// Error kinds returned by the gateway itself.
const (
	KindUnauthorized = "unauthorized"
	KindRateLimited  = "rate_limited"
	KindBadRequest   = "invalid_request"
	KindUnavailable  = "unavailable"
	KindInternal     = "internal"
)

// Client is an open chat stream connection.
type Client struct {
	ID           string
	Conn         *websocket.Conn
	SessionID    string
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string

	writeMu sync.Mutex
}

// WriteJSON serializes writes; gorilla connections allow one writer at a time.
func (c *Client) WriteJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(v)
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	IPAddress    string    `json:"ip_address"`
	Idle         bool      `json:"idle"`
}
