package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"odin-sync-server/internal/apperrors"
	"odin-sync-server/internal/metrics"
	"odin-sync-server/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // photo payloads are base64 blobs; allow up to 1MiB frames
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// FrameHandler is the Message Router's capability surface as seen by
// the Connection Handler (spec.md §4.9): classify and dispatch one
// inbound frame. Declared here (not in the router package) so the
// Connection Handler never imports the Router — the Router is handed
// in as a capability object, per spec.md §9's "the controller hands the
// connection handler a capability object rather than itself."
type FrameHandler interface {
	HandleAuth(ctx context.Context, c *Client, frame wire.Frame)
	HandleFrame(ctx context.Context, c *Client, frame wire.Frame)
}

// Client is a single websocket connection's state: the Connection
// Handler's per-connection data plus the authentication/sync fields the
// Client Table mutates (spec.md §4.4, §4.8).
//
// Grounded on adred-codev-ws_poc/go-server/pkg/websocket/client.go's
// Client struct and its read/write pump split.
type Client struct {
	ID          string
	ConnectedAt time.Time

	conn    *websocket.Conn
	send    chan []byte
	table   *ClientTable
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu            sync.RWMutex
	tenant        string
	userID        string
	authenticated bool
	syncComplete  bool
}

// NewClient wraps an upgraded websocket connection.
func NewClient(conn *websocket.Conn, table *ClientTable, m *metrics.Metrics, logger zerolog.Logger, sendBuffer int) *Client {
	return &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		table:       table,
		metrics:     m,
		logger:      logger,
	}
}

func (c *Client) Tenant() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenant
}

func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Client) IsSyncComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncComplete
}

// Send enqueues a frame on the client's outbound channel. A full
// channel is treated as a slow consumer per spec.md §4.7/§9: the
// connection is force-dropped rather than the broadcast loop blocking.
func (c *Client) Send(frame wire.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		if c.conn != nil {
			c.conn.Close()
		}
		return &apperrors.TransportError{Reason: "send channel full for client " + c.ID}
	}
}

// ServeWS upgrades an HTTP request to a websocket connection, registers
// the client, and spawns its writer and reader. Grounded on
// client.go's ServeWS, generalized with a configurable connection
// limit and auth timeout instead of hardcoded constants.
func ServeWS(table *ClientTable, handler FrameHandler, m *metrics.Metrics, logger zerolog.Logger, authTimeout time.Duration, sendBuffer, maxConnections int, w http.ResponseWriter, r *http.Request) {
	if table.Count() >= maxConnections {
		logger.Warn().Int("limit", maxConnections).Str("remote", r.RemoteAddr).Msg("connection limit reached")
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		m.RecordError("connection_limit_reached")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("websocket upgrade failed")
		m.RecordError("websocket_upgrade")
		return
	}

	client := NewClient(conn, table, m, logger.With().Logger(), sendBuffer)
	table.Add(client)
	m.IncrementConnections()

	go client.writePump()
	go client.run(handler, authTimeout)
}

// writePump forwards frames from the outbound channel to the socket and
// sends periodic pings, mirroring client.go's write side.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.metrics.RecordError("websocket_write")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.metrics.RecordError("websocket_ping")
				return
			}
		}
	}
}

// run implements the Connection Handler's lifecycle (spec.md §4.8):
// authentication wait with a hard deadline, then the steady read loop
// dispatching to the Router.
func (c *Client) run(handler FrameHandler, authTimeout time.Duration) {
	defer func() {
		c.table.Remove(c.ID)
		c.conn.Close()
		c.metrics.DecrementConnections()
		c.metrics.RecordConnectionDuration(time.Since(c.ConnectedAt))
	}()

	c.conn.SetReadLimit(maxMessageSize)

	if !c.awaitAuthentication(handler, authTimeout) {
		return
	}

	c.steadyReadLoop(handler)
}

// awaitAuthentication reads frames under a single hard deadline until
// the first authentication_request arrives and hands it to the Auth
// Service. Any other frame type is ignored (spec.md §4.8 step 3).
// Returns true only if that request authenticated the client; returns
// false if it failed, or if the deadline expired or the socket closed
// first.
func (c *Client) awaitAuthentication(handler FrameHandler, authTimeout time.Duration) bool {
	deadline := time.Now().Add(authTimeout)
	c.conn.SetReadDeadline(deadline)

	ctx := context.Background()
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return false
		}

		frame, perr := parseFrame(message)
		if perr != nil {
			c.logger.Debug().Err(perr).Str("client", c.ID).Msg("ignoring malformed frame pre-auth")
			continue
		}

		if frame.Type != wire.TypeAuthRequest {
			continue // spec.md §4.8: anything else pre-auth is ignored
		}

		handler.HandleAuth(ctx, c, frame)
		if c.IsAuthenticated() {
			c.conn.SetReadDeadline(time.Now().Add(pongWait))
			c.conn.SetPongHandler(func(string) error {
				c.conn.SetReadDeadline(time.Now().Add(pongWait))
				return nil
			})
			return true
		}
		// Auth failed: the Auth Service has already emitted (or
		// withheld, per the tenant-existence-leak rule) a rejection
		// frame; the connection is torn down by the caller's defer.
		return false
	}
}

// steadyReadLoop dispatches every frame to the Router once a client is
// authenticated (spec.md §4.8 step 4), using a separate read goroutine
// so a blocking handler (e.g. a full sync replay) never stalls pong
// delivery, mirroring client.go's readPump/handleConnection split.
func (c *Client) steadyReadLoop(handler FrameHandler) {
	readChan := make(chan []byte, 64)
	errChan := make(chan error, 1)
	go c.readPump(readChan, errChan)

	ctx := context.Background()
	for {
		select {
		case message := <-readChan:
			frame, err := parseFrame(message)
			if err != nil {
				c.logger.Debug().Err(err).Str("client", c.ID).Msg("ignoring malformed frame")
				continue
			}
			c.metrics.IncrementMessagesReceived()
			handler.HandleFrame(ctx, c, frame)
		case <-errChan:
			return
		}
	}
}

func (c *Client) readPump(readChan chan<- []byte, errChan chan<- error) {
	defer close(errChan)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.metrics.RecordError("websocket_read")
			}
			errChan <- err
			return
		}
		select {
		case readChan <- message:
		default:
			c.metrics.RecordError("read_channel_full")
		}
	}
}

func parseFrame(message []byte) (wire.Frame, error) {
	var frame wire.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		return wire.Frame{}, &apperrors.ProtocolError{Reason: err.Error()}
	}
	if frame.Type == "" {
		return wire.Frame{}, &apperrors.ProtocolError{Reason: "missing type"}
	}
	return frame, nil
}
