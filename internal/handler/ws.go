package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AashishAdhikari27/go-chat-app/internal/chat"
	"github.com/AashishAdhikari27/go-chat-app/internal/db"
	"github.com/AashishAdhikari27/go-chat-app/internal/models"
	"github.com/AashishAdhikari27/go-chat-app/internal/token"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16384
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

var allowedOrigins []string

// SetAllowedOrigins restricts WebSocket upgrades to the given origins.
// With no origins configured the check is skipped: the stream is
// already gated on a bearer token, which browsers cannot attach
// ambiently.
func SetAllowedOrigins(origins []string) {
	allowedOrigins = make([]string, len(origins))
	for i, o := range origins {
		allowedOrigins[i] = strings.TrimSpace(o)
	}
}

func checkOrigin(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	for _, allowed := range allowedOrigins {
		if strings.EqualFold(allowed, normalized) {
			return true
		}
	}
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	originURL, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		return "", false
	}
	if (originURL.Path != "" && originURL.Path != "/") || originURL.RawQuery != "" || originURL.Fragment != "" || originURL.User != nil {
		return "", false
	}
	return strings.ToLower(originURL.Scheme) + "://" + strings.ToLower(originURL.Host), true
}

// wsClient is the connection handle for one live stream: the WebSocket
// plus the user authenticated on it. It implements chat.Handle.
//
// gorilla/websocket allows one concurrent writer per connection, so
// every write (delivery, error frame, ping, close frame) goes through
// writeMu. Deliberately no buffered send queue: the broadcast engine
// needs the write error from each member to detect dead connections
// during fan-out.
type wsClient struct {
	ConnID   string
	Conn     *websocket.Conn
	User     *models.User
	writeMu  sync.Mutex
	closeOne sync.Once
}

func (c *wsClient) Deliver(msg models.WireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(msg)
}

func (c *wsClient) deliverError(message, code string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteJSON(models.ErrorResponse{Error: message, Code: code})
}

func (c *wsClient) Close() {
	c.closeOne.Do(func() {
		c.Conn.Close()
	})
}

func (c *wsClient) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	deadline := time.Now().Add(writeWait)
	_ = c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()
	c.Close()
}

func (c *wsClient) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}

type inboundFrame struct {
	Text string `json:"text"`
}

type WSHandler struct {
	DB       *db.Database
	Tokens   *token.Manager
	Registry *chat.Registry
	Broker   *chat.Broker
}

func NewWSHandler(database *db.Database, tokens *token.Manager) *WSHandler {
	registry := chat.NewRegistry()
	return &WSHandler{
		DB:       database,
		Tokens:   tokens,
		Registry: registry,
		Broker:   chat.NewBroker(database, registry),
	}
}

// HandleRoom runs one connection's full lifecycle: authenticate the
// token from the query string, resolve the user, join the room, replay
// recent history, then stream inbound frames until the peer goes away.
// Teardown always leaves the room exactly once.
func (h *WSHandler) HandleRoom(w http.ResponseWriter, r *http.Request) {
	roomID, roomErr := strconv.ParseInt(r.PathValue("id"), 10, 64)
	rawToken := r.URL.Query().Get("token")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade error", "error", err)
		return
	}

	client := &wsClient{
		ConnID: uuid.New().String(),
		Conn:   conn,
	}

	if roomErr != nil {
		client.closeWithCode(websocket.ClosePolicyViolation, "invalid room id")
		return
	}

	claims, err := h.Tokens.Verify(rawToken)
	if err != nil {
		slog.Warn("WebSocket authentication failed", "conn_id", client.ConnID, "room_id", roomID, "error", err)
		client.closeWithCode(websocket.ClosePolicyViolation, "invalid token")
		return
	}

	// An identity the token vouches for but the store no longer knows
	// is a bad credential, not a server error.
	user, err := h.DB.GetUserByUsername(claims.Username())
	if err != nil {
		slog.Warn("WebSocket user lookup failed", "conn_id", client.ConnID, "username", claims.Username(), "error", err)
		client.closeWithCode(websocket.ClosePolicyViolation, "unknown user")
		return
	}
	client.User = user

	if _, err := h.DB.GetRoomByID(roomID); err != nil {
		slog.Warn("WebSocket connect to unknown room", "conn_id", client.ConnID, "room_id", roomID)
		client.closeWithCode(websocket.ClosePolicyViolation, "unknown room")
		return
	}

	// Join before backfill: anything published between the history read
	// and the first live delivery still reaches this connection.
	h.Registry.Join(roomID, client)
	defer func() {
		h.Registry.Leave(roomID, client)
		client.Close()
		slog.Info("WebSocket disconnected", "conn_id", client.ConnID, "room_id", roomID, "username", user.Username)
	}()

	slog.Info("WebSocket connected", "conn_id", client.ConnID, "room_id", roomID, "username", user.Username)

	if !h.backfill(client, roomID) {
		return
	}

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(client, done)

	h.readLoop(client, roomID)
}

func (h *WSHandler) backfill(client *wsClient, roomID int64) bool {
	history, err := h.Broker.Recent(roomID, chat.BackfillLimit)
	if err != nil {
		slog.Error("Backfill read failed", "conn_id", client.ConnID, "room_id", roomID, "error", err)
		client.closeWithCode(websocket.CloseInternalServerErr, "history unavailable")
		return false
	}
	for _, msg := range history {
		if err := client.Deliver(msg); err != nil {
			return false
		}
	}
	return true
}

func (h *WSHandler) pingLoop(client *wsClient, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.ping(); err != nil {
				client.Close()
				return
			}
		}
	}
}

// readLoop is the streaming state: each inbound frame either becomes a
// published message or is rejected locally. Read errors of any kind,
// including peer disconnect, end the loop and trigger teardown.
func (h *WSHandler) readLoop(client *wsClient, roomID int64) {
	client.Conn.SetReadLimit(maxMessageSize)
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			// Malformed frames are dropped without a reply; the
			// connection stays usable.
			slog.Debug("Dropping malformed frame", "conn_id", client.ConnID, "room_id", roomID)
			continue
		}

		if err := h.Broker.Publish(roomID, client.User, frame.Text); err != nil {
			if errors.Is(err, chat.ErrEmptyMessage) {
				if client.deliverError("Message text must not be empty", "EMPTY_MESSAGE") != nil {
					return
				}
				continue
			}
			// Storage failure: the message was accepted but not
			// persisted. Closing is the honest outcome; silently
			// dropping it is not.
			slog.Error("Publish failed", "conn_id", client.ConnID, "room_id", roomID, "error", err)
			client.closeWithCode(websocket.CloseInternalServerErr, "message not persisted")
			return
		}
	}
}
