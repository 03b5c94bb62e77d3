// Package realtime owns the WebSocket side of a live room: one Client per
// connection, a read loop that decodes frames and feeds the coordinator, and a
// write loop that drains the client's send queue.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aura-webinar/liveroom/internal/signaling"
)

const releaseTimeout = 5 * time.Second

var (
	// ErrRoomNotFound and ErrRoomClosed are returned by a RoomGate.
	ErrRoomNotFound = errors.New("realtime: room not found")
	ErrRoomClosed   = errors.New("realtime: room is not accepting connections")
)

// Admission describes the room a connection is admitted into.
type Admission struct {
	ChatEnabled bool
}

// RoomGate decides whether a room accepts new connections.
type RoomGate interface {
	Joinable(ctx context.Context, roomID uuid.UUID) (Admission, error)
}

// TokenValidator resolves a token to an identity.
type TokenValidator func(token string) (userID, role string, err error)

// Options tunes connection handling.
type Options struct {
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
	WriteWait        time.Duration
	ReadLimit        int64
	SendBuffer       int

	// Inbound chat and signal frames allowed per second, with burst.
	RatePerSecond float64
	Burst         int

	ICEServers []webrtc.ICEServer
	Metrics    *signaling.Metrics
	// CheckOrigin overrides the upgrader origin check; nil allows all origins.
	CheckOrigin func(r *http.Request) bool
}

func (o Options) withDefaults() Options {
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.HeartbeatTimeout {
		o.PingInterval = o.HeartbeatTimeout * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 65536
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 50
	}
	if o.Burst <= 0 {
		o.Burst = 100
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return o
}

// Client is one WebSocket connection bound to a room.
type Client struct {
	handle signaling.HandleID
	roomID string
	userID string
	role   string
	chat   bool

	conn    *websocket.Conn
	coord   *signaling.Coordinator
	limiter *rate.Limiter
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	closed bool
	send   chan []byte

	releaseOnce sync.Once
}

// ID implements signaling.Conn.
func (c *Client) ID() signaling.HandleID { return c.handle }

// TrySend implements signaling.Conn. It never blocks.
func (c *Client) TrySend(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return signaling.ErrConnClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return signaling.ErrBackpressure
	}
}

// Close implements signaling.Conn. Frames already queued are still written
// before the close frame.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeWs handles GET /ws/live/:roomId?token=... Room and token are checked
// before the upgrade so failures get a plain HTTP status.
func ServeWs(coord *signaling.Coordinator, gate RoomGate, validate TokenValidator, opts Options, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     opts.CheckOrigin,
	}
	return func(c *gin.Context) {
		roomID, err := uuid.Parse(c.Param("roomId"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
			return
		}
		token := c.Query("token")
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
			return
		}
		userID, role, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		admission := Admission{ChatEnabled: true}
		if gate != nil {
			if admission, err = gate.Joinable(c.Request.Context(), roomID); err != nil {
				switch {
				case errors.Is(err, ErrRoomNotFound):
					c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				case errors.Is(err, ErrRoomClosed):
					c.JSON(http.StatusConflict, gin.H{"error": "room is not live"})
				default:
					logger.Error("room gate", zap.String("room_id", roomID.String()), zap.Error(err))
					c.JSON(http.StatusServiceUnavailable, gin.H{"error": "room unavailable"})
				}
				return
			}
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			handle:  signaling.HandleID(uuid.New().String()),
			roomID:  roomID.String(),
			userID:  userID,
			role:    role,
			chat:    admission.ChatEnabled,
			conn:    conn,
			coord:   coord,
			limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
			opts:    opts,
			send:    make(chan []byte, opts.SendBuffer),
		}
		client.logger = logger.With(
			zap.String("room_id", client.roomID),
			zap.String("user_id", userID),
			zap.String("handle_id", string(client.handle)),
		)
		client.run(meta(c))
	}
}

func meta(c *gin.Context) map[string]string {
	m := map[string]string{"client_ip": c.ClientIP()}
	if ua := c.Request.UserAgent(); ua != "" {
		m["user_agent"] = ua
	}
	return m
}

func (c *Client) run(meta map[string]string) {
	if err := c.coord.Register(c, c.userID, c.role); err != nil {
		c.logger.Error("register connection", zap.Error(err))
		_ = c.conn.Close()
		return
	}
	go c.writePump()

	c.sendEvent(WelcomeEvent{
		Type:              signaling.EventWelcome,
		RoomID:            c.roomID,
		UserID:            c.userID,
		HandleID:          string(c.handle),
		ICEServers:        c.opts.ICEServers,
		HeartbeatInterval: c.opts.PingInterval.Milliseconds(),
		Timestamp:         time.Now().UnixMilli(),
	})

	ctx := context.Background()
	if err := c.coord.Join(ctx, c.roomID, c.userID, c.handle, meta); err != nil {
		code := "join_failed"
		if errors.Is(err, signaling.ErrRoomFull) {
			code = "room_full"
		}
		c.logger.Warn("join rejected", zap.Error(err))
		c.sendEvent(signaling.ErrorEvent{Type: signaling.EventError, Code: code, Message: err.Error(), Timestamp: time.Now().UnixMilli()})
		c.release()
		return
	}
	c.logger.Info("client connected")
	c.readPump(ctx)
}

// release leaves the room, unregisters the handle and closes the send queue.
// Every exit path of the connection goes through it exactly once.
func (c *Client) release() {
	c.releaseOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		c.coord.LeaveConn(ctx, c.roomID, c.userID, c.handle)
		c.coord.CleanupByHandle(ctx, c.handle)
		c.Close()
		c.logger.Info("client released")
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.release()

	c.conn.SetReadLimit(c.opts.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Debug("read loop ended", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		c.handleFrame(ctx, data)
	}
}

func (c *Client) handleFrame(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic handling frame", zap.Any("panic", r))
		}
	}()

	frame, err := DecodeFrame(data)
	if err != nil {
		c.opts.Metrics.IncDropped(signaling.DropMalformed)
		c.logger.Warn("drop frame", zap.Error(err))
		return
	}

	switch f := frame.(type) {
	case HeartbeatFrame:
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.HeartbeatTimeout))
		c.sendEvent(PongEvent{Type: signaling.EventPong, Timestamp: time.Now().UnixMilli()})
		c.coord.Touch(ctx, c.roomID)
	case ChatFrame:
		if !c.chat {
			c.opts.Metrics.IncDropped(signaling.DropChatDisabled)
			return
		}
		if !c.allow() || f.Content == "" {
			return
		}
		c.coord.Broadcast(c.roomID, ChatEvent{
			Type:      signaling.EventChat,
			RoomID:    c.roomID,
			UserID:    c.userID,
			Content:   f.Content,
			Timestamp: time.Now().UnixMilli(),
		}, "")
	case SignalFrame:
		if !c.allow() {
			return
		}
		sig := f.Signal
		sig.FromUserID = c.userID
		sig.RoomID = c.roomID
		if err := c.coord.HandleSignal(ctx, sig); err != nil {
			c.logger.Warn("drop signal", zap.String("type", string(sig.Type)), zap.Error(err))
		}
	}
}

func (c *Client) allow() bool {
	if c.limiter.Allow() {
		return true
	}
	c.opts.Metrics.IncDropped(signaling.DropRateLimited)
	c.logger.Warn("inbound rate limit exceeded, frame dropped")
	return false
}

func (c *Client) sendEvent(v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("encode event", zap.Error(err))
		return
	}
	if err := c.TrySend(raw); err != nil {
		c.logger.Debug("send event", zap.Error(err))
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
