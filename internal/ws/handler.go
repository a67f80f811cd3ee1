// Package ws implements the WebSocket Fan-out (spec component F):
// connection admission, per-client send goroutines, inbound dispatch to
// the Sync Protocol Engine, server-initiated heartbeats, and debounced
// viewer-count broadcasts.
package ws

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"bken/server/internal/core"
	"bken/server/internal/protocol"
	"bken/server/internal/ratelimit"
)

const (
	admissionDeniedCode   = 4003
	admissionDeniedReason = "Room full or bandwidth limit exceeded"
	sendQueueSize         = 32
	sendTimeout           = 2 * time.Second
)

// Handler upgrades and services /ws connections.
type Handler struct {
	registry  *core.Registry
	admission ratelimit.Admission
	logger    *slog.Logger

	heartbeatInterval time.Duration
	viewerDebounce    time.Duration

	upgrader websocket.Upgrader

	mu           sync.Mutex
	viewerTimers map[string]*time.Timer
}

// NewHandler builds a Handler. cors mirrors the allow-list used
// elsewhere; an empty list is permissive, matching §4.H.
func NewHandler(registry *core.Registry, admission ratelimit.Admission, heartbeatInterval, viewerDebounce time.Duration, cors ratelimit.CORS, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:          registry,
		admission:         admission,
		logger:            logger,
		heartbeatInterval: heartbeatInterval,
		viewerDebounce:    viewerDebounce,
		viewerTimers:      make(map[string]*time.Timer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return cors.Allowed(r.Header.Get("Origin"))
			},
		},
	}
}

// wsConn adapts a *websocket.Conn to core.Sender. Writes are funneled
// through a single goroutine draining `send`, since gorilla/websocket
// forbids concurrent writers.
type wsConn struct {
	conn      *websocket.Conn
	send      chan protocol.Message
	closeCh   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	lastPong time.Time
}

func (w *wsConn) Send(msg protocol.Message) error {
	select {
	case w.send <- msg:
		return nil
	case <-time.After(sendTimeout):
		return errors.New("send timeout")
	case <-w.closeCh:
		return errors.New("connection closed")
	}
}

func (w *wsConn) Close(code int, reason string) {
	w.closeOnce.Do(func() {
		close(w.closeCh)
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		_ = w.conn.Close()
	})
}

func (w *wsConn) writeLoop() {
	for {
		select {
		case msg, ok := <-w.send:
			if !ok {
				return
			}
			if err := w.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-w.closeCh:
			return
		}
	}
}

// Serve handles one /ws upgrade and the connection's full lifecycle.
func (h *Handler) Serve(c echo.Context) error {
	req := c.Request()
	roomID := c.QueryParam("room")
	clientID := c.QueryParam("clientId")
	token := c.QueryParam("token")

	room, ok := h.registry.Get(roomID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	if room.Discord != nil {
		if token == "" {
			return echo.NewHTTPError(http.StatusForbidden, "token required")
		}
		if _, valid := room.ValidateToken(token); !valid {
			return echo.NewHTTPError(http.StatusForbidden, "invalid token")
		}
	}

	conn, err := h.upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "room_id", roomID, "err", err)
		return nil
	}

	wc := &wsConn{conn: conn, send: make(chan protocol.Message, sendQueueSize), closeCh: make(chan struct{}), lastPong: time.Now()}
	go wc.writeLoop()

	estimate := h.estimateBitrate(room)
	if !h.admission.CanAdmit(room.ClientCount(), estimate) {
		wc.Close(admissionDeniedCode, admissionDeniedReason)
		return nil
	}

	client := &core.Client{ID: clientID, Token: token, RemoteIP: req.RemoteAddr, ConnectedAt: time.Now(), Sender: wc}
	if err := room.AttachClient(client); err != nil {
		wc.Close(admissionDeniedCode, err.Error())
		return nil
	}
	h.logger.Info("client connected", "room_id", roomID, "client_id", clientID)

	h.sendInitialFrames(room, client, token)
	h.scheduleViewerBroadcast(room)

	conn.SetPongHandler(func(string) error {
		wc.mu.Lock()
		wc.lastPong = time.Now()
		wc.mu.Unlock()
		return nil
	})

	hbDone := make(chan struct{})
	go h.heartbeatLoop(wc, hbDone)

	defer func() {
		close(hbDone)
		room.DetachClient(clientID)
		wc.Close(websocket.CloseNormalClosure, "")
		h.scheduleViewerBroadcast(room)
		h.logger.Info("client disconnected", "room_id", roomID, "client_id", clientID)
	}()

	for {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return nil
		}
		h.dispatch(room, client, token, msg)
	}
}

func (h *Handler) estimateBitrate(room *core.Room) float64 {
	state := room.StateSnapshot()
	if state.VideoPath == "" {
		return h.admission.EstimateBitrateMbps(0, false)
	}
	info, err := os.Stat(state.VideoPath)
	if err != nil {
		return h.admission.EstimateBitrateMbps(0, false)
	}
	return h.admission.EstimateBitrateMbps(info.Size(), true)
}

func (h *Handler) sendInitialFrames(room *core.Room, client *core.Client, token string) {
	now := time.Now()
	frame := room.CurrentSyncFrame(now)
	isHost := token != "" && room.IsHostByToken(token)
	_ = client.Sender.Send(protocol.Message{
		Type:        protocol.TypeSync,
		CurrentTime: frame.CurrentTime,
		IsPlaying:   frame.IsPlaying,
		ServerTime:  frame.ServerTime,
		IsHost:      &isHost,
	})

	state := room.StateSnapshot()
	if isHost {
		if state.IsUploading {
			_ = client.Sender.Send(protocol.Message{Type: protocol.TypeUploadProgress, Progress: state.UploadProgress})
		}
		if state.IsProcessing {
			_ = client.Sender.Send(protocol.Message{Type: protocol.TypeProcessingProgress, Text: state.ProcessingMessage})
		}
	}

	proj := room.Project()
	_ = client.Sender.Send(projectionToMessage(proj))
}

func projectionToMessage(p core.Projection) protocol.Message {
	ratings := make([]protocol.RatingView, 0, len(p.Ratings))
	for _, r := range p.Ratings {
		ratings = append(ratings, protocol.RatingView{ExternalID: r.ExternalID, Value: r.Value})
	}
	return protocol.Message{
		Type:        protocol.TypeSessionStatus,
		Status:      string(p.Status),
		ViewerCount: p.ViewerCount,
		Viewers:     p.Viewers,
		Ratings:     ratings,
		Average:     p.Average,
		AllRated:    p.AllRated,
		MovieInfo:   p.MovieInfo,
		MovieName:   p.MovieName,
	}
}

// dispatch handles one inbound frame. Unknown types and invalid
// payloads are dropped, never crashing the room (§9 design note).
func (h *Handler) dispatch(room *core.Room, client *core.Client, token string, msg protocol.Message) {
	now := time.Now()
	switch msg.Type {
	case protocol.TypePing:
		_ = client.Sender.Send(protocol.Message{Type: protocol.TypePong, Timestamp: msg.Timestamp, ServerTime: now.UnixMilli()})

	case protocol.TypePlay, protocol.TypePause, protocol.TypeSeek:
		frame, transitioned, err := room.ApplyHostCommand(token, msg.Type, msg.CurrentTime, msg.Seq, now)
		if err != nil {
			return // forbidden command (not host, or session ended): silently dropped per §9
		}
		// A stale seq leaves the room unchanged; its frame carries the
		// current playhead and is broadcast like an accepted one.
		room.Broadcast(protocol.Message{
			Type:        protocol.TypeSync,
			CurrentTime: frame.CurrentTime,
			IsPlaying:   frame.IsPlaying,
			ServerTime:  frame.ServerTime,
		})
		if transitioned {
			room.Broadcast(projectionToMessage(room.Project()))
		}

	case protocol.TypeState:
		frame := room.CurrentSyncFrame(now)
		_ = client.Sender.Send(protocol.Message{
			Type:        protocol.TypeSync,
			CurrentTime: frame.CurrentTime,
			IsPlaying:   frame.IsPlaying,
			ServerTime:  frame.ServerTime,
		})

	case protocol.TypeHostHeartbeat:
		if token != "" && room.IsHostByToken(token) {
			room.RecordHostHeartbeat(now)
		}

	case protocol.TypeUpdateMetrics:
		// The reported ping is not stored: nothing updates
		// Member.LastPingMs, so viewers{} entries do not reflect it.

	case protocol.TypeRequestStatus:
		_ = client.Sender.Send(projectionToMessage(room.Project()))
	}
}

// heartbeatLoop sends a WS ping every interval; a socket that has not
// pong'd since the previous round is terminated (§4.F, §5).
func (h *Handler) heartbeatLoop(wc *wsConn, done chan struct{}) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()
	var lastPing time.Time
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			wc.mu.Lock()
			stale := !lastPing.IsZero() && wc.lastPong.Before(lastPing)
			wc.mu.Unlock()
			if stale {
				wc.Close(websocket.CloseNormalClosure, "heartbeat timeout")
				return
			}
			lastPing = time.Now()
			if err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// scheduleViewerBroadcast debounces the viewers{} broadcast per room at
// h.viewerDebounce, per §4.F.
func (h *Handler) scheduleViewerBroadcast(room *core.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, pending := h.viewerTimers[room.ID]; pending {
		return
	}
	h.viewerTimers[room.ID] = time.AfterFunc(h.viewerDebounce, func() {
		h.mu.Lock()
		delete(h.viewerTimers, room.ID)
		h.mu.Unlock()

		proj := room.Project()
		room.Broadcast(protocol.Message{
			Type:    protocol.TypeViewers,
			Count:   proj.ViewerCount,
			Viewers: proj.Viewers,
		})
	})
}
