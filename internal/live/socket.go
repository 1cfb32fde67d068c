package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadTimeout  = 60 * time.Second
	defaultPingInterval = 25 * time.Second
	maxFrameBytes       = 64 * 1024
)

// SocketConfig tunes the websocket endpoint.
type SocketConfig struct {
	Hub          *Hub
	Logger       *zap.Logger
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// CheckOrigin overrides the origin check; nil accepts every origin.
	CheckOrigin func(r *http.Request) bool
}

// SocketServer upgrades HTTP requests into live channel connections.
type SocketServer struct {
	hub          *Hub
	logger       *zap.Logger
	writeTimeout time.Duration
	readTimeout  time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

type inboundFrame struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewSocketServer applies defaults to the configuration.
func NewSocketServer(cfg SocketConfig) (*SocketServer, error) {
	if cfg.Hub == nil {
		return nil, errors.New("live: hub is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	server := &SocketServer{
		hub:          cfg.Hub,
		logger:       logger,
		writeTimeout: durationOrDefault(cfg.WriteTimeout, defaultWriteTimeout),
		readTimeout:  durationOrDefault(cfg.ReadTimeout, defaultReadTimeout),
		pingInterval: durationOrDefault(cfg.PingInterval, defaultPingInterval),
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return server, nil
}

// Serve upgrades the request and relays frames until either side closes. The
// sender identity of inbound frames is always the authenticated userID.
func (s *SocketServer) Serve(writer http.ResponseWriter, request *http.Request, workbookID, userID string) error {
	ws, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(request.Context())
	defer cancel()

	subscription := s.hub.Subscribe(ctx, workbookID)
	defer subscription.Cancel()

	s.hub.PublishFrom(subscription.ID, Message{Kind: KindPresence, WorkbookID: workbookID, UserID: userID,
		Payload: json.RawMessage(`{"state":"joined"}`)})
	defer s.hub.PublishFrom(subscription.ID, Message{Kind: KindPresence, WorkbookID: workbookID, UserID: userID,
		Payload: json.RawMessage(`{"state":"left"}`)})

	s.logger.Debug("live connection opened",
		zap.String("workbook_id", workbookID),
		zap.String("user_id", userID))

	go s.writeLoop(ctx, cancel, ws, subscription)
	s.readLoop(ctx, cancel, ws, subscription.ID, workbookID, userID)
	return nil
}

func (s *SocketServer) writeLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, subscription Subscription) {
	defer cancel()
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(s.writeTimeout)
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case message, ok := <-subscription.Stream:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := ws.WriteJSON(message); err != nil {
				s.logger.Debug("live write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *SocketServer) readLoop(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, subscriptionID int64, workbookID, userID string) {
	defer cancel()
	ws.SetReadDeadline(time.Now().Add(s.readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.readTimeout))
	})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("live read ended", zap.Error(err))
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.readTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Kind {
		case KindCursor, KindEdit, KindPresence:
		default:
			// head announcements only come from the server
			continue
		}
		s.hub.PublishFrom(subscriptionID, Message{
			Kind:       frame.Kind,
			WorkbookID: workbookID,
			UserID:     userID,
			Payload:    frame.Payload,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
