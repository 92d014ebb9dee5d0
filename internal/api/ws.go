package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/opensource-finance/fraudscope/internal/alert"
	"github.com/opensource-finance/fraudscope/internal/domain"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser dashboards connect cross-origin; access control is handled
	// upstream of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSubscriber adapts one websocket connection to the broadcaster's
// Subscriber interface. Records are handed to a buffered channel and
// written by a single pump goroutine; a full buffer makes Send fail via
// the bounded context, which the broadcaster treats as a slow subscriber.
type wsSubscriber struct {
	id   string
	conn *websocket.Conn
	send chan *domain.ScoredRecord
	done chan struct{}
}

func (s *wsSubscriber) ID() string { return s.id }

func (s *wsSubscriber) Send(ctx context.Context, rec *domain.ScoredRecord) error {
	select {
	case s.send <- rec:
		return nil
	case <-s.done:
		return domain.ErrSubscriber
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *wsSubscriber) pump(broadcaster *alert.Broadcaster) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		close(s.done)
		s.conn.Close()
		broadcaster.Unsubscribe(s.id)
	}()

	for {
		select {
		case rec := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(rec); err != nil {
				slog.Debug("websocket write failed", "subscriber", s.id, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// AlertsWebsocket upgrades the connection and registers it as an alert
// subscriber. The read loop only drains control frames; alerts flow one
// way, server to client.
func (h *Handler) AlertsWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &wsSubscriber{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan *domain.ScoredRecord, wsSendBuffer),
		done: make(chan struct{}),
	}

	h.broadcaster.Subscribe(sub)
	slog.Info("alert subscriber connected", "subscriber", sub.id)

	go sub.pump(h.broadcaster)

	// Reader goroutine: detects client disconnect.
	go func() {
		defer conn.Close()
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
