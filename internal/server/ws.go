package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/huddle/internal/model"
	"github.com/alfredjeanlab/huddle/internal/presence"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browsers connect from the document editor's origin; identity is
	// checked per request, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Inbound websocket message types.
const (
	wsHeartbeat = "heartbeat"
	wsLeave     = "leave"
)

// wsInbound is a message sent by a websocket client.
type wsInbound struct {
	Type       string             `json:"type"`
	Activity   model.ActivityType `json:"activityType"`
	SlideIndex *int               `json:"slideIndex"`
	Cursor     *model.Point       `json:"cursor"`
}

// wsError is sent back when an inbound message is rejected.
type wsError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// wsConn is one websocket viewer of one document.
type wsConn struct {
	s          *Server
	conn       *websocket.Conn
	documentID string
	who        model.Identity
	send       chan []byte
}

// handleWebSocket handles GET /documents/{id}/ws. Change events for the
// document are pushed as JSON text frames; clients may send heartbeat and
// leave messages upstream.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	c := &wsConn{
		s:          s,
		documentID: r.PathValue("id"),
		who:        IdentityFrom(r.Context()),
		send:       make(chan []byte, 16),
	}

	// Subscribe before upgrading: once the client's dial returns, every
	// event published afterwards reaches it.
	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.bus.Subscribe(c.documentID, func(ev *model.ChangeEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		select {
		case c.send <- data:
		case <-ctx.Done():
		}
	})
	if err != nil {
		cancel()
		writeDomainError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		sub.Close()
		slog.Warn("ws: upgrade failed", "error", err)
		return
	}
	c.conn = conn

	slog.Info("ws: connected", "document", c.documentID, "user", c.who.UserID)
	go c.writePump(ctx, sub.Done())
	c.readPump(ctx)

	cancel()
	sub.Close()
	slog.Info("ws: disconnected", "document", c.documentID, "user", c.who.UserID)
}

// readPump processes client messages until the connection fails.
func (c *wsConn) readPump(ctx context.Context) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("ws: read failed", "document", c.documentID, "error", err)
			}
			return
		}

		var in wsInbound
		if err := json.Unmarshal(message, &in); err != nil {
			c.reply(ctx, "invalid message: "+err.Error())
			continue
		}
		switch in.Type {
		case wsHeartbeat:
			_, err = c.s.heartbeat(ctx, c.who, presence.Update{
				DocumentID: c.documentID,
				Activity:   in.Activity,
				SlideIndex: in.SlideIndex,
				Cursor:     in.Cursor,
			})
		case wsLeave:
			err = c.s.leave(ctx, c.documentID, c.who)
		default:
			c.reply(ctx, "unknown message type "+in.Type)
			continue
		}
		if err != nil {
			c.reply(ctx, err.Error())
		}
	}
}

func (c *wsConn) reply(ctx context.Context, msg string) {
	data, _ := json.Marshal(wsError{Type: "error", Error: msg})
	select {
	case c.send <- data:
	case <-ctx.Done():
	}
}

// writePump pumps events to the websocket connection and keeps it alive
// with pings. It closes the connection when the subscription is dropped.
func (c *wsConn) writePump(ctx context.Context, dropped <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-dropped:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscription dropped"))
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
