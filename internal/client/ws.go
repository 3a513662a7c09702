package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/alfredjeanlab/huddle/internal/model"
)

// wsFrame is anything the server sends on the websocket: a change event, or
// an error reply to a rejected upstream message.
type wsFrame struct {
	model.ChangeEvent
	Type  string `json:"type,omitempty"`
	Error string `json:"error,omitempty"`
}

// WSStream is a change stream over the document websocket.
type WSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Subscribe dials the document websocket.
func (c *HTTPClient) Subscribe(ctx context.Context, documentID string) (Stream, error) {
	return c.DialStream(ctx, documentID)
}

// DialStream is Subscribe returning the concrete stream, which can also
// send heartbeats upstream.
func (c *HTTPClient) DialStream(ctx context.Context, documentID string) (*WSStream, error) {
	u := c.baseURL + documentPath(documentID, "ws")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	header := http.Header{}
	c.setAuth(header)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "websocket upgrade refused"}
		}
		return nil, &model.TransportError{Op: "websocket dial", Err: err}
	}
	return &WSStream{conn: conn}, nil
}

// Recv blocks for the next change event. Error replies from the server are
// logged and skipped.
func (s *WSStream) Recv() (*model.ChangeEvent, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, &model.TransportError{Op: "websocket read", Err: err}
		}
		var f wsFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decoding frame: %w", err)
		}
		if f.Type == "error" {
			slog.Warn("ws: server rejected message", "error", f.Error)
			continue
		}
		ev := f.ChangeEvent
		return &ev, nil
	}
}

// Heartbeat sends a presence heartbeat upstream over the socket.
func (s *WSStream) Heartbeat(req *HeartbeatRequest) error {
	msg := struct {
		Type string `json:"type"`
		*HeartbeatRequest
	}{Type: "heartbeat", HeartbeatRequest: req}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		return &model.TransportError{Op: "websocket write", Err: err}
	}
	return nil
}

// Close closes the socket, unblocking any pending Recv.
func (s *WSStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
