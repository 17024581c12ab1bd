package storybridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"
)

// ControlPath is where the edge accepts control connections.
const ControlPath = "/__edge/control"

// Control message kinds. Messages carry no payload beyond the kind.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageUpdateCache = "UPDATE_CACHE"
)

type ControlMessage struct {
	Type string `json:"type"`
}

// ControlReply acknowledges one control message.
type ControlReply struct {
	Type   string     `json:"type"`
	OK     bool       `json:"ok"`
	Error  string     `json:"error,omitempty"`
	Status EdgeStatus `json:"status"`
}

// ============================================================================
// Server side
// ============================================================================

// ControlHandler upgrades to a WebSocket and applies every message it
// receives to e, answering each with a ControlReply.
func ControlHandler(e *Edge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			e.logger.Warn("control_accept_failed", "error", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if websocket.CloseStatus(err) == -1 {
					e.logger.Debug("control_read_failed", "error", err)
				}
				return
			}

			var msg ControlMessage
			reply := ControlReply{OK: true}
			if err := json.Unmarshal(data, &msg); err != nil {
				reply.OK = false
				reply.Error = "malformed control message"
			} else {
				reply.Type = msg.Type
				if err := e.HandleMessage(ctx, msg); err != nil {
					reply.OK = false
					reply.Error = err.Error()
				}
				e.logger.Info("control_message", "type", msg.Type, "ok", reply.OK)
			}
			reply.Status = e.Status(ctx)

			out, err := json.Marshal(reply)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
				e.logger.Debug("control_write_failed", "error", err)
				return
			}
		}
	})
}

// ============================================================================
// Client side
// ============================================================================

// ControlClient posts control messages to a running edge.
type ControlClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialControl connects to the edge served at baseURL.
func DialControl(ctx context.Context, baseURL string) (*ControlClient, error) {
	wsURL := strings.Replace(strings.TrimRight(baseURL, "/"), "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += ControlPath

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	return &ControlClient{conn: conn}, nil
}

// Send posts a message and waits for its reply. A rejected message returns
// the reply together with an error.
func (c *ControlClient) Send(ctx context.Context, msgType string) (*ControlReply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(ControlMessage{Type: msgType})
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("send %s: %w", msgType, err)
	}
	_, raw, err := c.conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	var reply ControlReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if !reply.OK {
		return &reply, fmt.Errorf("control %s rejected: %s", msgType, reply.Error)
	}
	return &reply, nil
}

func (c *ControlClient) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
