package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Conn is a live host bus connection over WebSocket. Notifications are
// marshaled as JSON envelopes {subject, payload}; inbound text messages
// are decoded as commands and handed to the registered handler.
type Conn struct {
	ws      *websocket.Conn
	handler CommandHandler

	outbox chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

type envelope struct {
	Subject string `json:"subject"`
	Payload Event  `json:"payload"`
}

// Dial connects to the host bus and starts the read and write pumps.
// Commands arriving on the socket are dispatched to handler, each on its
// own goroutine so a slow command never stalls the read pump.
func Dial(ctx context.Context, url string, handler CommandHandler) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial host bus: %w", err)
	}

	c := &Conn{
		ws:      ws,
		handler: handler,
		outbox:  make(chan []byte, 256),
		done:    make(chan struct{}),
	}

	go c.readPump()
	go c.writePump()

	slog.Info("[Bus] Connected", "url", url)
	return c, nil
}

// Publish sends a notification to the host.
func (c *Conn) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(envelope{Subject: event.Subject(), Payload: event})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	select {
	case c.outbox <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("bus connection closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection down. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readPump() {
	defer c.Close()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[Bus] Read error", "error", err)
			}
			return
		}

		cmd, err := DecodeCommand(data)
		if err != nil {
			slog.Warn("[Bus] Dropping malformed command", "error", err)
			continue
		}

		slog.Debug("[Bus] Command received",
			"type", string(cmd.Type),
			"session_id", cmd.SessionID,
		)
		if c.handler != nil {
			go c.handler.HandleCommand(cmd)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.outbox:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("[Bus] Write error", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
