package gateway

import (
	"encoding/json"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/ratehub/cmd/gateway/internal/protocol"
)

const (
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// ClientAdapter binds one websocket connection to the hub
type ClientAdapter struct {
	conn       net.Conn
	hub        *hub.Hub
	logger     *zap.Logger
	validRates hub.RateSet

	mu     sync.Mutex // guards send against writes after Close
	send   chan []byte
	closed bool

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewClient(conn net.Conn, h *hub.Hub, logger *zap.Logger, validRates hub.RateSet) *ClientAdapter {
	return &ClientAdapter{
		conn:       conn,
		hub:        h,
		logger:     logger,
		validRates: validRates,
		send:       make(chan []byte, sendBuffer),
		writeWait:  5 * time.Second,
		pongWait:   60 * time.Second,
		pingPeriod: 50 * time.Second,
	}
}

func (c *ClientAdapter) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *ClientAdapter) ID() string { return c.conn.RemoteAddr().String() }

// Close stops the write pump, which then closes the connection
func (c *ClientAdapter) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *ClientAdapter) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to encode response", zap.Error(err))
		return
	}
	c.enqueue(b)
}

func (c *ClientAdapter) SendBytes(b []byte) {
	c.enqueue(b)
}

func (c *ClientAdapter) enqueue(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- b:
	default:
		// slow client: drop rather than stall the broadcast
		c.logger.Debug("Dropping message for slow client", zap.String("client", c.ID()))
	}
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			return
		}

		if header.Length > int64(maxMessageSize) {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			return
		}
		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			return
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}
		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpPong:
			c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		case ws.OpText:
			c.handleText(payload)
		}
	}
}

func (c *ClientAdapter) handleText(payload []byte) {
	var req protocol.WSRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.SendJSON(protocol.WSResponse{Type: "error", Message: "Invalid JSON"})
		return
	}

	c.hub.HandleCommand(c, req, c.validRates)
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if !ok {
				c.conn.Write(ws.CompiledClose)
				return
			}
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}
