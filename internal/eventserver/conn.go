package eventserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/agentstation/eventhub/internal/socketio"
	"github.com/agentstation/eventhub/pkg/constants"
	"github.com/agentstation/eventhub/pkg/event"
)

// conn is one client socket.
type conn struct {
	id     string
	sid    string
	srv    *Server
	ws     *websocket.Conn
	logger zerolog.Logger
	send   chan []byte
	done   chan struct{}
	once   sync.Once

	// subs maps subscriber id to subscription. Guarded by srv.mu; nil once
	// the connection is removed.
	subs map[string]event.Subscription
}

func newConn(srv *Server, sid string, ws *websocket.Conn) *conn {
	id := ulid.Make().String()
	return &conn{
		id:     id,
		sid:    sid,
		srv:    srv,
		ws:     ws,
		logger: srv.logger.With().Str("conn_id", id).Logger(),
		send:   make(chan []byte, constants.SendBufferSize),
		done:   make(chan struct{}),
		subs:   make(map[string]event.Subscription),
	}
}

// wants reports whether ev should be written to c. Must hold srv.mu.
func (c *conn) wants(topic, targetID string, targeted bool) bool {
	if targeted {
		sub, ok := c.subs[targetID]
		return ok && sub.Matches(topic)
	}
	for _, sub := range c.subs {
		if sub.Matches(topic) {
			return true
		}
	}
	return false
}

// enqueue queues frame without blocking. A client that cannot keep up is
// disconnected.
func (c *conn) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.logger.Warn().Msg("Send buffer full, disconnecting client")
		c.close()
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// readPump reads frames until the socket fails or goes quiet for longer
// than the close timeout.
func (c *conn) readPump() {
	defer func() {
		c.srv.removeConn(c)
		c.close()
	}()

	c.ws.SetReadLimit(constants.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.CloseTimeout))

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.CloseTimeout))
		c.srv.handleFrame(c, msg)
	}
}

// writePump writes the connect packet, queued frames and periodic heartbeats.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.srv.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	heartbeat, _ := socketio.Encode(socketio.HeartbeatPacket())
	connect, _ := socketio.Encode(socketio.Packet{Type: socketio.Connect})
	if !c.write(connect) {
		return
	}

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if !c.write(frame) {
				return
			}
		case <-ticker.C:
			if !c.write(heartbeat) {
				return
			}
		}
	}
}

func (c *conn) write(frame []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(constants.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.logger.Debug().Err(err).Msg("WebSocket write failed")
		return false
	}
	return true
}
