package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatbridge/internal/protocol"
)

const writeTimeout = 10 * time.Second

// clientConn serializes writes to one websocket connection. gorilla permits
// a single concurrent writer, and several in-flight requests may emit at
// once.
type clientConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// Emit implements orchestrator.Emitter.
func (c *clientConn) Emit(event protocol.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(event)
}

func (c *clientConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
}
