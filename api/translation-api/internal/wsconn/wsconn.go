// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_wsconn

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rapidaai/translation-gateway/pkg/commons"
)

// Conn wraps a downstream WebSocket with serialized writes and optional
// wire-debug logging. gorilla/websocket allows one concurrent writer only,
// and payloads reach a connection from several goroutines (session sender,
// call broadcasts), so every write goes through the write mutex.
type Conn struct {
	logger    commons.Logger
	name      string
	debugWire bool

	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

// New wraps an accepted connection.
func New(logger commons.Logger, conn *websocket.Conn, name string, debugWire bool) *Conn {
	return &Conn{
		logger:    logger,
		name:      name,
		debugWire: debugWire,
		conn:      conn,
	}
}

// Name returns the connection's diagnostic name.
func (c *Conn) Name() string { return c.name }

// SendJSON marshals v and writes it as one text frame.
func (c *Conn) SendJSON(v interface{}) error {
	if c.closed.Load() {
		return fmt.Errorf("connection %s is closed", c.name)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if c.debugWire {
		c.logger.Debugw("ws outbound", "name", c.name, "message", string(data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadMessage reads the next text frame.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if c.debugWire {
		c.logger.Debugw("ws inbound", "name", c.name, "message", string(data))
	}
	return data, nil
}

// CloseWithCode sends a close control frame with the given status code and
// closes the socket. Idempotent.
func (c *Conn) CloseWithCode(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

// Close closes the socket with a normal closure code.
func (c *Conn) Close() error {
	return c.CloseWithCode(websocket.CloseNormalClosure, "")
}

// IsClosed reports whether Close has run.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}
