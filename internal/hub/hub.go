// Package hub fans session state changes out to subscribed websocket
// connections, grouped by account.
package hub

import (
	"encoding/json"
	"sync"

	"wa_gateway/internal/whatsapp"
)

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one subscriber. Admin connections receive every change.
type Connection struct {
	AccountID uint
	Admin     bool
	Writer    Writer
}

type Hub struct {
	mu          sync.RWMutex
	connections map[uint]map[*Connection]struct{}
	admins      map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{
		connections: make(map[uint]map[*Connection]struct{}),
		admins:      make(map[*Connection]struct{}),
	}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.Admin {
		h.admins[conn] = struct{}{}
		return
	}
	if h.connections[conn.AccountID] == nil {
		h.connections[conn.AccountID] = make(map[*Connection]struct{})
	}
	h.connections[conn.AccountID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.admins, conn)
	set := h.connections[conn.AccountID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.connections, conn.AccountID)
	}
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.admins)
	for _, set := range h.connections {
		n += len(set)
	}
	return n
}

// Publish sends a state change to the owner's connections and to every
// admin. Changes of unowned sessions only reach admins.
func (h *Hub) Publish(change whatsapp.StateChange) {
	msg, err := json.Marshal(change)
	if err != nil {
		return
	}

	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.admins))
	for c := range h.admins {
		conns = append(conns, c)
	}
	if change.AccountID != nil {
		for c := range h.connections[*change.AccountID] {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(msg); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}
