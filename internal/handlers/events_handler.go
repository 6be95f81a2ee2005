package handlers

import (
	"net/http"
	"sync"
	"time"

	"wa_gateway/internal/hub"
	"wa_gateway/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pongWait   = 60 * time.Second
	writeWait  = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsWriter serialises writes; hub publishes come from many device pumps.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

type EventsHandler struct {
	hub    *hub.Hub
	tokens middleware.TokenVerifier
	log    zerolog.Logger
}

func NewEventsHandler(h *hub.Hub, tokens middleware.TokenVerifier, log zerolog.Logger) *EventsHandler {
	return &EventsHandler{hub: h, tokens: tokens, log: log.With().Str("component", "events").Logger()}
}

// Serve streams session state changes to the token's account. Browsers
// cannot set headers on websocket requests, so the token is a query
// parameter.
func (h *EventsHandler) Serve(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		respondJSON(w, http.StatusUnauthorized, map[string]interface{}{"success": false, "error": "Invalid or expired token"})
		return
	}
	acct, err := middleware.Authenticate(r.Context(), h.tokens, token)
	if err != nil {
		respondError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &hub.Connection{AccountID: acct.ID, Admin: acct.IsAdmin(), Writer: &wsWriter{conn: ws}}
	h.hub.Register(conn)
	h.log.Debug().Uint("account_id", acct.ID).Msg("subscriber connected")
	defer func() {
		h.hub.Unregister(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	// Clients only listen; reads drive pong handling and detect close.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
