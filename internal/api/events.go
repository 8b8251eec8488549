package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the server sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteTimeout bounds a single event write.
	wsWriteTimeout = 10 * time.Second
	// wsEventBuffer is the per-connection event buffer; a dashboard that
	// falls this far behind misses events.
	wsEventBuffer = 64
)

// makeUpgrader builds a WebSocket upgrader that checks Origin against the
// allowed list. Requests without an Origin header (non-browser clients) are
// always allowed.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return allowAll || allowed[origin]
		},
	}
}

// handleEvents streams the creator's events over a WebSocket. Browsers cannot
// set headers on WebSocket requests, so the token may arrive as a query
// parameter instead of a bearer header.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing token")
		return
	}
	identity, err := s.auth.ValidateToken(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	identity, err = s.resolveCreator(r.Context(), identity)
	if err != nil {
		s.logger.Error("creator provisioning failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to provision account")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "creator_id", identity.CreatorID, "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	stopKeepalive := startWSKeepalive(conn, &writeMu)
	defer stopKeepalive()

	ch, cancel := s.bus.Subscribe(identity.CreatorID, wsEventBuffer)
	defer cancel()

	s.logger.Debug("event stream opened", "creator_id", identity.CreatorID)

	// Drain reads so close frames and pongs are processed. The client is not
	// expected to send anything else.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := conn.WriteJSON(ev)
			writeMu.Unlock()
			if err != nil {
				s.logger.Debug("event stream closed", "creator_id", identity.CreatorID, "error", err)
				return
			}
		}
	}
}

// startWSKeepalive sets up WebSocket-level ping/pong on a connection. It sets
// a read deadline, installs a pong handler, and starts a goroutine that sends
// periodic pings. The returned cancel function stops the ping goroutine.
// The provided mutex must be the same one used for all writes to the connection.
func startWSKeepalive(conn *websocket.Conn, mu *sync.Mutex) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}
