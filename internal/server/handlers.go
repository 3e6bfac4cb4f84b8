package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaychat/relay/internal/registry"
)

// HandleWebSocket upgrades a client connection, authenticates it, registers
// it with the coordinator, and starts its pumps.
func (co *Core) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if !co.Accepting() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}

	subject, err := co.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "Authentication required.", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     co.origins.check,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		co.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	if err := co.coord.Register(connID, subject); err != nil {
		// Practically unreachable with random IDs, but a duplicate must
		// not take over the existing connection's state.
		if errors.Is(err, registry.ErrDuplicateConnection) {
			co.log.Error("connection id collision", zap.String("connId", connID))
		}
		_ = conn.Close()
		return
	}

	client := newClient(co, conn, connID, subject)
	co.addClient(client)
	client.start()

	co.log.Info("client connected",
		zap.String("connId", connID),
		zap.String("subject", subject),
		zap.String("remote", r.RemoteAddr),
		zap.Int("clients", co.registry.Len()))
}

// HandleHealth reports liveness and whether the process accepts new
// connections; draining processes answer 503 so load balancers stop routing
// to them.
func (co *Core) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !co.Accepting() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "draining")
		return
	}
	_, _ = fmt.Fprint(w, "ok")
}
