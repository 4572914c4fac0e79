package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dearly-app/dearly/internal/app"
	"github.com/dearly-app/dearly/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

type WSController struct {
	Orch *app.Orchestrator

	// ReadLimit caps inbound frame size; PingPeriod drives keepalive pings.
	ReadLimit  int64
	PingPeriod time.Duration
}

func NewWSController(orch *app.Orchestrator) *WSController {
	return &WSController{
		Orch:       orch,
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request, mints an ephemeral handle for the party
// and immediately announces it back ("me") so the client can tag its calls.
func (ctl *WSController) HandleSignal(ctx context.Context, c *gin.Context) {
	cid := core.ClientID(uuid.NewString())
	log.Info().Str("module", "signal").Str("cid", string(cid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Orch.Registry.Bind(cid, conn, cancel)
	ctl.sendJSON(conn, core.TypeMe, core.MePayload{ClientID: cid})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cid, conn)
}
