package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/parley/internal/app"
	"github.com/avolkov/parley/internal/config"
	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

const authDeadline = 10 * time.Second

// Controller upgrades websocket clients, runs the auth handshake and
// feeds authenticated envelopes into the relay.
type Controller struct {
	Relay *app.Relay
	Cfg   *config.Config
}

func NewController(relay *app.Relay, cfg *config.Config) *Controller {
	return &Controller{Relay: relay, Cfg: cfg}
}

// WsConn is the per-client ordered send queue. The registry and relay
// only ever TrySend; the controller owns Close.
type WsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsConn) TrySend(f core.Frame) error {
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

func (c *WsConn) Close() {
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

// HandleSignal upgrades the connection, admits the client and starts
// the pumps. The very first frame must be an auth envelope; everything
// else before admission is rejected and the transport closed.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("client_token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &WsConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}

	sess, corr, err := ctl.authenticate(ws, conn)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("client_token", token).Msg("admission refused")
		ctl.writeAuthError(ws, corr, err)
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Relay.Registry.BindCancel(sess.ID, func() {
		// Cancellation alone only stops the writer; the read pump sits
		// in a blocking read and needs the transport closed under it.
		cancel()
		conn.Close()
	})

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, sess.ID, conn)

	ctl.sendJSON(conn, core.Envelope{
		Type:          core.TypeSuccess,
		CorrelationID: corr,
		Payload:       mustMarshal(core.SessionPayload{ID: sess.ID, DisplayName: sess.DisplayName}),
	})
}

// authenticate reads the first frame and admits the session. Returns
// the correlation id of the auth request so the reply can mirror it.
func (ctl *Controller) authenticate(ws *websocket.Conn, conn *WsConn) (*domain.Session, string, error) {
	_ = ws.SetReadDeadline(time.Now().Add(authDeadline))
	defer func() { _ = ws.SetReadDeadline(time.Time{}) }()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, "", core.Wrap(core.CodeAuth, "read auth frame", err)
	}
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", core.Wrap(core.CodeAuth, "bad auth frame", err)
	}
	if env.Type != core.TypeAuth {
		return nil, env.CorrelationID, core.Errf(core.CodeAuth, "expected auth, got %q", env.Type)
	}
	var p core.AuthPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, env.CorrelationID, core.Wrap(core.CodeAuth, "bad auth payload", err)
	}
	sess, err := ctl.Relay.Registry.Admit(conn, app.Credentials{AppKey: p.AppKey, DisplayName: p.DisplayName})
	if err != nil {
		return nil, env.CorrelationID, err
	}
	return sess, env.CorrelationID, nil
}

func (ctl *Controller) writeAuthError(ws *websocket.Conn, corr string, err error) {
	p := core.ErrorPayload{Code: core.CodeOf(err), Message: err.Error()}
	if ctl.Relay.Messages != nil {
		p.Message = ctl.Relay.Messages.Text(p.Code)
	}
	frame, merr := json.Marshal(core.Envelope{Type: core.TypeError, CorrelationID: corr, Payload: mustMarshal(p)})
	if merr != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = ws.WriteMessage(websocket.TextMessage, frame)
}

func (ctl *Controller) sendJSON(c *WsConn, env core.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal payload")
		return nil
	}
	return b
}
