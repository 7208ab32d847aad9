// Package wsclient is the client-side transport: it dials the signal
// endpoint, runs the auth handshake and pumps envelopes between the
// server and the call orchestrator.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/parley/internal/call"
	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
)

const requestTimeout = 10 * time.Second

type AuthOptions struct {
	AppKey      string
	DisplayName string
}

type Client struct {
	conn    *websocket.Conn
	send    chan core.Frame
	session domain.Session

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	pending  map[string]chan core.Envelope
	onRoom   func(core.RoomStatePayload)
	onClosed func(error)
	orch     *call.Orchestrator
	closed   bool
}

// Dial connects, authenticates and starts the pumps. The returned
// client is ready to Join rooms and to back an orchestrator's
// SignalChannel.
func Dial(ctx context.Context, url string, auth AuthOptions) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, core.Wrap(core.CodeDelivery, "dial signal endpoint", err)
	}

	corr := uuid.NewString()
	payload, err := json.Marshal(core.AuthPayload{AppKey: auth.AppKey, DisplayName: auth.DisplayName})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	frame, err := json.Marshal(core.Envelope{Type: core.TypeAuth, CorrelationID: corr, Payload: payload})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		_ = conn.Close()
		return nil, core.Wrap(core.CodeDelivery, "send auth", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(requestTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, core.Wrap(core.CodeAuth, "read auth reply", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var reply core.Envelope
	if err := json.Unmarshal(data, &reply); err != nil {
		_ = conn.Close()
		return nil, core.Wrap(core.CodeAuth, "bad auth reply", err)
	}
	if reply.Type == core.TypeError {
		_ = conn.Close()
		return nil, decodeError(reply)
	}
	var sess core.SessionPayload
	if err := json.Unmarshal(reply.Payload, &sess); err != nil {
		_ = conn.Close()
		return nil, core.Wrap(core.CodeAuth, "bad session payload", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Client{
		conn:    conn,
		send:    make(chan core.Frame, 32),
		session: domain.Session{ID: sess.ID, DisplayName: sess.DisplayName},
		ctx:     cctx,
		cancel:  cancel,
		pending: make(map[string]chan core.Envelope),
	}
	go c.writePump()
	go c.readLoop()
	log.Info().Str("module", "wsclient").Str("sid", string(sess.ID)).Msg("admitted")
	return c, nil
}

func (c *Client) Session() domain.Session { return c.session }

// BindOrchestrator routes inbound call signaling into o.
func (c *Client) BindOrchestrator(o *call.Orchestrator) {
	c.mu.Lock()
	c.orch = o
	c.mu.Unlock()
}

// SetRoomOccupantListener installs the callback for occupant snapshot
// broadcasts.
func (c *Client) SetRoomOccupantListener(fn func(core.RoomStatePayload)) {
	c.mu.Lock()
	c.onRoom = fn
	c.mu.Unlock()
}

// SetDisconnectListener fires once when the transport drops.
func (c *Client) SetDisconnectListener(fn func(error)) {
	c.mu.Lock()
	c.onClosed = fn
	c.mu.Unlock()
}

// Send implements call.SignalChannel. Per-target ordering holds because
// all frames funnel through the single writePump.
func (c *Client) Send(env core.Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return errors.New("client closed")
	}
}

// Join enters a room and returns the occupant snapshot the server
// replies with.
func (c *Client) Join(room domain.RoomName, autoCreate bool) (core.RoomStatePayload, error) {
	payload, err := json.Marshal(core.JoinPayload{AutoCreate: autoCreate})
	if err != nil {
		return core.RoomStatePayload{}, err
	}
	reply, err := c.request(core.Envelope{Type: core.TypeRoomJoin, Room: room, Payload: payload})
	if err != nil {
		return core.RoomStatePayload{}, err
	}
	var snap core.RoomStatePayload
	if err := json.Unmarshal(reply.Payload, &snap); err != nil {
		return core.RoomStatePayload{}, core.Wrap(core.CodeRoom, "bad room snapshot", err)
	}
	return snap, nil
}

func (c *Client) Leave(room domain.RoomName) error {
	_, err := c.request(core.Envelope{Type: core.TypeRoomLeave, Room: room})
	return err
}

func (c *Client) request(env core.Envelope) (core.Envelope, error) {
	corr := uuid.NewString()
	env.CorrelationID = corr
	ch := make(chan core.Envelope, 1)

	c.mu.Lock()
	c.pending[corr] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, corr)
		c.mu.Unlock()
	}()

	if err := c.Send(env); err != nil {
		return core.Envelope{}, err
	}
	select {
	case reply := <-ch:
		if reply.Type == core.TypeError {
			return core.Envelope{}, decodeError(reply)
		}
		return reply, nil
	case <-time.After(requestTimeout):
		return core.Envelope{}, core.Errf(core.CodeDelivery, "request %s timed out", env.Type)
	case <-c.ctx.Done():
		return core.Envelope{}, errors.New("client closed")
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Error().Err(err).Str("module", "wsclient").Msg("write error")
				return
			}
		}
	}
}

func (c *Client) readLoop() {
	var readErr error
	defer c.shutdown(&readErr)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}
		var env core.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "wsclient").Msg("bad json")
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env core.Envelope) {
	switch env.Type {
	case core.TypeRoomState:
		var snap core.RoomStatePayload
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			log.Error().Err(err).Str("module", "wsclient").Msg("bad room state")
			return
		}
		c.mu.Lock()
		fn := c.onRoom
		c.mu.Unlock()
		if fn != nil {
			fn(snap)
		}
	case core.TypeSuccess, core.TypeError:
		c.resolve(env)
	case core.TypeStatsRequest:
		// Either a peer's reply to our correlated request or a peer
		// asking us; the orchestrator answers the latter.
		if env.CorrelationID != "" && c.resolve(env) {
			return
		}
		c.toOrchestrator(env)
	default:
		c.toOrchestrator(env)
	}
}

func (c *Client) resolve(env core.Envelope) bool {
	c.mu.Lock()
	ch, ok := c.pending[env.CorrelationID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- env:
	default:
	}
	return true
}

func (c *Client) toOrchestrator(env core.Envelope) {
	c.mu.Lock()
	o := c.orch
	c.mu.Unlock()
	if o != nil {
		o.HandleEnvelope(env)
	}
}

// shutdown tears everything down once: transport loss is fatal to
// every in-flight call, each torn down independently.
func (c *Client) shutdown(readErr *error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	o := c.orch
	fn := c.onClosed
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close()
	if o != nil {
		o.Shutdown()
	}
	if fn != nil {
		fn(*readErr)
	}
	log.Info().Str("module", "wsclient").Str("sid", string(c.session.ID)).Msg("closed")
}

func (c *Client) Close() {
	var err error
	c.shutdown(&err)
}

func decodeError(env core.Envelope) error {
	var p core.ErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return core.Errf(core.CodeDelivery, "unreadable error response")
	}
	return core.Errf(p.Code, "%s", p.Message)
}
