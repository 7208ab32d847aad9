package app

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/parley/internal/core"
	"github.com/avolkov/parley/internal/domain"
)

// Policy holds the admission/room knobs the registry enforces.
type Policy struct {
	AppKey             string
	RequireUniqueNames bool
	AllowAutoCreate    bool
}

type Credentials struct {
	AppKey      string
	DisplayName string
}

type RoomParams struct {
	AutoCreate bool
}

type sessionEntry struct {
	session *domain.Session
	conn    core.SignalConnection
	rooms   map[domain.RoomName]struct{}
	cancel  context.CancelFunc
}

// roomState keeps occupants in insertion order and counts membership
// changes, so broadcast ordering is observable by tests and clients.
type roomState struct {
	name    domain.RoomName
	order   []domain.SessionID
	members map[domain.SessionID]struct{}
	seq     uint64
}

// Registry owns all sessions and room membership. A single mutex
// serializes every mutation, which is what guarantees per-room FIFO
// broadcast ordering; callers only ever see snapshots.
type Registry struct {
	mu       sync.Mutex
	policy   Policy
	sessions map[domain.SessionID]*sessionEntry
	rooms    map[domain.RoomName]*roomState
}

func NewRegistry(policy Policy) *Registry {
	return &Registry{
		policy:   policy,
		sessions: make(map[domain.SessionID]*sessionEntry),
		rooms:    make(map[domain.RoomName]*roomState),
	}
}

// Admit validates credentials and allocates a session id unique among
// currently-live sessions. The connection is referenced, never owned:
// the adapter still closes it.
func (r *Registry) Admit(conn core.SignalConnection, creds Credentials) (*domain.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.policy.AppKey != "" && creds.AppKey != r.policy.AppKey {
		return nil, core.Errf(core.CodeAuth, "bad application key")
	}
	if r.policy.RequireUniqueNames {
		for _, e := range r.sessions {
			if e.session.DisplayName == creds.DisplayName {
				return nil, core.Errf(core.CodeAuth, "display name %q already in use", creds.DisplayName)
			}
		}
	}
	sess, err := domain.NewSession(creds.DisplayName)
	if err != nil {
		return nil, core.Wrap(core.CodeAuth, "invalid display name", err)
	}
	r.sessions[sess.ID] = &sessionEntry{
		session: sess,
		conn:    conn,
		rooms:   make(map[domain.RoomName]struct{}),
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sess.ID)).Str("name", sess.DisplayName).Msg("admitted session")
	return sess, nil
}

// BindCancel attaches the connection-scoped cancel so teardown can
// abort the transport pumps.
func (r *Registry) BindCancel(sid domain.SessionID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sid]; ok {
		e.cancel = cancel
	}
}

// Join adds the session to a room and broadcasts the new occupant
// snapshot to every other occupant. The acting session gets the
// snapshot as the return value, not as a broadcast.
func (r *Registry) Join(sid domain.SessionID, name domain.RoomName, params RoomParams) (core.RoomStatePayload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sid]
	if !ok {
		return core.RoomStatePayload{}, core.Errf(core.CodeAuth, "unknown session %s", sid)
	}
	if err := domain.ValidateRoomName(name); err != nil {
		return core.RoomStatePayload{}, core.Wrap(core.CodeRoom, "invalid room name", err)
	}

	room, ok := r.rooms[name]
	if !ok {
		if !params.AutoCreate || !r.policy.AllowAutoCreate {
			return core.RoomStatePayload{}, core.Errf(core.CodeRoom, "room %q does not exist", name)
		}
		room = &roomState{name: name, members: make(map[domain.SessionID]struct{})}
		r.rooms[name] = room
		log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("created room")
	}
	if _, dup := room.members[sid]; dup {
		return core.RoomStatePayload{}, core.Errf(core.CodeRoom, "already a member of %q", name)
	}

	room.members[sid] = struct{}{}
	room.order = append(room.order, sid)
	entry.rooms[name] = struct{}{}
	room.seq++

	snap := r.snapshotLocked(room)
	r.broadcastLocked(room, sid, snap)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(name)).Uint64("seq", snap.Seq).Msg("joined room")
	return snap, nil
}

// Leave is idempotent: leaving a room the session does not occupy is a
// no-op.
func (r *Registry) Leave(sid domain.SessionID, name domain.RoomName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(sid, name)
}

func (r *Registry) leaveLocked(sid domain.SessionID, name domain.RoomName) {
	room, ok := r.rooms[name]
	if !ok {
		return
	}
	if _, member := room.members[sid]; !member {
		return
	}
	delete(room.members, sid)
	for i, id := range room.order {
		if id == sid {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	if e, ok := r.sessions[sid]; ok {
		delete(e.rooms, name)
	}
	room.seq++
	snap := r.snapshotLocked(room)
	r.broadcastLocked(room, sid, snap)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(name)).Uint64("seq", snap.Seq).Msg("left room")
}

// Teardown removes the session from every room it occupies, emitting a
// leave broadcast per room, then invalidates the session id.
func (r *Registry) Teardown(sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sid]
	if !ok {
		return
	}
	for name := range entry.rooms {
		r.leaveLocked(sid, name)
	}
	delete(r.sessions, sid)
	if entry.cancel != nil {
		entry.cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("session torn down")
}

// Conn returns the signal transport of a live session.
func (r *Registry) Conn(sid domain.SessionID) (core.SignalConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// SessionOf returns a copy of the session meta.
func (r *Registry) SessionOf(sid domain.SessionID) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[sid]
	if !ok {
		return domain.Session{}, false
	}
	return *e.session, true
}

type RoomInfo struct {
	Name          domain.RoomName `json:"name"`
	OccupantCount int             `json:"occupant_count"`
}

func (r *Registry) Rooms() []RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for name, room := range r.rooms {
		out = append(out, RoomInfo{Name: name, OccupantCount: len(room.members)})
	}
	return out
}

// Occupants returns the current snapshot of one room without touching
// its sequence counter.
func (r *Registry) Occupants(name domain.RoomName) (core.RoomStatePayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return core.RoomStatePayload{}, false
	}
	return r.snapshotLocked(room), true
}

// StopRoom evicts every occupant (with leave broadcasts) and removes
// the room.
func (r *Registry) StopRoom(name domain.RoomName) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[name]
	if !ok {
		return
	}
	for _, sid := range append([]domain.SessionID(nil), room.order...) {
		r.leaveLocked(sid, name)
	}
	delete(r.rooms, name)
	log.Info().Str("module", "app.registry").Str("room", string(name)).Msg("room stopped")
}

// Shutdown tears down every remaining session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sids := make([]domain.SessionID, 0, len(r.sessions))
	for sid := range r.sessions {
		sids = append(sids, sid)
	}
	r.mu.Unlock()
	for _, sid := range sids {
		r.Teardown(sid)
	}
}

func (r *Registry) snapshotLocked(room *roomState) core.RoomStatePayload {
	occ := make([]core.Occupant, 0, len(room.order))
	for _, sid := range room.order {
		if e, ok := r.sessions[sid]; ok {
			occ = append(occ, core.Occupant{ID: sid, DisplayName: e.session.DisplayName})
		}
	}
	return core.RoomStatePayload{Room: room.name, Seq: room.seq, Occupants: occ}
}

// broadcastLocked fans the snapshot out to every occupant except the
// acting one. TrySend is non-blocking, so holding the registry mutex
// here is safe; a full send queue drops the frame for that occupant
// only.
func (r *Registry) broadcastLocked(room *roomState, actor domain.SessionID, snap core.RoomStatePayload) {
	payload, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("marshal room state")
		return
	}
	frame, err := json.Marshal(core.Envelope{Type: core.TypeRoomState, Room: room.name, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("module", "app.registry").Msg("marshal room state envelope")
		return
	}
	for _, sid := range room.order {
		if sid == actor {
			continue
		}
		e, ok := r.sessions[sid]
		if !ok {
			continue
		}
		if err := e.conn.TrySend(frame); err != nil {
			log.Warn().Err(err).Str("module", "app.registry").Str("sid", string(sid)).Str("room", string(room.name)).Msg("dropped room state broadcast")
		}
	}
}
