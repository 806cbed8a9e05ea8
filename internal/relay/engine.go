package relay

import (
	"errors"

	"go.uber.org/zap"
)

// Reasons passed to Observer.EventDiscarded.
const (
	DiscardMalformed    = "malformed"
	DiscardUnknownType  = "unknown_type"
	DiscardNotJoined    = "not_joined"
	DiscardRoomMismatch = "room_mismatch"
	DiscardUnknownConn  = "unknown_connection"
)

// Outbox delivers an encoded notification to one connection. Implementations
// must not block: a slow recipient is the transport's problem, never the
// engine's.
type Outbox interface {
	Send(id ConnID, frame []byte)
}

// Observer receives counters about what the engine did.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	EventHandled(eventType string)
	EventDiscarded(reason string)
	RoomCreated()
	RoomDeleted()
	MessageRelayed(recipients int)
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()     {}
func (nopObserver) ConnectionClosed()     {}
func (nopObserver) EventHandled(string)   {}
func (nopObserver) EventDiscarded(string) {}
func (nopObserver) RoomCreated()          {}
func (nopObserver) RoomDeleted()          {}
func (nopObserver) MessageRelayed(int)    {}

// Engine is the relay protocol state machine. Each connection is Unjoined
// after Open, Joined(room) after a join, and gone after Close.
type Engine struct {
	registry *Registry
	store    *Store
	outbox   Outbox
	observer Observer
	logger   *zap.SugaredLogger
}

// NewEngine creates an engine with an empty registry and store. A nil
// observer disables counting.
func NewEngine(outbox Outbox, observer Observer, logger *zap.SugaredLogger) *Engine {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Engine{
		registry: NewRegistry(),
		store:    NewStore(),
		outbox:   outbox,
		observer: observer,
		logger:   logger,
	}
}

// Registry exposes the connection registry for inspection.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store exposes the room store for inspection.
func (e *Engine) Store() *Store {
	return e.store
}

// Open registers a new connection in the Unjoined state.
func (e *Engine) Open(id ConnID) {
	if e.registry.Registered(id) {
		return
	}
	e.registry.Register(id)
	e.observer.ConnectionOpened()
	e.logger.Debugw("connection opened", "conn", id, "connections", e.registry.Len())
}

// Close handles a transport close: it leaves the tracked room, if any, and
// forgets the connection. Calling Close twice is harmless.
func (e *Engine) Close(id ConnID) {
	if !e.registry.Registered(id) {
		return
	}
	if roomID, ok := e.registry.Lookup(id); ok {
		// Unregister first so the closed connection is not notified.
		e.registry.Unregister(id)
		e.leave(id, roomID)
	} else {
		e.registry.Unregister(id)
	}
	e.observer.ConnectionClosed()
	e.logger.Debugw("connection closed", "conn", id, "connections", e.registry.Len())
}

// HandleFrame decodes one inbound frame and dispatches it. Malformed frames
// and events that violate the protocol are logged and dropped.
func (e *Engine) HandleFrame(id ConnID, frame []byte) {
	ev, err := DecodeEvent(frame)
	if err != nil {
		reason := DiscardMalformed
		if errors.Is(err, ErrUnknownEventType) {
			reason = DiscardUnknownType
		}
		e.discard(id, reason, "error", err, "size", len(frame))
		return
	}
	e.Handle(id, ev)
}

// Handle dispatches a decoded event.
func (e *Engine) Handle(id ConnID, ev Event) {
	if !e.registry.Registered(id) {
		e.discard(id, DiscardUnknownConn, "type", ev.Type)
		return
	}

	switch ev.Type {
	case TypeJoin:
		e.handleJoin(id, ev.RoomID)
	case TypeMessage:
		e.handleMessage(id, ev)
	case TypeLeave:
		e.handleLeave(id, ev.RoomID)
	case TypeLoadMore:
		e.handleLoadMore(id, ev.RoomID, int(ev.Limit))
	default:
		e.discard(id, DiscardUnknownType, "type", ev.Type)
	}
}

func (e *Engine) handleJoin(id ConnID, roomID string) {
	if current, ok := e.registry.Lookup(id); ok && current != roomID {
		// Switching rooms: the connection is no longer tagged with the old
		// room, so it is not told if that room disappears.
		e.registry.SetRoom(id, roomID)
		e.leave(id, current)
	}

	e.registry.SetRoom(id, roomID)
	if _, created := e.store.GetOrCreate(roomID); created {
		e.observer.RoomCreated()
		e.logger.Infow("room created", "room", roomID)
	}
	e.store.AddMember(roomID, id)
	e.observer.EventHandled(TypeJoin)

	e.sendMessages(id, e.store.RecentMessages(roomID, 0))
}

func (e *Engine) handleMessage(id ConnID, ev Event) {
	roomID, ok := e.joinedTo(id, ev.RoomID, TypeMessage)
	if !ok {
		return
	}

	msg := ev.Message()
	if !e.store.AppendMessage(roomID, msg) {
		return
	}
	e.observer.EventHandled(TypeMessage)

	frame, err := EncodeMessage(msg)
	if err != nil {
		e.logger.Errorw("encode message notification", "room", roomID, "error", err)
		return
	}

	room, _ := e.store.Get(roomID)
	members := room.Members()
	for _, member := range members {
		e.outbox.Send(member, frame)
	}
	e.observer.MessageRelayed(len(members))
	e.logger.Debugw("message relayed", "room", roomID, "conn", id, "recipients", len(members), "size", len(msg.Data))
}

func (e *Engine) handleLeave(id ConnID, roomID string) {
	if _, ok := e.joinedTo(id, roomID, TypeLeave); !ok {
		return
	}
	e.observer.EventHandled(TypeLeave)
	e.leave(id, roomID)
	e.registry.ClearRoom(id)
}

func (e *Engine) handleLoadMore(id ConnID, roomID string, limit int) {
	if _, ok := e.joinedTo(id, roomID, TypeLoadMore); !ok {
		return
	}
	e.observer.EventHandled(TypeLoadMore)
	e.sendMessages(id, e.store.RecentMessages(roomID, limit))
}

// joinedTo checks that the connection is joined and that the declared room
// matches the tracked one.
func (e *Engine) joinedTo(id ConnID, declared, eventType string) (string, bool) {
	tracked, ok := e.registry.Lookup(id)
	if !ok {
		e.discard(id, DiscardNotJoined, "type", eventType, "room", declared)
		return "", false
	}
	if declared != tracked {
		e.discard(id, DiscardRoomMismatch, "type", eventType, "room", declared, "tracked", tracked)
		return "", false
	}
	return tracked, true
}

// leave removes the connection from the room. If that empties the room,
// members captured before the removal that are still live and still tagged
// with the room are told it was deleted.
func (e *Engine) leave(id ConnID, roomID string) {
	room, ok := e.store.Get(roomID)
	if !ok {
		return
	}
	before := room.Members()

	if !e.store.RemoveMember(roomID, id) {
		return
	}

	e.observer.RoomDeleted()
	e.logger.Infow("room deleted", "room", roomID)

	frame, err := EncodeRoomDeleted()
	if err != nil {
		e.logger.Errorw("encode room_deleted notification", "room", roomID, "error", err)
		return
	}
	for _, member := range before {
		if tagged, ok := e.registry.Lookup(member); ok && tagged == roomID {
			e.outbox.Send(member, frame)
		}
	}
}

func (e *Engine) sendMessages(id ConnID, messages []Message) {
	frame, err := EncodeMessages(messages)
	if err != nil {
		e.logger.Errorw("encode messages notification", "conn", id, "error", err)
		return
	}
	e.outbox.Send(id, frame)
}

func (e *Engine) discard(id ConnID, reason string, keysAndValues ...any) {
	e.observer.EventDiscarded(reason)
	e.logger.Debugw("event discarded", append([]any{"conn", id, "reason", reason}, keysAndValues...)...)
}
