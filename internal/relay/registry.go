package relay

// ConnID identifies one live transport session.
type ConnID string

// membership is a connection's room pointer. Room ids are opaque, so the
// empty string is a valid room and joined carries the state.
type membership struct {
	roomID string
	joined bool
}

// Registry tracks, per live connection, which room it currently belongs to.
type Registry struct {
	rooms map[ConnID]membership
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[ConnID]membership)}
}

// Register adds a connection with no current room. Registering an already
// known connection leaves its room untouched.
func (r *Registry) Register(id ConnID) {
	if _, ok := r.rooms[id]; !ok {
		r.rooms[id] = membership{}
	}
}

// SetRoom points the connection at roomID. Unknown connections are ignored.
func (r *Registry) SetRoom(id ConnID, roomID string) {
	if _, ok := r.rooms[id]; ok {
		r.rooms[id] = membership{roomID: roomID, joined: true}
	}
}

// ClearRoom returns the connection to the unjoined state.
func (r *Registry) ClearRoom(id ConnID) {
	if _, ok := r.rooms[id]; ok {
		r.rooms[id] = membership{}
	}
}

// Lookup returns the connection's current room and whether it has one.
func (r *Registry) Lookup(id ConnID) (string, bool) {
	m := r.rooms[id]
	return m.roomID, m.joined
}

// Registered reports whether the connection is still live.
func (r *Registry) Registered(id ConnID) bool {
	_, ok := r.rooms[id]
	return ok
}

// Unregister removes the connection. It is safe to call more than once.
func (r *Registry) Unregister(id ConnID) {
	delete(r.rooms, id)
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.rooms)
}
