package relay

// Room is the state of one room: its message log and its members in join
// order.
type Room struct {
	ID       string
	messages []Message
	members  []ConnID
}

// Len returns the number of messages in the log.
func (r *Room) Len() int {
	return len(r.messages)
}

// Members returns a copy of the member list in join order.
func (r *Room) Members() []ConnID {
	return append([]ConnID(nil), r.members...)
}

func (r *Room) hasMember(id ConnID) bool {
	for _, m := range r.members {
		if m == id {
			return true
		}
	}
	return false
}

// Store maps room ids to rooms. A room lives only while it has members.
type Store struct {
	rooms map[string]*Room
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{rooms: make(map[string]*Room)}
}

// GetOrCreate returns the room with the given id, creating an empty one if
// needed. The second result reports whether the room was created.
func (s *Store) GetOrCreate(roomID string) (*Room, bool) {
	if room, ok := s.rooms[roomID]; ok {
		return room, false
	}
	room := &Room{ID: roomID}
	s.rooms[roomID] = room
	return room, true
}

// Get returns the room if it exists.
func (s *Store) Get(roomID string) (*Room, bool) {
	room, ok := s.rooms[roomID]
	return room, ok
}

// AddMember adds the connection to the room. Adding an existing member, or
// adding to a room that does not exist, is a no-op.
func (s *Store) AddMember(roomID string, id ConnID) {
	room, ok := s.rooms[roomID]
	if !ok || room.hasMember(id) {
		return
	}
	room.members = append(room.members, id)
}

// RemoveMember removes the connection from the room. When the member set
// becomes empty the room is deleted in the same call and true is returned.
func (s *Store) RemoveMember(roomID string, id ConnID) bool {
	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}

	for i, m := range room.members {
		if m == id {
			room.members = append(room.members[:i], room.members[i+1:]...)
			break
		}
	}

	if len(room.members) == 0 {
		delete(s.rooms, roomID)
		return true
	}
	return false
}

// AppendMessage appends to the room's log. Unknown rooms are ignored.
func (s *Store) AppendMessage(roomID string, msg Message) bool {
	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}
	room.messages = append(room.messages, msg)
	return true
}

// RecentMessages returns the last limit messages of the room in arrival
// order, or the whole log when limit <= 0 or exceeds its length. Unknown
// rooms yield an empty result.
func (s *Store) RecentMessages(roomID string, limit int) []Message {
	room, ok := s.rooms[roomID]
	if !ok {
		return []Message{}
	}

	start := 0
	if limit > 0 && limit < len(room.messages) {
		start = len(room.messages) - limit
	}

	out := make([]Message, len(room.messages)-start)
	copy(out, room.messages[start:])
	return out
}

// Len returns the number of live rooms.
func (s *Store) Len() int {
	return len(s.rooms)
}
