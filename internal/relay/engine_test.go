package relay_test

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/Tyrowin/roomrelay/internal/relay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingOutbox keeps every frame sent to each connection, in order.
type recordingOutbox struct {
	frames map[relay.ConnID][][]byte
}

func newRecordingOutbox() *recordingOutbox {
	return &recordingOutbox{frames: make(map[relay.ConnID][][]byte)}
}

func (o *recordingOutbox) Send(id relay.ConnID, frame []byte) {
	o.frames[id] = append(o.frames[id], frame)
}

// drain returns and forgets everything sent to id so far.
func (o *recordingOutbox) drain(id relay.ConnID) []notification {
	frames := o.frames[id]
	delete(o.frames, id)

	out := make([]notification, 0, len(frames))
	for _, f := range frames {
		var n notification
		if err := json.Unmarshal(f, &n); err != nil {
			panic(fmt.Sprintf("relay sent invalid JSON %q: %v", f, err))
		}
		out = append(out, n)
	}
	return out
}

type notification struct {
	Type     string          `json:"type"`
	Messages []relay.Message `json:"messages"`
	Message  *relay.Message  `json:"message"`
}

func newTestEngine(t *testing.T) (*relay.Engine, *recordingOutbox) {
	t.Helper()
	out := newRecordingOutbox()
	return relay.NewEngine(out, nil, zaptest.NewLogger(t).Sugar()), out
}

func frame(t *testing.T, v map[string]any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func join(t *testing.T, e *relay.Engine, id relay.ConnID, room string) {
	t.Helper()
	e.HandleFrame(id, frame(t, map[string]any{"type": "join", "roomId": room}))
}

func send(t *testing.T, e *relay.Engine, id relay.ConnID, room, nick string, data []int, ts int64) {
	t.Helper()
	e.HandleFrame(id, frame(t, map[string]any{
		"type":     "message",
		"roomId":   room,
		"nickname": nick,
		"iv":       []int{1, 2, 3},
		"data":     data,
		"time":     ts,
	}))
}

func leave(t *testing.T, e *relay.Engine, id relay.ConnID, room string) {
	t.Helper()
	e.HandleFrame(id, frame(t, map[string]any{"type": "leave", "roomId": room}))
}

func loadMore(t *testing.T, e *relay.Engine, id relay.ConnID, room string, limit int) {
	t.Helper()
	e.HandleFrame(id, frame(t, map[string]any{"type": "load_more", "roomId": room, "limit": limit}))
}

func TestEngine_JoinMessageScenario(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	e.Open("B")

	join(t, e, "A", "r1")
	got := out.drain("A")
	require.Len(t, got, 1)
	assert.Equal(t, relay.TypeMessages, got[0].Type)
	assert.Empty(t, got[0].Messages)

	send(t, e, "A", "r1", "alice", []int{10, 20}, 1000)
	got = out.drain("A")
	require.Len(t, got, 1)
	assert.Equal(t, relay.TypeMessage, got[0].Type)
	require.NotNil(t, got[0].Message)
	assert.Equal(t, relay.Message{
		Nickname: "alice",
		IV:       relay.Bytes{1, 2, 3},
		Data:     relay.Bytes{10, 20},
		Time:     1000,
	}, *got[0].Message)

	join(t, e, "B", "r1")
	got = out.drain("B")
	require.Len(t, got, 1)
	assert.Equal(t, relay.TypeMessages, got[0].Type)
	require.Len(t, got[0].Messages, 1)
	assert.Equal(t, "alice", got[0].Messages[0].Nickname)

	send(t, e, "A", "r1", "alice", []int{30}, 2000)
	for _, id := range []relay.ConnID{"A", "B"} {
		got = out.drain(id)
		require.Len(t, got, 1, "connection %s", id)
		assert.Equal(t, relay.Bytes{30}, got[0].Message.Data)
	}
}

func TestEngine_BroadcastOrderIncludesSender(t *testing.T) {
	e, out := newTestEngine(t)
	members := []relay.ConnID{"A", "B", "C"}
	for _, id := range members {
		e.Open(id)
		join(t, e, id, "room")
		out.drain(id)
	}

	for i := 0; i < 20; i++ {
		sender := members[i%len(members)]
		send(t, e, sender, "room", string(sender), []int{i}, int64(i))
	}

	for _, id := range members {
		got := out.drain(id)
		require.Len(t, got, 20)
		for i, n := range got {
			assert.Equal(t, relay.TypeMessage, n.Type)
			assert.Equal(t, relay.Bytes{byte(i)}, n.Message.Data, "message %d for %s", i, id)
		}
	}
}

func TestEngine_RoomCreatedOnceAndReused(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	e.Open("B")

	join(t, e, "A", "shared")
	send(t, e, "A", "shared", "a", []int{1}, 1)
	join(t, e, "B", "shared")

	room, ok := e.Store().Get("shared")
	require.True(t, ok)
	assert.Equal(t, 1, room.Len())
	assert.Equal(t, []relay.ConnID{"A", "B"}, room.Members())
	assert.Equal(t, 1, e.Store().Len())

	got := out.drain("B")
	require.Len(t, got, 1)
	assert.Len(t, got[0].Messages, 1)
}

func TestEngine_LastLeaveDeletesRoom(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	join(t, e, "A", "r1")
	send(t, e, "A", "r1", "a", []int{1}, 1)
	out.drain("A")

	leave(t, e, "A", "r1")

	_, ok := e.Store().Get("r1")
	assert.False(t, ok)
	_, joined := e.Registry().Lookup("A")
	assert.False(t, joined)

	got := out.drain("A")
	require.Len(t, got, 1)
	assert.Equal(t, relay.TypeRoomDeleted, got[0].Type)

	join(t, e, "A", "r1")
	got = out.drain("A")
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Messages, "old messages must not come back")
}

func TestEngine_LeaveThenDisconnectScenario(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	e.Open("B")
	join(t, e, "A", "r2")
	join(t, e, "B", "r2")
	out.drain("A")
	out.drain("B")

	leave(t, e, "A", "r2")
	room, ok := e.Store().Get("r2")
	require.True(t, ok)
	assert.Equal(t, []relay.ConnID{"B"}, room.Members())
	assert.Empty(t, out.drain("A"), "room still has members")

	e.Close("B")
	_, ok = e.Store().Get("r2")
	assert.False(t, ok)
	assert.Empty(t, out.drain("B"), "closed connections are not notified")

	e.Open("C")
	join(t, e, "C", "r2")
	got := out.drain("C")
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Messages)
}

func TestEngine_CloseMatchesLeave(t *testing.T) {
	setup := func(t *testing.T) *relay.Engine {
		e, _ := newTestEngine(t)
		e.Open("A")
		e.Open("B")
		join(t, e, "A", "r")
		join(t, e, "B", "r")
		send(t, e, "A", "r", "a", []int{1}, 1)
		return e
	}

	left := setup(t)
	leave(t, left, "A", "r")

	closed := setup(t)
	closed.Close("A")

	leftRoom, ok := left.Store().Get("r")
	require.True(t, ok)
	closedRoom, ok := closed.Store().Get("r")
	require.True(t, ok)

	assert.Equal(t, leftRoom.Members(), closedRoom.Members())
	assert.Equal(t, left.Store().RecentMessages("r", 0), closed.Store().RecentMessages("r", 0))
	assert.False(t, closed.Registry().Registered("A"))
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Open("A")
	join(t, e, "A", "r")

	e.Close("A")
	e.Close("A")

	assert.Equal(t, 0, e.Registry().Len())
	assert.Equal(t, 0, e.Store().Len())
}

func TestEngine_LoadMore(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	join(t, e, "A", "r1")
	send(t, e, "A", "r1", "a", []int{1}, 1)
	send(t, e, "A", "r1", "a", []int{2}, 2)
	out.drain("A")

	tests := []struct {
		name  string
		limit int
		want  []relay.Bytes
	}{
		{name: "most recent only", limit: 1, want: []relay.Bytes{{2}}},
		{name: "exact size", limit: 2, want: []relay.Bytes{{1}, {2}}},
		{name: "larger than log", limit: 50, want: []relay.Bytes{{1}, {2}}},
		{name: "zero means whole log", limit: 0, want: []relay.Bytes{{1}, {2}}},
		{name: "negative means whole log", limit: -3, want: []relay.Bytes{{1}, {2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Repeat to show the call is read-only.
			for i := 0; i < 2; i++ {
				loadMore(t, e, "A", "r1", tt.limit)
				got := out.drain("A")
				require.Len(t, got, 1)
				require.Equal(t, relay.TypeMessages, got[0].Type)

				data := make([]relay.Bytes, 0, len(got[0].Messages))
				for _, m := range got[0].Messages {
					data = append(data, m.Data)
				}
				assert.Equal(t, tt.want, data)
			}
		})
	}
}

func TestEngine_DiscardedEvents(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{name: "not json", frame: `{"type":`},
		{name: "not an object", frame: `[1,2,3]`},
		{name: "missing type", frame: `{"roomId":"r"}`},
		{name: "unknown type", frame: `{"type":"shout","roomId":"r"}`},
		{name: "message before join", frame: `{"type":"message","roomId":"r","nickname":"x","iv":[1],"data":[2],"time":1}`},
		{name: "load_more before join", frame: `{"type":"load_more","roomId":"r","limit":5}`},
		{name: "leave before join", frame: `{"type":"leave","roomId":"r"}`},
		{name: "byte out of range", frame: `{"type":"message","roomId":"r","iv":[256],"data":[],"time":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, out := newTestEngine(t)
			e.Open("A")

			e.HandleFrame("A", []byte(tt.frame))

			assert.Empty(t, out.drain("A"))
			assert.Equal(t, 0, e.Store().Len())
			assert.True(t, e.Registry().Registered("A"), "connection must survive bad input")
		})
	}
}

func TestEngine_RoomMismatchIsDiscarded(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	e.Open("B")
	join(t, e, "A", "r1")
	join(t, e, "B", "r2")
	out.drain("A")
	out.drain("B")

	send(t, e, "A", "r2", "a", []int{1}, 1)
	loadMore(t, e, "A", "r2", 10)
	leave(t, e, "A", "r2")

	assert.Empty(t, out.drain("A"))
	assert.Empty(t, out.drain("B"))

	r1, _ := e.Store().Get("r1")
	r2, _ := e.Store().Get("r2")
	assert.Equal(t, 0, r1.Len())
	assert.Equal(t, 0, r2.Len())
	assert.Equal(t, []relay.ConnID{"B"}, r2.Members())

	tracked, _ := e.Registry().Lookup("A")
	assert.Equal(t, "r1", tracked)
}

func TestEngine_JoinAnotherRoomLeavesPrevious(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	e.Open("B")
	join(t, e, "A", "old")
	join(t, e, "B", "old")
	join(t, e, "A", "new")

	old, ok := e.Store().Get("old")
	require.True(t, ok)
	assert.Equal(t, []relay.ConnID{"B"}, old.Members())

	join(t, e, "B", "new")
	_, ok = e.Store().Get("old")
	assert.False(t, ok, "old room emptied by the switch")

	for _, id := range []relay.ConnID{"A", "B"} {
		for _, n := range out.drain(id) {
			assert.NotEqual(t, relay.TypeRoomDeleted, n.Type, "switching connection %s is no longer tagged with old", id)
		}
	}
}

func TestEngine_RejoinSameRoomIsIdempotent(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	join(t, e, "A", "r")
	send(t, e, "A", "r", "a", []int{7}, 1)
	out.drain("A")

	join(t, e, "A", "r")
	room, _ := e.Store().Get("r")
	assert.Equal(t, []relay.ConnID{"A"}, room.Members())

	got := out.drain("A")
	require.Len(t, got, 1)
	assert.Len(t, got[0].Messages, 1)

	send(t, e, "A", "r", "a", []int{8}, 2)
	assert.Len(t, out.drain("A"), 1, "still delivered exactly once")
}

func TestEngine_EmptyRoomIDIsARoom(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	e.Open("B")

	join(t, e, "A", "")
	got := out.drain("A")
	require.Len(t, got, 1)
	assert.Equal(t, relay.TypeMessages, got[0].Type)
	assert.Equal(t, 1, e.Store().Len())

	join(t, e, "B", "")
	out.drain("B")
	send(t, e, "A", "", "a", []int{1}, 1)
	assert.Len(t, out.drain("A"), 1)
	assert.Len(t, out.drain("B"), 1)

	leave(t, e, "B", "")
	leave(t, e, "A", "")
	got = out.drain("A")
	require.Len(t, got, 1)
	assert.Equal(t, relay.TypeRoomDeleted, got[0].Type)
	assert.Equal(t, 0, e.Store().Len())

	_, joined := e.Registry().Lookup("A")
	assert.False(t, joined)
}

func TestEngine_EventsFromUnknownConnection(t *testing.T) {
	e, out := newTestEngine(t)

	join(t, e, "ghost", "r")

	assert.Empty(t, out.drain("ghost"))
	assert.Equal(t, 0, e.Store().Len())
	assert.False(t, e.Registry().Registered("ghost"))
}

func TestEngine_RoomsAreIsolated(t *testing.T) {
	e, out := newTestEngine(t)
	e.Open("A")
	e.Open("B")
	join(t, e, "A", "r1")
	join(t, e, "B", "r2")
	out.drain("A")
	out.drain("B")

	send(t, e, "A", "r1", "a", []int{1}, 1)

	assert.Len(t, out.drain("A"), 1)
	assert.Empty(t, out.drain("B"))
}

type countingObserver struct {
	opened, closed, created, deleted int
	handled                          map[string]int
	discarded                        map[string]int
	relayed                          int
}

func (c *countingObserver) ConnectionOpened()       { c.opened++ }
func (c *countingObserver) ConnectionClosed()       { c.closed++ }
func (c *countingObserver) EventHandled(t string)   { c.handled[t]++ }
func (c *countingObserver) EventDiscarded(r string) { c.discarded[r]++ }
func (c *countingObserver) RoomCreated()            { c.created++ }
func (c *countingObserver) RoomDeleted()            { c.deleted++ }
func (c *countingObserver) MessageRelayed(n int)    { c.relayed += n }

func TestEngine_Observer(t *testing.T) {
	obs := &countingObserver{handled: map[string]int{}, discarded: map[string]int{}}
	e := relay.NewEngine(newRecordingOutbox(), obs, zaptest.NewLogger(t).Sugar())

	e.Open("A")
	e.Open("B")
	join(t, e, "A", "r")
	join(t, e, "B", "r")
	send(t, e, "A", "r", "a", []int{1}, 1)
	e.HandleFrame("A", []byte("garbage"))
	send(t, e, "A", "other", "a", []int{1}, 1)
	e.Close("A")
	e.Close("B")

	assert.Equal(t, 2, obs.opened)
	assert.Equal(t, 2, obs.closed)
	assert.Equal(t, 1, obs.created)
	assert.Equal(t, 1, obs.deleted)
	assert.Equal(t, 2, obs.handled[relay.TypeJoin])
	assert.Equal(t, 1, obs.handled[relay.TypeMessage])
	assert.Equal(t, 2, obs.relayed)
	assert.Equal(t, 1, obs.discarded[relay.DiscardMalformed])
	assert.Equal(t, 1, obs.discarded[relay.DiscardRoomMismatch])
}
