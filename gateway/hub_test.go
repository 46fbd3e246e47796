package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcflow.dev/common"
)

// fakeClient registers a socketless client whose frames land in its
// send channel.
func fakeClient(h *Hub, connectionID, userID string) *Client {
	c := &Client{
		session:  &Session{ConnectionID: connectionID, UserID: userID, Tier: "free"},
		sendChan: make(chan *Frame, sendBuffer),
		log:      common.Component("test"),
	}
	h.add(c)
	return c
}

func TestHubRoomMembership(t *testing.T) {
	h := NewHub()
	fakeClient(h, "conn-a", "u1")
	fakeClient(h, "conn-b", "u2")

	h.Join("flow-1", "conn-a")
	h.Join("flow-1", "conn-b")
	h.Join("flow-2", "conn-a")

	assert.True(t, h.IsMember("flow-1", "conn-a"))
	assert.False(t, h.IsMember("flow-2", "conn-b"))
	assert.ElementsMatch(t, []string{"flow-1", "flow-2"}, h.JoinedFlows("conn-a"))

	members := h.Members("flow-1")
	require.Len(t, members, 2)
	ids := []string{members[0].ConnectionID, members[1].ConnectionID}
	assert.ElementsMatch(t, []string{"conn-a", "conn-b"}, ids)

	h.Leave("flow-1", "conn-a")
	assert.False(t, h.IsMember("flow-1", "conn-a"))
	assert.Equal(t, []string{"flow-2"}, h.JoinedFlows("conn-a"))

	// The emptied room is gone entirely.
	h.Leave("flow-1", "conn-b")
	h.mu.RLock()
	_, exists := h.rooms["flow-1"]
	h.mu.RUnlock()
	assert.False(t, exists)
}

func TestHubSessionLookup(t *testing.T) {
	h := NewHub()
	fakeClient(h, "conn-a", "u1")

	sess, ok := h.Session("conn-a")
	require.True(t, ok)
	assert.Equal(t, "u1", sess.UserID)

	_, ok = h.Session("conn-missing")
	assert.False(t, ok)

	assert.Equal(t, 1, h.ConnectionCount())
	h.remove("conn-a")
	assert.Equal(t, 0, h.ConnectionCount())
	assert.Nil(t, h.JoinedFlows("conn-a"))
}

func TestBroadcastSkipsOriginator(t *testing.T) {
	h := NewHub()
	a := fakeClient(h, "conn-a", "u1")
	b := fakeClient(h, "conn-b", "u2")
	h.Join("flow-1", "conn-a")
	h.Join("flow-1", "conn-b")

	h.Broadcast("flow-1", EventCursorUpdate, map[string]string{"userId": "u1"}, "conn-a")

	assert.Empty(t, a.sendChan)
	require.Len(t, b.sendChan, 1)
	frame := <-b.sendChan
	assert.Equal(t, EventCursorUpdate, frame.Event)
}

func TestBroadcastReachesOnlyRoomMembers(t *testing.T) {
	h := NewHub()
	a := fakeClient(h, "conn-a", "u1")
	outsider := fakeClient(h, "conn-c", "u3")
	h.Join("flow-1", "conn-a")

	h.Broadcast("flow-1", EventFlowUpdated, nil, "")

	assert.Len(t, a.sendChan, 1)
	assert.Empty(t, outsider.sendChan)
}

func TestSendToUnknownConnection(t *testing.T) {
	h := NewHub()
	assert.False(t, h.SendTo("conn-ghost", NewFrame(EventError, nil)))
	assert.False(t, h.SendEvent("conn-ghost", EventError, nil))
}

func TestSendDropsWhenBufferFull(t *testing.T) {
	h := NewHub()
	a := fakeClient(h, "conn-a", "u1")

	for i := 0; i < sendBuffer; i++ {
		require.True(t, h.SendEvent("conn-a", EventCursorUpdate, nil))
	}
	assert.False(t, h.SendEvent("conn-a", EventCursorUpdate, nil))
	assert.Len(t, a.sendChan, sendBuffer)
}
