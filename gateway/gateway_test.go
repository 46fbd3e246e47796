package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcflow.dev/ai"
	"arcflow.dev/auth"
	"arcflow.dev/bus"
	"arcflow.dev/errcode"
	"arcflow.dev/flow"
	"arcflow.dev/kv"
	"arcflow.dev/ratelimit"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

// stubDispatcher records the intents routed to it and can be told to
// fail or to join the hub room like the real coordinator would.
type stubDispatcher struct {
	hub          *Hub
	joins        chan string
	operations   chan []flow.Transaction
	messages     chan MessagePayload
	disconnected chan string
	fail         error
}

func newStubDispatcher(hub *Hub) *stubDispatcher {
	return &stubDispatcher{
		hub:          hub,
		joins:        make(chan string, 8),
		operations:   make(chan []flow.Transaction, 8),
		messages:     make(chan MessagePayload, 8),
		disconnected: make(chan string, 8),
	}
}

func (d *stubDispatcher) JoinProject(ctx context.Context, sess *Session, flowID string) error {
	if d.fail != nil {
		return d.fail
	}
	d.hub.Join(flowID, sess.ConnectionID)
	d.joins <- flowID
	return nil
}

func (d *stubDispatcher) LeaveProject(ctx context.Context, sess *Session, flowID string) error {
	d.hub.Leave(flowID, sess.ConnectionID)
	return nil
}

func (d *stubDispatcher) CursorPosition(ctx context.Context, sess *Session, flowID string, pos flow.Position) error {
	return nil
}

func (d *stubDispatcher) SelectionUpdate(ctx context.Context, sess *Session, flowID string, selection json.RawMessage) error {
	return nil
}

func (d *stubDispatcher) FlowOperation(ctx context.Context, sess *Session, flowID string, batch []flow.Transaction) error {
	if d.fail != nil {
		return d.fail
	}
	d.operations <- batch
	return nil
}

func (d *stubDispatcher) UserMessage(ctx context.Context, sess *Session, p MessagePayload) error {
	d.messages <- p
	return nil
}

func (d *stubDispatcher) PlanApproved(ctx context.Context, sess *Session, p PlanPayload) error {
	return nil
}

func (d *stubDispatcher) ImageUpload(ctx context.Context, sess *Session, p ImagePayload) error {
	return nil
}

func (d *stubDispatcher) Disconnected(ctx context.Context, sess *Session) {
	d.disconnected <- sess.ConnectionID
}

type testGateway struct {
	gw         *Gateway
	dispatcher *stubDispatcher
	bus        *bus.Bus
	tokens     *auth.TokenService
	server     *httptest.Server
}

func newTestGateway(t *testing.T, limits map[ratelimit.Tier]ratelimit.Limits) *testGateway {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	tokens, err := auth.NewTokenService(testSigningKey, time.Hour)
	require.NoError(t, err)

	eventBus := bus.New(store)
	t.Cleanup(func() { _ = eventBus.Close() })

	hub := NewHub()
	dispatcher := newStubDispatcher(hub)
	gw := New(Config{
		Tokens:     tokens,
		Limiter:    ratelimit.New(store, limits),
		Hub:        hub,
		Dispatcher: dispatcher,
		Bus:        eventBus,
	})
	require.NoError(t, gw.StartBridge(context.Background()))

	e := echo.New()
	e.GET("/ws", gw.HandleWS)
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	return &testGateway{gw: gw, dispatcher: dispatcher, bus: eventBus, tokens: tokens, server: srv}
}

func (tg *testGateway) dial(t *testing.T, token string) (*websocket.Conn, *http.Response) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tg.server.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp
}

// connect dials and consumes the connected frame, returning the
// connection and its server-assigned id.
func (tg *testGateway) connect(t *testing.T, userID, tier string) (*websocket.Conn, string) {
	t.Helper()
	token, err := tg.tokens.GenerateToken(userID, tier, "ws-1")
	require.NoError(t, err)

	conn, _ := tg.dial(t, token)
	require.NotNil(t, conn)

	frame := readFrame(t, conn)
	require.Equal(t, EventConnected, frame.Event)
	var p ConnectedPayload
	require.NoError(t, frame.Decode(&p))
	return conn, p.ConnectionID
}

func readFrame(t *testing.T, conn *websocket.Conn) *Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := ParseFrame(data)
	require.NoError(t, err)
	return frame
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(NewFrame(event, payload)))
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	tg := newTestGateway(t, nil)

	conn, resp := tg.dial(t, "not-a-token")
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeEnforcesConnectionLimit(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	free := limits[ratelimit.TierFree]
	free.MaxConnections = 1
	limits[ratelimit.TierFree] = free
	tg := newTestGateway(t, limits)

	_, _ = tg.connect(t, "u1", "free")

	token, err := tg.tokens.GenerateToken("u1", "free", "")
	require.NoError(t, err)
	conn, resp := tg.dial(t, token)
	assert.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestConnectedFrameAndDispatch(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn, _ := tg.connect(t, "u1", "pro")

	writeFrame(t, conn, EventJoinProject, FlowRef{FlowID: "flow-1"})
	select {
	case flowID := <-tg.dispatcher.joins:
		assert.Equal(t, "flow-1", flowID)
	case <-time.After(2 * time.Second):
		t.Fatal("join never reached the dispatcher")
	}

	writeFrame(t, conn, EventFlowOperation, OperationPayload{
		FlowID: "flow-1",
		Batch: []flow.Transaction{
			flow.NewTransaction(flow.AddNode, flow.NodePayload{ID: "n1", Type: flow.NodeNote}),
		},
	})
	select {
	case batch := <-tg.dispatcher.operations:
		require.Len(t, batch, 1)
		assert.Equal(t, flow.AddNode, batch[0].Action)
	case <-time.After(2 * time.Second):
		t.Fatal("operation never reached the dispatcher")
	}
}

func TestUnknownEventGetsErrorFrame(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn, _ := tg.connect(t, "u1", "pro")

	writeFrame(t, conn, "teleport", map[string]string{})
	frame := readFrame(t, conn)
	require.Equal(t, EventError, frame.Event)
	var p ErrorPayload
	require.NoError(t, frame.Decode(&p))
	assert.Equal(t, errcode.Validation, p.Type)
}

func TestDispatcherErrorsReachTheClient(t *testing.T) {
	tg := newTestGateway(t, nil)
	tg.dispatcher.fail = errcode.New(errcode.NotInProject, "join the project first")
	conn, _ := tg.connect(t, "u1", "pro")

	writeFrame(t, conn, EventFlowOperation, OperationPayload{FlowID: "flow-1"})
	frame := readFrame(t, conn)
	require.Equal(t, EventError, frame.Event)
	var p ErrorPayload
	require.NoError(t, frame.Decode(&p))
	assert.Equal(t, errcode.NotInProject, p.Type)
}

func TestMessageRateLimitDropsFloods(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	free := limits[ratelimit.TierFree]
	free.MaxMsgPerSec = 1
	limits[ratelimit.TierFree] = free
	tg := newTestGateway(t, limits)
	conn, _ := tg.connect(t, "u1", "free")

	for i := 0; i < 5; i++ {
		writeFrame(t, conn, EventJoinProject, FlowRef{FlowID: "flow-1"})
	}

	// At least one of the burst lands in the same wall-clock second as
	// its predecessor and comes back as a rate limit error.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("no rate limit error for a 5-frame burst")
		default:
		}
		frame := readFrame(t, conn)
		if frame.Event != EventError {
			continue
		}
		var p ErrorPayload
		require.NoError(t, frame.Decode(&p))
		assert.Equal(t, errcode.RateLimit, p.Type)
		return
	}
}

func TestDisconnectReleasesSlot(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	free := limits[ratelimit.TierFree]
	free.MaxConnections = 1
	limits[ratelimit.TierFree] = free
	tg := newTestGateway(t, limits)

	conn, connID := tg.connect(t, "u1", "free")
	require.NoError(t, conn.Close())

	select {
	case id := <-tg.dispatcher.disconnected:
		assert.Equal(t, connID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect never reached the dispatcher")
	}

	// The slot is free again, so the same user can reconnect.
	token, err := tg.tokens.GenerateToken("u1", "free", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, _ := tg.dial(t, token)
		return c != nil
	}, 2*time.Second, 50*time.Millisecond)
}

func TestBridgeForwardsFlowUpdates(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn, _ := tg.connect(t, "u1", "pro")

	writeFrame(t, conn, EventJoinProject, FlowRef{FlowID: "flow-1"})
	select {
	case <-tg.dispatcher.joins:
	case <-time.After(2 * time.Second):
		t.Fatal("join never reached the dispatcher")
	}

	err := tg.bus.Publish(context.Background(), bus.FlowUpdateTopic("flow-1"), flow.UpdateEvent{
		FlowID:  "flow-1",
		Version: "1.0.3",
		UserID:  "u2",
		Changes: []flow.Change{{Action: flow.AddNode, ID: "n1"}},
	})
	require.NoError(t, err)

	frame := readFrame(t, conn)
	require.Equal(t, EventFlowUpdated, frame.Event)
	var p FlowUpdatedPayload
	require.NoError(t, frame.Decode(&p))
	assert.Equal(t, "1.0.3", p.Version)
	assert.Equal(t, "u2", p.UserID)
	require.Len(t, p.Changes, 1)
}

func TestBridgeRoutesDirectAIResponses(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn, connID := tg.connect(t, "u1", "pro")

	err := tg.bus.Publish(context.Background(), bus.AIResponseTopic("req-1"), ai.Response{
		RequestID:    "req-1",
		Type:         "answer",
		Content:      "here is your flow",
		ConnectionID: connID,
	})
	require.NoError(t, err)

	frame := readFrame(t, conn)
	require.Equal(t, EventAIResponse, frame.Event)
	var p AIResponsePayload
	require.NoError(t, frame.Decode(&p))
	assert.Equal(t, "here is your flow", p.Content)
}

func TestBridgeBroadcastsRoomAIResponses(t *testing.T) {
	tg := newTestGateway(t, nil)
	conn, _ := tg.connect(t, "u1", "pro")

	// Project-scoped responses fan out to the room named by projectId.
	writeFrame(t, conn, EventJoinProject, FlowRef{FlowID: "proj-1"})
	select {
	case <-tg.dispatcher.joins:
	case <-time.After(2 * time.Second):
		t.Fatal("join never reached the dispatcher")
	}

	err := tg.bus.Publish(context.Background(), bus.AIResponseTopic("req-2"), ai.Response{
		RequestID: "req-2",
		Type:      "status",
		Content:   "thinking",
		ProjectID: "proj-1",
	})
	require.NoError(t, err)

	frame := readFrame(t, conn)
	require.Equal(t, EventAIResponse, frame.Event)
}
