package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"arcflow.dev/ai"
	"arcflow.dev/auth"
	"arcflow.dev/bus"
	"arcflow.dev/common"
	"arcflow.dev/errcode"
	"arcflow.dev/flow"
	"arcflow.dev/ratelimit"
)

// Dispatcher handles the client intents the gateway itself does not
// own: room lifecycle, presence, mutations and AI intents. The
// collaboration coordinator implements it.
type Dispatcher interface {
	JoinProject(ctx context.Context, sess *Session, flowID string) error
	LeaveProject(ctx context.Context, sess *Session, flowID string) error
	CursorPosition(ctx context.Context, sess *Session, flowID string, pos flow.Position) error
	SelectionUpdate(ctx context.Context, sess *Session, flowID string, selection json.RawMessage) error
	FlowOperation(ctx context.Context, sess *Session, flowID string, batch []flow.Transaction) error
	UserMessage(ctx context.Context, sess *Session, p MessagePayload) error
	PlanApproved(ctx context.Context, sess *Session, p PlanPayload) error
	ImageUpload(ctx context.Context, sess *Session, p ImagePayload) error
	Disconnected(ctx context.Context, sess *Session)
}

// Stats is a snapshot of gateway counters for the metrics surface.
type Stats struct {
	Connections      int
	MessagesReceived int64
	MessagesDropped  int64
	HandlerErrors    int64
}

// Gateway accepts and serves websocket clients.
type Gateway struct {
	tokens     *auth.TokenService
	limiter    *ratelimit.Limiter
	hub        *Hub
	dispatcher Dispatcher
	bus        *bus.Bus
	log        *logrus.Entry
	upgrader   websocket.Upgrader

	messagesReceived atomic.Int64
	messagesDropped  atomic.Int64
	handlerErrors    atomic.Int64
}

// Config wires a Gateway.
type Config struct {
	Tokens     *auth.TokenService
	Limiter    *ratelimit.Limiter
	Hub        *Hub
	Dispatcher Dispatcher
	Bus        *bus.Bus
	// CheckOrigin overrides the upgrader's origin policy. Nil accepts
	// any origin, which matches a gateway fronted by its own CORS layer.
	CheckOrigin func(r *http.Request) bool
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Gateway{
		tokens:     cfg.Tokens,
		limiter:    cfg.Limiter,
		hub:        cfg.Hub,
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		log:        common.Component("gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Hub exposes the room registry for wiring into the coordinator.
func (g *Gateway) Hub() *Hub {
	return g.hub
}

// Snapshot returns the current counter values.
func (g *Gateway) Snapshot() Stats {
	return Stats{
		Connections:      g.hub.ConnectionCount(),
		MessagesReceived: g.messagesReceived.Load(),
		MessagesDropped:  g.messagesDropped.Load(),
		HandlerErrors:    g.handlerErrors.Load(),
	}
}

// HandleWS is the echo handler for the websocket endpoint. The token
// comes from the `token` query parameter or a bearer Authorization
// header.
func (g *Gateway) HandleWS(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token = strings.TrimPrefix(header, "Bearer ")
	}
	claims, err := g.tokens.ValidateToken(token)
	if err != nil {
		return c.JSON(http.StatusUnauthorized, ErrorPayload{
			Type:    errcode.AuthFailed,
			Message: "authentication failed",
		})
	}

	decision, err := g.limiter.AcquireConnection(c.Request().Context(), claims.UserID, ratelimit.Tier(claims.Tier))
	if err != nil || !decision.Allowed {
		return c.JSON(http.StatusTooManyRequests, ErrorPayload{
			Type:    errcode.ConnLimit,
			Message: decision.Reason,
		})
	}

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		_ = g.limiter.ReleaseConnection(c.Request().Context(), claims.UserID)
		return err
	}

	session := &Session{
		ConnectionID: "conn-" + uuid.NewString(),
		UserID:       claims.UserID,
		Tier:         claims.Tier,
		WorkspaceID:  claims.WorkspaceID,
		ConnectedAt:  time.Now().UTC(),
	}
	g.serve(session, conn)
	return nil
}

// serve runs one connection to completion.
func (g *Gateway) serve(session *Session, conn *websocket.Conn) {
	client := newClient(context.Background(), session, conn, g.log)
	g.hub.add(client)

	g.log.WithFields(logrus.Fields{
		"connection": session.ConnectionID,
		"user":       session.UserID,
		"tier":       session.Tier,
	}).Info("client connected")

	client.send(NewFrame(EventConnected, ConnectedPayload{
		ConnectionID: session.ConnectionID,
		UserID:       session.UserID,
		Tier:         session.Tier,
	}))

	client.wg.Add(2)
	go client.writeLoop()
	client.readLoop(g.dispatch)

	g.disconnect(client)
	client.wg.Wait()
}

// disconnect tears a client down: the coordinator leaves its rooms and
// clears its presence keys, then the connection slot is released.
func (g *Gateway) disconnect(client *Client) {
	session := client.session
	client.close()

	// The per-connection context is gone; cleanup gets its own window.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g.dispatcher.Disconnected(ctx, session)
	g.hub.remove(session.ConnectionID)
	if err := g.limiter.ReleaseConnection(ctx, session.UserID); err != nil {
		g.log.WithError(err).WithField("user", session.UserID).Warn("connection slot release failed")
	}

	g.log.WithFields(logrus.Fields{
		"connection": session.ConnectionID,
		"user":       session.UserID,
	}).Info("client disconnected")
}

// dispatch routes one incoming frame. Every frame consumes message
// budget first; mutation and AI intents additionally consume the
// hourly and daily request budget.
func (g *Gateway) dispatch(client *Client, frame *Frame) {
	g.messagesReceived.Add(1)
	ctx := client.Context()
	session := client.session

	decision, _ := g.limiter.CheckMessage(ctx, session.ConnectionID, ratelimit.Tier(session.Tier))
	if !decision.Allowed {
		g.messagesDropped.Add(1)
		client.send(NewFrame(EventError, ErrorPayload{Type: decision.Code, Message: decision.Reason}))
		return
	}

	if err := g.handle(ctx, client, frame); err != nil {
		g.handlerErrors.Add(1)
		g.log.WithError(err).WithFields(logrus.Fields{
			"connection": session.ConnectionID,
			"event":      frame.Event,
		}).Warn("frame handler failed")
		client.send(ErrorFrame(err))
	}
}

func (g *Gateway) handle(ctx context.Context, client *Client, frame *Frame) error {
	session := client.session
	switch frame.Event {
	case EventJoinProject:
		var p FlowRef
		if err := frame.Decode(&p); err != nil {
			return err
		}
		return g.dispatcher.JoinProject(ctx, session, p.FlowID)

	case EventLeaveProject:
		var p FlowRef
		if err := frame.Decode(&p); err != nil {
			return err
		}
		return g.dispatcher.LeaveProject(ctx, session, p.FlowID)

	case EventCursorPosition:
		var p CursorPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		return g.dispatcher.CursorPosition(ctx, session, p.FlowID, p.Position)

	case EventSelectionUpdate:
		var p SelectionPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		return g.dispatcher.SelectionUpdate(ctx, session, p.FlowID, p.Selection)

	case EventFlowOperation:
		var p OperationPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		if err := g.checkRequestBudget(ctx, session); err != nil {
			return err
		}
		return g.dispatcher.FlowOperation(ctx, session, p.FlowID, p.Transactions())

	case EventUserMessage:
		var p MessagePayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		if err := g.checkRequestBudget(ctx, session); err != nil {
			return err
		}
		return g.dispatcher.UserMessage(ctx, session, p)

	case EventPlanApproved:
		var p PlanPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		if err := g.checkRequestBudget(ctx, session); err != nil {
			return err
		}
		return g.dispatcher.PlanApproved(ctx, session, p)

	case EventImageUpload:
		var p ImagePayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		if err := g.checkRequestBudget(ctx, session); err != nil {
			return err
		}
		return g.dispatcher.ImageUpload(ctx, session, p)

	default:
		return errcode.New(errcode.Validation, "unknown event %q", frame.Event)
	}
}

func (g *Gateway) checkRequestBudget(ctx context.Context, session *Session) error {
	decision, _ := g.limiter.CheckRequest(ctx, session.UserID, ratelimit.Tier(session.Tier))
	if !decision.Allowed {
		return errcode.New(decision.Code, "%s", decision.Reason)
	}
	return nil
}

// StartBridge subscribes to the cross-instance topics and forwards
// matching events to local room members. Payloads addressed to a
// specific connectionId go to that client only; the rest fan out to
// the room. Errors in the fan-out path are logged and swallowed so one
// bad member cannot starve a room.
func (g *Gateway) StartBridge(ctx context.Context) error {
	if _, err := g.bus.Subscribe(ctx, bus.FlowUpdatePattern, g.onFlowUpdate); err != nil {
		return err
	}
	if _, err := g.bus.Subscribe(ctx, bus.AIResponsePattern, g.onAIResponse); err != nil {
		return err
	}
	return nil
}

// FlowUpdatedPayload is the flow_updated frame body.
type FlowUpdatedPayload struct {
	FlowID    string        `json:"flowId"`
	Version   string        `json:"version,omitempty"`
	Changes   []flow.Change `json:"changes"`
	UserID    string        `json:"userId"`
	Timestamp time.Time     `json:"timestamp"`
}

func (g *Gateway) onFlowUpdate(topic string, payload []byte) error {
	var event flow.UpdateEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	g.hub.Broadcast(event.FlowID, EventFlowUpdated, FlowUpdatedPayload{
		FlowID:    event.FlowID,
		Version:   event.Version,
		Changes:   event.Changes,
		UserID:    event.UserID,
		Timestamp: event.Timestamp,
	}, "")
	return nil
}

// AIResponsePayload is the ai_response frame body.
type AIResponsePayload struct {
	Type      string         `json:"type"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (g *Gateway) onAIResponse(topic string, payload []byte) error {
	var resp ai.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return err
	}
	body := AIResponsePayload{
		Type:      resp.Type,
		Content:   resp.Content,
		Metadata:  resp.Metadata,
		Timestamp: resp.Timestamp,
	}
	if resp.ConnectionID != "" {
		g.hub.SendEvent(resp.ConnectionID, EventAIResponse, body)
		return nil
	}
	g.hub.Broadcast(resp.ProjectID, EventAIResponse, body, "")
	return nil
}
