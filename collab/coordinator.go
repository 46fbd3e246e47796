// Package collab coordinates the live editing session on top of the
// gateway: room membership backed by flow tenancy checks, shared
// cursors and selections, per-flow serial mutation queues, and the AI
// intent loop from user message to approved ghost proposal.
package collab

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"arcflow.dev/ai"
	"arcflow.dev/bus"
	"arcflow.dev/common"
	"arcflow.dev/errcode"
	"arcflow.dev/flow"
	"arcflow.dev/gateway"
	"arcflow.dev/kv"
)

// maxImageBytes caps decoded image uploads at 10 MiB.
const maxImageBytes = 10 << 20

// EventGhostProposal is broadcast to a flow room when a worker proposes
// a ghost subgraph.
const EventGhostProposal = "ghost_proposal"

// trackedProposal ties a ghost proposal to the connection whose message
// produced it. Proposals die with that connection.
type trackedProposal struct {
	proposal     *ai.GhostProposal
	connectionID string
}

// Coordinator implements the gateway's dispatch contract.
type Coordinator struct {
	hub   *gateway.Hub
	flows *flow.Manager
	store *kv.Store
	bus   *bus.Bus
	log   *logrus.Entry

	ctx  context.Context
	stop context.CancelFunc
	sub  interface{ Close() error }

	muQueues sync.Mutex
	queues   map[string]*serialQueue

	muPlans sync.Mutex
	// pending maps in-flight AI request ids to their originating
	// connection so ghost proposals can be attributed.
	pending   map[string]string
	proposals map[string]*trackedProposal
}

// New creates a Coordinator.
func New(hub *gateway.Hub, flows *flow.Manager, store *kv.Store, eventBus *bus.Bus) *Coordinator {
	return &Coordinator{
		hub:       hub,
		flows:     flows,
		store:     store,
		bus:       eventBus,
		log:       common.Component("collab"),
		queues:    make(map[string]*serialQueue),
		pending:   make(map[string]string),
		proposals: make(map[string]*trackedProposal),
	}
}

// Start subscribes to ghost proposal topics and anchors the lifetime of
// the mutation queues.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.stop = context.WithCancel(ctx)
	sub, err := c.bus.Subscribe(c.ctx, bus.FlowGhostPattern, c.onGhostProposal)
	if err != nil {
		c.stop()
		return err
	}
	c.sub = sub
	return nil
}

// Close stops the ghost subscription and drains every mutation queue.
func (c *Coordinator) Close() error {
	if c.sub != nil {
		_ = c.sub.Close()
	}
	c.muQueues.Lock()
	queues := make([]*serialQueue, 0, len(c.queues))
	for _, q := range c.queues {
		queues = append(queues, q)
	}
	c.queues = make(map[string]*serialQueue)
	c.muQueues.Unlock()
	for _, q := range queues {
		q.stop()
	}
	if c.stop != nil {
		c.stop()
	}
	return nil
}

// QueueDepth reports the total number of queued mutation batches, for
// the metrics surface.
func (c *Coordinator) QueueDepth() int {
	c.muQueues.Lock()
	defer c.muQueues.Unlock()
	depth := 0
	for _, q := range c.queues {
		depth += q.depth()
	}
	return depth
}

// JoinedPayload is the joined_project frame body: the roster and the
// current cursor snapshot.
type JoinedPayload struct {
	FlowID  string           `json:"flowId"`
	Users   []gateway.Member `json:"users"`
	Cursors []CursorState    `json:"cursors"`
}

// MembershipPayload announces a roster change to a flow room. The
// flowId is part of the payload because a client can sit in several
// rooms on one connection.
type MembershipPayload struct {
	UserID    string    `json:"userId"`
	FlowID    string    `json:"flowId"`
	Timestamp time.Time `json:"timestamp"`
}

// JoinProject admits a connection into a flow room after the flow's
// tenancy is verified.
func (c *Coordinator) JoinProject(ctx context.Context, sess *gateway.Session, flowID string) error {
	if flowID == "" {
		return errcode.New(errcode.Validation, "join_project requires flowId")
	}
	if _, err := c.flows.GetFlow(ctx, flowID, flow.Filter{WorkspaceID: sess.WorkspaceID}); err != nil {
		return err
	}

	c.hub.Join(flowID, sess.ConnectionID)
	c.log.WithFields(logrus.Fields{
		"flow":       flowID,
		"user":       sess.UserID,
		"connection": sess.ConnectionID,
	}).Info("joined flow room")

	c.hub.Broadcast(flowID, gateway.EventUserJoined, MembershipPayload{
		UserID:    sess.UserID,
		FlowID:    flowID,
		Timestamp: time.Now().UTC(),
	}, sess.ConnectionID)

	c.hub.SendEvent(sess.ConnectionID, gateway.EventJoinedProject, JoinedPayload{
		FlowID:  flowID,
		Users:   c.hub.Members(flowID),
		Cursors: c.cursorSnapshot(ctx, flowID),
	})
	return nil
}

// LeaveProject removes a connection from a flow room. Leaving a room
// the connection never joined is a no-op.
func (c *Coordinator) LeaveProject(ctx context.Context, sess *gateway.Session, flowID string) error {
	if !c.hub.IsMember(flowID, sess.ConnectionID) {
		return nil
	}
	c.leaveRoom(ctx, sess, flowID)
	return nil
}

func (c *Coordinator) leaveRoom(ctx context.Context, sess *gateway.Session, flowID string) {
	c.hub.Leave(flowID, sess.ConnectionID)
	c.clearCursor(ctx, flowID, sess.UserID)
	c.hub.Broadcast(flowID, gateway.EventUserLeft, MembershipPayload{
		UserID:    sess.UserID,
		FlowID:    flowID,
		Timestamp: time.Now().UTC(),
	}, sess.ConnectionID)
	c.maybeDisposeQueue(flowID)
}

// CursorUpdatePayload is the cursor_update frame body.
type CursorUpdatePayload struct {
	FlowID    string        `json:"flowId"`
	UserID    string        `json:"userId"`
	Position  flow.Position `json:"position"`
	Timestamp time.Time     `json:"timestamp"`
}

// CursorPosition stores and fans out a member's cursor. Traffic from a
// connection that is not in the room is dropped silently; stale frames
// arrive routinely around leave.
func (c *Coordinator) CursorPosition(ctx context.Context, sess *gateway.Session, flowID string, pos flow.Position) error {
	if !c.hub.IsMember(flowID, sess.ConnectionID) {
		return nil
	}
	if err := c.saveCursor(ctx, flowID, sess.UserID, pos); err != nil {
		c.log.WithError(err).WithField("flow", flowID).Debug("cursor save failed")
	}
	c.hub.Broadcast(flowID, gateway.EventCursorUpdate, CursorUpdatePayload{
		FlowID:    flowID,
		UserID:    sess.UserID,
		Position:  pos,
		Timestamp: time.Now().UTC(),
	}, sess.ConnectionID)
	return nil
}

// SelectionBroadcast is the selection_update frame fanned out to the
// rest of the room. The selection itself is opaque to the server.
type SelectionBroadcast struct {
	FlowID    string          `json:"flowId"`
	UserID    string          `json:"userId"`
	Selection json.RawMessage `json:"selection"`
	Timestamp time.Time       `json:"timestamp"`
}

// SelectionUpdate fans out a member's selection. Not persisted.
func (c *Coordinator) SelectionUpdate(ctx context.Context, sess *gateway.Session, flowID string, selection json.RawMessage) error {
	if !c.hub.IsMember(flowID, sess.ConnectionID) {
		return nil
	}
	c.hub.Broadcast(flowID, gateway.EventSelectionUpdate, SelectionBroadcast{
		FlowID:    flowID,
		UserID:    sess.UserID,
		Selection: selection,
		Timestamp: time.Now().UTC(),
	}, sess.ConnectionID)
	return nil
}

// FlowOperation queues a mutation batch on the flow's serial queue.
// The committed update reaches the room through the flow update topic,
// so success needs no direct reply; failures go back to the originator
// as error frames.
func (c *Coordinator) FlowOperation(ctx context.Context, sess *gateway.Session, flowID string, batch []flow.Transaction) error {
	if !c.hub.IsMember(flowID, sess.ConnectionID) {
		return errcode.New(errcode.NotInProject, "join flow %s before editing it", flowID)
	}
	if len(batch) == 0 {
		return errcode.New(errcode.Validation, "flow_operation without operations")
	}
	return c.enqueueMutation(flowID, sess, batch)
}

func (c *Coordinator) enqueueMutation(flowID string, sess *gateway.Session, batch []flow.Transaction) error {
	connectionID, userID := sess.ConnectionID, sess.UserID
	return c.queueFor(flowID).enqueue(func(ctx context.Context) {
		if _, err := c.flows.UpdateFlow(ctx, flowID, batch, userID); err != nil {
			c.log.WithError(err).WithFields(logrus.Fields{
				"flow": flowID,
				"user": userID,
			}).Warn("mutation batch rejected")
			c.hub.SendTo(connectionID, gateway.ErrorFrame(err))
		}
	})
}

// AckPayload acknowledges an accepted AI intent.
type AckPayload struct {
	RequestID string `json:"requestId,omitempty"`
	PlanID    string `json:"planId,omitempty"`
	Status    string `json:"status"`
}

// UserMessage forwards a chat message to the AI workers and
// acknowledges acceptance.
func (c *Coordinator) UserMessage(ctx context.Context, sess *gateway.Session, p gateway.MessagePayload) error {
	if p.Message == "" {
		return errcode.New(errcode.Validation, "message must not be empty")
	}
	req := ai.Request{
		RequestID:    "req-" + uuid.NewString(),
		Kind:         ai.KindMessage,
		ProjectID:    p.ProjectID,
		FlowID:       p.FlowID,
		UserID:       sess.UserID,
		ConnectionID: sess.ConnectionID,
		Message:      p.Message,
		Context:      p.Context,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := c.publishRequest(ctx, &req); err != nil {
		return err
	}
	c.hub.SendEvent(sess.ConnectionID, gateway.EventMessageAck, AckPayload{
		RequestID: req.RequestID,
		Status:    "processing",
	})
	return nil
}

// PlanApproved commits a tracked ghost proposal through the flow's
// serial queue, exactly like a hand-authored mutation batch.
func (c *Coordinator) PlanApproved(ctx context.Context, sess *gateway.Session, p gateway.PlanPayload) error {
	if p.PlanID == "" {
		return errcode.New(errcode.Validation, "plan approval requires planId")
	}

	c.muPlans.Lock()
	tracked, ok := c.proposals[p.PlanID]
	c.muPlans.Unlock()
	if !ok {
		return errcode.New(errcode.NotFound, "no pending plan %s", p.PlanID)
	}

	flowID := tracked.proposal.FlowID
	if flowID == "" {
		flowID = p.FlowID
	}
	if flowID == "" {
		return errcode.New(errcode.Validation, "plan %s is not bound to a flow", p.PlanID)
	}
	if !c.hub.IsMember(flowID, sess.ConnectionID) {
		return errcode.New(errcode.NotInProject, "join flow %s before approving plans for it", flowID)
	}

	// Consume the proposal only once its batch is accepted; a failed
	// approval leaves the plan tracked for a retry.
	c.muPlans.Lock()
	_, ok = c.proposals[p.PlanID]
	delete(c.proposals, p.PlanID)
	c.muPlans.Unlock()
	if !ok {
		return errcode.New(errcode.NotFound, "no pending plan %s", p.PlanID)
	}

	if err := c.enqueueMutation(flowID, sess, tracked.proposal.Batch()); err != nil {
		c.muPlans.Lock()
		c.proposals[p.PlanID] = tracked
		c.muPlans.Unlock()
		return err
	}
	c.hub.SendEvent(sess.ConnectionID, gateway.EventPlanAck, AckPayload{
		PlanID: p.PlanID,
		Status: "executing",
	})
	return nil
}

// ImageUpload forwards an image to the AI workers after the size gate.
func (c *Coordinator) ImageUpload(ctx context.Context, sess *gateway.Session, p gateway.ImagePayload) error {
	if p.ImageData == "" {
		return errcode.New(errcode.Validation, "image upload without imageData")
	}
	if base64.StdEncoding.DecodedLen(len(p.ImageData)) > maxImageBytes {
		return errcode.New(errcode.SizeLimit, "image exceeds the 10 MiB limit")
	}
	req := ai.Request{
		RequestID:    "req-" + uuid.NewString(),
		Kind:         ai.KindImage,
		ProjectID:    p.ProjectID,
		UserID:       sess.UserID,
		ConnectionID: sess.ConnectionID,
		ImageData:    p.ImageData,
		ImageMIME:    p.MimeType,
		Purpose:      p.Purpose,
		SubmittedAt:  time.Now().UTC(),
	}
	if err := c.publishRequest(ctx, &req); err != nil {
		return err
	}
	c.hub.SendEvent(sess.ConnectionID, gateway.EventImageAck, AckPayload{
		RequestID: req.RequestID,
		Status:    "analyzing",
	})
	return nil
}

func (c *Coordinator) publishRequest(ctx context.Context, req *ai.Request) error {
	if err := c.bus.Publish(ctx, bus.AIRequestTopic(req.RequestID), req); err != nil {
		return errcode.Wrap(err, errcode.ServiceUnavailable, "ai request could not be queued")
	}
	c.muPlans.Lock()
	c.pending[req.RequestID] = req.ConnectionID
	c.muPlans.Unlock()
	return nil
}

// Disconnected clears everything a connection owned: room memberships,
// presence keys, in-flight request attribution and unapproved ghost
// proposals.
func (c *Coordinator) Disconnected(ctx context.Context, sess *gateway.Session) {
	for _, flowID := range c.hub.JoinedFlows(sess.ConnectionID) {
		c.leaveRoom(ctx, sess, flowID)
	}

	c.muPlans.Lock()
	for requestID, connectionID := range c.pending {
		if connectionID == sess.ConnectionID {
			delete(c.pending, requestID)
		}
	}
	for planID, tracked := range c.proposals {
		if tracked.connectionID == sess.ConnectionID {
			delete(c.proposals, planID)
		}
	}
	c.muPlans.Unlock()
}

// onGhostProposal tracks proposals published by workers and shows them
// to the flow's room. Proposals for requests whose connection is gone
// are discarded.
func (c *Coordinator) onGhostProposal(topic string, payload []byte) error {
	var proposal ai.GhostProposal
	if err := json.Unmarshal(payload, &proposal); err != nil {
		return err
	}

	c.muPlans.Lock()
	connectionID, pending := c.pending[proposal.RequestID]
	delete(c.pending, proposal.RequestID)
	if pending {
		c.proposals[proposal.ProposalID] = &trackedProposal{
			proposal:     &proposal,
			connectionID: connectionID,
		}
	}
	c.muPlans.Unlock()
	if !pending {
		return nil
	}

	c.log.WithFields(logrus.Fields{
		"proposal": proposal.ProposalID,
		"project":  proposal.ProjectID,
		"nodes":    len(proposal.Nodes),
		"edges":    len(proposal.Edges),
	}).Info("ghost proposal received")

	if proposal.FlowID != "" {
		c.hub.Broadcast(proposal.FlowID, EventGhostProposal, proposal, "")
	}
	return nil
}

func (c *Coordinator) queueFor(flowID string) *serialQueue {
	c.muQueues.Lock()
	defer c.muQueues.Unlock()
	q, ok := c.queues[flowID]
	if !ok {
		ctx := c.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		q = newSerialQueue(ctx, flowID, c.log)
		c.queues[flowID] = q
	}
	return q
}

// maybeDisposeQueue retires a flow's queue once its room is empty. The
// drain runs off the caller's goroutine because queued batches finish
// first.
func (c *Coordinator) maybeDisposeQueue(flowID string) {
	if len(c.hub.Members(flowID)) > 0 {
		return
	}
	c.muQueues.Lock()
	q, ok := c.queues[flowID]
	if ok {
		delete(c.queues, flowID)
	}
	c.muQueues.Unlock()
	if ok {
		go q.stop()
	}
}
