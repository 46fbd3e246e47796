package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"arcflow.dev/bus"
	"arcflow.dev/common"
	"arcflow.dev/flow"
)

// Worker is the reference implementation of the worker contract. It
// answers message intents with a deterministic ghost subgraph derived
// from the message text, which is enough to exercise the full
// propose-approve-commit loop without a model behind it. Each request
// is handled on its own goroutine; the contract assumes a single
// consumer per request, so no cross-request coordination happens here.
type Worker struct {
	bus *bus.Bus
	log *logrus.Entry
	sub interface{ Close() error }
}

// NewWorker creates a reference worker over the event bus.
func NewWorker(eventBus *bus.Bus) *Worker {
	return &Worker{
		bus: eventBus,
		log: common.Component("aiworker"),
	}
}

// Start subscribes to every request topic. Responses are published
// until Close.
func (w *Worker) Start(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx, bus.AIRequestPattern, func(topic string, payload []byte) error {
		var req Request
		if err := json.Unmarshal(payload, &req); err != nil {
			return fmt.Errorf("malformed request on %s: %w", topic, err)
		}
		go w.handle(ctx, &req)
		return nil
	})
	if err != nil {
		return err
	}
	w.sub = sub
	w.log.Info("ai worker listening")
	return nil
}

// Close stops consuming requests.
func (w *Worker) Close() error {
	if w.sub != nil {
		return w.sub.Close()
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, req *Request) {
	w.log.WithFields(logrus.Fields{
		"request": req.RequestID,
		"kind":    req.Kind,
		"project": req.ProjectID,
	}).Info("handling intent")

	var resp Response
	switch req.Kind {
	case KindMessage:
		proposal := Propose(req)
		if err := w.bus.Publish(ctx, bus.FlowGhostTopic(req.ProjectID), proposal); err != nil {
			w.log.WithError(err).WithField("request", req.RequestID).Warn("ghost publish failed")
		}
		resp = Response{
			RequestID: req.RequestID,
			Type:      "plan",
			Content:   fmt.Sprintf("Proposed %d nodes and %d edges.", len(proposal.Nodes), len(proposal.Edges)),
			Metadata: map[string]any{
				"proposalId": proposal.ProposalID,
				"nodeCount":  len(proposal.Nodes),
				"edgeCount":  len(proposal.Edges),
			},
		}
	case KindImage:
		resp = Response{
			RequestID: req.RequestID,
			Type:      "analysis",
			Content:   fmt.Sprintf("Received a %s image for %s.", req.ImageMIME, req.Purpose),
		}
	default:
		resp = Response{
			RequestID: req.RequestID,
			Type:      "message",
			Content:   "Acknowledged.",
		}
	}

	resp.ProjectID = req.ProjectID
	resp.ConnectionID = req.ConnectionID
	resp.Timestamp = time.Now().UTC()
	if err := w.bus.Publish(ctx, bus.AIResponseTopic(req.RequestID), resp); err != nil {
		w.log.WithError(err).WithField("request", req.RequestID).Warn("response publish failed")
	}
}

// Propose derives a ghost subgraph from the request text. A screen is
// always proposed; a message that enumerates alternatives ("a or b")
// additionally gets a condition node with one branch per alternative.
func Propose(req *Request) *GhostProposal {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	screenID := "ghost-screen-" + short

	proposal := &GhostProposal{
		ProposalID: "plan-" + uuid.NewString(),
		RequestID:  req.RequestID,
		ProjectID:  req.ProjectID,
		FlowID:     req.FlowID,
		CreatedAt:  time.Now().UTC(),
		Nodes: []flow.Node{{
			ID:       screenID,
			Type:     flow.NodeScreen,
			Position: flow.Position{X: 0, Y: 120},
			Data:     map[string]any{"title": title(req.Message)},
			Ghost:    true,
		}},
	}

	alternatives := splitAlternatives(req.Message)
	if len(alternatives) < 2 {
		return proposal
	}

	conditionID := "ghost-condition-" + short
	branches := make([]map[string]any, 0, len(alternatives))
	for i, alt := range alternatives {
		branches = append(branches, map[string]any{
			"id":    fmt.Sprintf("branch-%d", i+1),
			"label": alt,
		})
	}
	proposal.Nodes = append(proposal.Nodes, flow.Node{
		ID:       conditionID,
		Type:     flow.NodeCondition,
		Position: flow.Position{X: 0, Y: 260},
		Data:     map[string]any{"branches": branches},
		Ghost:    true,
	})
	proposal.Edges = append(proposal.Edges, flow.Edge{
		ID:     "ghost-edge-" + short,
		Source: screenID,
		Target: conditionID,
		Ghost:  true,
	})
	return proposal
}

func title(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "New screen"
	}
	if len(message) > 48 {
		message = message[:48]
	}
	return strings.ToUpper(message[:1]) + message[1:]
}

// splitAlternatives finds enumerated options in free text, e.g.
// "checkout with card, paypal or invoice".
func splitAlternatives(message string) []string {
	lower := strings.ToLower(message)
	i := strings.LastIndex(lower, " or ")
	if i < 0 {
		return nil
	}
	head, tail := message[:i], strings.TrimSpace(message[i+4:])

	var parts []string
	if j := strings.LastIndexAny(head, ".:"); j >= 0 {
		head = head[j+1:]
	}
	for _, p := range strings.Split(head, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		// Only the final comma-separated clause enumerates options.
		parts = parts[len(parts)-minInt(len(parts), 3):]
	}
	if tail != "" {
		parts = append(parts, strings.TrimRight(tail, ".!?"))
	}
	if len(parts) < 2 {
		return nil
	}
	return parts
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
