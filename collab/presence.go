package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"arcflow.dev/flow"
)

// cursorTTL bounds how long a stale cursor survives a crashed client.
const cursorTTL = 60 * time.Second

// CursorState is one member's last known cursor, as stored in the KV
// store and as sent in room snapshots.
type CursorState struct {
	UserID    string        `json:"userId"`
	Position  flow.Position `json:"position"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func cursorKey(flowID, userID string) string {
	return fmt.Sprintf("cursor:%s:%s", flowID, userID)
}

// saveCursor writes a member's cursor with a fresh TTL. Presence is
// advisory; write failures are the caller's to log and swallow.
func (c *Coordinator) saveCursor(ctx context.Context, flowID, userID string, pos flow.Position) error {
	state := CursorState{UserID: userID, Position: pos, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, cursorKey(flowID, userID), string(data), cursorTTL)
}

// clearCursor removes a member's cursor on leave or disconnect.
func (c *Coordinator) clearCursor(ctx context.Context, flowID, userID string) {
	if _, err := c.store.Del(ctx, cursorKey(flowID, userID)); err != nil {
		c.log.WithError(err).WithField("flow", flowID).Debug("cursor delete failed")
	}
}

// cursorSnapshot returns every live cursor in a flow room. A partial or
// failed read degrades to an empty snapshot rather than failing a join.
func (c *Coordinator) cursorSnapshot(ctx context.Context, flowID string) []CursorState {
	keys, err := c.store.Keys(ctx, cursorKey(flowID, "*"))
	if err != nil || len(keys) == 0 {
		return []CursorState{}
	}
	values, err := c.store.MGet(ctx, keys...)
	if err != nil {
		return []CursorState{}
	}
	cursors := make([]CursorState, 0, len(values))
	for _, raw := range values {
		var state CursorState
		if err := json.Unmarshal([]byte(raw), &state); err == nil {
			cursors = append(cursors, state)
		}
	}
	return cursors
}
