package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arcflow.dev/bus"
	"arcflow.dev/cache"
	"arcflow.dev/errcode"
	"arcflow.dev/kv"
)

// memStore is an in-memory Store with document-store revision
// semantics: Replace fails with ErrConflict when the revision is stale.
type memStore struct {
	mu      sync.Mutex
	docs    map[string]*Flow
	revSeq  int
	// conflicts makes the next n Replace calls lose the revision race.
	conflicts int
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]*Flow)}
}

func (s *memStore) Insert(ctx context.Context, f *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[f.ID]; exists {
		return ErrConflict
	}
	s.revSeq++
	f.Rev = fmt.Sprintf("%d-mem", s.revSeq)
	clone, _ := f.Clone()
	s.docs[f.ID] = clone
	return nil
}

func (s *memStore) Get(ctx context.Context, id string) (*Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return f.Clone()
}

func (s *memStore) Replace(ctx context.Context, f *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[f.ID]
	if !ok {
		return ErrNotFound
	}
	if s.conflicts > 0 {
		s.conflicts--
		return ErrConflict
	}
	if f.Rev != current.Rev {
		return ErrConflict
	}
	s.revSeq++
	f.Rev = fmt.Sprintf("%d-mem", s.revSeq)
	clone, _ := f.Clone()
	s.docs[f.ID] = clone
	return nil
}

type memVersions struct {
	mu       sync.Mutex
	appended []Version
}

func (s *memVersions) Append(ctx context.Context, v *Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, *v)
	return nil
}

func (s *memVersions) List(ctx context.Context, flowID string) ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Version
	for _, v := range s.appended {
		if v.FlowID == flowID {
			out = append(out, v)
		}
	}
	return out, nil
}

func newTestManager(t *testing.T) (*Manager, *memStore, *memVersions, *bus.Bus) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = store.Close() })

	cacheMgr := cache.New(store, cache.Config{})
	t.Cleanup(cacheMgr.Close)
	eventBus := bus.New(store)
	t.Cleanup(func() { _ = eventBus.Close() })

	docs := newMemStore()
	versions := &memVersions{}
	return NewManager(docs, versions, cacheMgr, eventBus), docs, versions, eventBus
}

func TestCreateFlowFromDefaultTemplate(t *testing.T) {
	m, _, versions, _ := newTestManager(t)
	ctx := context.Background()

	f, err := m.CreateFlow(ctx, CreateParams{ProjectID: "p1", UserID: "u1", Name: "Onboarding"})
	require.NoError(t, err)

	assert.Contains(t, f.ID, "flow-")
	assert.Equal(t, "1.0.0", f.Metadata.Version)
	assert.Equal(t, StatusActive, f.Metadata.Status)
	assert.Equal(t, "u1", f.Metadata.CreatedBy)
	require.Len(t, f.Nodes, 1)
	assert.Equal(t, NodeStart, f.Nodes[0].Type)

	// Creation snapshots 1.0.0 into the version log.
	require.Len(t, versions.appended, 1)
	assert.Equal(t, VersionID(f.ID, "1.0.0"), versions.appended[0].ID)
}

func TestCreateFlowFromNamedTemplate(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	f, err := m.CreateFlow(context.Background(), CreateParams{
		ProjectID: "p1", UserID: "u1", Template: "ecommerce",
	})
	require.NoError(t, err)
	assert.Greater(t, len(f.Nodes), 3)
	assert.NoError(t, Validate(f))
}

func TestCreateFlowUnknownTemplate(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.CreateFlow(context.Background(), CreateParams{Template: "no-such-template"})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.Validation))
}

func TestGetFlowFilters(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	f, err := m.CreateFlow(ctx, CreateParams{ProjectID: "p1", WorkspaceID: "w1", UserID: "u1"})
	require.NoError(t, err)

	got, err := m.GetFlow(ctx, f.ID, Filter{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)

	// A filter that does not match reads as absence, not as forbidden.
	_, err = m.GetFlow(ctx, f.ID, Filter{ProjectID: "p2"})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.NotFound))

	_, err = m.GetFlow(ctx, f.ID, Filter{WorkspaceID: "w2"})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.NotFound))
}

func TestGetFlowUnknownID(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.GetFlow(context.Background(), "flow-missing", Filter{})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.NotFound))
}

func TestUpdateFlowBumpsPatchOncePerBatch(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	f, err := m.CreateFlow(ctx, CreateParams{ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)

	updated, err := m.UpdateFlow(ctx, f.ID, []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "s1", Type: NodeScreen}),
		NewTransaction(AddNode, NodePayload{ID: "s2", Type: NodeScreen}),
		NewTransaction(AddEdge, EdgePayload{ID: "e1", Source: "s1", Target: "s2"}),
	}, "u2")
	require.NoError(t, err)

	assert.Equal(t, "1.0.1", updated.Metadata.Version)
	assert.Equal(t, "u2", updated.Metadata.LastModifiedBy)
	assert.Len(t, updated.Nodes, 3)

	list, err := m.ListVersions(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "1.0.1", list[1].Version)
	require.Len(t, list[1].Changes, 3)
	assert.Equal(t, AddNode, list[1].Changes[0].Action)
}

func TestUpdateFlowRejectedBatchLeavesNoTrace(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	f, err := m.CreateFlow(ctx, CreateParams{ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)

	_, err = m.UpdateFlow(ctx, f.ID, []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "s1", Type: NodeScreen}),
		NewTransaction(AddEdge, EdgePayload{ID: "e1", Source: "s1", Target: "missing"}),
	}, "u1")
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.Validation))

	got, err := m.GetFlow(ctx, f.ID, Filter{})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Metadata.Version)
	assert.Len(t, got.Nodes, 1)
}

func TestUpdateFlowRetriesOnceOnConflict(t *testing.T) {
	m, docs, _, _ := newTestManager(t)
	ctx := context.Background()

	f, err := m.CreateFlow(ctx, CreateParams{ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)

	docs.mu.Lock()
	docs.conflicts = 1
	docs.mu.Unlock()

	updated, err := m.UpdateFlow(ctx, f.ID, []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "s1", Type: NodeScreen}),
	}, "u1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", updated.Metadata.Version)
}

func TestUpdateFlowGivesUpAfterSecondConflict(t *testing.T) {
	m, docs, _, _ := newTestManager(t)
	ctx := context.Background()

	f, err := m.CreateFlow(ctx, CreateParams{ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)

	docs.mu.Lock()
	docs.conflicts = 2
	docs.mu.Unlock()

	_, err = m.UpdateFlow(ctx, f.ID, []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "s1", Type: NodeScreen}),
	}, "u1")
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.ServiceUnavailable))
}

func TestUpdateFlowPublishesUpdateEvent(t *testing.T) {
	m, _, _, eventBus := newTestManager(t)
	ctx := context.Background()

	f, err := m.CreateFlow(ctx, CreateParams{ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)

	events := make(chan UpdateEvent, 1)
	_, err = eventBus.Subscribe(ctx, bus.FlowUpdatePattern, func(_ string, payload []byte) error {
		var e UpdateEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return err
		}
		events <- e
		return nil
	})
	require.NoError(t, err)

	_, err = m.UpdateFlow(ctx, f.ID, []Transaction{
		NewTransaction(AddNode, NodePayload{ID: "s1", Type: NodeScreen}),
	}, "u2")
	require.NoError(t, err)

	select {
	case e := <-events:
		assert.Equal(t, f.ID, e.FlowID)
		assert.Equal(t, "u2", e.UserID)
		assert.Equal(t, "1.0.1", e.Version)
		require.Len(t, e.Changes, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("update event not published")
	}
}

func TestDeleteFlowIsSoft(t *testing.T) {
	m, docs, _, _ := newTestManager(t)
	ctx := context.Background()

	f, err := m.CreateFlow(ctx, CreateParams{ProjectID: "p1", UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, m.DeleteFlow(ctx, f.ID, "u1"))

	_, err = m.GetFlow(ctx, f.ID, Filter{})
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.NotFound))

	// The document itself survives for the audit trail.
	docs.mu.Lock()
	stored := docs.docs[f.ID]
	docs.mu.Unlock()
	require.NotNil(t, stored)
	assert.Equal(t, StatusDeleted, stored.Metadata.Status)
	assert.NotNil(t, stored.Metadata.DeletedAt)

	versions, err := m.ListVersions(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	// Deleting twice reads as absence.
	err = m.DeleteFlow(ctx, f.ID, "u1")
	require.Error(t, err)
	assert.True(t, errcode.IsCode(err, errcode.NotFound))
}
