package flow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"arcflow.dev/bus"
	"arcflow.dev/cache"
	"arcflow.dev/common"
	"arcflow.dev/errcode"
)

// Sentinel errors every Store implementation maps its backend failures
// onto, so the manager never inspects backend-specific error types.
var (
	// ErrNotFound reports a flow that does not exist in the store.
	ErrNotFound = errors.New("flow not found")
	// ErrConflict reports a lost single-document replace race.
	ErrConflict = errors.New("flow revision conflict")
)

// Store is the authoritative flow document store.
type Store interface {
	Insert(ctx context.Context, f *Flow) error
	Get(ctx context.Context, id string) (*Flow, error)
	Replace(ctx context.Context, f *Flow) error
}

// VersionStore appends and lists immutable version snapshots.
type VersionStore interface {
	Append(ctx context.Context, v *Version) error
	List(ctx context.Context, flowID string) ([]Version, error)
}

// Version is one committed snapshot in the append-only version log.
type Version struct {
	ID        string    `json:"_id"`
	Rev       string    `json:"_rev,omitempty"`
	FlowID    string    `json:"flowId"`
	Version   string    `json:"version"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	Changes   []Change  `json:"changes,omitempty"`
	Document  *Flow     `json:"document"`
}

// VersionID builds the deterministic snapshot document id.
func VersionID(flowID, version string) string {
	return flowID + ":" + version
}

// UpdateEvent is published on flow:update:<flowId> after every
// committed batch.
type UpdateEvent struct {
	FlowID    string    `json:"flowId"`
	UserID    string    `json:"userId"`
	Version   string    `json:"version"`
	Changes   []Change  `json:"changes"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateParams describes a new flow.
type CreateParams struct {
	ProjectID   string
	WorkspaceID string
	UserID      string
	Template    string
	Name        string
	Description string
}

// Filter scopes flow reads to a project or workspace. Empty fields
// match anything.
type Filter struct {
	ProjectID   string
	WorkspaceID string
}

func (f Filter) matches(m *Metadata) bool {
	if f.ProjectID != "" && f.ProjectID != m.ProjectID {
		return false
	}
	if f.WorkspaceID != "" && f.WorkspaceID != m.WorkspaceID {
		return false
	}
	return true
}

// Manager owns flow lifecycle: creation from templates, cache-first
// reads, transactional mutation with version snapshots, soft deletion.
// The cache is an optimization only; the store is always authoritative.
type Manager struct {
	store    Store
	versions VersionStore
	cache    *cache.Manager
	bus      *bus.Bus
	log      *logrus.Entry
}

// NewManager wires a Manager over its collaborators.
func NewManager(store Store, versions VersionStore, cacheMgr *cache.Manager, eventBus *bus.Bus) *Manager {
	return &Manager{
		store:    store,
		versions: versions,
		cache:    cacheMgr,
		bus:      eventBus,
		log:      common.Component("flow"),
	}
}

var tracer = otel.Tracer("arcflow.dev/flow")

// CreateFlow builds a document from the named template, validates it,
// inserts it and records version 1.0.0 in the version log.
func (m *Manager) CreateFlow(ctx context.Context, params CreateParams) (*Flow, error) {
	ctx, span := tracer.Start(ctx, "flow.create")
	defer span.End()

	template := params.Template
	if template == "" {
		template = "empty"
	}
	f, err := FromTemplate(template)
	if err != nil {
		return nil, errcode.Wrap(err, errcode.Validation, "create flow")
	}

	now := time.Now().UTC()
	f.ID = "flow-" + uuid.NewString()
	f.Metadata = Metadata{
		Name:           params.Name,
		Description:    params.Description,
		Version:        "1.0.0",
		ProjectID:      params.ProjectID,
		WorkspaceID:    params.WorkspaceID,
		CreatedBy:      params.UserID,
		LastModifiedBy: params.UserID,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if f.Metadata.Name == "" {
		f.Metadata.Name = "Untitled flow"
	}
	RecomputeFrames(f)
	if err := Validate(f); err != nil {
		return nil, err
	}

	if err := m.store.Insert(ctx, f); err != nil {
		return nil, errcode.Wrap(err, errcode.ServiceUnavailable, "insert flow %s", f.ID)
	}
	span.SetAttributes(attribute.String("flow.id", f.ID))

	m.appendVersion(ctx, f, params.UserID, nil)
	_ = m.cache.Set(ctx, cache.Flows, f.ID, f, 0)

	m.log.WithFields(logrus.Fields{
		"flow":     f.ID,
		"template": template,
		"project":  params.ProjectID,
	}).Info("flow created")
	return f, nil
}

// GetFlow returns the flow, cache-first. Soft-deleted flows and flows
// outside the filter scope read as NOT_FOUND.
func (m *Manager) GetFlow(ctx context.Context, flowID string, filter Filter) (*Flow, error) {
	var cached Flow
	if found, _ := m.cache.Get(ctx, cache.Flows, flowID, &cached); found {
		if cached.Metadata.Status == StatusDeleted || !filter.matches(&cached.Metadata) {
			return nil, errcode.New(errcode.NotFound, "flow %s not found", flowID)
		}
		return &cached, nil
	}

	f, err := m.load(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if !filter.matches(&f.Metadata) {
		return nil, errcode.New(errcode.NotFound, "flow %s not found", flowID)
	}
	_ = m.cache.Set(ctx, cache.Flows, flowID, f, 0)
	return f, nil
}

// load reads the authoritative copy, mapping absence and soft deletion
// onto NOT_FOUND.
func (m *Manager) load(ctx context.Context, flowID string) (*Flow, error) {
	f, err := m.store.Get(ctx, flowID)
	if errors.Is(err, ErrNotFound) {
		return nil, errcode.New(errcode.NotFound, "flow %s not found", flowID)
	}
	if err != nil {
		return nil, errcode.Wrap(err, errcode.ServiceUnavailable, "load flow %s", flowID)
	}
	if f.Metadata.Status == StatusDeleted {
		return nil, errcode.New(errcode.NotFound, "flow %s not found", flowID)
	}
	return f, nil
}

// UpdateFlow applies a mutation batch atomically: all transactions
// succeed and the patch version bumps once, or nothing is written. A
// single replace conflict reloads and retries once; per-flow
// serialization upstream makes conflicts rare.
func (m *Manager) UpdateFlow(ctx context.Context, flowID string, txns []Transaction, userID string) (*Flow, error) {
	ctx, span := tracer.Start(ctx, "flow.update")
	defer span.End()
	span.SetAttributes(
		attribute.String("flow.id", flowID),
		attribute.Int("flow.batch_size", len(txns)),
	)

	for attempt := 0; ; attempt++ {
		current, err := m.GetFlow(ctx, flowID, Filter{})
		if err != nil {
			return nil, err
		}

		next, err := ApplyBatch(current, txns)
		if err != nil {
			return nil, err
		}
		if err := Validate(next); err != nil {
			return nil, err
		}

		version, err := NextPatch(next.Metadata.Version)
		if err != nil {
			return nil, errcode.Wrap(err, errcode.Processing, "flow %s version", flowID)
		}
		next.Metadata.Version = version
		next.Metadata.LastModifiedBy = userID
		next.Metadata.UpdatedAt = time.Now().UTC()

		err = m.store.Replace(ctx, next)
		if errors.Is(err, ErrConflict) && attempt == 0 {
			// Someone else won the replace; retry against their copy.
			_ = m.cache.Delete(ctx, cache.Flows, flowID)
			continue
		}
		if err != nil {
			return nil, errcode.Wrap(err, errcode.ServiceUnavailable, "replace flow %s", flowID)
		}

		changes := Summarize(txns)
		m.appendVersion(ctx, next, userID, changes)

		_ = m.cache.Delete(ctx, cache.Flows, flowID)
		_ = m.cache.Set(ctx, cache.Flows, flowID, next, 0)
		if err := m.cache.InvalidateDependent(ctx, cache.Flows); err != nil {
			m.log.WithError(err).WithField("flow", flowID).Warn("dependent invalidation failed")
		}

		event := UpdateEvent{
			FlowID:    flowID,
			UserID:    userID,
			Version:   version,
			Changes:   changes,
			Timestamp: time.Now().UTC(),
		}
		if err := m.bus.Publish(ctx, bus.FlowUpdateTopic(flowID), event); err != nil {
			m.log.WithError(err).WithField("flow", flowID).Warn("flow update publish failed")
		}

		m.log.WithFields(logrus.Fields{
			"flow":    flowID,
			"version": version,
			"batch":   len(txns),
			"user":    userID,
		}).Info("flow updated")
		return next, nil
	}
}

// DeleteFlow soft-deletes: the document stays for its version history
// but every read from now on reports NOT_FOUND.
func (m *Manager) DeleteFlow(ctx context.Context, flowID, userID string) error {
	f, err := m.load(ctx, flowID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	f.Metadata.Status = StatusDeleted
	f.Metadata.DeletedAt = &now
	f.Metadata.UpdatedAt = now
	f.Metadata.LastModifiedBy = userID

	if err := m.store.Replace(ctx, f); err != nil {
		return errcode.Wrap(err, errcode.ServiceUnavailable, "delete flow %s", flowID)
	}

	_ = m.cache.Delete(ctx, cache.Flows, flowID)
	if err := m.cache.InvalidateDependent(ctx, cache.Flows); err != nil {
		m.log.WithError(err).WithField("flow", flowID).Warn("dependent invalidation failed")
	}

	m.log.WithFields(logrus.Fields{"flow": flowID, "user": userID}).Info("flow deleted")
	return nil
}

// ListVersions returns the audit trail of committed snapshots.
func (m *Manager) ListVersions(ctx context.Context, flowID string) ([]Version, error) {
	versions, err := m.versions.List(ctx, flowID)
	if err != nil {
		return nil, errcode.Wrap(err, errcode.ServiceUnavailable, "list versions of %s", flowID)
	}
	return versions, nil
}

// appendVersion records a snapshot of the committed document. The log
// is an audit trail, so a failed append is logged and does not unwind
// the committed batch.
func (m *Manager) appendVersion(ctx context.Context, f *Flow, userID string, changes []Change) {
	snapshot, err := f.Clone()
	if err != nil {
		m.log.WithError(err).WithField("flow", f.ID).Warn("version snapshot clone failed")
		return
	}
	snapshot.Rev = ""

	v := &Version{
		ID:        VersionID(f.ID, f.Metadata.Version),
		FlowID:    f.ID,
		Version:   f.Metadata.Version,
		CreatedBy: userID,
		CreatedAt: time.Now().UTC(),
		Changes:   changes,
		Document:  snapshot,
	}
	if err := m.versions.Append(ctx, v); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"flow":    f.ID,
			"version": f.Metadata.Version,
		}).Warn("version append failed")
	}
}
