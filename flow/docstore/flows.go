package docstore

import (
	"context"
	"errors"
	"fmt"

	"arcflow.dev/flow"
)

// FlowStore persists flow documents in the flows database. It
// implements flow.Store: each committed batch is one single-document
// replace, atomic under the store's MVCC.
type FlowStore struct {
	svc *Service
}

// Flows returns the flow document store.
func (s *Service) Flows() *FlowStore {
	return &FlowStore{svc: s}
}

// Insert writes a new flow document and records its revision.
func (fs *FlowStore) Insert(ctx context.Context, f *flow.Flow) error {
	rev, err := fs.svc.flows.Put(ctx, f.ID, f)
	if err != nil {
		return wrapErr(err)
	}
	f.Rev = rev
	return nil
}

// Get reads a flow by id. A missing document maps onto flow.ErrNotFound.
func (fs *FlowStore) Get(ctx context.Context, id string) (*flow.Flow, error) {
	row := fs.svc.flows.Get(ctx, id)
	if row.Err() != nil {
		err := wrapErr(row.Err())
		var de *Error
		if errors.As(err, &de) && de.IsNotFound() {
			return nil, fmt.Errorf("%s: %w", id, flow.ErrNotFound)
		}
		return nil, err
	}
	var f flow.Flow
	if err := row.ScanDoc(&f); err != nil {
		return nil, wrapErr(err)
	}
	return &f, nil
}

// Replace overwrites the document at its current revision. A stale
// revision maps onto flow.ErrConflict so the manager can reload and
// retry once.
func (fs *FlowStore) Replace(ctx context.Context, f *flow.Flow) error {
	rev, err := fs.svc.flows.Put(ctx, f.ID, f)
	if err != nil {
		werr := wrapErr(err)
		var de *Error
		if errors.As(werr, &de) && de.IsConflict() {
			return fmt.Errorf("%s: %w", f.ID, flow.ErrConflict)
		}
		return werr
	}
	f.Rev = rev
	return nil
}
