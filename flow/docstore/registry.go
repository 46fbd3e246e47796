package docstore

import (
	"context"
	"errors"

	"arcflow.dev/registry"
)

// registryDoc wraps a registry record with document-store identity.
type registryDoc struct {
	ID     string          `json:"_id"`
	Rev    string          `json:"_rev,omitempty"`
	Record registry.Record `json:"record"`
}

// RegistryMirror is the durable copy of the service registry in the
// service_registry database. It implements registry.Mirror.
type RegistryMirror struct {
	svc *Service
}

// Registry returns the durable registry mirror.
func (s *Service) Registry() *RegistryMirror {
	return &RegistryMirror{svc: s}
}

// Save upserts one record, carrying the current revision forward when
// the document already exists.
func (rm *RegistryMirror) Save(ctx context.Context, rec *registry.Record) error {
	doc := registryDoc{ID: rec.ID, Record: *rec}

	row := rm.svc.registry.Get(ctx, rec.ID)
	if row.Err() == nil {
		var existing registryDoc
		if err := row.ScanDoc(&existing); err == nil {
			doc.Rev = existing.Rev
		}
	}

	_, err := rm.svc.registry.Put(ctx, doc.ID, doc)
	return wrapErr(err)
}

// Delete removes a record. A missing document is fine: deregistering
// twice must not fail.
func (rm *RegistryMirror) Delete(ctx context.Context, serviceID string) error {
	row := rm.svc.registry.Get(ctx, serviceID)
	if row.Err() != nil {
		err := wrapErr(row.Err())
		var de *Error
		if errors.As(err, &de) && de.IsNotFound() {
			return nil
		}
		return err
	}
	var doc registryDoc
	if err := row.ScanDoc(&doc); err != nil {
		return wrapErr(err)
	}
	_, err := rm.svc.registry.Delete(ctx, serviceID, doc.Rev)
	return wrapErr(err)
}

// List returns every mirrored record.
func (rm *RegistryMirror) List(ctx context.Context) ([]registry.Record, error) {
	query := map[string]any{
		"selector": map[string]any{"record": map[string]any{"$exists": true}},
		"limit":    1000,
	}
	rows := rm.svc.registry.Find(ctx, query)
	defer rows.Close()

	var records []registry.Record
	for rows.Next() {
		var doc registryDoc
		if err := rows.ScanDoc(&doc); err != nil {
			return nil, wrapErr(err)
		}
		records = append(records, doc.Record)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}
	return records, nil
}
