package docstore

import (
	"context"
	"sort"

	"arcflow.dev/flow"
)

// VersionLog is the append-only snapshot store in the flow_versions
// database. It implements flow.VersionStore.
type VersionLog struct {
	svc *Service
}

// Versions returns the version snapshot store.
func (s *Service) Versions() *VersionLog {
	return &VersionLog{svc: s}
}

// Append writes one immutable snapshot, keyed flowId:version.
func (vl *VersionLog) Append(ctx context.Context, v *flow.Version) error {
	rev, err := vl.svc.versions.Put(ctx, v.ID, v)
	if err != nil {
		return wrapErr(err)
	}
	v.Rev = rev
	return nil
}

// List returns every snapshot of a flow, oldest first.
func (vl *VersionLog) List(ctx context.Context, flowID string) ([]flow.Version, error) {
	query := map[string]any{
		"selector": map[string]any{"flowId": flowID},
		"limit":    10000,
	}
	rows := vl.svc.versions.Find(ctx, query)
	defer rows.Close()

	var versions []flow.Version
	for rows.Next() {
		var v flow.Version
		if err := rows.ScanDoc(&v); err != nil {
			return nil, wrapErr(err)
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr(err)
	}

	sort.Slice(versions, func(i, j int) bool {
		return versions[i].CreatedAt.Before(versions[j].CreatedAt)
	})
	return versions, nil
}
