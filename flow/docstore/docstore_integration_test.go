//go:build integration
// +build integration

package docstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"arcflow.dev/config"
	"arcflow.dev/flow"
	"arcflow.dev/registry"
)

// startCouchDB runs a disposable CouchDB for the duration of one test.
func startCouchDB(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "couchdb:3.3",
		ExposedPorts: []string{"5984/tcp"},
		Env: map[string]string{
			"COUCHDB_USER":     "admin",
			"COUCHDB_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForHTTP("/_up").WithPort("5984/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("container terminate failed: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5984")
	require.NoError(t, err)
	return fmt.Sprintf("http://admin:testpass@%s:%s", host, port.Port())
}

func newIntegrationService(t *testing.T) *Service {
	t.Helper()
	ctx := context.Background()

	svc, err := New(ctx, config.DocStoreConfig{
		URL:             startCouchDB(t),
		FlowsDB:         "flows",
		VersionsDB:      "flow_versions",
		RegistryDB:      "service_registry",
		CreateIfMissing: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })

	require.NoError(t, svc.Ping(ctx))
	return svc
}

func TestFlowStoreRoundTrip(t *testing.T) {
	svc := newIntegrationService(t)
	store := svc.Flows()
	ctx := context.Background()

	f, err := flow.FromTemplate("basic")
	require.NoError(t, err)
	f.ID = "flow-integration-1"
	f.Metadata.Name = "Integration"
	f.Metadata.Version = "1.0.0"

	require.NoError(t, store.Insert(ctx, f))
	assert.NotEmpty(t, f.Rev)

	got, err := store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	assert.Equal(t, "Integration", got.Metadata.Name)
	assert.Len(t, got.Nodes, len(f.Nodes))

	got.Metadata.Version = "1.0.1"
	require.NoError(t, store.Replace(ctx, got))

	_, err = store.Get(ctx, "flow-never-written")
	assert.ErrorIs(t, err, flow.ErrNotFound)
}

func TestFlowStoreReplaceConflict(t *testing.T) {
	svc := newIntegrationService(t)
	store := svc.Flows()
	ctx := context.Background()

	f, err := flow.FromTemplate("empty")
	require.NoError(t, err)
	f.ID = "flow-conflict-1"
	require.NoError(t, store.Insert(ctx, f))

	stale, err := store.Get(ctx, f.ID)
	require.NoError(t, err)

	fresh, err := store.Get(ctx, f.ID)
	require.NoError(t, err)
	fresh.Metadata.Version = "1.0.1"
	require.NoError(t, store.Replace(ctx, fresh))

	// The loser of the revision race gets the conflict sentinel.
	stale.Metadata.Version = "9.9.9"
	err = store.Replace(ctx, stale)
	assert.ErrorIs(t, err, flow.ErrConflict)
}

func TestVersionLogAppendAndList(t *testing.T) {
	svc := newIntegrationService(t)
	log := svc.Versions()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, version := range []string{"1.0.0", "1.0.1", "1.0.2"} {
		v := flow.Version{
			ID:        flow.VersionID("flow-v1", version),
			FlowID:    "flow-v1",
			Version:   version,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, log.Append(ctx, &v))
	}
	// A snapshot of another flow must not leak into the listing.
	require.NoError(t, log.Append(ctx, &flow.Version{
		ID: flow.VersionID("flow-v2", "1.0.0"), FlowID: "flow-v2", Version: "1.0.0", CreatedAt: base,
	}))

	versions, err := log.List(ctx, "flow-v1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, "1.0.0", versions[0].Version)
	assert.Equal(t, "1.0.2", versions[2].Version)
}

func TestRegistryMirror(t *testing.T) {
	svc := newIntegrationService(t)
	mirror := svc.Registry()
	ctx := context.Background()

	rec := registry.Record{
		ID:   "svc-mirror-1",
		Name: "renderer",
		Host: "10.0.0.9",
		Port: 8080,
	}
	require.NoError(t, mirror.Save(ctx, &rec))

	// Saving again must carry the revision forward, not conflict.
	rec.Port = 9090
	require.NoError(t, mirror.Save(ctx, &rec))

	records, err := mirror.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 9090, records[0].Port)

	require.NoError(t, mirror.Delete(ctx, rec.ID))
	require.NoError(t, mirror.Delete(ctx, rec.ID))

	records, err = mirror.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
