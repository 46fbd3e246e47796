// Package docstore backs the flow manager and the service registry
// with a CouchDB document store. Each collection gets a thin typed
// store over one database; errors carry the backend status so callers
// can tell a missing document from a lost replace race.
package docstore

import (
	"context"
	"fmt"
	"net/http"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // CouchDB driver
	"github.com/sirupsen/logrus"

	"arcflow.dev/common"
	"arcflow.dev/config"
)

// Error is a document-store failure with its HTTP status.
type Error struct {
	StatusCode int
	Reason     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("docstore %d: %s", e.StatusCode, e.Reason)
}

// IsNotFound reports a missing document or database.
func (e *Error) IsNotFound() bool { return e.StatusCode == http.StatusNotFound }

// IsConflict reports a revision conflict on a single-document replace.
func (e *Error) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// wrapErr converts a kivik error into *Error when it carries a status.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if status := kivik.HTTPStatus(err); status != 0 {
		return &Error{StatusCode: status, Reason: err.Error()}
	}
	return err
}

// Service holds the shared client and the per-collection databases.
type Service struct {
	client   *kivik.Client
	flows    *kivik.DB
	versions *kivik.DB
	registry *kivik.DB
	log      *logrus.Entry
}

// New connects to the document store and opens (creating when
// configured) the flows, flow_versions and service_registry databases.
func New(ctx context.Context, cfg config.DocStoreConfig) (*Service, error) {
	client, err := kivik.New("couch", cfg.BuildURL())
	if err != nil {
		return nil, fmt.Errorf("docstore connect: %w", err)
	}

	s := &Service{client: client, log: common.Component("docstore")}
	for _, name := range []string{cfg.FlowsDB, cfg.VersionsDB, cfg.RegistryDB} {
		if cfg.CreateIfMissing {
			exists, err := client.DBExists(ctx, name)
			if err != nil {
				return nil, wrapErr(err)
			}
			if !exists {
				if err := client.CreateDB(ctx, name); err != nil {
					return nil, wrapErr(err)
				}
				s.log.WithField("database", name).Info("created database")
			}
		}
	}
	s.flows = client.DB(cfg.FlowsDB)
	s.versions = client.DB(cfg.VersionsDB)
	s.registry = client.DB(cfg.RegistryDB)
	return s, nil
}

// Close releases the client.
func (s *Service) Close(ctx context.Context) error {
	return s.client.Close()
}

// Ping verifies the server is reachable.
func (s *Service) Ping(ctx context.Context) error {
	up, err := s.client.Ping(ctx)
	if err != nil {
		return wrapErr(err)
	}
	if !up {
		return &Error{StatusCode: http.StatusServiceUnavailable, Reason: "docstore not ready"}
	}
	return nil
}
