// Package registry tracks the internal services the platform talks to:
// registration, health-driven discovery with pluggable load balancing,
// and a retrying HTTP call path with per-service counters. Records live
// in memory for speed, in the shared key-value hash for other
// instances, and in a durable mirror for recovery.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"arcflow.dev/common"
	"arcflow.dev/errcode"
	"arcflow.dev/kv"
)

// RegistryHash is the key-value hash holding every registered record,
// keyed by service id.
const RegistryHash = "service:registry"

// MetricsHash builds the per-service counter hash key.
func MetricsHash(serviceID string) string {
	return "service:metrics:" + serviceID
}

// Status is a service's last known health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
	StatusOffline   Status = "offline"
)

// Record is one registered service instance.
type Record struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Version       string    `json:"version,omitempty"`
	BaseURL       string    `json:"baseUrl"`
	HealthPath    string    `json:"healthPath"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
	RegisteredAt  time.Time `json:"registeredAt"`
}

// Mirror is the durable copy of the registry, used to rehydrate after
// both the process and the key-value store restart.
type Mirror interface {
	Save(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, serviceID string) error
	List(ctx context.Context) ([]Record, error)
}

// ServiceConfig describes a service being registered.
type ServiceConfig struct {
	Name       string
	Host       string
	Port       int
	Version    string
	HealthPath string
}

// Config tunes probing and calling.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	CallTimeout   time.Duration
	CallRetries   int
	// BackoffBase scales the 2^attempt retry delay. Defaults to one
	// second; tests shrink it.
	BackoffBase time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.CallRetries < 0 {
		c.CallRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
}

// Registry is the service directory. Safe for concurrent use.
type Registry struct {
	store  *kv.Store
	mirror Mirror
	client *http.Client
	cfg    Config
	log    *logrus.Entry

	mu         sync.RWMutex
	services   map[string]*Record
	roundRobin map[string]int

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds a Registry and rehydrates known services from the
// key-value hash, falling back to the mirror. A nil mirror disables
// durable recovery.
func New(ctx context.Context, store *kv.Store, mirror Mirror, cfg Config) (*Registry, error) {
	cfg.applyDefaults()
	r := &Registry{
		store:      store,
		mirror:     mirror,
		client:     &http.Client{Timeout: cfg.ProbeTimeout},
		cfg:        cfg,
		log:        common.Component("registry"),
		services:   make(map[string]*Record),
		roundRobin: make(map[string]int),
		stop:       make(chan struct{}),
	}
	if err := r.rehydrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) rehydrate(ctx context.Context) error {
	fields, err := r.store.HGetAll(ctx, RegistryHash)
	if err != nil {
		r.log.WithError(err).Warn("registry hash unavailable, trying mirror")
		fields = nil
	}
	if len(fields) > 0 {
		for id, raw := range fields {
			var rec Record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				r.log.WithError(err).WithField("service", id).Warn("skipping corrupt registry record")
				continue
			}
			rec.Status = StatusUnknown
			r.services[rec.ID] = &rec
		}
		r.log.WithField("services", len(r.services)).Info("registry rehydrated from kv")
		return nil
	}

	if r.mirror == nil {
		return nil
	}
	records, err := r.mirror.List(ctx)
	if err != nil {
		return fmt.Errorf("registry mirror list: %w", err)
	}
	for i := range records {
		rec := records[i]
		rec.Status = StatusUnknown
		r.services[rec.ID] = &rec
		r.persistKV(ctx, &rec)
	}
	if len(records) > 0 {
		r.log.WithField("services", len(records)).Info("registry rehydrated from mirror")
	}
	return nil
}

// Register adds a service, persists it everywhere and runs an
// immediate health probe so discovery has a real status to filter on.
func (r *Registry) Register(ctx context.Context, cfg ServiceConfig) (string, error) {
	if cfg.Name == "" || cfg.Host == "" || cfg.Port == 0 {
		return "", errcode.New(errcode.Validation, "service registration requires name, host and port")
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/health"
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:            "svc-" + uuid.NewString(),
		Name:          cfg.Name,
		Host:          cfg.Host,
		Port:          cfg.Port,
		Version:       cfg.Version,
		BaseURL:       fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		HealthPath:    cfg.HealthPath,
		Status:        StatusUnknown,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}

	r.mu.Lock()
	r.services[rec.ID] = rec
	r.mu.Unlock()

	r.persistKV(ctx, rec)
	if r.mirror != nil {
		if err := r.mirror.Save(ctx, rec); err != nil {
			r.log.WithError(err).WithField("service", rec.ID).Warn("registry mirror save failed")
		}
	}

	r.probe(ctx, rec.ID)

	r.log.WithFields(logrus.Fields{
		"service": rec.ID,
		"name":    rec.Name,
		"base":    rec.BaseURL,
	}).Info("service registered")
	return rec.ID, nil
}

// Deregister removes the service from memory, the hash and the mirror.
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	_, known := r.services[serviceID]
	delete(r.services, serviceID)
	r.mu.Unlock()
	if !known {
		return errcode.New(errcode.NotFound, "service %s not registered", serviceID)
	}

	if err := r.store.HDel(ctx, RegistryHash, serviceID); err != nil {
		r.log.WithError(err).WithField("service", serviceID).Warn("registry hash delete failed")
	}
	if r.mirror != nil {
		if err := r.mirror.Delete(ctx, serviceID); err != nil {
			r.log.WithError(err).WithField("service", serviceID).Warn("registry mirror delete failed")
		}
	}
	r.log.WithField("service", serviceID).Info("service deregistered")
	return nil
}

// Strategy selects among candidate instances.
type Strategy string

const (
	StrategyFirst      Strategy = "first"
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round-robin"
)

// DiscoverOptions filters and balances discovery.
type DiscoverOptions struct {
	RequireHealthy   bool
	PreferredVersion string
	Strategy         Strategy
}

// Discover returns one instance of the named service.
func (r *Registry) Discover(name string, opts DiscoverOptions) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*Record
	for _, rec := range r.services {
		if rec.Name != name {
			continue
		}
		if opts.RequireHealthy && rec.Status != StatusHealthy {
			continue
		}
		if opts.PreferredVersion != "" && rec.Version != opts.PreferredVersion {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return nil, errcode.New(errcode.NotFound, "no available service %q", name)
	}

	var picked *Record
	switch opts.Strategy {
	case StrategyRandom:
		picked = candidates[rand.Intn(len(candidates))]
	case StrategyRoundRobin:
		i := r.roundRobin[name] % len(candidates)
		r.roundRobin[name]++
		picked = candidates[i]
	default:
		picked = candidates[0]
	}

	out := *picked
	return &out, nil
}

// Get returns a copy of a record by id.
func (r *Registry) Get(serviceID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.services[serviceID]
	if !ok {
		return nil, false
	}
	out := *rec
	return &out, true
}

// List returns copies of every record.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.services))
	for _, rec := range r.services {
		out = append(out, *rec)
	}
	return out
}

func (r *Registry) persistKV(ctx context.Context, rec *Record) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := r.store.HSet(ctx, RegistryHash, rec.ID, string(raw)); err != nil {
		r.log.WithError(err).WithField("service", rec.ID).Warn("registry hash write failed")
	}
}
