// Package cache layers namespaced keys, tiered TTLs and dependency
// invalidation over the raw key-value store. The cache is never
// authoritative: read failures degrade to misses and write failures
// only bump an error counter.
package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"arcflow.dev/common"
	"arcflow.dev/kv"
)

const (
	// InvalidationChannel carries dependency invalidation notices so
	// other instances can drop local state derived from cached entries.
	InvalidationChannel = "cache:invalidation"

	compressionMarker = "GZ|"
	hashSuffixLength  = 16
)

// Config tunes a Manager. Zero values select the defaults.
type Config struct {
	Prefix               string
	MaxKeyLength         int
	CompressionThreshold int
	MetricsInterval      time.Duration
}

// InvalidationEvent is published on InvalidationChannel whenever a
// category and its dependents are flushed.
type InvalidationEvent struct {
	Category   Category   `json:"category"`
	Dependents []Category `json:"dependents"`
	Keys       int64      `json:"keys"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Manager is the cache facade. Safe for concurrent use.
type Manager struct {
	store   *kv.Store
	log     *logrus.Entry
	metrics *Metrics

	prefix               string
	maxKeyLength         int
	compressionThreshold int

	stopMetrics chan struct{}
}

// New creates a Manager over the given store. When cfg.MetricsInterval
// is positive a background goroutine logs counter snapshots until Close.
func New(store *kv.Store, cfg Config) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "arcflow"
	}
	if cfg.MaxKeyLength <= 0 {
		cfg.MaxKeyLength = 512
	}
	if cfg.CompressionThreshold <= 0 {
		cfg.CompressionThreshold = 4096
	}

	m := &Manager{
		store:                store,
		log:                  common.Component("cache"),
		metrics:              &Metrics{},
		prefix:               cfg.Prefix,
		maxKeyLength:         cfg.MaxKeyLength,
		compressionThreshold: cfg.CompressionThreshold,
		stopMetrics:          make(chan struct{}),
	}

	if cfg.MetricsInterval > 0 {
		go m.metricsLoop(cfg.MetricsInterval)
	}
	return m
}

// Close stops the metrics loop. The underlying store stays open.
func (m *Manager) Close() {
	select {
	case <-m.stopMetrics:
	default:
		close(m.stopMetrics)
	}
}

// Key builds the namespaced key for a category and user key. Keys over
// the length cap are truncated and suffixed with a stable digest so
// distinct long keys cannot collide after truncation.
func (m *Manager) Key(category Category, userKey string) string {
	key := m.prefix + ":" + string(category) + ":" + userKey
	if len(key) <= m.maxKeyLength {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])[:hashSuffixLength]
	return key[:m.maxKeyLength-hashSuffixLength] + digest
}

// Get reads a cached value into target. Any failure, transport or
// decode, reports a miss.
func (m *Manager) Get(ctx context.Context, category Category, userKey string, target any) (bool, error) {
	start := time.Now()
	raw, found, err := m.store.Get(ctx, m.Key(category, userKey))
	m.metrics.observe(start)
	if err != nil {
		m.metrics.errors.Add(1)
		m.metrics.misses.Add(1)
		m.log.WithError(err).WithField("category", category).Warn("cache read failed, treating as miss")
		return false, nil
	}
	if !found {
		m.metrics.misses.Add(1)
		return false, nil
	}
	if err := m.decode(raw, target); err != nil {
		m.metrics.errors.Add(1)
		m.metrics.misses.Add(1)
		m.log.WithError(err).WithField("category", category).Warn("cache decode failed, treating as miss")
		return false, nil
	}
	m.metrics.hits.Add(1)
	return true, nil
}

// Set writes a value best-effort. A zero ttl selects the category default.
func (m *Manager) Set(ctx context.Context, category Category, userKey string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = category.TTL()
	}
	encoded, err := m.encode(value)
	if err != nil {
		m.metrics.errors.Add(1)
		return fmt.Errorf("cache encode: %w", err)
	}

	start := time.Now()
	err = m.store.Set(ctx, m.Key(category, userKey), encoded, ttl)
	m.metrics.observe(start)
	if err != nil {
		m.metrics.errors.Add(1)
		m.log.WithError(err).WithField("category", category).Warn("cache write failed")
		return err
	}
	m.metrics.sets.Add(1)
	return nil
}

// GetOrSet returns the cached value for key, or invokes loader, caches
// the result and returns it. Concurrent loads of the same key are not
// coalesced here; callers that need single-flight serialize upstream.
func GetOrSet[T any](ctx context.Context, m *Manager, category Category, userKey string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	var cached T
	if found, _ := m.Get(ctx, category, userKey, &cached); found {
		return cached, nil
	}

	fresh, err := loader(ctx)
	if err != nil {
		return fresh, err
	}
	_ = m.Set(ctx, category, userKey, fresh, ttl)
	return fresh, nil
}

// Delete removes a single entry.
func (m *Manager) Delete(ctx context.Context, category Category, userKey string) error {
	start := time.Now()
	removed, err := m.store.Del(ctx, m.Key(category, userKey))
	m.metrics.observe(start)
	if err != nil {
		m.metrics.errors.Add(1)
		return err
	}
	m.metrics.deletes.Add(removed)
	return nil
}

// DeletePattern removes every entry in a category matching the glob
// pattern ("*" flushes the category) and returns how many went away.
func (m *Manager) DeletePattern(ctx context.Context, category Category, pattern string) (int64, error) {
	full := m.prefix + ":" + string(category) + ":" + pattern
	keys, err := m.store.Keys(ctx, full)
	if err != nil {
		m.metrics.errors.Add(1)
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := m.store.Del(ctx, keys...)
	if err != nil {
		m.metrics.errors.Add(1)
		return removed, err
	}
	m.metrics.deletes.Add(removed)
	return removed, nil
}

// InvalidateDependent flushes every category declared downstream of the
// given one and publishes an invalidation notice. The triggering
// category itself is left to the caller, which usually deletes a
// specific entry rather than the whole namespace.
func (m *Manager) InvalidateDependent(ctx context.Context, category Category) error {
	downstream := category.Dependents()
	var flushed int64
	for _, dep := range downstream {
		n, err := m.DeletePattern(ctx, dep, "*")
		if err != nil {
			m.log.WithError(err).WithFields(logrus.Fields{
				"category":  category,
				"dependent": dep,
			}).Warn("dependent invalidation failed")
			continue
		}
		flushed += n
	}
	m.metrics.invalidations.Add(1)

	event := InvalidationEvent{
		Category:   category,
		Dependents: downstream,
		Keys:       flushed,
		Timestamp:  time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := m.store.Publish(ctx, InvalidationChannel, payload); err != nil {
		m.log.WithError(err).Warn("invalidation event publish failed")
		return err
	}
	return nil
}

// Snapshot returns the current counter values.
func (m *Manager) Snapshot() MetricsSnapshot {
	return m.metrics.snapshot()
}

func (m *Manager) encode(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	if len(raw) <= m.compressionThreshold {
		return string(raw), nil
	}

	var buf bytes.Buffer
	buf.WriteString(compressionMarker)
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}
	m.log.WithFields(logrus.Fields{
		"raw":        humanize.Bytes(uint64(len(raw))),
		"compressed": humanize.Bytes(uint64(buf.Len())),
	}).Debug("compressed cache value")
	return buf.String(), nil
}

func (m *Manager) decode(raw string, target any) error {
	data := []byte(raw)
	if strings.HasPrefix(raw, compressionMarker) {
		zr, err := gzip.NewReader(bytes.NewReader(data[len(compressionMarker):]))
		if err != nil {
			return err
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, target)
}

func (m *Manager) metricsLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			snap := m.metrics.snapshot()
			m.log.WithFields(logrus.Fields{
				"hits":          snap.Hits,
				"misses":        snap.Misses,
				"sets":          snap.Sets,
				"deletes":       snap.Deletes,
				"invalidations": snap.Invalidations,
				"errors":        snap.Errors,
				"hit_rate":      fmt.Sprintf("%.2f", snap.HitRate),
				"avg_response":  snap.AvgResponseTime.String(),
			}).Info("cache metrics")
		case <-m.stopMetrics:
			return
		}
	}
}
