package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// healthBody is the shape a probe expects back from a healthy service.
type healthBody struct {
	Status string `json:"status"`
}

// StartHealthLoop probes every registered service on the configured
// interval until ctx is canceled or Stop is called.
func (r *Registry) StartHealthLoop(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.probeAll(ctx)
			}
		}
	}()
}

// Stop terminates the health loop and waits for it to finish.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Registry) probeAll(ctx context.Context) {
	for _, rec := range r.List() {
		r.probe(ctx, rec.ID)
	}
}

// probe checks one service's health endpoint: a 200 response carrying
// status=healthy marks it healthy, anything else unhealthy. Status
// transitions are logged with both states.
func (r *Registry) probe(ctx context.Context, serviceID string) {
	rec, ok := r.Get(serviceID)
	if !ok {
		return
	}

	status := StatusUnhealthy
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, rec.BaseURL+rec.HealthPath, nil)
	if err == nil {
		resp, err := r.client.Do(req)
		if err == nil {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					var body healthBody
					if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Status == string(StatusHealthy) {
						status = StatusHealthy
					}
				}
			}()
		}
	}

	r.setStatus(ctx, serviceID, status)
}

func (r *Registry) setStatus(ctx context.Context, serviceID string, status Status) {
	r.mu.Lock()
	rec, ok := r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	previous := rec.Status
	rec.Status = status
	rec.LastHeartbeat = time.Now().UTC()
	snapshot := *rec
	r.mu.Unlock()

	if previous != status {
		r.log.WithFields(logrus.Fields{
			"service": serviceID,
			"name":    snapshot.Name,
			"from":    previous,
			"to":      status,
		}).Info("service health transition")
	}
	r.persistKV(ctx, &snapshot)
}
