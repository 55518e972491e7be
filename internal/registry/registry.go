package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/scalyclaw/scalyclaw-sub000/pkg/models"
)

// HealthPath is probed to decide whether a process is reachable.
const HealthPath = "/healthz"

// Registry wraps a Store with reachability checks.
type Registry struct {
	store        Store
	client       *http.Client
	probeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the client used for probes.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Registry) {
		if client != nil {
			r.client = client
		}
	}
}

// WithProbeTimeout bounds each health probe.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(r *Registry) {
		if timeout > 0 {
			r.probeTimeout = timeout
		}
	}
}

// NewRegistry creates a registry service.
func NewRegistry(store Store, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:        store,
		client:       http.DefaultClient,
		probeTimeout: 5 * time.Second,
		logger:       logger.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds rec. A duplicate id is rejected with ErrProcessExists.
func (r *Registry) Register(ctx context.Context, rec models.ProcessRecord) error {
	if rec.ID == "" {
		return errors.New("process id required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if err := r.store.Register(ctx, rec); err != nil {
		return err
	}
	r.logger.Info("process registered", "id", rec.ID, "type", rec.Type, "addr", rec.BaseURL())
	return nil
}

// Claim registers rec, evicting a previous record with the same id only when
// that process no longer answers its health probe.
func (r *Registry) Claim(ctx context.Context, rec models.ProcessRecord) error {
	err := r.Register(ctx, rec)
	if !errors.Is(err, ErrProcessExists) {
		return err
	}
	existing, getErr := r.store.Get(ctx, rec.ID)
	if getErr != nil {
		if errors.Is(getErr, ErrProcessNotFound) {
			return r.Register(ctx, rec)
		}
		return getErr
	}
	if r.Probe(ctx, *existing) == nil {
		return err
	}
	r.logger.Warn("evicting stale process record", "id", rec.ID)
	if derr := r.store.Deregister(ctx, rec.ID); derr != nil && !errors.Is(derr, ErrProcessNotFound) {
		return derr
	}
	return r.Register(ctx, rec)
}

// Deregister removes id.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if err := r.store.Deregister(ctx, id); err != nil {
		return err
	}
	r.logger.Info("process deregistered", "id", id)
	return nil
}

// Get returns the record without probing.
func (r *Registry) Get(ctx context.Context, id string) (*models.ProcessRecord, error) {
	return r.store.Get(ctx, id)
}

// List returns records of typ, or all when typ is empty.
func (r *Registry) List(ctx context.Context, typ models.ProcessType) ([]models.ProcessRecord, error) {
	return r.store.List(ctx, typ)
}

// Resolve returns the record for id after confirming the process answers
// its health probe. An unreachable process is deregistered.
func (r *Registry) Resolve(ctx context.Context, id string) (*models.ProcessRecord, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.Probe(ctx, *rec); err != nil {
		r.logger.Warn("process unreachable, deregistering", "id", id, "error", err)
		if derr := r.store.Deregister(ctx, id); derr != nil && !errors.Is(derr, ErrProcessNotFound) {
			r.logger.Error("deregister failed", "id", id, "error", derr)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, id, err)
	}
	return rec, nil
}

// Probe issues GET /healthz against rec.
func (r *Registry) Probe(ctx context.Context, rec models.ProcessRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.BaseURL()+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned %d", resp.StatusCode)
	}
	return nil
}

// Reap probes every registered worker and deregisters those that do not
// answer. It returns the ids removed.
func (r *Registry) Reap(ctx context.Context) ([]string, error) {
	records, err := r.store.List(ctx, models.ProcessWorker)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, rec := range records {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if err := r.Probe(ctx, rec); err == nil {
			continue
		}
		if err := r.store.Deregister(ctx, rec.ID); err != nil && !errors.Is(err, ErrProcessNotFound) {
			r.logger.Warn("reap deregister failed", "id", rec.ID, "error", err)
			continue
		}
		removed = append(removed, rec.ID)
	}
	if len(removed) > 0 {
		r.logger.Info("reaped unreachable workers", "ids", removed)
	}
	return removed, nil
}
