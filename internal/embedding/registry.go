package embedding

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"dev.helix.knowledgecore/internal/corerr"
)

// Registry is the process-wide holder for the active embedding
// provider, implementing spec §4.1's hot-reload contract: "after
// reload() returns, the next call to encode() uses the new provider;
// in-flight calls complete on the old provider." Holding a handle
// (returned by Active) for the duration of a batch satisfies this
// without locking, since the swap is a single atomic pointer store.
type Registry struct {
	active  atomic.Pointer[namedProvider]
	configs map[string]Provider
	logger  *logrus.Logger
}

type namedProvider struct {
	id       string
	provider Provider
}

// NewRegistry constructs an empty registry. Providers are added with
// Register and one is selected as active with Activate.
func NewRegistry(logger *logrus.Logger) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	return &Registry{configs: make(map[string]Provider), logger: logger}
}

// Register adds a provider under id without making it active.
func (r *Registry) Register(id string, p Provider) {
	r.configs[id] = p
}

// Activate makes the provider registered under id the active one. It
// and Reload are the two writers of the atomic pointer; reads of the
// configs map are not synchronized, so callers serialize Activate with
// Register, typically by invoking it from a single reload path.
func (r *Registry) Activate(id string) error {
	p, ok := r.configs[id]
	if !ok {
		return corerr.New(corerr.NotFound, "embedding.Activate", fmt.Sprintf("provider %q not registered", id))
	}
	r.active.Store(&namedProvider{id: id, provider: p})
	return nil
}

// Active returns a handle to the currently active provider. Callers
// should hold the returned Provider for the duration of one batch
// rather than re-fetching per text, per the hot-reload contract.
func (r *Registry) Active() (Provider, error) {
	np := r.active.Load()
	if np == nil {
		return nil, corerr.New(corerr.EmbeddingUnavailable, "embedding.Active", "no active provider configured")
	}
	return np.provider, nil
}

// ActiveID returns the id of the currently active provider, or "" if
// none is active.
func (r *Registry) ActiveID() string {
	np := r.active.Load()
	if np == nil {
		return ""
	}
	return np.id
}

// ReloadReport describes the outcome of a Reload call (spec §6).
type ReloadReport struct {
	PreviousID      string
	NewID           string
	DimensionChanged bool
	NoOp            bool
}

// Reload checks targetID against the currently active provider and,
// if different, atomically swaps the active handle. Reloading to the
// same target is a no-op (spec §8 law: "ReloadEmbeddingProvider with
// same target is idempotent").
func (r *Registry) Reload(ctx context.Context, targetID string) (ReloadReport, error) {
	current := r.active.Load()
	if current != nil && current.id == targetID {
		return ReloadReport{PreviousID: targetID, NewID: targetID, NoOp: true}, nil
	}

	next, ok := r.configs[targetID]
	if !ok {
		return ReloadReport{}, corerr.New(corerr.NotFound, "embedding.Reload", fmt.Sprintf("provider %q not registered", targetID))
	}
	if err := next.Health(ctx); err != nil {
		return ReloadReport{}, corerr.Wrap(corerr.EmbeddingUnavailable, "embedding.Reload", "candidate provider failed health check", err)
	}

	report := ReloadReport{NewID: targetID}
	if current != nil {
		report.PreviousID = current.id
		report.DimensionChanged = current.provider.Dimension() != next.Dimension()
	}

	r.active.Store(&namedProvider{id: targetID, provider: next})
	r.logger.WithFields(logrus.Fields{
		"previous_id":       report.PreviousID,
		"new_id":            report.NewID,
		"dimension_changed": report.DimensionChanged,
	}).Info("embedding provider reloaded")

	return report, nil
}
