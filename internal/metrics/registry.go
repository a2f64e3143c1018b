package metrics

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps metric names to implementations. The built-ins are
// registered up front; callers may add their own function objects.
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

// NewRegistry returns a registry pre-loaded with the built-in metrics.
func NewRegistry() *Registry {
	r := &Registry{metrics: make(map[string]Metric)}
	r.register("l1", L1{})
	r.register("l2", L2{})
	r.register("euclidean", L2{})
	r.register("linf", LInf{})
	r.register("chi_squared", ChiSquared{})
	r.register("histogram_intersection", HistogramIntersection{})
	r.register("bhattacharyya", Bhattacharyya{})
	r.register("hellinger", Hellinger{})
	r.register("cosine", Cosine{})
	r.register("angular", Angular{})
	r.register("correlation", Correlation{})
	return r
}

func (r *Registry) register(name string, m Metric) {
	r.metrics[name] = m
}

// Register adds or replaces a named metric.
func (r *Registry) Register(name string, m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[name] = m
}

// Get returns the named metric or an error listing what is available.
func (r *Registry) Get(name string) (Metric, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.metrics[name]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q (have %v)", name, r.names())
	}
	return m, nil
}

// Names returns the registered metric names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
