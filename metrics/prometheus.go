package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend bridges the reporting API onto a prometheus registry. Metric
// vectors are created lazily on first report; the label set of a metric is
// fixed by that first call.
type Backend struct {
	namespace string
	registry  *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewBackend creates a backend with its own registry.
func NewBackend(namespace string) *Backend {
	return &Backend{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Handler returns the HTTP handler exposing this backend's metrics.
func (b *Backend) Handler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying prometheus registry for test assertions.
func (b *Backend) Registry() *prometheus.Registry {
	return b.registry
}

func labelNames(dim Dimension) []string {
	names := make([]string, 0, len(dim)+1)
	names = append(names, "group")
	for k := range dim {
		names = append(names, k)
	}
	sort.Strings(names[1:])
	return names
}

func labelValues(group string, dim Dimension, names []string) prometheus.Labels {
	labels := prometheus.Labels{"group": group}
	for _, n := range names[1:] {
		labels[n] = dim[n]
	}
	return labels
}

func sanitize(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func (b *Backend) counter(name string, dim Dimension) (*prometheus.CounterVec, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.counters[name]; ok {
		return v, labelNames(dim)
	}
	names := labelNames(dim)
	v := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: b.namespace,
		Name:      sanitize(name),
	}, names)
	b.registry.MustRegister(v)
	b.counters[name] = v
	return v, names
}

func (b *Backend) gauge(name string, dim Dimension) (*prometheus.GaugeVec, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.gauges[name]; ok {
		return v, labelNames(dim)
	}
	names := labelNames(dim)
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: b.namespace,
		Name:      sanitize(name),
	}, names)
	b.registry.MustRegister(v)
	b.gauges[name] = v
	return v, names
}

func (b *Backend) histogram(name string, dim Dimension) (*prometheus.HistogramVec, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.histograms[name]; ok {
		return v, labelNames(dim)
	}
	names := labelNames(dim)
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: b.namespace,
		Name:      sanitize(name),
		Buckets:   prometheus.DefBuckets,
	}, names)
	b.registry.MustRegister(v)
	b.histograms[name] = v
	return v, names
}

// IncrCounter increments a counter by delta under the given group.
func (b *Backend) IncrCounter(group, name string, delta float64) {
	b.IncrCounterWithDim(group, name, nil, delta)
}

// IncrCounterWithDim increments a counter carrying extra dimensions.
func (b *Backend) IncrCounterWithDim(group, name string, dim Dimension, delta float64) {
	v, names := b.counter(name, dim)
	v.With(labelValues(group, dim, names)).Add(delta)
}

// UpdateGauge sets a gauge to the given value.
func (b *Backend) UpdateGauge(group, name string, value float64) {
	b.UpdateGaugeWithDim(group, name, nil, value)
}

// UpdateGaugeWithDim sets a gauge carrying extra dimensions.
func (b *Backend) UpdateGaugeWithDim(group, name string, dim Dimension, value float64) {
	v, names := b.gauge(name, dim)
	v.With(labelValues(group, dim, names)).Set(value)
}

// AddSample records an observation into a histogram.
func (b *Backend) AddSample(group, name string, value float64) {
	v, names := b.histogram(name, nil)
	v.With(labelValues(group, nil, names)).Observe(value)
}

var (
	_backend   = NewBackend("vox")
	_backendMu sync.RWMutex
)

// SetBackend replaces the package-level backend.
func SetBackend(b *Backend) {
	_backendMu.Lock()
	defer _backendMu.Unlock()
	_backend = b
}

// GetBackend returns the package-level backend.
func GetBackend() *Backend {
	_backendMu.RLock()
	defer _backendMu.RUnlock()
	return _backend
}

// IncrCounterWithGroup increments a counter through the default backend.
func IncrCounterWithGroup(group, name string, delta float64) {
	GetBackend().IncrCounter(group, name, delta)
}

// IncrCounterWithDimGroup increments a dimensioned counter through the
// default backend.
func IncrCounterWithDimGroup(group, name string, delta float64, dim Dimension) {
	GetBackend().IncrCounterWithDim(group, name, dim, delta)
}

// UpdateGaugeWithGroup sets a gauge through the default backend.
func UpdateGaugeWithGroup(group, name string, value float64) {
	GetBackend().UpdateGauge(group, name, value)
}

// AddSampleWithGroup records a histogram observation through the default
// backend.
func AddSampleWithGroup(group, name string, value float64) {
	GetBackend().AddSample(group, name, value)
}

// Serve starts the metrics exposition endpoint. It blocks, so callers run
// it on its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", GetBackend().Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}
