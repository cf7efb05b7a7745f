package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bot. Each Metrics owns
// its registry so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	Inbound           *prometheus.CounterVec
	Replies           *prometheus.CounterVec
	ReplyLatency      *prometheus.HistogramVec
	ProviderSelection *prometheus.CounterVec
	Images            *prometheus.CounterVec
}

// NewMetrics registers the bot's instruments plus the Go runtime and process
// collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Inbound: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound chat events by transport and how they were handled.",
		}, []string{"transport", "kind"}),
		Replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Generated replies by outcome (replied, retried, fallback, unreachable).",
		}, []string{"outcome"}),
		ReplyLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_seconds",
			Help:      "Time spent producing a reply, selection included.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"outcome"}),
		ProviderSelection: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_smoke_tests_total",
			Help:      "Provider smoke tests during selection by provider and result.",
		}, []string{"provider", "result"}),
		Images: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Image generation attempts by model and result.",
		}, []string{"model", "result"}),
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

// ObserveSelection records one smoke test made while selecting a provider.
func (m *Metrics) ObserveSelection(provider string, ok bool) {
	m.ProviderSelection.WithLabelValues(provider, result(ok)).Inc()
}

// ObserveReply records how a reply was produced and how long it took.
func (m *Metrics) ObserveReply(outcome string, elapsed time.Duration) {
	m.Replies.WithLabelValues(outcome).Inc()
	m.ReplyLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveImage records one image model attempt.
func (m *Metrics) ObserveImage(model string, ok bool) {
	m.Images.WithLabelValues(model, result(ok)).Inc()
}

// ObserveInbound records an inbound event and what the bot did with it.
func (m *Metrics) ObserveInbound(transport, kind string) {
	m.Inbound.WithLabelValues(transport, kind).Inc()
}

// RegisterMemory exposes the memory store size as gauges read at scrape time.
func (m *Metrics) RegisterMemory(namespace string, stats func() (keys, turns int)) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_keys",
		Help:      "Conversation lanes ever created.",
	}, func() float64 {
		k, _ := stats()
		return float64(k)
	})
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "memory_turns",
		Help:      "Turns currently held in memory, including unswept ones.",
	}, func() float64 {
		_, t := stats()
		return float64(t)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
