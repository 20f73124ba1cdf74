// Package metrics records Prometheus metrics for orchestrations, agent calls,
// webhook deliveries and the event hub. A nil *Recorder is a no-op so
// components can run without metrics in tests.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"featurepilot/internal/agentclient"
)

const namespace = "featurepilot"

type Recorder struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	agentCalls       *prometheus.CounterVec
	agentDuration    *prometheus.HistogramVec
	webhooks         *prometheus.CounterVec
	pollTicks        *prometheus.CounterVec
	hubConnections   prometheus.Gauge
	hubSends         *prometheus.CounterVec
	notifyDeliveries *prometheus.CounterVec
}

// New creates a recorder backed by its own registry, with Go and process
// collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestration_transitions_total",
			Help:      "Orchestration status transitions by source and target status",
		}, []string{"from", "to"}),
		agentCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_api_requests_total",
			Help:      "Agent API requests by operation and outcome",
		}, []string{"operation", "status"}),
		agentDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_api_request_duration_seconds",
			Help:      "Duration of agent API requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Inbound agent webhook deliveries by result",
		}, []string{"result"}),
		pollTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Agent status poll ticks by result",
		}, []string{"result"}),
		hubConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_connections",
			Help:      "Open real-time connections",
		}),
		hubSends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_messages_total",
			Help:      "Real-time messages by event type and result",
		}, []string{"type", "result"}),
		notifyDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notify_deliveries_total",
			Help:      "Outbound notification deliveries by result",
		}, []string{"result"}),
	}
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) Transition(from, to string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(from, to).Inc()
}

// ObserveAgentCall implements agentclient.Recorder.
func (r *Recorder) ObserveAgentCall(operation string, err error, d time.Duration) {
	if r == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		var apiErr *agentclient.APIError
		if errors.As(err, &apiErr) {
			status = strconv.Itoa(apiErr.StatusCode)
		}
	}
	r.agentCalls.WithLabelValues(operation, status).Inc()
	r.agentDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// Webhook counts an inbound delivery; result is accepted, duplicate, unauthorized,
// invalid, unknown_agent or error.
func (r *Recorder) Webhook(result string) {
	if r == nil {
		return
	}
	r.webhooks.WithLabelValues(result).Inc()
}

func (r *Recorder) PollTick(result string) {
	if r == nil {
		return
	}
	r.pollTicks.WithLabelValues(result).Inc()
}

func (r *Recorder) HubConnected(delta int) {
	if r == nil {
		return
	}
	r.hubConnections.Add(float64(delta))
}

func (r *Recorder) HubSent(evtType string, ok bool) {
	if r == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	r.hubSends.WithLabelValues(evtType, result).Inc()
}

func (r *Recorder) NotifyDelivered(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.notifyDeliveries.WithLabelValues(result).Inc()
}
