// Package metrics exports completion call counters and latencies to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errorskg "github.com/sweetpotato0/agentstep/errors"
	"github.com/sweetpotato0/agentstep/middleware"
)

// Collector is a middleware recording one observation per completion call.
type Collector struct {
	requests *prometheus.CounterVec
	tokens   *prometheus.CounterVec
	latency  prometheus.Histogram
	toolReqs prometheus.Counter
}

// NewCollector registers the completion metrics on reg. A nil reg uses the
// default registry.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentstep",
			Name:      "completion_requests_total",
			Help:      "Completion calls by outcome.",
		}, []string{"outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentstep",
			Name:      "completion_tokens_total",
			Help:      "Tokens reported by the provider.",
		}, []string{"direction"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentstep",
			Name:      "completion_duration_seconds",
			Help:      "Completion call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		toolReqs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentstep",
			Name:      "tool_requests_total",
			Help:      "Tool calls requested by the model.",
		}),
	}
	for _, col := range []prometheus.Collector{c.requests, c.tokens, c.latency, c.toolReqs} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Name returns the middleware name
func (c *Collector) Name() string {
	return "Metrics"
}

// Execute times the call and counts its outcome. Failures are labelled
// with their error kind.
func (c *Collector) Execute(ctx *middleware.Context, next middleware.Handler) error {
	start := time.Now()
	err := next(ctx)
	c.latency.Observe(time.Since(start).Seconds())

	if err != nil {
		c.requests.WithLabelValues(errorskg.KindOf(err).String()).Inc()
		return err
	}
	c.requests.WithLabelValues("ok").Inc()
	c.tokens.WithLabelValues("input").Add(float64(ctx.Usage.InputTokens))
	c.tokens.WithLabelValues("output").Add(float64(ctx.Usage.OutputTokens))
	if ctx.Response != nil {
		c.toolReqs.Add(float64(len(ctx.Response.ToolCalls())))
	}
	return nil
}
