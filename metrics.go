package asynccaller

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the stats of a StatsProvider as Prometheus metrics.
type Collector struct {
	provider StatsProvider

	calls        *prometheus.Desc
	attempts     *prometheus.Desc
	retries      *prometheus.Desc
	rateLimited  *prometheus.Desc
	clientErrors *prometheus.Desc
	exhausted    *prometheus.Desc
	succeeded    *prometheus.Desc
	running      *prometheus.Desc
	queued       *prometheus.Desc
	tokens       *prometheus.Desc
	paused       *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector for p. name is attached as the "caller"
// label so several callers can share a registry.
func NewCollector(p StatsProvider, name string) *Collector {
	labels := prometheus.Labels{"caller": name}
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("asynccaller", "", metric), help, nil, labels)
	}
	return &Collector{
		provider:     p,
		calls:        desc("calls_total", "Total calls submitted"),
		attempts:     desc("attempts_total", "Total operation attempts"),
		retries:      desc("retries_total", "Total retry delays taken"),
		rateLimited:  desc("rate_limited_total", "Total attempts classified as rate limited"),
		clientErrors: desc("client_errors_total", "Total calls ended by a client error"),
		exhausted:    desc("exhausted_total", "Total calls that ran out of retries"),
		succeeded:    desc("succeeded_total", "Total calls that succeeded"),
		running:      desc("running", "Calls currently admitted"),
		queued:       desc("queued", "Calls waiting for admission"),
		tokens:       desc("bucket_tokens", "Tokens currently in the bucket"),
		paused:       desc("bucket_paused", "1 while the bucket is in a forced pause"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.calls, c.attempts, c.retries, c.rateLimited, c.clientErrors, c.exhausted,
		c.succeeded, c.running, c.queued, c.tokens, c.paused,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.provider.Stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter(c.calls, s.Calls)
	counter(c.attempts, s.Attempts)
	counter(c.retries, s.Retries)
	counter(c.rateLimited, s.RateLimited)
	counter(c.clientErrors, s.ClientErrors)
	counter(c.exhausted, s.Exhausted)
	counter(c.succeeded, s.Succeeded)
	gauge(c.running, float64(s.Running))
	gauge(c.queued, float64(s.Queued))
	gauge(c.tokens, float64(s.Tokens))
	paused := 0.0
	if s.Paused {
		paused = 1
	}
	gauge(c.paused, paused)
}
