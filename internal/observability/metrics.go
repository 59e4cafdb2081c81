package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "chat_gateway"

// Metrics groups every collector the gateway exports. A nil *Metrics is
// valid and records nothing, which keeps component tests free of
// registry plumbing.
type Metrics struct {
	// AdmissionsTotal counts admission outcomes.
	// Labels: outcome (proceed, require_verification, verification_sent, blocked, rate_limited, unavailable)
	AdmissionsTotal *prometheus.CounterVec

	// ModerationTotal counts classifier verdicts.
	// Labels: verdict (pass, warn, block), reason
	ModerationTotal *prometheus.CounterVec

	// RateLimitDenialsTotal counts denials per channel.
	// Labels: channel, enforced (true, false)
	RateLimitDenialsTotal *prometheus.CounterVec

	AbuseBlocksTotal prometheus.Counter

	ActiveStreams prometheus.Gauge

	// StreamsTotal counts finished streams.
	// Labels: outcome (done, error, cancelled)
	StreamsTotal *prometheus.CounterVec

	// FallbacksTotal counts replies produced by a fallback tier.
	// Labels: tier (follow_up, templated, apology)
	FallbacksTotal *prometheus.CounterVec

	// TokensTotal counts model tokens.
	// Labels: direction (prompt, completion)
	TokensTotal *prometheus.CounterVec

	VerificationsTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by outcome",
		}, []string{"outcome"}),
		ModerationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "moderation_verdicts_total",
			Help:      "Moderation verdicts by verdict and reason",
		}, []string{"verdict", "reason"}),
		RateLimitDenialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_denials_total",
			Help:      "Rate limit denials by channel",
		}, []string{"channel", "enforced"}),
		AbuseBlocksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "abuse_blocks_total",
			Help:      "Temporary blocks issued by the abuse escalator",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Streams currently being written",
		}),
		StreamsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "streams_total",
			Help:      "Finished streams by outcome",
		}, []string{"outcome"}),
		FallbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fallbacks_total",
			Help:      "Replies produced by a fallback tier",
		}, []string{"tier"}),
		TokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tokens_total",
			Help:      "Model tokens by direction",
		}, []string{"direction"}),
		VerificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "verifications_total",
			Help:      "Verification link issuance and redemption by result",
		}, []string{"step", "result"}),
	}
}

func (m *Metrics) Admission(outcome string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Moderation(verdict, reason string) {
	if m == nil {
		return
	}
	m.ModerationTotal.WithLabelValues(verdict, reason).Inc()
}

func (m *Metrics) RateLimitDenied(channel string, enforced bool) {
	if m == nil {
		return
	}
	label := "false"
	if enforced {
		label = "true"
	}
	m.RateLimitDenialsTotal.WithLabelValues(channel, label).Inc()
}

func (m *Metrics) AbuseBlock() {
	if m == nil {
		return
	}
	m.AbuseBlocksTotal.Inc()
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamFinished(outcome string) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Fallback(tier string) {
	if m == nil {
		return
	}
	m.FallbacksTotal.WithLabelValues(tier).Inc()
}

func (m *Metrics) Tokens(prompt, completion int) {
	if m == nil {
		return
	}
	m.TokensTotal.WithLabelValues("prompt").Add(float64(prompt))
	m.TokensTotal.WithLabelValues("completion").Add(float64(completion))
}

func (m *Metrics) Verification(step, result string) {
	if m == nil {
		return
	}
	m.VerificationsTotal.WithLabelValues(step, result).Inc()
}
