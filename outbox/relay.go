package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Claimer is the store surface the relay drives.
type Claimer interface {
	ClaimPending(ctx context.Context, limit int) ([]Message, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, nextRetryAt time.Time, errMsg string, dead bool) error
	RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error)
}

// Publisher delivers one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RelayConfig struct {
	BatchSize         int
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
}

// Relay polls the outbox and publishes claimed rows.
type Relay struct {
	store   Claimer
	pub     Publisher
	log     *slog.Logger
	cfg     RelayConfig
	metrics *RelayMetrics
	now     func() time.Time
}

func NewRelay(store Claimer, pub Publisher, log *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Relay{store: store, pub: pub, log: log, cfg: cfg, now: time.Now}
}

func (r *Relay) WithMetrics(m *RelayMetrics) *Relay {
	r.metrics = m
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("relay_start",
		slog.Int("batch_size", r.cfg.BatchSize),
		slog.String("poll_interval", r.cfg.PollInterval.String()),
		slog.Int("max_attempts", r.cfg.MaxAttempts),
	)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay_shutdown")
			return nil
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one claim-and-publish pass and returns how many rows were sent.
func (r *Relay) Tick(ctx context.Context) int {
	r.metrics.poll()

	if n, err := r.store.RequeueStuck(ctx, r.cfg.ProcessingTimeout); err != nil {
		r.log.Error("outbox_requeue_failed", slog.String("err", err.Error()))
	} else if n > 0 {
		r.metrics.requeued(n)
		r.log.Warn("outbox_requeued_stuck", slog.Int64("count", n))
	}

	msgs, err := r.store.ClaimPending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.metrics.claimError()
		r.log.Error("outbox_claim_failed", slog.String("err", err.Error()))
		return 0
	}
	if len(msgs) == 0 {
		r.metrics.lag(0)
		return 0
	}
	r.metrics.lag(r.now().Sub(msgs[0].CreatedAt).Seconds())

	sent := 0
	for _, m := range msgs {
		if err := r.pub.Publish(ctx, m.Topic, []byte(m.Key), m.Payload); err != nil {
			r.fail(ctx, m, err)
			continue
		}
		if err := r.store.MarkSent(ctx, m.ID); err != nil {
			r.log.Error("outbox_mark_sent_failed", slog.String("id", m.ID), slog.String("err", err.Error()))
			continue
		}
		r.metrics.published(m.Topic)
		sent++
	}
	return sent
}

func (r *Relay) fail(ctx context.Context, m Message, cause error) {
	dead := m.Attempts >= r.cfg.MaxAttempts
	next := r.now().Add(r.backoff(m.Attempts))
	r.metrics.failed(m.Topic, dead)
	r.log.Warn("outbox_publish_failed",
		slog.String("id", m.ID),
		slog.String("topic", m.Topic),
		slog.Int("attempts", m.Attempts),
		slog.Bool("dead", dead),
		slog.String("err", cause.Error()),
	)
	if err := r.store.MarkFailed(ctx, m.ID, next, cause.Error(), dead); err != nil {
		r.log.Error("outbox_mark_failed_failed", slog.String("id", m.ID), slog.String("err", err.Error()))
	}
}

func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseBackoff
	for i := 1; i < attempts && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}

// RelayMetrics is safe to use as a nil pointer.
type RelayMetrics struct {
	polls       prometheus.Counter
	claimErrors prometheus.Counter
	requeuedN   prometheus.Counter
	publishedN  *prometheus.CounterVec
	failedN     *prometheus.CounterVec
	deadN       *prometheus.CounterVec
	lagSeconds  prometheus.Gauge
}

func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_polls_total",
			Help: "Outbox polling ticks.",
		}),
		claimErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_claim_errors_total",
			Help: "Errors while claiming outbox rows.",
		}),
		requeuedN: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_relay_requeued_total",
			Help: "Stuck outbox rows returned to pending.",
		}),
		publishedN: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_published_total", Help: "Published outbox messages."},
			[]string{"topic"},
		),
		failedN: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_failed_total", Help: "Failed publish attempts."},
			[]string{"topic"},
		),
		deadN: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "outbox_dead_total", Help: "Messages parked after exhausting retries."},
			[]string{"topic"},
		),
		lagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_lag_seconds",
			Help: "Age of the oldest claimed outbox row.",
		}),
	}
	reg.MustRegister(m.polls, m.claimErrors, m.requeuedN, m.publishedN, m.failedN, m.deadN, m.lagSeconds)
	return m
}

func (m *RelayMetrics) poll() {
	if m != nil {
		m.polls.Inc()
	}
}

func (m *RelayMetrics) claimError() {
	if m != nil {
		m.claimErrors.Inc()
	}
}

func (m *RelayMetrics) requeued(n int64) {
	if m != nil {
		m.requeuedN.Add(float64(n))
	}
}

func (m *RelayMetrics) published(topic string) {
	if m != nil {
		m.publishedN.WithLabelValues(topic).Inc()
	}
}

func (m *RelayMetrics) failed(topic string, dead bool) {
	if m == nil {
		return
	}
	m.failedN.WithLabelValues(topic).Inc()
	if dead {
		m.deadN.WithLabelValues(topic).Inc()
	}
}

func (m *RelayMetrics) lag(seconds float64) {
	if m != nil {
		m.lagSeconds.Set(seconds)
	}
}
