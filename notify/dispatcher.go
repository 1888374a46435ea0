package notify

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"signflow/envelope"
)

// Report summarizes one fan-out.
type Report struct {
	Sent   int
	Failed int
}

// Dispatcher sends one invitation per signer. Delivery is best effort: a
// failed send is logged and counted and never affects the envelope or the
// other sends.
type Dispatcher struct {
	sender   Sender
	composer *Composer
	log      *slog.Logger
	timeout  time.Duration
	sends    *prometheus.CounterVec
}

func NewDispatcher(sender Sender, composer *Composer, log *slog.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		composer: composer,
		log:      log,
		timeout:  timeout,
	}
}

// WithMetrics registers the notifications_total counter on reg.
func (d *Dispatcher) WithMetrics(reg prometheus.Registerer) *Dispatcher {
	d.sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_total",
			Help: "Signer notification attempts by result.",
		},
		[]string{"result"},
	)
	reg.MustRegister(d.sends)
	return d
}

// NotifySigners fans out to every signer concurrently and waits for all
// sends to finish or time out.
func (d *Dispatcher) NotifySigners(ctx context.Context, env envelope.Envelope) Report {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	documents := make([]string, len(env.Files))
	for i, f := range env.Files {
		documents[i] = f.Filename
	}

	var sent, failed atomic.Int64
	var g errgroup.Group
	for i, signer := range env.Signers {
		g.Go(func() error {
			if err := d.notifyOne(ctx, signer, documents); err != nil {
				failed.Add(1)
				d.observe("failed")
				d.log.WarnContext(ctx, "notification_failed",
					"envelope_id", env.ID,
					"signer_index", i,
					"to", signer.Email,
					"error", err,
				)
				return nil
			}
			sent.Add(1)
			d.observe("sent")
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Sent: int(sent.Load()), Failed: int(failed.Load())}
	d.log.InfoContext(ctx, "notifications_dispatched", "envelope_id", env.ID, "sent", report.Sent, "failed", report.Failed)
	return report
}

func (d *Dispatcher) notifyOne(ctx context.Context, signer envelope.Signer, documents []string) error {
	msg, err := d.composer.Invitation(signer.Name, signer.SigningURL, documents)
	if err != nil {
		return err
	}
	return d.sender.Send(ctx, signer.Email, msg.Subject, msg.HTML)
}

func (d *Dispatcher) observe(result string) {
	if d.sends == nil {
		return
	}
	d.sends.WithLabelValues(result).Inc()
}
