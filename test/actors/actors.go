package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"signflow/envelope"
)

// Registry tracks envelopes created during a run so other actors can
// contend on them.
type Registry struct {
	mu  sync.Mutex
	ids []string
	n   map[string]int
}

func NewRegistry() *Registry {
	return &Registry{n: make(map[string]int)}
}

func (r *Registry) Add(id string, signers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	r.n[id] = signers
}

// Pick returns a random envelope id and its signer count. Recent envelopes are
// favoured so contention stays high.
func (r *Registry) Pick(rng *rand.Rand) (string, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ids) == 0 {
		return "", 0, false
	}
	window := len(r.ids)
	if window > 8 {
		window = 8
	}
	id := r.ids[len(r.ids)-1-rng.Intn(window)]
	return id, r.n[id], true
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// Stats counts outcomes across actors.
type Stats struct {
	Created    atomic.Int64
	Delivered  atomic.Int64
	Completed  atomic.Int64
	Cancelled  atomic.Int64
	Rejected   atomic.Int64
	Transient  atomic.Int64
	LastFailed atomic.Value
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d delivered=%d completed=%d cancelled=%d rejected=%d transient=%d",
		s.Created.Load(), s.Delivered.Load(), s.Completed.Load(), s.Cancelled.Load(), s.Rejected.Load(), s.Transient.Load())
}

// observe classifies err. Domain rejections are expected under contention;
// anything else is a dropped connection or a bug, which the oracles catch.
func (s *Stats) observe(err error, ok *atomic.Int64) {
	switch {
	case err == nil:
		ok.Add(1)
	case errors.Is(err, envelope.ErrEnvelopeVoided), errors.Is(err, envelope.ErrConcurrentUpdate):
		s.Rejected.Add(1)
	default:
		s.Transient.Add(1)
		s.LastFailed.Store(err.Error())
	}
}

// Service is the envelope surface the actors drive.
type Service interface {
	Create(ctx context.Context, params envelope.CreateParams) (envelope.Envelope, error)
	RecordDelivery(ctx context.Context, id string, signerIndex int) (envelope.Envelope, error)
	RecordCompletion(ctx context.Context, id string, signerIndex int, artifact envelope.Artifact) (envelope.Envelope, error)
	Cancel(ctx context.Context, id string) (envelope.Envelope, error)
}

type loop func(ctx context.Context) error

func run(ctx context.Context, stop <-chan struct{}, rng *rand.Rand, pause time.Duration, step loop) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(ctx); err != nil {
			return err
		}
		time.Sleep(pause + time.Duration(rng.Int63n(int64(pause))))
	}
}

// Creator keeps opening envelopes with two to four signers.
func Creator(ctx context.Context, svc Service, reg *Registry, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return run(ctx, stop, rng, 40*time.Millisecond, func(ctx context.Context) error {
		n := 2 + rng.Intn(3)
		recipients := make([]envelope.Recipient, n)
		for i := range recipients {
			recipients[i] = envelope.Recipient{Email: fmt.Sprintf("s%d-%d@stress.test", rng.Int63(), i)}
		}
		env, err := svc.Create(ctx, envelope.CreateParams{
			Recipients: recipients,
			Files:      []envelope.File{{Filename: "nda.html", StoredName: "stress.html", PublicURL: "/files/stress.html", Mimetype: "text/html"}},
		})
		stats.observe(err, &stats.Created)
		if err == nil {
			reg.Add(env.ID, n)
		}
		return nil
	})
}

// Viewer opens signing links, racing deliveries against completions.
func Viewer(ctx context.Context, svc Service, reg *Registry, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return run(ctx, stop, rng, 5*time.Millisecond, func(ctx context.Context) error {
		id, n, ok := reg.Pick(rng)
		if !ok {
			return nil
		}
		_, err := svc.RecordDelivery(ctx, id, rng.Intn(n))
		stats.observe(err, &stats.Delivered)
		return nil
	})
}

// Completer uploads signed artifacts for random signers.
func Completer(ctx context.Context, svc Service, reg *Registry, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return run(ctx, stop, rng, 5*time.Millisecond, func(ctx context.Context) error {
		id, n, ok := reg.Pick(rng)
		if !ok {
			return nil
		}
		idx := rng.Intn(n)
		name := fmt.Sprintf("%032x.pdf", rng.Int63())
		_, err := svc.RecordCompletion(ctx, id, idx, envelope.Artifact{StoredName: name, PublicURL: "/files/" + name})
		stats.observe(err, &stats.Completed)
		return nil
	})
}

// Canceller occasionally voids an envelope mid-flight.
func Canceller(ctx context.Context, svc Service, reg *Registry, stats *Stats, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	return run(ctx, stop, rng, 150*time.Millisecond, func(ctx context.Context) error {
		id, _, ok := reg.Pick(rng)
		if !ok || rng.Intn(3) != 0 {
			return nil
		}
		_, err := svc.Cancel(ctx, id)
		stats.observe(err, &stats.Cancelled)
		return nil
	})
}

// CountingPublisher stands in for Kafka and records what the relay sends.
type CountingPublisher struct {
	mu    sync.Mutex
	byKey map[string]int
}

func NewCountingPublisher() *CountingPublisher {
	return &CountingPublisher{byKey: make(map[string]int)}
}

func (p *CountingPublisher) Publish(_ context.Context, _ string, key, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byKey[string(key)]++
	return nil
}

func (p *CountingPublisher) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.byKey {
		total += n
	}
	return total
}
