// Package poller is the one polling loop every display surface uses.
//
// Each tick gets a generation number. Fetches overlap freely when the
// backend is slower than the interval; a result is delivered only when its
// generation is newer than the last one delivered, so a slow response never
// lands after a newer one.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var fetchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "portal_poll_fetches_total",
		Help: "Poll results by poller and outcome (success, error, stale)",
	},
	[]string{"poller", "result"},
)

// DefaultTimeout bounds a single fetch when Config.Timeout is unset.
const DefaultTimeout = 10 * time.Second

type Config[T any] struct {
	Name      string
	Interval  time.Duration
	Timeout   time.Duration
	Fetch     func(ctx context.Context) (T, error)
	OnSuccess func(generation uint64, value T)
	OnError   func(generation uint64, err error)
}

type Poller[T any] struct {
	cfg Config[T]

	latest   atomic.Uint64
	inflight sync.WaitGroup

	// deliver serializes callbacks so a generation check and its
	// callback are atomic with respect to other deliveries.
	deliver   sync.Mutex
	delivered uint64
}

func New[T any](cfg Config[T]) *Poller[T] {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	return &Poller[T]{cfg: cfg}
}

// Run polls immediately and then every interval until ctx is done. In-flight
// fetches are cancelled with ctx and Run waits for them before returning
// ctx.Err().
func (p *Poller[T]) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.inflight.Wait()
			return ctx.Err()
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce starts one fetch and returns its generation. It does not wait
// for the result.
func (p *Poller[T]) PollOnce(ctx context.Context) uint64 {
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	generation := p.latest.Add(1)
	p.inflight.Add(1)

	go func() {
		defer p.inflight.Done()
		defer cancel()
		value, err := p.cfg.Fetch(fetchCtx)
		p.complete(ctx, generation, value, err)
	}()
	return generation
}

// Latest is the most recently issued generation.
func (p *Poller[T]) Latest() uint64 {
	return p.latest.Load()
}

// Delivered is the newest generation handed to OnSuccess or OnError.
func (p *Poller[T]) Delivered() uint64 {
	p.deliver.Lock()
	defer p.deliver.Unlock()
	return p.delivered
}

func (p *Poller[T]) complete(parent context.Context, generation uint64, value T, err error) {
	p.deliver.Lock()
	defer p.deliver.Unlock()

	if generation <= p.delivered {
		fetchesTotal.WithLabelValues(p.cfg.Name, "stale").Inc()
		return
	}
	if err != nil {
		if parent.Err() != nil && errors.Is(err, parent.Err()) {
			return
		}
		p.delivered = generation
		fetchesTotal.WithLabelValues(p.cfg.Name, "error").Inc()
		if p.cfg.OnError != nil {
			p.cfg.OnError(generation, err)
		}
		return
	}
	p.delivered = generation
	fetchesTotal.WithLabelValues(p.cfg.Name, "success").Inc()
	if p.cfg.OnSuccess != nil {
		p.cfg.OnSuccess(generation, value)
	}
}
