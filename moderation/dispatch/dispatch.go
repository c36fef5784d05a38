// Package dispatch runs inbound messages on a fixed pool of workers. Work for
// the same key is processed strictly in arrival order; different keys run in
// parallel.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dhruvmish/moderation-agent/moderation/engine"
)

var ErrShutdown = errors.New("dispatcher is shut down")

type HandleFunc func(ctx context.Context, msg engine.Message) error

type Scheduler struct {
	maxConcurrency int

	do HandleFunc

	feeder chan *task
	out    chan struct{}

	lk       sync.Mutex
	active   map[string][]*task
	closed   bool
	inflight sync.WaitGroup

	ident string

	// metrics
	itemsAdded     prometheus.Counter
	itemsProcessed prometheus.Counter
	itemsFailed    prometheus.Counter
	workersActive  prometheus.Gauge
	keysActive     prometheus.Gauge

	log *slog.Logger
}

type task struct {
	key     string
	val     engine.Message
	control string
}

func NewScheduler(maxC int, ident string, logger *slog.Logger, do HandleFunc) *Scheduler {
	if maxC < 1 {
		maxC = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Scheduler{
		maxConcurrency: maxC,

		do: do,

		feeder: make(chan *task),
		active: make(map[string][]*task),
		out:    make(chan struct{}),

		ident: ident,

		itemsAdded:     workItemsAdded.WithLabelValues(ident),
		itemsProcessed: workItemsProcessed.WithLabelValues(ident),
		itemsFailed:    workItemsFailed.WithLabelValues(ident),
		workersActive:  workersActive.WithLabelValues(ident),
		keysActive:     keysQueued.WithLabelValues(ident),

		log: logger.With("system", "dispatch", "pool", ident),
	}

	for i := 0; i < maxC; i++ {
		go p.worker()
	}

	p.workersActive.Set(float64(maxC))

	return p
}

// AddWork queues msg behind any pending work for the same key. It blocks only
// while waiting for an idle worker to pick up a new key.
func (p *Scheduler) AddWork(ctx context.Context, key string, msg engine.Message) error {
	t := &task{
		key: key,
		val: msg,
	}
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return ErrShutdown
	}
	p.itemsAdded.Inc()
	p.inflight.Add(1)

	a, ok := p.active[key]
	if ok {
		p.active[key] = append(a, t)
		p.lk.Unlock()
		return nil
	}

	p.active[key] = []*task{}
	p.keysActive.Set(float64(len(p.active)))
	p.lk.Unlock()

	select {
	case p.feeder <- t:
		return nil
	case <-ctx.Done():
		p.inflight.Done()
		p.lk.Lock()
		rem := p.active[key]
		if len(rem) == 0 {
			delete(p.active, key)
			p.keysActive.Set(float64(len(p.active)))
			p.lk.Unlock()
			return ctx.Err()
		}
		// other callers already queued behind this key; keep the key and
		// hand its next task to a worker in the background
		next := rem[0]
		p.active[key] = rem[1:]
		p.lk.Unlock()
		p.log.Warn("add work cancelled, handing queued work to a worker", "key", key, "queued", len(rem), "err", ctx.Err())
		go func() {
			p.feeder <- next
		}()
		return ctx.Err()
	}
}

// Shutdown stops accepting work, waits for everything already queued to be
// processed, then stops the workers.
func (p *Scheduler) Shutdown() {
	p.log.Info("shutting down dispatcher")

	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return
	}
	p.closed = true
	p.lk.Unlock()

	p.inflight.Wait()

	for i := 0; i < p.maxConcurrency; i++ {
		p.feeder <- &task{
			control: "stop",
		}
	}

	close(p.feeder)

	for i := 0; i < p.maxConcurrency; i++ {
		<-p.out
	}
	p.workersActive.Set(0)

	p.log.Info("dispatcher shutdown complete")
}

func (p *Scheduler) worker() {
	for work := range p.feeder {
		for work != nil {
			if work.control == "stop" {
				p.out <- struct{}{}
				return
			}

			if err := p.do(context.Background(), work.val); err != nil {
				p.itemsFailed.Inc()
				p.log.Error("message handler failed", "err", err, "channel", work.val.ChannelID, "message", work.val.MessageID)
			}
			p.itemsProcessed.Inc()
			p.inflight.Done()

			p.lk.Lock()
			rem, ok := p.active[work.key]
			if !ok {
				p.log.Error("should always have an 'active' entry if a worker is processing a job")
			}

			if len(rem) == 0 {
				delete(p.active, work.key)
				p.keysActive.Set(float64(len(p.active)))
				work = nil
			} else {
				work = rem[0]
				p.active[work.key] = rem[1:]
			}
			p.lk.Unlock()
		}
	}
}
