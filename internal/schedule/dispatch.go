package schedule

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"homehub/internal/bus"
	"homehub/internal/metrics"
)

const defaultDispatchWorkers = 4

type DispatcherConfig struct {
	// Workers caps concurrent dispatches so a pathological schedule cannot
	// grow goroutines without bound.
	Workers int
	// PublishRate caps device-control publishes per second; 0 disables.
	PublishRate int
	// PublishTimeout bounds each bus publish and execution-log write.
	PublishTimeout time.Duration
}

// Dispatcher turns due rules into device-control publishes and execution
// log rows. Each rule runs in its own execution unit so a slow publish or
// log write never stalls other rules from the same tick.
//
// Failures are non-fatal: they are logged and counted, never retried, and
// never propagated back to the tick loop.
type Dispatcher struct {
	log     zerolog.Logger
	bus     bus.Bus
	store   Store
	metrics *metrics.Metrics

	sem     *semaphore.Weighted
	limiter *rate.Limiter
	timeout atomic.Int64 // nanoseconds

	wg sync.WaitGroup
}

// deviceCommand is the wire document published on a device-control topic.
type deviceCommand struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func NewDispatcher(cfg DispatcherConfig, b bus.Bus, store Store, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	d := &Dispatcher{
		log:     log,
		bus:     b,
		store:   store,
		metrics: m,
		sem:     semaphore.NewWeighted(int64(workers)),
		limiter: newLimiter(cfg.PublishRate),
	}
	d.timeout.Store(int64(resolveTimeout(cfg.PublishTimeout)))
	return d
}

// Apply adjusts publish rate and timeout at runtime (config hot reload).
// The worker bound is fixed for the process lifetime.
func (d *Dispatcher) Apply(cfg DispatcherConfig) {
	d.timeout.Store(int64(resolveTimeout(cfg.PublishTimeout)))
	if cfg.PublishRate > 0 {
		d.limiter.SetLimit(rate.Limit(cfg.PublishRate))
		d.limiter.SetBurst(cfg.PublishRate)
	} else {
		d.limiter.SetLimit(rate.Inf)
	}
}

// Dispatch hands off one due rule and returns immediately.
func (d *Dispatcher) Dispatch(r Rule) {
	d.wg.Add(1)
	go d.run(r)
}

// Wait blocks until all in-flight dispatches complete or ctx expires.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run(r Rule) {
	defer d.wg.Done()

	timeout := time.Duration(d.timeout.Load())
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.fail(r, "acquire worker", err)
		return
	}
	defer d.sem.Release(1)

	if err := d.limiter.Wait(ctx); err != nil {
		d.fail(r, "rate limit", err)
		return
	}

	payload, err := json.Marshal(deviceCommand{Action: r.Action, Parameters: r.Parameters})
	if err != nil {
		d.fail(r, "encode command", err)
		return
	}

	// A fresh timeout per I/O step so a slow publish does not eat the
	// execution-log write's budget.
	pctx, pcancel := context.WithTimeout(context.Background(), timeout)
	err = d.bus.Publish(pctx, r.DeviceType.ControlTopic(), payload)
	pcancel()
	if err != nil {
		d.fail(r, "publish", err)
		return
	}

	executedAt := time.Now()
	rec := ExecutionRecord{
		RuleID:     r.ID,
		DeviceType: r.DeviceType,
		Action:     r.Action,
		Parameters: r.Parameters,
		ExecutedAt: executedAt,
	}
	lctx, lcancel := context.WithTimeout(context.Background(), timeout)
	_, err = d.store.AppendExecution(lctx, rec)
	lcancel()
	if err != nil {
		// The command is already out; a lost log row is not worth failing
		// the fire over.
		d.log.Warn().Int64("id", r.ID).Err(err).Msg("execution log write failed")
		d.metrics.DispatchError()
	}

	d.notify(ExecutedEvent{RuleID: r.ID, Name: r.Name, ExecutedAt: executedAt, Status: "success"})
	d.log.Info().
		Int64("id", r.ID).
		Str("name", r.Name).
		Str("device", string(r.DeviceType)).
		Str("action", r.Action).
		Msg("rule dispatched")
}

func (d *Dispatcher) fail(r Rule, stage string, err error) {
	d.log.Warn().Int64("id", r.ID).Str("name", r.Name).Str("stage", stage).Err(err).Msg("dispatch failed")
	d.metrics.DispatchError()
	d.notify(ExecutedEvent{RuleID: r.ID, Name: r.Name, ExecutedAt: time.Now(), Status: "error", Error: err.Error()})
}

func (d *Dispatcher) notify(ev ExecutedEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(d.timeout.Load()))
	defer cancel()
	if err := d.bus.Publish(ctx, TopicExecuted, payload); err != nil {
		d.log.Debug().Int64("id", ev.RuleID).Err(err).Msg("executed notification dropped")
	}
}

func newLimiter(perSec int) *rate.Limiter {
	if perSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(perSec), perSec)
}

func resolveTimeout(t time.Duration) time.Duration {
	if t <= 0 {
		return defaultOpTimeout
	}
	return t
}
