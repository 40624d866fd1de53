package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homehub/internal/metrics"
)

const (
	defaultOpTimeout    = 5 * time.Second
	defaultLogLimit     = 10
	maxLogLimit         = 500
	shutdownDrainPeriod = 10 * time.Second
)

type Config struct {
	// Timezone is an IANA name; empty means the local zone.
	Timezone string
	// OpTimeout bounds engine-initiated store writes (once-rule retirement,
	// startup seed). Caller-facing CRUD uses the caller's context instead.
	OpTimeout time.Duration
}

// entry is one cache slot. lastFired and claimed are scheduler-internal
// evaluation state, never persisted.
type entry struct {
	rule      Rule
	lastFired time.Time
	claimed   bool
}

// Engine owns the rule cache and is the only writer to the store.
//
// Locking: crudMu serializes whole mutations (store write, then cache
// update, then broadcast) so no mutator can observe the store and the
// cache disagreeing. mu guards only the cache map and is held for map
// access alone; no I/O ever happens under it, which keeps the tick scan's
// lock hold independent of store or broker latency.
type Engine struct {
	log         zerolog.Logger
	cfg         Config
	store       Store
	dispatcher  *Dispatcher
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	loc         *time.Location

	crudMu sync.Mutex
	mu     sync.Mutex
	cache  map[int64]*entry

	runMu  sync.Mutex
	stopCh chan struct{}
	done   chan struct{}
}

func New(cfg Config, store Store, d *Dispatcher, b *Broadcaster, m *metrics.Metrics, log zerolog.Logger) *Engine {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	return &Engine{
		log:         log,
		cfg:         cfg,
		store:       store,
		dispatcher:  d,
		broadcaster: b,
		metrics:     m,
		loc:         loadLocation(cfg.Timezone, log),
		cache:       map[int64]*entry{},
	}
}

// Start seeds the cache from the store's enabled set and launches the tick
// loop. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopCh != nil {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	rules, err := e.store.ListEnabled(sctx)
	cancel()
	if err != nil {
		return fmt.Errorf("seed cache: %w", err)
	}

	e.mu.Lock()
	e.cache = make(map[int64]*entry, len(rules))
	for _, r := range rules {
		e.cache[r.ID] = &entry{rule: r.Clone()}
	}
	e.mu.Unlock()

	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})
	go e.tickLoop(e.stopCh, e.done)

	e.log.Info().Int("rules", len(rules)).Str("tz", e.loc.String()).Msg("scheduler started")
	return nil
}

// Stop halts the tick loop before returning, lets in-flight dispatches
// finish, and clears the cache. No rule fires after Stop begins.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.stopCh == nil {
		return nil
	}
	close(e.stopCh)
	e.stopCh = nil
	<-e.done

	dctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, shutdownDrainPeriod)
		defer cancel()
	}
	err := e.dispatcher.Wait(dctx)

	e.mu.Lock()
	e.cache = map[int64]*entry{}
	e.mu.Unlock()

	e.log.Info().Msg("scheduler stopped")
	return err
}

// AddRule validates, persists, caches and broadcasts a new rule. New rules
// are always created enabled. Returns the store-assigned id.
func (e *Engine) AddRule(ctx context.Context, r Rule) (int64, error) {
	if err := validateRule(r); err != nil {
		return 0, err
	}
	r.Trigger = canonicalTrigger(r.Trigger)
	r.ID = 0
	r.Enabled = true
	r.CreatedAt = time.Now().In(e.loc)

	e.crudMu.Lock()
	defer e.crudMu.Unlock()

	id, err := e.store.CreateRule(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("create rule: %w", err)
	}
	r.ID = id

	e.mu.Lock()
	e.cache[id] = &entry{rule: r.Clone()}
	e.mu.Unlock()

	snap := r.Clone()
	e.broadcaster.Mutation(MutationAdd, id, &snap)
	e.metrics.Mutation(string(MutationAdd))
	e.log.Info().Int64("id", id).Str("name", r.Name).Msg("rule added")
	return id, nil
}

// UpdateRule applies a partial update, then replaces the cache entry in one
// locked step; enabled/disabled transitions insert into or evict from the
// cache accordingly.
func (e *Engine) UpdateRule(ctx context.Context, id int64, fields RuleUpdate) error {
	if fields.Trigger != nil {
		if err := ValidateTrigger(*fields.Trigger); err != nil {
			return err
		}
		trig := canonicalTrigger(*fields.Trigger)
		fields.Trigger = &trig
	}

	e.crudMu.Lock()
	defer e.crudMu.Unlock()

	if err := e.store.UpdateRule(ctx, id, fields); err != nil {
		return err
	}
	updated, err := e.store.GetRule(ctx, id)
	if err != nil {
		// The write landed but the read-back failed; leave the cache alone
		// and surface it. The next mutation or restart reconverges.
		return fmt.Errorf("read back rule %d: %w", id, err)
	}

	e.mu.Lock()
	if updated.Enabled {
		en := &entry{rule: updated.Clone()}
		if old := e.cache[id]; old != nil {
			en.lastFired = old.lastFired
		}
		e.cache[id] = en
	} else {
		delete(e.cache, id)
	}
	e.mu.Unlock()

	snap := updated.Clone()
	e.broadcaster.Mutation(MutationUpdate, id, &snap)
	e.metrics.Mutation(string(MutationUpdate))
	e.log.Info().Int64("id", id).Bool("enabled", updated.Enabled).Msg("rule updated")
	return nil
}

// DeleteRule removes the rule from store and cache and broadcasts the last
// known snapshot so observers can show what was removed.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	e.crudMu.Lock()
	defer e.crudMu.Unlock()

	snap, err := e.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.cache, id)
	e.mu.Unlock()

	snap = snap.Clone()
	e.broadcaster.Mutation(MutationDelete, id, &snap)
	e.metrics.Mutation(string(MutationDelete))
	e.log.Info().Int64("id", id).Str("name", snap.Name).Msg("rule deleted")
	return nil
}

func (e *Engine) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	return e.UpdateRule(ctx, id, RuleUpdate{Enabled: &enabled})
}

func (e *Engine) GetRule(ctx context.Context, id int64) (Rule, error) {
	return e.store.GetRule(ctx, id)
}

// ListRules returns a point-in-time deep copy of the cache (the enabled
// set), sorted by id. Callers can never mutate scheduler-owned state.
func (e *Engine) ListRules() []Rule {
	e.mu.Lock()
	out := make([]Rule, 0, len(e.cache))
	for _, en := range e.cache {
		out = append(out, en.rule.Clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) ListExecutions(ctx context.Context, ruleID int64, limit int) ([]ExecutionRecord, error) {
	if limit <= 0 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return e.store.ListExecutions(ctx, ruleID, limit)
}

// Resync broadcasts the full persisted rule set (enabled or not) so
// late-joining mirrors can seed themselves.
func (e *Engine) Resync(ctx context.Context) error {
	rules, err := e.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	e.broadcaster.Sync(rules)
	return nil
}

func (e *Engine) tickLoop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		// Sleep to the next minute boundary rather than running a fixed
		// ticker: each boundary is visited at most once, and boundaries
		// skipped while the process was suspended are lost, not replayed.
		now := time.Now().In(e.loc)
		timer := time.NewTimer(time.Until(now.Truncate(time.Minute).Add(time.Minute)))
		select {
		case <-stopCh:
			timer.Stop()
			return
		case ts := <-timer.C:
			e.tick(ts)
		}
	}
}

// tick is one evaluation pass. The cache lock covers only the scan; every
// due rule is deep-copied out and dispatched after the lock is released.
func (e *Engine) tick(now time.Time) {
	start := time.Now()
	now = now.In(e.loc)

	var fire []Rule
	var retired []Rule
	e.mu.Lock()
	for _, en := range e.cache {
		if !dueAt(en, now) {
			continue
		}
		en.lastFired = now
		if en.rule.Trigger.Kind == TriggerOnce {
			// Claim inside the locked scan so a concurrent tick can never
			// also decide this rule is due.
			en.claimed = true
			retired = append(retired, en.rule.Clone())
		}
		fire = append(fire, en.rule.Clone())
	}
	e.mu.Unlock()

	for _, r := range fire {
		e.metrics.RuleFired(string(r.DeviceType))
		e.dispatcher.Dispatch(r)
	}
	// Once-rules retire strictly after their dispatch has been handed off.
	for _, r := range retired {
		e.retireOnce(r)
	}
	e.metrics.ObserveTick(time.Since(start))
}

// retireOnce flips a fired once-rule to disabled, atomically with its cache
// removal as far as any other mutator can observe (both happen under
// crudMu). The claim flag already guarantees it cannot fire again even if
// the store write fails.
func (e *Engine) retireOnce(r Rule) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OpTimeout)
	defer cancel()

	e.crudMu.Lock()
	defer e.crudMu.Unlock()

	off := false
	err := e.store.UpdateRule(ctx, r.ID, RuleUpdate{Enabled: &off})

	e.mu.Lock()
	delete(e.cache, r.ID)
	e.mu.Unlock()

	if err != nil {
		e.log.Error().Int64("id", r.ID).Err(err).Msg("failed to persist once-rule retirement")
		return
	}
	r.Enabled = false
	e.broadcaster.Mutation(MutationUpdate, r.ID, &r)
	e.metrics.Mutation(string(MutationUpdate))
}

func loadLocation(tz string, log zerolog.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn().Str("tz", tz).Err(err).Msg("invalid timezone, falling back to Local")
		return time.Local
	}
	return loc
}
