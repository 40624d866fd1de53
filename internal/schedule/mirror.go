package schedule

import (
	"context"
	"encoding/json"
	"reflect"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"homehub/internal/bus"
)

// Mirror is a read-only replica of the rule set for processes that hold no
// store connection (dashboards, remote CRUD clients). It converges by
// applying mutation events idempotently: the transport may deliver the
// same event any number of times; only the first application changes
// anything, decided by comparing against current content rather than by
// trusting delivery counts.
type Mirror struct {
	log zerolog.Logger

	mu    sync.RWMutex
	rules map[int64]Rule
}

func NewMirror(log zerolog.Logger) *Mirror {
	return &Mirror{log: log, rules: map[int64]Rule{}}
}

// Apply folds one event into the mirror. It reports whether the mirror's
// content actually changed, so duplicate delivery is observable as false.
func (m *Mirror) Apply(ev MutationEvent) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Action {
	case MutationAdd, MutationUpdate:
		if ev.Data == nil {
			return false
		}
		if cur, ok := m.rules[ev.ID]; ok && reflect.DeepEqual(cur, *ev.Data) {
			return false
		}
		m.rules[ev.ID] = ev.Data.Clone()
		return true
	case MutationDelete:
		if _, ok := m.rules[ev.ID]; !ok {
			return false
		}
		delete(m.rules, ev.ID)
		return true
	case MutationSync:
		next := make(map[int64]Rule, len(ev.Rules))
		for _, r := range ev.Rules {
			next[r.ID] = r.Clone()
		}
		if reflect.DeepEqual(m.rules, next) {
			return false
		}
		m.rules = next
		return true
	default:
		m.log.Debug().Str("action", string(ev.Action)).Msg("ignoring unknown mutation action")
		return false
	}
}

// Get returns a copy of one mirrored rule.
func (m *Mirror) Get(id int64) (Rule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return Rule{}, false
	}
	return r.Clone(), true
}

// Rules returns a snapshot copy sorted by id.
func (m *Mirror) Rules() []Rule {
	m.mu.RLock()
	out := make([]Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run subscribes to the update channel and applies events until ctx ends.
// Malformed payloads are logged and skipped.
func (m *Mirror) Run(ctx context.Context, b bus.Bus) {
	ch, unsub := b.Subscribe(TopicUpdate, 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev MutationEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				m.log.Warn().Err(err).Msg("mirror: bad update payload")
				continue
			}
			m.Apply(ev)
		}
	}
}
