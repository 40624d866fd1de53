package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"homehub/internal/bus"
)

// Broadcaster publishes mutation events on TopicUpdate after each
// successful store+cache transition. It is only ever called after the
// store write succeeded, which is what makes persist-then-broadcast hold.
//
// Every event carries this process's origin id so clients subscribed to
// their own broadcasts can recognize the echo.
type Broadcaster struct {
	log     zerolog.Logger
	bus     bus.Bus
	origin  string
	timeout time.Duration
}

func NewBroadcaster(b bus.Bus, timeout time.Duration, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		log:     log,
		bus:     b,
		origin:  uuid.NewString(),
		timeout: resolveTimeout(timeout),
	}
}

func (b *Broadcaster) Origin() string { return b.origin }

// Mutation emits one {action, id, data} event. A failed publish is logged
// and dropped; the mutation itself already persisted, and mirrors recover
// through a later get_all sync.
func (b *Broadcaster) Mutation(action MutationAction, id int64, snapshot *Rule) {
	b.publish(MutationEvent{Action: action, ID: id, Origin: b.origin, Data: snapshot})
}

// Sync emits the full rule set for mirror seeding.
func (b *Broadcaster) Sync(rules []Rule) {
	b.publish(MutationEvent{Action: MutationSync, Origin: b.origin, Rules: rules})
}

func (b *Broadcaster) publish(ev MutationEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error().Str("action", string(ev.Action)).Err(err).Msg("broadcast encode failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.bus.Publish(ctx, TopicUpdate, payload); err != nil {
		b.log.Warn().Str("action", string(ev.Action)).Int64("id", ev.ID).Err(err).Msg("broadcast publish failed")
	}
}
