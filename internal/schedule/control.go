package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"homehub/internal/bus"
)

// controlRequest is the wire document on TopicControl. Commands:
//
//	add         name, device_type, action, trigger required; parameters optional
//	remove      id required
//	update      id required, any subset of the partial fields
//	set_enabled id + enabled required
//	get_all     no fields; answered with a sync event on TopicUpdate
type controlRequest struct {
	Command string `json:"command"`
	ID      int64  `json:"id,omitempty"`

	Name       *string         `json:"name,omitempty"`
	DeviceType *DeviceType     `json:"device_type,omitempty"`
	Action     *string         `json:"action,omitempty"`
	Parameters *map[string]any `json:"parameters,omitempty"`
	Trigger    *Trigger        `json:"trigger,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
}

// ControlHandler serves CRUD commands arriving over the bus, so any client
// without a store connection can mutate schedules. Bad input is logged and
// dropped; a malformed command must never take the handler down.
type ControlHandler struct {
	log     zerolog.Logger
	engine  *Engine
	bus     bus.Bus
	timeout time.Duration
}

func NewControlHandler(e *Engine, b bus.Bus, timeout time.Duration, log zerolog.Logger) *ControlHandler {
	return &ControlHandler{log: log, engine: e, bus: b, timeout: resolveTimeout(timeout)}
}

// Run consumes TopicControl until ctx ends.
func (h *ControlHandler) Run(ctx context.Context) {
	ch, unsub := h.bus.Subscribe(TopicControl, 64)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.handle(ctx, msg.Payload)
		}
	}
}

func (h *ControlHandler) handle(ctx context.Context, payload []byte) {
	var req controlRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.log.Warn().Err(err).Msg("control: bad payload")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var err error
	switch req.Command {
	case "add":
		err = h.handleAdd(cctx, req)
	case "remove":
		err = h.engine.DeleteRule(cctx, req.ID)
	case "update":
		err = h.engine.UpdateRule(cctx, req.ID, RuleUpdate{
			Name:       req.Name,
			DeviceType: req.DeviceType,
			Action:     req.Action,
			Parameters: req.Parameters,
			Trigger:    req.Trigger,
			Enabled:    req.Enabled,
		})
	case "set_enabled":
		if req.Enabled == nil {
			h.log.Warn().Int64("id", req.ID).Msg("control: set_enabled without enabled field")
			return
		}
		err = h.engine.SetEnabled(cctx, req.ID, *req.Enabled)
	case "get_all":
		err = h.engine.Resync(cctx)
	default:
		h.log.Warn().Str("command", req.Command).Msg("control: unknown command")
		return
	}

	if err != nil {
		h.log.Warn().Str("command", req.Command).Int64("id", req.ID).Err(err).Msg("control: command failed")
	}
}

func (h *ControlHandler) handleAdd(ctx context.Context, req controlRequest) error {
	r := Rule{}
	if req.Name != nil {
		r.Name = *req.Name
	}
	if req.DeviceType != nil {
		r.DeviceType = *req.DeviceType
	}
	if req.Action != nil {
		r.Action = *req.Action
	}
	if req.Parameters != nil {
		r.Parameters = *req.Parameters
	}
	if req.Trigger != nil {
		r.Trigger = *req.Trigger
	}
	// Validation (missing fields included) happens in AddRule.
	_, err := h.engine.AddRule(ctx, r)
	return err
}
