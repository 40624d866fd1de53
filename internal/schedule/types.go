// Package schedule implements the recurring task scheduler: a mutex-guarded
// cache of enabled rules, a minute-aligned tick loop evaluating triggers,
// async dispatch of due actions onto device-control topics, and mutation
// broadcasts that keep remote mirrors converged.
package schedule

import (
	"time"
)

// Bus topics shared by every client.
const (
	// TopicControl carries CRUD request commands from any client.
	TopicControl = "home/scheduler/control"
	// TopicUpdate carries mutation broadcasts applied by mirrors.
	TopicUpdate = "home/scheduler"
	// TopicExecuted carries fire notifications.
	TopicExecuted = "home/scheduler/executed"
)

// DeviceType selects the device-control topic a rule publishes to.
// The set is open; unknown types get a derived topic.
type DeviceType string

const (
	DeviceTemperature DeviceType = "temperature"
	DeviceLighting    DeviceType = "lighting"
	DeviceSecurity    DeviceType = "security"
)

// ControlTopic returns the device-control topic for this device type.
// The three known types keep the topics the rest of the system already
// listens on; anything else falls into the home/device namespace.
func (d DeviceType) ControlTopic() string {
	switch d {
	case DeviceTemperature:
		return "home/sensor/temperature/control"
	case DeviceLighting:
		return "home/sensor/lighting/control"
	case DeviceSecurity:
		return "home/security/status/control"
	default:
		return "home/device/" + string(d) + "/control"
	}
}

// TriggerKind discriminates the trigger variant.
type TriggerKind string

const (
	TriggerDaily    TriggerKind = "daily"
	TriggerInterval TriggerKind = "interval"
	TriggerOnce     TriggerKind = "once"
)

// Trigger is the tagged trigger variant. Only the fields of the active
// kind are meaningful:
//
//   - daily:    At ("HH:MM") and RepeatDays (Monday=0..Sunday=6; empty
//     means every day)
//   - interval: EveryMinutes (> 0)
//   - once:     FireAt (absolute; past values are accepted but never fire)
type Trigger struct {
	Kind         TriggerKind `json:"kind"`
	At           string      `json:"at,omitempty"`
	RepeatDays   []int       `json:"repeat_days,omitempty"`
	EveryMinutes int         `json:"every_minutes,omitempty"`
	FireAt       time.Time   `json:"fire_at,omitempty"`
}

// Rule is a persisted schedule definition.
type Rule struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	DeviceType DeviceType     `json:"device_type"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Trigger    Trigger        `json:"trigger"`
	Enabled    bool           `json:"enabled"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Clone returns a deep copy so callers can never reach scheduler-owned state.
func (r Rule) Clone() Rule {
	cp := r
	if r.Parameters != nil {
		cp.Parameters = make(map[string]any, len(r.Parameters))
		for k, v := range r.Parameters {
			cp.Parameters[k] = v
		}
	}
	if r.Trigger.RepeatDays != nil {
		cp.Trigger.RepeatDays = append([]int(nil), r.Trigger.RepeatDays...)
	}
	return cp
}

// RuleUpdate is a partial update; nil fields are left unchanged.
type RuleUpdate struct {
	Name       *string         `json:"name,omitempty"`
	DeviceType *DeviceType     `json:"device_type,omitempty"`
	Action     *string         `json:"action,omitempty"`
	Parameters *map[string]any `json:"parameters,omitempty"`
	Trigger    *Trigger        `json:"trigger,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
}

// ExecutionRecord is one append-only row of the execution log, capturing
// the rule's action fields as they were at fire time.
type ExecutionRecord struct {
	ID         int64          `json:"id"`
	RuleID     int64          `json:"rule_id"`
	DeviceType DeviceType     `json:"device_type"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	ExecutedAt time.Time      `json:"executed_at"`
}

// MutationAction labels a broadcast event.
type MutationAction string

const (
	MutationAdd    MutationAction = "add"
	MutationUpdate MutationAction = "update"
	MutationDelete MutationAction = "delete"
	// MutationSync replaces a mirror's whole content; sent on get_all.
	MutationSync MutationAction = "sync"
)

// MutationEvent is the wire document on TopicUpdate. Origin identifies the
// publishing process so clients can tell their own echoes apart.
type MutationEvent struct {
	Action MutationAction `json:"action"`
	ID     int64          `json:"id,omitempty"`
	Origin string         `json:"origin,omitempty"`
	Data   *Rule          `json:"data,omitempty"`
	Rules  []Rule         `json:"rules,omitempty"`
}

// ExecutedEvent is the wire document on TopicExecuted.
type ExecutedEvent struct {
	RuleID     int64     `json:"rule_id"`
	Name       string    `json:"name"`
	ExecutedAt time.Time `json:"executed_at"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
