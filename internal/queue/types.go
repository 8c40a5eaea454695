// Package queue implements the durable, Postgres-resident event queue:
// the closed event/action/message model, the FOR UPDATE SKIP LOCKED
// selector, and the failure/retry/maintenance policy built on top of it.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MaxAttempts is the cap on how many times the worker may start an event
// before it is marked failed outright, matching
// original_source/indexer.py's MAX_ATTEMPTS.
const MaxAttempts = 5

// State is one of the four event_state enum values (spec.md §6.1).
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Action is the closed set of side-effectful operations a handler can
// perform, matching the event_queue.action column.
type Action string

const (
	ActionIndex       Action = "index"
	ActionCopyImage   Action = "copy_image"
	ActionDeleteImage Action = "delete_image"
	ActionDeindex     Action = "deindex"
	ActionNoop        Action = "noop"
)

// Sentinel errors.
var (
	// ErrUnknownAction is returned when an event's action does not match
	// any of the five known variants — a programmer error per spec.md §7.
	ErrUnknownAction = errors.New("queue: unknown action")

	// ErrMalformedMessage is returned when message JSON does not match
	// the shape its action requires.
	ErrMalformedMessage = errors.New("queue: malformed message for action")

	// ErrInvalidStateTransition is returned when the caller attempts a
	// transition the state machine forbids (e.g. mutating a completed
	// or failed row).
	ErrInvalidStateTransition = errors.New("queue: invalid state transition")

	// ErrNoEventReady is returned by ClaimNext when no event currently
	// satisfies the ready predicate.
	ErrNoEventReady = errors.New("queue: no event ready")
)

// Event is one durable queue row.
type Event struct {
	ID          int64
	State       State
	EntityType  string
	Action      Action
	Message     json.RawMessage
	DependsOn   []int64
	Attempts    int
	Created     time.Time
	LastUpdated time.Time
}

type (
	// IndexMessage is the payload of an index or deindex event.
	IndexMessage struct {
		GID string `json:"gid"`
	}

	// CopyImageMessage is the payload of a copy_image event.
	CopyImageMessage struct {
		ArtworkID int64  `json:"artwork_id"`
		OldGID    string `json:"old_gid"`
		NewGID    string `json:"new_gid"`
		Suffix    string `json:"suffix"`
	}

	// DeleteImageMessage is the payload of a delete_image event.
	DeleteImageMessage struct {
		ArtworkID int64  `json:"artwork_id"`
		GID       string `json:"gid"`
		Suffix    string `json:"suffix"`
	}

	// NoopMessage drives the retry/backoff machinery for tests and
	// operator tooling without touching the archive, taken verbatim
	// from original_source/handlers_base.py EventHandler.noop. On the
	// wire, Sleep is a plain number of seconds (SPEC_FULL.md's
	// "message = {fail: bool, sleep: seconds}"), not nanoseconds — see
	// MarshalJSON/UnmarshalJSON below.
	NoopMessage struct {
		Fail  bool
		Sleep time.Duration
	}

	noopMessageWire struct {
		Fail  bool    `json:"fail"`
		Sleep float64 `json:"sleep,omitempty"`
	}
)

// MarshalJSON encodes Sleep as a number of seconds.
func (m NoopMessage) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(noopMessageWire{Fail: m.Fail, Sleep: m.Sleep.Seconds()})
	if err != nil {
		return nil, fmt.Errorf("%w: noop: %w", ErrMalformedMessage, err)
	}

	return data, nil
}

// UnmarshalJSON decodes Sleep from a number of seconds.
func (m *NoopMessage) UnmarshalJSON(data []byte) error {
	var w noopMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("%w: noop: %w", ErrMalformedMessage, err)
	}

	m.Fail = w.Fail
	m.Sleep = time.Duration(w.Sleep * float64(time.Second))

	return nil
}

// ParseMessage decodes an event's Message into the struct its Action
// requires, rejecting unknown actions and malformed payloads as
// programmer errors (spec.md §7, §9 "dynamic-dispatch by action name ->
// tagged variant").
func ParseMessage(event Event) (any, error) {
	// Unknown keys are rejected, so one action's payload is not accepted
	// as another action's zero value.
	decode := func(v any) error {
		dec := json.NewDecoder(bytes.NewReader(event.Message))
		dec.DisallowUnknownFields()

		return dec.Decode(v) //nolint:wrapcheck
	}

	switch event.Action {
	case ActionIndex, ActionDeindex:
		var m IndexMessage
		if err := decode(&m); err != nil {
			return nil, fmt.Errorf("%w: action=%s: %w", ErrMalformedMessage, event.Action, err)
		}

		return m, nil
	case ActionCopyImage:
		var m CopyImageMessage
		if err := decode(&m); err != nil {
			return nil, fmt.Errorf("%w: action=%s: %w", ErrMalformedMessage, event.Action, err)
		}

		return m, nil
	case ActionDeleteImage:
		var m DeleteImageMessage
		if err := decode(&m); err != nil {
			return nil, fmt.Errorf("%w: action=%s: %w", ErrMalformedMessage, event.Action, err)
		}

		return m, nil
	case ActionNoop:
		var m NoopMessage
		if err := decode(&m); err != nil {
			return nil, fmt.Errorf("%w: action=%s: %w", ErrMalformedMessage, event.Action, err)
		}

		return m, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, event.Action)
	}
}

// MarshalMessage encodes one of the typed message structs back into the
// canonical JSON shape stored in event_queue.message. Used by tests and
// by anything that needs to build the duplicate-suppression key
// (entity_type, action, message) the same way Postgres does.
func MarshalMessage(m any) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to marshal message: %w", err)
	}

	return data, nil
}
