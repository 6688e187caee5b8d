// Package state defines the lifecycle state machines shared across the
// orchestration core. Each entity (controller, session, waiting period,
// task monitor, process record) has one transition table; every status
// mutation in the system goes through Transition so illegal jumps are
// rejected in one place. Enum-to-string conversion happens only at the
// persistence boundary.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EntityType identifies which state machine to evaluate.
type EntityType string

const (
	// EntityController is the orchestrator-level lifecycle state machine.
	EntityController EntityType = "controller"
	// EntitySession is the per-session lifecycle state machine.
	EntitySession EntityType = "session"
	// EntityPeriod is the waiting-period lifecycle state machine.
	EntityPeriod EntityType = "period"
	// EntityTask is the task-completion monitor state machine.
	EntityTask EntityType = "task"
	// EntityProcess is the supervised process health state machine.
	EntityProcess EntityType = "process"
)

// Controller lifecycle states.
const (
	ControllerInactive   = "inactive"
	ControllerStarting   = "starting"
	ControllerMonitoring = "monitoring"
	ControllerWaiting    = "waiting"
	ControllerRestarting = "restarting"
	ControllerStopping   = "stopping"
	ControllerError      = "error"
)

// Session lifecycle states.
const (
	SessionInactive = "inactive"
	SessionActive   = "active"
	SessionWaiting  = "waiting"
	SessionStopped  = "stopped"
)

// Waiting-period lifecycle states.
const (
	PeriodPending   = "pending"
	PeriodActive    = "active"
	PeriodCompleted = "completed"
	PeriodCancelled = "cancelled"
)

// Task-completion monitor states.
const (
	TaskIdle              = "idle"
	TaskMonitoring        = "monitoring"
	TaskDetected          = "task_detected"
	TaskWaitingCompletion = "waiting_completion"
	TaskCompleted         = "completed"
	TaskTimeout           = "timeout"
)

// Supervised process health states.
const (
	ProcessStarting = "starting"
	ProcessRunning  = "running"
	ProcessStopping = "stopping"
	ProcessStopped  = "stopped"
	ProcessCrashed  = "crashed"
	ProcessZombie   = "zombie"
)

var allowedTransitions = map[EntityType]map[string]map[string]struct{}{
	EntityController: {
		ControllerInactive: {
			ControllerStarting: {},
		},
		ControllerStarting: {
			ControllerMonitoring: {},
			ControllerError:      {},
			ControllerStopping:   {},
		},
		ControllerMonitoring: {
			ControllerWaiting:    {},
			ControllerRestarting: {},
			ControllerStopping:   {},
			ControllerError:      {},
		},
		ControllerWaiting: {
			ControllerMonitoring: {},
			ControllerRestarting: {},
			ControllerStopping:   {},
			ControllerError:      {},
		},
		ControllerRestarting: {
			ControllerMonitoring: {},
			ControllerWaiting:    {},
			ControllerStopping:   {},
			ControllerError:      {},
		},
		ControllerError: {
			ControllerMonitoring: {},
			ControllerStopping:   {},
		},
		ControllerStopping: {
			ControllerInactive: {},
		},
	},
	EntitySession: {
		SessionInactive: {
			SessionActive:  {},
			SessionStopped: {},
		},
		SessionActive: {
			SessionWaiting: {},
			SessionStopped: {},
		},
		SessionWaiting: {
			SessionActive:  {},
			SessionStopped: {},
		},
	},
	EntityPeriod: {
		PeriodPending: {
			PeriodActive:    {},
			PeriodCancelled: {},
		},
		PeriodActive: {
			PeriodCompleted: {},
			PeriodCancelled: {},
		},
	},
	EntityTask: {
		TaskIdle: {
			TaskMonitoring: {},
		},
		TaskMonitoring: {
			TaskDetected: {},
			TaskIdle:     {},
		},
		TaskDetected: {
			TaskWaitingCompletion: {},
			TaskTimeout:           {},
		},
		TaskWaitingCompletion: {
			TaskCompleted: {},
			TaskTimeout:   {},
		},
		TaskCompleted: {
			TaskMonitoring: {},
		},
		TaskTimeout: {
			TaskMonitoring: {},
		},
	},
	EntityProcess: {
		ProcessStarting: {
			ProcessRunning: {},
			ProcessCrashed: {},
			ProcessStopped: {},
		},
		ProcessRunning: {
			ProcessStopping: {},
			ProcessCrashed:  {},
			ProcessStopped:  {},
			ProcessZombie:   {},
		},
		ProcessStopping: {
			ProcessStopped: {},
			ProcessCrashed: {},
		},
		ProcessZombie: {
			ProcessStopped: {},
			ProcessCrashed: {},
		},
	},
}

// Allowed reports whether a transition is legal for the given entity type.
func Allowed(entityType EntityType, fromState, toState string) bool {
	entityTransitions, ok := allowedTransitions[entityType]
	if !ok {
		return false
	}
	nextStates, ok := entityTransitions[strings.TrimSpace(fromState)]
	if !ok {
		return false
	}
	_, ok = nextStates[strings.TrimSpace(toState)]
	return ok
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for entity lifecycle"
	}
	return fmt.Sprintf(
		"cannot transition %s %q from %q to %q: %s",
		e.EntityType,
		e.EntityID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	EntityType EntityType
	EntityID   string
	FromState  string
	ToState    string
	Reason     string
	Actor      string
	Timestamp  time.Time
}

// Observer receives every validated transition, e.g. for event publication.
type Observer func(TransitionRecord)

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithClock configures the clock used for transition timestamps.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// WithObserver configures a callback invoked after each validated transition.
func WithObserver(observer Observer) Option {
	return func(machine *Machine) {
		machine.observer = observer
	}
}

// Machine validates deterministic state transitions and keeps a local audit
// history. It holds no entity state itself; callers apply the new state to
// their own structures after a nil error return.
type Machine struct {
	actor    string
	tracer   trace.Tracer
	now      func() time.Time
	observer Observer
	history  []TransitionRecord
}

// NewMachine builds a transition validator for the given actor label.
func NewMachine(actor string, options ...Option) *Machine {
	normalizedActor := strings.TrimSpace(actor)
	if normalizedActor == "" {
		normalizedActor = "orchestrator"
	}

	machine := &Machine{
		actor:   normalizedActor,
		tracer:  otel.Tracer("drydock/state"),
		now:     time.Now,
		history: []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	if machine.tracer == nil {
		machine.tracer = otel.Tracer("drydock/state")
	}

	return machine
}

// Transition validates one state transition and records it.
func (m *Machine) Transition(ctx context.Context, entityType EntityType, entityID, fromState, toState, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	normalizedReason := strings.TrimSpace(reason)

	_, span := m.tracer.Start(ctx, "state.transition")
	defer span.End()

	entityID = strings.TrimSpace(entityID)
	fromState = strings.TrimSpace(fromState)
	toState = strings.TrimSpace(toState)
	span.SetAttributes(
		attribute.String("entity_type", string(entityType)),
		attribute.String("entity_id", entityID),
		attribute.String("from_state", fromState),
		attribute.String("to_state", toState),
		attribute.String("reason", normalizedReason),
	)

	if entityID == "" {
		err := errors.New("entity id must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	if fromState == "" || toState == "" {
		err := errors.New("from and to states must not be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if !Allowed(entityType, fromState, toState) {
		err := &IllegalTransitionError{
			EntityType: entityType,
			EntityID:   entityID,
			FromState:  fromState,
			ToState:    toState,
			Reason:     "illegal transition for entity lifecycle",
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		EntityType: entityType,
		EntityID:   entityID,
		FromState:  fromState,
		ToState:    toState,
		Reason:     normalizedReason,
		Actor:      m.actor,
		Timestamp:  m.now().UTC(),
	}
	m.history = append(m.history, record)
	if m.observer != nil {
		m.observer(record)
	}
	span.SetStatus(codes.Ok, "state transition validated")

	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}
