package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionLegalPathsPerEntity(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		entityType EntityType
		path       []string
	}{
		{
			name:       "controller full restart cycle",
			entityType: EntityController,
			path: []string{
				ControllerInactive,
				ControllerStarting,
				ControllerMonitoring,
				ControllerWaiting,
				ControllerRestarting,
				ControllerMonitoring,
				ControllerStopping,
				ControllerInactive,
			},
		},
		{
			name:       "session limit then restart",
			entityType: EntitySession,
			path: []string{
				SessionInactive,
				SessionActive,
				SessionWaiting,
				SessionActive,
				SessionStopped,
			},
		},
		{
			name:       "period normal completion",
			entityType: EntityPeriod,
			path:       []string{PeriodPending, PeriodActive, PeriodCompleted},
		},
		{
			name:       "period cancelled while active",
			entityType: EntityPeriod,
			path:       []string{PeriodPending, PeriodActive, PeriodCancelled},
		},
		{
			name:       "task monitor completes work",
			entityType: EntityTask,
			path: []string{
				TaskIdle,
				TaskMonitoring,
				TaskDetected,
				TaskWaitingCompletion,
				TaskCompleted,
				TaskMonitoring,
			},
		},
		{
			name:       "process crash",
			entityType: EntityProcess,
			path:       []string{ProcessStarting, ProcessRunning, ProcessCrashed},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			machine := NewMachine("test")
			for i := 0; i+1 < len(tc.path); i++ {
				err := machine.Transition(
					context.Background(),
					tc.entityType,
					"entity-1",
					tc.path[i],
					tc.path[i+1],
					"test path",
				)
				require.NoError(t, err, "step %d: %s -> %s", i, tc.path[i], tc.path[i+1])
			}
			assert.Len(t, machine.History(), len(tc.path)-1)
		})
	}
}

func TestTransitionRejectsIllegalJumps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		entityType EntityType
		from       string
		to         string
	}{
		{"completed period cannot be cancelled", EntityPeriod, PeriodCompleted, PeriodCancelled},
		{"stopped session is terminal", EntitySession, SessionStopped, SessionActive},
		{"inactive session cannot wait", EntitySession, SessionInactive, SessionWaiting},
		{"controller cannot skip starting", EntityController, ControllerInactive, ControllerMonitoring},
		{"stopped process cannot restart in place", EntityProcess, ProcessStopped, ProcessRunning},
		{"unknown entity type", EntityType("fleet"), "a", "b"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			machine := NewMachine("test")
			err := machine.Transition(context.Background(), tc.entityType, "entity-1", tc.from, tc.to, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, &IllegalTransitionError{})

			var illegal *IllegalTransitionError
			require.ErrorAs(t, err, &illegal)
			assert.Equal(t, tc.from, illegal.FromState)
			assert.Equal(t, tc.to, illegal.ToState)
			assert.Empty(t, machine.History())
		})
	}
}

func TestTransitionValidatesArguments(t *testing.T) {
	t.Parallel()
	machine := NewMachine("")

	err := machine.Transition(context.Background(), EntitySession, "", SessionInactive, SessionActive, "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, &IllegalTransitionError{}))

	err = machine.Transition(context.Background(), EntitySession, "sess_1", "", SessionActive, "")
	require.Error(t, err)
}

func TestTransitionRecordsActorClockAndObserver(t *testing.T) {
	t.Parallel()

	frozen := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	var observed []TransitionRecord
	machine := NewMachine(
		"drydock-test",
		WithClock(func() time.Time { return frozen }),
		WithObserver(func(record TransitionRecord) { observed = append(observed, record) }),
	)

	require.NoError(t, machine.Transition(
		context.Background(),
		EntitySession,
		"sess_abc",
		SessionInactive,
		SessionActive,
		"monitoring started",
	))

	history := machine.History()
	require.Len(t, history, 1)
	assert.Equal(t, "drydock-test", history[0].Actor)
	assert.Equal(t, frozen, history[0].Timestamp)
	assert.Equal(t, "monitoring started", history[0].Reason)
	require.Len(t, observed, 1)
	assert.Equal(t, history[0], observed[0])
}

func TestAllowedTrimsWhitespace(t *testing.T) {
	t.Parallel()
	assert.True(t, Allowed(EntityPeriod, " pending ", "active"))
	assert.False(t, Allowed(EntityPeriod, "active", " pending"))
}
