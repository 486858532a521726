package state

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainEnv runs a minimal dispatch loop so scheduled tasks have somewhere to
// land, the way the node main loop does.
func drainEnv(t *testing.T) (*Env, *State) {
	t.Helper()
	ch := make(chan func(s *State) error, 16)
	ctx, cancel := context.WithCancelCause(context.Background())
	env := &Env{
		DispatchChannel: ch,
		Context:         ctx,
		Cancel:          cancel,
		Log:             slog.New(slog.DiscardHandler),
	}
	s := &State{Env: env, Modules: map[string]Module{}}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case fn := <-ch:
				_ = fn(s)
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		cancel(nil)
		<-done
	})
	return env, s
}

func TestDispatchWaitReturnsResult(t *testing.T) {
	env, _ := drainEnv(t)
	res, err := env.DispatchWait(func(s *State) (any, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res)
}

func TestScheduleTaskFires(t *testing.T) {
	env, _ := drainEnv(t)
	fired := make(chan struct{})
	env.ScheduleTask(func(s *State) error {
		close(fired)
		return nil
	}, time.Millisecond)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled task never ran")
	}
}

func TestScheduleTaskCancel(t *testing.T) {
	env, _ := drainEnv(t)
	fired := make(chan struct{}, 1)
	h := env.ScheduleTask(func(s *State) error {
		fired <- struct{}{}
		return nil
	}, 20*time.Millisecond)
	h.Cancel()
	h.Cancel() // idempotent
	select {
	case <-fired:
		t.Fatal("cancelled task still ran")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRepeatTaskCancelWhileRearming(t *testing.T) {
	env, _ := drainEnv(t)
	// cancellation races the re-arm on the timer goroutine; after Cancel
	// returns, no further ticks may land
	for i := 0; i < 8; i++ {
		ticks := make(chan struct{}, 64)
		h := env.RepeatTask(func(s *State) error {
			select {
			case ticks <- struct{}{}:
			default:
			}
			return nil
		}, time.Microsecond)
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("repeat task never ran")
		}
		h.Cancel()
		time.Sleep(2 * time.Millisecond)
		n := len(ticks)
		time.Sleep(10 * time.Millisecond)
		if len(ticks) > n {
			t.Fatal("task ticked after Cancel returned")
		}
	}
}

func TestRepeatTaskRepeatsUntilCancelled(t *testing.T) {
	env, _ := drainEnv(t)
	ticks := make(chan struct{}, 16)
	h := env.RepeatTask(func(s *State) error {
		ticks <- struct{}{}
		return nil
	}, time.Millisecond)
	for i := 0; i < 3; i++ {
		select {
		case <-ticks:
		case <-time.After(time.Second):
			t.Fatal("repeat task stalled")
		}
	}
	h.Cancel()
}
