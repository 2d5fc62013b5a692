package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentease/streamrelay/internal/model"
	"github.com/agentease/streamrelay/internal/worker"
	"github.com/agentease/streamrelay/internal/worker/workertest"
)

func testHandle(sessionID string, pid int) *worker.Handle {
	return worker.NewHandle(sessionID, "u1", "rtsp://x", workertest.NewProcess(pid, worker.LaunchOptions{}), 0)
}

func TestRegistry_AttachAndClearWorker(t *testing.T) {
	r := NewRegistry(time.Second)
	_, err := r.Create("s1", "u1", "rtsp://x")
	require.NoError(t, err)

	first := testHandle("s1", 100)
	gen1, prev, err := r.AttachWorker("s1", first)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen1)
	assert.Nil(t, prev)

	s, _ := r.Get("s1")
	assert.Equal(t, model.SessionStateWorkerRunning, s.State)
	require.NotNil(t, s.WorkerPID)
	assert.Equal(t, 100, *s.WorkerPID)

	second := testHandle("s1", 101)
	gen2, prev, err := r.AttachWorker("s1", second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen2)
	assert.Same(t, first, prev)

	assert.False(t, r.ClearWorker("s1", gen1), "stale generation must not clear")
	s, _ = r.Get("s1")
	assert.Equal(t, 101, *s.WorkerPID)

	assert.True(t, r.ClearWorker("s1", gen2))
	s, _ = r.Get("s1")
	assert.Equal(t, model.SessionStateWorkerIdle, s.State)
	assert.Nil(t, s.WorkerPID)
	assert.False(t, r.ClearWorker("s1", gen2))
}

func TestRegistry_RemoveStopsWorker(t *testing.T) {
	r := NewRegistry(time.Second)
	_, err := r.Create("s1", "u1", "rtsp://x")
	require.NoError(t, err)

	proc := workertest.NewProcess(100, worker.LaunchOptions{})
	h := worker.NewHandle("s1", "u1", "rtsp://x", proc, 0)
	_, _, err = r.AttachWorker("s1", h)
	require.NoError(t, err)

	// Nothing drives this handle's exit, so Remove gives up once its
	// context is done after having force killed the process.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Remove(ctx, "s1")
	assert.Error(t, err)
	assert.True(t, proc.Killed())

	_, ok := r.Get("s1")
	assert.False(t, ok)
}

func TestRegistry_Create(t *testing.T) {
	r := NewRegistry(time.Second)

	s, err := r.Create("s1", "u1", "rtsp://x")
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.Equal(t, "u1", s.UserID)
	assert.Equal(t, "rtsp://x", s.StreamRef)
	assert.Equal(t, model.SessionStateCreated, s.State)
	assert.False(t, s.StartedAt.IsZero())
	assert.Nil(t, s.WorkerPID)

	_, err = r.Create("s1", "u2", "rtsp://y")
	assert.ErrorIs(t, err, model.ErrSessionExists)

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "u1", got.UserID)
}

func TestRegistry_Lookup(t *testing.T) {
	r := NewRegistry(time.Second)
	_, err := r.Create("s1", "u1", "rtsp://x")
	require.NoError(t, err)

	userID, stream, ok := r.Lookup("s1")
	assert.True(t, ok)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "rtsp://x", stream)

	_, _, ok = r.Lookup("missing")
	assert.False(t, ok)
}

func TestRegistry_UnknownSession(t *testing.T) {
	r := NewRegistry(time.Second)

	_, ok := r.Get("missing")
	assert.False(t, ok)

	_, _, err := r.AttachWorker("missing", nil)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.False(t, r.ClearWorker("missing", 1))

	_, err = r.Remove(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestRegistry_RemoveIsTerminal(t *testing.T) {
	r := NewRegistry(time.Second)
	_, err := r.Create("s1", "u1", "rtsp://x")
	require.NoError(t, err)

	s, err := r.Remove(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionStateTornDown, s.State)

	_, ok := r.Get("s1")
	assert.False(t, ok)
	_, _, err = r.AttachWorker("s1", nil)
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	_, err = r.Remove(context.Background(), "s1")
	assert.ErrorIs(t, err, model.ErrSessionNotFound)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_ListByOwner(t *testing.T) {
	r := NewRegistry(time.Second)
	for i, owner := range []string{"u1", "u2", "u1"} {
		_, err := r.Create(fmt.Sprintf("s%d", i), owner, "rtsp://x")
		require.NoError(t, err)
	}

	sessions := r.ListByOwner("u1")
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, "u1", s.UserID)
	}
	assert.Empty(t, r.ListByOwner("u3"))
	assert.NotNil(t, r.ListByOwner("u3"))
	assert.Equal(t, 3, r.Count())
	assert.Equal(t, 2, r.CountByOwner("u1"))
	assert.Len(t, r.List(), 3)
}

// TestRegistryGenerationProperty verifies that the last attach always wins:
// each attach returns the handle it replaced and only the newest generation
// can clear the worker.
func TestRegistryGenerationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("only the current generation clears the worker", prop.ForAll(
		func(attaches int, stale int) bool {
			r := NewRegistry(time.Second)
			if _, err := r.Create("s1", "u1", "rtsp://x"); err != nil {
				return false
			}

			var last uint64
			var current *worker.Handle
			for i := 0; i < attaches; i++ {
				h := testHandle("s1", 100+i)
				generation, prev, err := r.AttachWorker("s1", h)
				if err != nil || generation != last+1 || prev != current {
					return false
				}
				last = generation
				current = h
			}

			staleGen := uint64(stale % attaches)
			if staleGen != 0 && r.ClearWorker("s1", staleGen) {
				return false
			}
			s, ok := r.Get("s1")
			if !ok || s.WorkerGeneration != last || s.State != model.SessionStateWorkerRunning {
				return false
			}
			return r.ClearWorker("s1", last)
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
