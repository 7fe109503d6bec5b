package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/italolelis/seedbox_relay/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ReserveIsExclusivePerRequester(t *testing.T) {
	r := NewRegistry()

	first, err := r.Reserve("alice", "chat-1")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.Started())

	_, err = r.Reserve("alice", "chat-1")
	assert.ErrorIs(t, err, ErrSessionActive)

	_, err = r.Reserve("bob", "chat-2")
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestRegistry_ConcurrentReserve(t *testing.T) {
	r := NewRegistry()

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if _, err := r.Reserve("alice", "chat"); err == nil {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
}

func TestRegistry_BindAndCancel(t *testing.T) {
	r := NewRegistry()

	s, err := r.Reserve("alice", "chat-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(context.Background())
	done := make(chan struct{})
	ref := chat.MessageRef{ChatID: "chat-1", MessageID: 7}

	bound, err := r.Bind("alice", s.ID, Binding{JobID: "job-1", Link: "magnet:?xt=abc", Status: ref, Cancel: cancel, Done: done})
	require.NoError(t, err)
	assert.True(t, bound.Started())
	assert.Equal(t, "job-1", bound.JobID)
	assert.Equal(t, ref, bound.Status)

	got, ok := r.Get("alice")
	require.True(t, ok)

	cause := errors.New("stop")
	assert.True(t, got.Cancel(cause))
	assert.ErrorIs(t, context.Cause(ctx), cause)
}

func TestRegistry_BindRejectsStaleSession(t *testing.T) {
	r := NewRegistry()

	_, err := r.Bind("alice", "nope", Binding{})
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = r.Reserve("alice", "chat")
	require.NoError(t, err)

	_, err = r.Bind("alice", "other-id", Binding{})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRegistry_ReleaseOnlyOwnSession(t *testing.T) {
	r := NewRegistry()

	old, err := r.Reserve("alice", "chat")
	require.NoError(t, err)
	require.True(t, r.Release("alice", old.ID))

	current, err := r.Reserve("alice", "chat")
	require.NoError(t, err)

	assert.False(t, r.Release("alice", old.ID), "a finished session must not free its replacement")

	_, ok := r.Get("alice")
	assert.True(t, ok)

	assert.True(t, r.Release("alice", current.ID))
	assert.Empty(t, r.List())
}

func TestSession_CancelWithoutMonitor(t *testing.T) {
	var s Session
	assert.False(t, s.Cancel(errors.New("x")))
	assert.Nil(t, s.Done())
}
