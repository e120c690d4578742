package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionsButtonMessagePerStep(t *testing.T) {
	s := NewSessions()
	s.SetButtonMessage("u1", "i1", "waiting_list", 7, t0)

	assert.Equal(t, int64(7), s.ButtonMessage("u1", "i1", "waiting_list"))
	assert.Zero(t, s.ButtonMessage("u1", "i1", "waiting_choice"))
	assert.Zero(t, s.ButtonMessage("u2", "i1", "waiting_list"))

	// Moving to another step forgets the previous step's buttons.
	s.NextExample("u1", "i1", "waiting_choice", t0)
	s.NextExample("u1", "i1", "waiting_list", t0)
	assert.Zero(t, s.ButtonMessage("u1", "i1", "waiting_list"))
}

func TestSessionsExampleCounters(t *testing.T) {
	s := NewSessions()
	assert.Equal(t, 1, s.NextExample("u1", "i1", "a", t0))
	assert.Equal(t, 2, s.NextExample("u1", "i1", "a", t0))
	assert.Equal(t, 1, s.NextExample("u1", "i1", "b", t0))
	assert.Equal(t, 1, s.NextExample("u2", "i1", "a", t0))

	sess, ok := s.Get("u1", "i1")
	require.True(t, ok)
	assert.Equal(t, 2, sess.Examples["a"])
	assert.Equal(t, 1, sess.Examples["b"])
}

func TestSessionsEvictKeepsIndexConsistent(t *testing.T) {
	s := NewSessions()
	s.SetButtonMessage("u1", "a", "x", 1, t0)
	s.SetButtonMessage("u1", "b", "x", 2, t0)
	s.SetButtonMessage("u1", "c", "x", 3, t0)

	require.True(t, s.Evict("u1", "a"))
	assert.False(t, s.Evict("u1", "a"))
	assert.Equal(t, 2, s.Len())

	assert.Equal(t, int64(3), s.ButtonMessage("u1", "c", "x"))
	assert.Equal(t, int64(2), s.ButtonMessage("u1", "b", "x"))
}

func TestSessionsEvictIdle(t *testing.T) {
	s := NewSessions()
	s.NextExample("u1", "old", "x", t0)
	s.NextExample("u1", "old2", "x", t0.Add(time.Minute))
	s.NextExample("u1", "fresh", "x", t0.Add(5*time.Hour))

	n := s.EvictIdle(t0.Add(6*time.Hour+30*time.Minute), 6*time.Hour)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("u1", "fresh")
	assert.True(t, ok)
}
