package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBeginCompleteReplay(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	s := NewStore(time.Minute)
	s.now = func() time.Time { return now }

	ok, state, _ := s.Begin("k")
	assert.True(t, ok)
	assert.Equal(t, InFlight, state)

	ok, state, _ = s.Begin("k")
	assert.False(t, ok)
	assert.Equal(t, InFlight, state)

	s.Complete("k", Response{StatusCode: 200, Body: []byte("done")})
	ok, state, resp := s.Begin("k")
	assert.False(t, ok)
	assert.Equal(t, Done, state)
	assert.Equal(t, "done", string(resp.Body))

	now = base.Add(2 * time.Minute)
	ok, _, _ = s.Begin("k")
	assert.True(t, ok, "expired responses are not replayed")
}

func TestAbandonReleasesKey(t *testing.T) {
	s := NewStore(0)
	ok, _, _ := s.Begin("k")
	assert.True(t, ok)
	s.Abandon("k")
	ok, _, _ = s.Begin("k")
	assert.True(t, ok)
}
